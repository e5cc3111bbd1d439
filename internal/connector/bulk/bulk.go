package bulk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/meteologic/meteodata-collector/internal/adapter/observability"
	"github.com/meteologic/meteodata-collector/internal/connector"
	"github.com/meteologic/meteodata-collector/internal/connector/poll"
	"github.com/meteologic/meteodata-collector/internal/domain"
	"github.com/meteologic/meteodata-collector/internal/ingest"
	"github.com/meteologic/meteodata-collector/internal/schedule"
)

// Cadence of each production feed.
const (
	synopCurrentPeriod = 20 * time.Minute
	shipBuoyPeriod     = 6 * time.Hour
	synopDeferredHour  = 6
)

// Source is one periodic bulk feed: a URL templated on the tick time, a
// foreign-id naming scheme and either an aligned period or a daily slot.
type Source struct {
	Name    string
	Scheme  string
	URL     func(tick time.Time) string
	Decoder Decoder

	// Period schedules aligned ticks; if zero, Daily hh:mm UTC applies.
	Period      time.Duration
	DailyHour   int
	DailyMinute int
}

// SynopCurrent is the 20-minute bulletin feed with the latest hour's reports.
func SynopCurrent(base string) Source {
	return Source{
		Name:    "synop-current",
		Scheme:  "synop",
		Period:  synopCurrentPeriod,
		Decoder: DelimitedDecoder{},
		URL: func(tick time.Time) string {
			return base + "/synop." + tick.UTC().Format("2006010215") + ".csv"
		},
	}
}

// SynopDeferred is the daily consolidated file for the previous day, covering
// late-arriving reports the 20-minute feed missed.
func SynopDeferred(base string) Source {
	return Source{
		Name:      "synop-deferred",
		Scheme:    "synop",
		DailyHour: synopDeferredHour,
		Decoder:   DelimitedDecoder{},
		URL: func(tick time.Time) string {
			return base + "/synop." + tick.UTC().AddDate(0, 0, -1).Format("20060102") + ".csv"
		},
	}
}

// ShipBuoy is the 6-hourly mobile-station feed.
func ShipBuoy(base string) Source {
	return Source{
		Name:    "ship-buoy",
		Scheme:  "ship",
		Period:  shipBuoyPeriod,
		Decoder: DelimitedDecoder{},
		URL: func(tick time.Time) string {
			return base + "/ship." + tick.UTC().Format("2006010215") + ".csv"
		},
	}
}

// Connector drives every configured bulk source on its own schedule.
type Connector struct {
	*connector.Tracker

	deps    connector.Deps
	client  *poll.PacedClient
	sources []Source

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the bulk connector over the given sources.
func New(deps connector.Deps, client *poll.PacedClient, sources []Source) *Connector {
	return &Connector{
		Tracker: connector.NewTracker("bulk"),
		deps:    deps,
		client:  client,
		sources: sources,
	}
}

// Start implements connector.Connector: one scheduling goroutine per source.
func (c *Connector) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return nil
	}
	c.SetState(connector.Starting)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	for _, src := range c.sources {
		src := src
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.run(runCtx, src)
		}()
	}
	c.SetState(connector.Running)
	return nil
}

// Stop implements connector.Connector.
func (c *Connector) Stop() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel == nil {
		return nil
	}
	c.SetState(connector.Stopping)
	c.cancel()
	c.wg.Wait()
	c.cancel = nil
	c.SetState(connector.Stopped)
	return nil
}

// Reload implements connector.Connector. Foreign identifiers are resolved
// per record against the registry, so there is no cached state to rebuild.
func (c *Connector) Reload(context.Context) error { return nil }

func (c *Connector) run(ctx context.Context, src Source) {
	tick := func(ctx context.Context, deadline time.Time) error {
		if err := c.fetchOne(ctx, src, deadline); err != nil {
			// A missing or malformed file costs one tick, never the schedule.
			c.RecordError(err)
			c.deps.Log.Warn("bulk fetch failed",
				"connector", c.Name(), "source", src.Name, "error", err)
		}
		return nil
	}

	var err error
	if src.Period > 0 {
		err = schedule.Every(ctx, src.Period, tick)
	} else {
		err = schedule.EveryDaily(ctx, src.DailyHour, src.DailyMinute, tick)
	}
	if err != nil && !errors.Is(err, domain.ErrStopped) {
		c.RecordError(err)
	}
}

// fetchOne downloads and ingests one file. Unknown identifiers and
// undecodable lines are dropped per line; a sink failure aborts the file
// (the next tick or the deferred feed re-covers it).
func (c *Connector) fetchOne(ctx context.Context, src Source, tick time.Time) error {
	url := src.URL(tick)
	resp, err := c.client.Get(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("op=bulk.fetch: %s: %w", src.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := src.Decoder.DecodeLine(line)
		if err != nil {
			c.deps.Log.Warn("undecodable bulk line",
				"connector", c.Name(), "source", src.Name, "error", err)
			observability.MessagesDroppedTotal.WithLabelValues(c.Name(), "decode").Inc()
			continue
		}

		station, err := c.deps.Registry.LookupByForeignID(ctx, src.Scheme, rec.ForeignID)
		if err != nil {
			c.deps.Log.Warn("bulk record for unknown station",
				"connector", c.Name(), "source", src.Name,
				"scheme", src.Scheme, "foreign_id", rec.ForeignID)
			observability.MessagesDroppedTotal.WithLabelValues(c.Name(), "unknown_station").Inc()
			continue
		}

		obs := domain.NewObservation(station.ID, rec.Time)
		for name, v := range rec.Fields {
			obs.SetField(name, domain.Some(v))
		}
		obs.ComputeDerived()

		err = c.deps.Pipeline.Insert(ctx, station, obs, ingest.Options{Connector: c.Name()})
		switch {
		case err == nil:
			c.RecordInsert(obs.Time)
		case errors.Is(err, domain.ErrInvalidMessage), errors.Is(err, domain.ErrFutureTimestamp):
			continue
		default:
			return fmt.Errorf("op=bulk.fetch: %s: %w", src.Name, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("op=bulk.fetch: %s: %w", src.Name, err)
	}
	return nil
}

var _ connector.Connector = (*Connector)(nil)
