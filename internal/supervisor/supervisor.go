// Package supervisor builds the connector set from configuration and the
// station registry, owns their shared shutdown token, and exposes the table
// the control plane operates on.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meteologic/meteodata-collector/internal/config"
	"github.com/meteologic/meteodata-collector/internal/connector"
	"github.com/meteologic/meteodata-collector/internal/connector/bulk"
	"github.com/meteologic/meteodata-collector/internal/connector/mqttsub"
	"github.com/meteologic/meteodata-collector/internal/connector/poll"
	"github.com/meteologic/meteodata-collector/internal/connector/vp2"
	"github.com/meteologic/meteodata-collector/internal/domain"
)

// Options tune connector construction. Zero values select production
// behavior; tests override the endpoints and the broker client factory.
type Options struct {
	Enabled             []string
	MQTTFactory         mqttsub.ClientFactory
	WeatherlinkBaseURL  string
	FieldClimateBaseURL string
	BulkBaseURL         string
}

// Supervisor owns every connector of the process. The table is fixed at
// construction; reloads happen inside the connectors.
type Supervisor struct {
	deps  connector.Deps
	cfg   config.Config
	creds config.Credentials

	mu    sync.Mutex
	order []string
	conns map[string]connector.Connector

	runCtx   context.Context
	shutdown context.CancelFunc
}

// New builds the connector set for the enabled classes. The registry is read
// once here; later changes are picked up through connector reloads.
func New(ctx context.Context, deps connector.Deps, cfg config.Config, creds config.Credentials, opts Options) (*Supervisor, error) {
	runCtx, cancel := context.WithCancel(ctx)
	s := &Supervisor{
		deps:     deps,
		cfg:      cfg,
		creds:    creds,
		conns:    map[string]connector.Connector{},
		runCtx:   runCtx,
		shutdown: cancel,
	}

	for _, class := range opts.Enabled {
		var err error
		switch class {
		case "mqtt":
			err = s.buildMQTT(ctx, opts)
		case "poll":
			s.buildPoll(opts)
		case "vp2":
			s.add(vp2.NewListener(deps, cfg.VP2ListenAddr))
		case "bulk":
			s.buildBulk(opts)
		default:
			err = fmt.Errorf("op=supervisor.new: %w: unknown connector class %q", domain.ErrConfig, class)
		}
		if err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

func (s *Supervisor) add(c connector.Connector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, c.Name())
	s.conns[c.Name()] = c
}

// buildMQTT creates one subscriber per (credentials group, payload variant)
// pair that has at least one binding.
func (s *Supervisor) buildMQTT(ctx context.Context, opts Options) error {
	groups, err := s.deps.Registry.MQTTGroups(ctx)
	if err != nil {
		return fmt.Errorf("op=supervisor.mqtt: %w", err)
	}

	variants := mqttsub.Variants()
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, group := range groups {
		for _, name := range names {
			strat := variants[name]
			claimed := 0
			for _, b := range group.Bindings {
				if strat.Accept == nil || strat.Accept(b) {
					claimed++
				}
			}
			if claimed == 0 {
				continue
			}
			s.add(mqttsub.NewSubscriber(s.deps, strat, group, s.cfg.MQTTCAFile, opts.MQTTFactory))
		}
	}
	return nil
}

func (s *Supervisor) buildPoll(opts Options) {
	client := poll.NewPacedClient(s.cfg.HTTPTimeout, s.cfg.PollMinGap)
	pollCfg := poll.Config{
		Tick:     s.cfg.PollTick,
		PageSize: s.cfg.PollPageSize,
		LookBack: s.cfg.LookBackHorizon,
	}

	s.add(poll.NewScheduler("poll-weatherlink", s.deps, pollCfg,
		s.apiFactory("weatherlink", func(st domain.Station, foreign string) poll.Downloader {
			return poll.NewWeatherlinkDownloader(st, foreign,
				s.creds.WeatherlinkKey, s.creds.WeatherlinkSecret, client, opts.WeatherlinkBaseURL)
		})))
	s.add(poll.NewScheduler("poll-fieldclimate", s.deps, pollCfg,
		s.apiFactory("fieldclimate", func(st domain.Station, foreign string) poll.Downloader {
			return poll.NewFieldClimateDownloader(st, foreign,
				s.creds.FieldClimateKey, s.creds.FieldClimateSecret, client, opts.FieldClimateBaseURL)
		})))
}

// apiFactory builds the downloader list for one polled API class. Stations
// without an upstream identifier are skipped; one bad row never blocks the
// rest of the class.
func (s *Supervisor) apiFactory(scheme string, build func(domain.Station, string) poll.Downloader) poll.DownloaderFactory {
	return func(ctx context.Context) ([]poll.Downloader, error) {
		stations, err := s.deps.Registry.StationsForConnector(ctx, scheme)
		if err != nil {
			return nil, fmt.Errorf("op=supervisor.poll: %w", err)
		}
		var out []poll.Downloader
		for _, st := range stations {
			foreign, err := s.deps.Registry.ForeignID(ctx, scheme, st.ID)
			if err != nil {
				s.deps.Log.Warn("station without upstream identifier skipped",
					"scheme", scheme, "station", st.ID.String())
				continue
			}
			out = append(out, build(st, foreign))
		}
		return out, nil
	}
}

func (s *Supervisor) buildBulk(opts Options) {
	base := opts.BulkBaseURL
	if base == "" {
		base = s.cfg.BulkBaseURL
	}
	client := poll.NewPacedClient(s.cfg.HTTPTimeout, s.cfg.PollMinGap)
	s.add(bulk.New(s.deps, client, []bulk.Source{
		bulk.SynopCurrent(base),
		bulk.SynopDeferred(base),
		bulk.ShipBuoy(base),
	}))
}

// StartAll starts every connector under the supervisor's run context. A
// connector that fails to start stays stopped and is reported; the rest run.
func (s *Supervisor) StartAll() error {
	var errs []error
	s.Each(func(c connector.Connector) {
		if err := c.Start(s.runCtx); err != nil {
			s.deps.Log.Error("connector failed to start",
				"connector", c.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	})
	return errors.Join(errs...)
}

// Connector implements control.Directory.
func (s *Supervisor) Connector(name string) (connector.Connector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[name]
	return c, ok
}

// Each implements control.Directory, visiting connectors in build order.
func (s *Supervisor) Each(fn func(connector.Connector)) {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	conns := make([]connector.Connector, 0, len(order))
	for _, name := range order {
		conns = append(conns, s.conns[name])
	}
	s.mu.Unlock()
	for _, c := range conns {
		fn(c)
	}
}

// RunContext implements control.Directory: the context restarted connectors
// run under, cancelled once shutdown begins.
func (s *Supervisor) RunContext() context.Context { return s.runCtx }

// Shutdown cancels the run context. Safe from any goroutine, including a
// control-plane handler; the main loop observes Done and calls Stop.
func (s *Supervisor) Shutdown() { s.shutdown() }

// Done reports process-shutdown initiation.
func (s *Supervisor) Done() <-chan struct{} { return s.runCtx.Done() }

// Stop shuts every connector down, bounded by the configured stop timeout so
// a wedged connector cannot hang process exit.
func (s *Supervisor) Stop() error {
	s.shutdown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		s.Each(func(c connector.Connector) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.Stop(); err != nil {
					s.deps.Log.Warn("connector stop failed",
						"connector", c.Name(), "error", err)
				}
			}()
		})
		wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.StopTimeout):
		return fmt.Errorf("op=supervisor.stop: timed out after %s", s.cfg.StopTimeout)
	}
}
