package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meteologic/meteodata-collector/internal/connector"
	"github.com/meteologic/meteodata-collector/internal/domain"
	"github.com/meteologic/meteodata-collector/internal/ingest"
	"github.com/meteologic/meteodata-collector/internal/schedule"
)

// Downloader is one pollable upstream for one station.
type Downloader interface {
	Station() domain.Station
	// LatestAvailable queries the remote's newest record timestamp (a cheap
	// HEAD-like call).
	LatestAvailable(ctx context.Context) (time.Time, error)
	// DownloadSince walks paginated history in (from, to], emitting records in
	// source order. A non-nil error from emit aborts the walk.
	DownloadSince(ctx context.Context, from, to time.Time, pageSize int, emit func(domain.Observation) error) error
}

// DownloaderFactory rebuilds the downloader set from the registry on reload.
type DownloaderFactory func(ctx context.Context) ([]Downloader, error)

// Config tunes the scheduler.
type Config struct {
	// Tick is the scheduler period; each tick visits every downloader.
	Tick time.Duration
	// PageSize is the pagination unit for history walks.
	PageSize int
	// LookBack clamps catch-up after long outages.
	LookBack time.Duration
}

// Scheduler drives N downloaders sharing one paced HTTP client. It implements
// connector.Connector.
type Scheduler struct {
	*connector.Tracker
	deps    connector.Deps
	cfg     Config
	factory DownloaderFactory
	log     *slog.Logger

	// downloaders is rebuilt under the write lock on reload; ticks iterate
	// under the read lock so an in-flight download is never interrupted.
	dlMu        sync.RWMutex
	downloaders []Downloader

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds the poll connector. The factory is consulted at start
// and on every reload.
func NewScheduler(name string, deps connector.Deps, cfg Config, factory DownloaderFactory) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.LookBack <= 0 {
		cfg.LookBack = 7 * 24 * time.Hour
	}
	return &Scheduler{
		Tracker: connector.NewTracker(name),
		deps:    deps,
		cfg:     cfg,
		factory: factory,
		log:     deps.Log.With(slog.String("connector", name)),
	}
}

// Add registers a downloader. Idempotent by station ID.
func (s *Scheduler) Add(d Downloader) {
	s.dlMu.Lock()
	defer s.dlMu.Unlock()
	for _, existing := range s.downloaders {
		if existing.Station().ID == d.Station().ID {
			return
		}
	}
	s.downloaders = append(s.downloaders, d)
}

// Start builds the downloader set and launches the tick loop. Starting a
// running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return nil
	}
	s.SetState(connector.Starting)

	if err := s.rebuild(ctx); err != nil {
		s.SetState(connector.Stopped)
		s.RecordError(err)
		return fmt.Errorf("op=poll.start: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)

	s.SetState(connector.Running)
	return nil
}

// Stop cancels the tick loop. Observable within one poll period; in practice
// immediately, because the loop selects on the context between downloads.
func (s *Scheduler) Stop() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.SetState(connector.Stopping)
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.SetState(connector.Stopped)
	return nil
}

// Reload atomically swaps the downloader list from the registry without
// interrupting an in-flight download.
func (s *Scheduler) Reload(ctx context.Context) error {
	if err := s.rebuild(ctx); err != nil {
		s.RecordError(err)
		return fmt.Errorf("op=poll.reload: %w", err)
	}
	return nil
}

func (s *Scheduler) rebuild(ctx context.Context) error {
	downloaders, err := s.factory(ctx)
	if err != nil {
		return err
	}
	s.dlMu.Lock()
	s.downloaders = downloaders
	s.dlMu.Unlock()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	err := schedule.Every(ctx, s.cfg.Tick, func(tickCtx context.Context, _ time.Time) error {
		s.tick(tickCtx)
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrStopped) {
		s.RecordError(err)
		s.log.Error("poll loop terminated", slog.Any("error", err))
	}
}

// tick visits every downloader in registration order. Failures from a single
// downloader are logged and isolated; the loop continues.
func (s *Scheduler) tick(ctx context.Context) {
	s.dlMu.RLock()
	downloaders := s.downloaders
	s.dlMu.RUnlock()

	for _, d := range downloaders {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.pollOne(ctx, d); err != nil && !errors.Is(err, domain.ErrStopped) {
			s.RecordError(err)
			s.log.Warn("downloader failed",
				slog.String("station", d.Station().ID.String()),
				slog.Any("error", err))
		}
	}
}

// pollOne catches one station up from its persisted cursor. The downloader
// computes its own window; it never relies on the scheduler to remember
// missed ticks.
func (s *Scheduler) pollOne(ctx context.Context, d Downloader) error {
	station := d.Station()
	cursor, err := s.deps.Registry.Cursor(ctx, station.ID)
	if err != nil {
		return fmt.Errorf("op=poll.poll_one: %w", err)
	}
	station.LastArchive = cursor

	latest, err := d.LatestAvailable(ctx)
	if err != nil {
		return fmt.Errorf("op=poll.poll_one: %w", err)
	}
	if !latest.After(cursor) {
		return nil
	}

	from := cursor
	if horizon := time.Now().Add(-s.cfg.LookBack); from.Before(horizon) {
		s.log.Info("clamping catch-up window to look-back horizon",
			slog.String("station", station.ID.String()),
			slog.Time("cursor", cursor),
			slog.Time("horizon", horizon))
		from = horizon
	}

	return d.DownloadSince(ctx, from, latest, s.cfg.PageSize, func(obs domain.Observation) error {
		err := s.deps.Pipeline.Insert(ctx, station, obs, ingest.Options{Connector: s.Name()})
		switch {
		case err == nil:
			s.RecordInsert(obs.Time)
			return nil
		case errors.Is(err, domain.ErrInvalidMessage), errors.Is(err, domain.ErrFutureTimestamp):
			// Dropped records do not abort the walk.
			return nil
		default:
			// A sink failure aborts the walk; the next tick resumes from the
			// cursor, which stopped at the last successfully inserted record.
			return err
		}
	})
}

var _ connector.Connector = (*Scheduler)(nil)
