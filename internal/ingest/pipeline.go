// Package ingest implements the uniform message → observation → sink pipeline
// shared by every connector: validation, dual-sink insertion, cursor
// bookkeeping and post-insertion hooks.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meteologic/meteodata-collector/internal/adapter/observability"
	"github.com/meteologic/meteodata-collector/internal/domain"
)

// Hook runs after a successful insertion; decoders use it to update cache
// entries (e.g. the Barani rain counter).
type Hook func(ctx context.Context, obs domain.Observation) error

// Options qualify one insertion.
type Options struct {
	// Connector labels logs and metrics.
	Connector string
	// PostInsert, if non-nil, runs after both sinks succeed.
	PostInsert Hook
}

// Pipeline is shared by all connectors. It holds only borrowed references;
// the sinks and registry provide their own concurrency control.
type Pipeline struct {
	registry   domain.StationRegistry
	wide       domain.ObservationSink
	relational domain.ObservationSink
	publisher  domain.JobPublisher // optional
	log        *slog.Logger
	now        func() time.Time
}

// New constructs the pipeline. publisher may be nil when no job publication
// is configured.
func New(registry domain.StationRegistry, wide, relational domain.ObservationSink, publisher domain.JobPublisher, log *slog.Logger) *Pipeline {
	return &Pipeline{
		registry:   registry,
		wide:       wide,
		relational: relational,
		publisher:  publisher,
		log:        log,
		now:        time.Now,
	}
}

// Insert runs the full pipeline for one observation.
//
// Invalid observations are dropped at warning level; implausibly future
// timestamps at error level. Insertion succeeds only if both sinks succeed;
// only then is the cursor advanced (monotonically, by the registry), the
// post-insert hook invoked and the past-data job published. On sink failure
// nothing else happens: redelivery is the upstream's responsibility.
func (p *Pipeline) Insert(ctx context.Context, station domain.Station, obs domain.Observation, opts Options) error {
	log := p.log.With(
		slog.String("connector", opts.Connector),
		slog.String("station", station.ID.String()),
	)

	if !obs.Valid() {
		log.Warn("dropping invalid message", slog.Time("time", obs.Time))
		observability.MessagesDroppedTotal.WithLabelValues(opts.Connector, "invalid").Inc()
		return fmt.Errorf("op=ingest.insert: %w", domain.ErrInvalidMessage)
	}
	if obs.Time.After(p.now().Add(domain.MaxFutureDrift)) {
		log.Error("dropping observation with implausible future timestamp", slog.Time("time", obs.Time))
		observability.MessagesDroppedTotal.WithLabelValues(opts.Connector, "future_timestamp").Inc()
		return fmt.Errorf("op=ingest.insert: %w", domain.ErrFutureTimestamp)
	}

	if err := p.wide.Insert(ctx, obs); err != nil {
		log.Error("wide-column insert failed", slog.Time("time", obs.Time), slog.Any("error", err))
		return fmt.Errorf("op=ingest.insert: %w", err)
	}
	if err := p.relational.Insert(ctx, obs); err != nil {
		log.Error("relational insert failed", slog.Time("time", obs.Time), slog.Any("error", err))
		return fmt.Errorf("op=ingest.insert: %w", err)
	}
	observability.ObservationsInsertedTotal.WithLabelValues(opts.Connector).Inc()

	// Both sinks succeeded: bookkeeping. The registry's cursor update is a
	// no-op unless the timestamp is strictly greater, so historical back-fill
	// never regresses the cursor.
	if err := p.registry.AdvanceCursor(ctx, station.ID, obs.Time); err != nil {
		log.Error("cursor update failed", slog.Any("error", err))
		return fmt.Errorf("op=ingest.insert: %w", err)
	}

	if opts.PostInsert != nil {
		if err := opts.PostInsert(ctx, obs); err != nil {
			// Hook failures lose only cross-message continuity state, never data.
			log.Warn("post-insert hook failed", slog.Any("error", err))
		}
	}

	if p.publisher != nil {
		job := domain.PastDataJob{Station: station.ID, Time: obs.Time, Day: obs.Day}
		if err := p.publisher.PublishPastData(ctx, job); err != nil {
			log.Warn("past-data job publication failed", slog.Any("error", err))
		}
	}
	return nil
}
