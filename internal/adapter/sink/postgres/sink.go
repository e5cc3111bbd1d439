// Package postgres implements the relational side-store observation sink.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meteologic/meteodata-collector/internal/adapter/observability"
	"github.com/meteologic/meteodata-collector/internal/domain"
)

// Execer is the subset of *pgxpool.Pool the sink needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Sink writes observations into the relational store. Insertion is idempotent:
// (station_id, time) is the primary key and duplicates are discarded.
type Sink struct{ Pool Execer }

// NewSink constructs a Sink with the given pool.
func NewSink(p Execer) *Sink { return &Sink{Pool: p} }

var insertQuery = buildInsertQuery()

func buildInsertQuery() string {
	fields := domain.Observation{}.Fields()
	cols := make([]string, 0, len(fields)+3)
	params := make([]string, 0, len(fields)+3)
	cols = append(cols, "station_id", "day", "time")
	for _, f := range fields {
		cols = append(cols, f.Name)
	}
	for i := range cols {
		params = append(params, fmt.Sprintf("$%d", i+1))
	}
	return fmt.Sprintf(
		`INSERT INTO observations (%s) VALUES (%s) ON CONFLICT (station_id, time) DO NOTHING`,
		strings.Join(cols, ", "), strings.Join(params, ", "),
	)
}

// Insert writes one observation. Absent quantities become NULL, never zero.
func (s *Sink) Insert(ctx context.Context, obs domain.Observation) error {
	timer := prometheus.NewTimer(observability.SinkInsertDuration.WithLabelValues("postgres"))
	defer timer.ObserveDuration()

	fields := obs.Fields()
	args := make([]any, 0, len(fields)+3)
	args = append(args, obs.Station, obs.Day, obs.Time)
	for _, f := range fields {
		if f.Sample.Present {
			args = append(args, f.Sample.Value)
		} else {
			args = append(args, nil)
		}
	}
	if _, err := s.Pool.Exec(ctx, insertQuery, args...); err != nil {
		observability.SinkFailuresTotal.WithLabelValues("postgres").Inc()
		return fmt.Errorf("op=sink.postgres.insert: %w: %w", domain.ErrSinkUnavailable, err)
	}
	return nil
}

var _ domain.ObservationSink = (*Sink)(nil)
