// Package cassandra implements the wide-column observation sink.
//
// The observation table is keyed (station_id, day) with time as the
// clustering column, so one partition holds one station-day and insertion is
// idempotent by primary key.
package cassandra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meteologic/meteodata-collector/internal/adapter/observability"
	"github.com/meteologic/meteodata-collector/internal/domain"
)

// Executor abstracts statement execution so tests can substitute a fake for
// the gocql session.
type Executor interface {
	ExecContext(ctx context.Context, stmt string, values ...any) error
}

// SessionExecutor adapts a *gocql.Session to Executor.
type SessionExecutor struct{ Session *gocql.Session }

// ExecContext runs one CQL statement bound to ctx.
func (e SessionExecutor) ExecContext(ctx context.Context, stmt string, values ...any) error {
	return e.Session.Query(stmt, values...).WithContext(ctx).Exec()
}

// Connect opens a gocql session against the wide-column store.
func Connect(host, user, password, keyspace string) (*gocql.Session, error) {
	cluster := gocql.NewCluster(host)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	if user != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{Username: user, Password: password}
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("op=sink.cassandra.connect: %w", err)
	}
	return session, nil
}

// Sink writes observations into the wide-column store.
type Sink struct{ Exec Executor }

// NewSink constructs a Sink over the given executor.
func NewSink(e Executor) *Sink { return &Sink{Exec: e} }

var insertStmt = buildInsertStmt()

func buildInsertStmt() string {
	fields := domain.Observation{}.Fields()
	cols := make([]string, 0, len(fields)+3)
	cols = append(cols, "station_id", "day", "time")
	for _, f := range fields {
		cols = append(cols, f.Name)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO observations (%s) VALUES (%s)", strings.Join(cols, ", "), marks)
}

// Insert writes one observation. A CQL INSERT is an upsert, so redelivery of
// the same (station, timestamp) converges on a single row.
func (s *Sink) Insert(ctx context.Context, obs domain.Observation) error {
	timer := prometheus.NewTimer(observability.SinkInsertDuration.WithLabelValues("cassandra"))
	defer timer.ObserveDuration()

	fields := obs.Fields()
	values := make([]any, 0, len(fields)+3)
	values = append(values, obs.Station.String(), obs.Day, obs.Time)
	for _, f := range fields {
		if f.Sample.Present {
			values = append(values, f.Sample.Value)
		} else {
			values = append(values, nil)
		}
	}
	if err := s.Exec.ExecContext(ctx, insertStmt, values...); err != nil {
		observability.SinkFailuresTotal.WithLabelValues("cassandra").Inc()
		return fmt.Errorf("op=sink.cassandra.insert: %w: %w", domain.ErrSinkUnavailable, err)
	}
	return nil
}

var _ domain.ObservationSink = (*Sink)(nil)
