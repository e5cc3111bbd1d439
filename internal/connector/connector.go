// Package connector defines the common lifecycle contract every upstream
// ingestion channel implements, and the narrow capability bundle the
// supervisor injects into each one.
package connector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meteologic/meteodata-collector/internal/adapter/observability"
	"github.com/meteologic/meteodata-collector/internal/domain"
	"github.com/meteologic/meteodata-collector/internal/ingest"
)

// State is the connector lifecycle state. Transitions are linear:
// Stopped → Starting → Running → Stopping → Stopped.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Connector is a long-lived component owning one upstream ingestion channel.
// Start runs until the passed context (the process shutdown token) is
// cancelled or Stop is called; both must be safe from any goroutine.
// Reload rebuilds runtime state from the registry and is equivalent to
// Stop-then-Start.
type Connector interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Reload(ctx context.Context) error
	Status() Status
}

// Status is a connector's self-reported snapshot, served by the control
// plane's status verb.
type Status struct {
	State       State
	LastError   string
	LastErrorAt time.Time
	LastInsert  time.Time
}

// String renders the status line returned to operators.
func (s Status) String() string {
	out := s.State.String()
	if s.LastInsert.IsZero() {
		out += " last_insert=never"
	} else {
		out += " last_insert=" + s.LastInsert.UTC().Format(time.RFC3339)
	}
	if s.LastError != "" {
		out += " last_error=" + s.LastError + " at=" + s.LastErrorAt.UTC().Format(time.RFC3339)
	}
	return out
}

// Deps is the capability subset a connector receives from the supervisor.
// Connectors never hold the supervisor itself, and never another connector's
// state.
type Deps struct {
	Registry domain.StationRegistry
	Cache    domain.StationCache
	Pipeline *ingest.Pipeline
	Log      *slog.Logger
}

// Tracker maintains a connector's status snapshot under a mutex and mirrors
// the state into the connector_state gauge. Connectors embed it.
type Tracker struct {
	name string

	mu     sync.Mutex
	status Status
}

// NewTracker creates a Tracker for the named connector.
func NewTracker(name string) *Tracker {
	return &Tracker{name: name}
}

// Name returns the connector name.
func (t *Tracker) Name() string { return t.name }

// SetState transitions the lifecycle state.
func (t *Tracker) SetState(s State) {
	t.mu.Lock()
	t.status.State = s
	t.mu.Unlock()
	observability.ConnectorState.WithLabelValues(t.name).Set(float64(s))
}

// RecordError retains the last error summary for the status verb.
func (t *Tracker) RecordError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	t.status.LastError = err.Error()
	t.status.LastErrorAt = time.Now()
	t.mu.Unlock()
}

// RecordInsert notes a successful insertion.
func (t *Tracker) RecordInsert(ts time.Time) {
	t.mu.Lock()
	if ts.After(t.status.LastInsert) {
		t.status.LastInsert = ts
	}
	t.mu.Unlock()
}

// Status returns the current snapshot.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// InState reports whether the tracker currently holds the given state.
func (t *Tracker) InState(s State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.State == s
}
