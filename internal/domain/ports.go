package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StationRegistry reads station metadata and credentials and maintains the
// per-station last-archive cursor. Implementations provide their own
// concurrency control; the registry is read-mostly.
type StationRegistry interface {
	// Station loads one station by id; ErrNotFound if absent.
	Station(ctx context.Context, id uuid.UUID) (Station, error)
	// StationsForConnector lists stations served by the named connector class
	// (e.g. "weatherlink", "fieldclimate", "vp2", "synop", "shipbuoy").
	StationsForConnector(ctx context.Context, class string) ([]Station, error)
	// MQTTGroups lists broker subscription groups with their station bindings,
	// grouped by (host, port, user, password-hash).
	MQTTGroups(ctx context.Context) ([]MQTTGroup, error)
	// LookupByForeignID resolves an upstream identifier (SYNOP index, ship
	// call sign, LoRa devEUI) within a naming scheme to a station.
	LookupByForeignID(ctx context.Context, scheme, foreign string) (Station, error)
	// ForeignID is the reverse mapping: the station's identifier within a
	// scheme, ErrNotFound if the station carries none.
	ForeignID(ctx context.Context, scheme string, id uuid.UUID) (string, error)
	// Cursor returns the station's last-archive timestamp.
	Cursor(ctx context.Context, id uuid.UUID) (time.Time, error)
	// AdvanceCursor moves the cursor to ts if ts is strictly greater than the
	// stored value, otherwise it is a no-op. Never decreases the cursor.
	AdvanceCursor(ctx context.Context, id uuid.UUID, ts time.Time) error
}

// StationCache stores small cross-message continuity values. Reads apply the
// CacheFreshness policy: a stale entry yields ErrStale and must be treated as
// absent by callers.
type StationCache interface {
	Get(ctx context.Context, station uuid.UUID, key string) (CacheEntry, error)
	Put(ctx context.Context, entry CacheEntry) error
}

// ObservationSink persists canonical observations. Insertion is idempotent
// w.r.t. (station, timestamp): duplicate insertion must not produce duplicate
// rows.
type ObservationSink interface {
	Insert(ctx context.Context, obs Observation) error
}

// JobPublisher notifies downstream recomputation after successful insertion.
// Implementations must be safe for concurrent use.
type JobPublisher interface {
	PublishPastData(ctx context.Context, job PastDataJob) error
}
