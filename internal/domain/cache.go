package domain

import (
	"time"

	"github.com/google/uuid"
)

// CacheFreshness is the single staleness horizon for station cache entries.
// A value older than this is treated as absent by every reader.
const CacheFreshness = 24 * time.Hour

// CacheEntry carries cross-message continuity state, e.g. a cumulative rain
// counter or a correction counter.
type CacheEntry struct {
	Station uuid.UUID
	Key     string
	Time    time.Time
	Value   int64
}

// Fresh reports whether the entry is within the freshness horizon at now.
func (e CacheEntry) Fresh(now time.Time) bool {
	return !e.Time.IsZero() && now.Sub(e.Time) <= CacheFreshness
}
