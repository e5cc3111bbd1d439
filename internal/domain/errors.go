package domain

import "errors"

// Error taxonomy (sentinels)
var (
	// ErrNotFound is returned when a station, cursor or cache entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidMessage marks an upstream message without a parseable timestamp
	// or without any present quantity.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrFutureTimestamp marks an observation timestamped beyond the plausible
	// future bound; such observations are dropped as invariant breaches.
	ErrFutureTimestamp = errors.New("timestamp too far in the future")
	// ErrUnknownStation is returned when a topic, stream id or foreign
	// identifier maps to no registered station.
	ErrUnknownStation = errors.New("unknown station")
	// ErrSinkUnavailable marks a sink write failure; the message is dropped and
	// the upstream redelivers or the next tick retries.
	ErrSinkUnavailable = errors.New("sink unavailable")
	// ErrStale marks a cache entry older than CacheFreshness.
	ErrStale = errors.New("cache entry stale")
	// ErrStopped is the terminal outcome of a cancelled timer wait or a stopped
	// connector.
	ErrStopped = errors.New("stopped")
	// ErrConfig marks a missing or unparseable configuration value.
	ErrConfig = errors.New("configuration error")
)
