// Package domain defines the canonical entities and ports of the collector:
// stations, observations, cache entries, and the registry/sink/cache/publisher
// interfaces every connector operates through.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Station is a logical weather sensor source.
// Invariants: exactly one record per ID; LastArchive is monotonically
// non-decreasing (enforced by StationRegistry.AdvanceCursor).
type Station struct {
	ID          uuid.UUID
	Name        string
	Latitude    float64
	Longitude   float64
	Elevation   float64
	PollPeriod  time.Duration
	TimeZone    string
	LastArchive time.Time
}

// Behind reports whether the station's cursor lags the given reference by more
// than one polling period. Used by the VP2 subscriber to decide on a DMPAFT
// back-fill request.
func (s Station) Behind(now time.Time) bool {
	if s.PollPeriod <= 0 {
		return false
	}
	return now.Sub(s.LastArchive) > s.PollPeriod
}

// MQTTCredentials identify one broker session. All stations sharing the same
// credentials ride a single transport.
type MQTTCredentials struct {
	Host     string
	Port     int
	User     string
	Password string
}

// GroupKey returns a stable key for the (host, port, user, password-hash)
// tuple. The password never appears in the key.
func (c MQTTCredentials) GroupKey() string {
	h := sha256.Sum256([]byte(c.Password))
	return fmt.Sprintf("%s:%d:%s:%s", c.Host, c.Port, c.User, hex.EncodeToString(h[:8]))
}

// MQTTBinding maps one station to its topic (or body-carried stream id) within
// a subscription group.
type MQTTBinding struct {
	Station  Station
	Topic    string
	StreamID string
	Variant  string
}

// MQTTGroup is the unit the multiplexed subscriber is instantiated over: one
// transport, many stations.
type MQTTGroup struct {
	Credentials MQTTCredentials
	Bindings    []MQTTBinding
}

// PastDataJob is published after a successful insertion so downstream
// recomputation (daily aggregates, monthly records) can be scheduled.
type PastDataJob struct {
	Station uuid.UUID `json:"station"`
	Time    time.Time `json:"time"`
	Day     time.Time `json:"day"`
}
