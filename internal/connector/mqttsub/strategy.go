// Package mqttsub implements the multiplexed MQTT subscriber: one broker
// session per credentials group, fanning messages out to per-station decoders.
package mqttsub

import (
	"context"

	"github.com/meteologic/meteodata-collector/internal/connector"
	"github.com/meteologic/meteodata-collector/internal/domain"
	"github.com/meteologic/meteodata-collector/internal/ingest"
)

// TopicPublisher sends a command payload back through the broker session.
type TopicPublisher interface {
	Publish(topic string, payload []byte) error
}

// Strategy specializes the subscriber for one payload dialect. Suffix and
// Decode are mandatory; the rest default to no-ops.
type Strategy struct {
	// Suffix distinguishes connector names, logs and metric labels.
	Suffix string

	// Decode turns one raw message into an observation, plus an optional
	// hook that runs after the observation lands in both sinks.
	Decode func(ctx context.Context, deps connector.Deps, b domain.MQTTBinding, payload []byte) (domain.Observation, ingest.Hook, error)

	// StreamID extracts the stream identifier from a payload, for dialects
	// whose bindings are addressed by body rather than by topic.
	StreamID func(payload []byte) (string, bool)

	// Accept filters which registry bindings this subscriber claims during
	// a reload. Nil accepts every binding of the group.
	Accept func(b domain.MQTTBinding) bool

	// OnSubscribed runs once per binding after the broker acknowledges the
	// subscription.
	OnSubscribed func(ctx context.Context, deps connector.Deps, pub TopicPublisher, b domain.MQTTBinding)

	// Duty, if set, runs for the lifetime of the session alongside message
	// handling (e.g. periodic station clock synchronisation).
	Duty func(ctx context.Context, deps connector.Deps, pub TopicPublisher, bindings func() []domain.MQTTBinding) error
}
