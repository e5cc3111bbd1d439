package mqttsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/meteologic/meteodata-collector/internal/connector"
	vp2dec "github.com/meteologic/meteodata-collector/internal/decoder/vp2"
	"github.com/meteologic/meteodata-collector/internal/domain"
	"github.com/meteologic/meteodata-collector/internal/ingest"
	"github.com/meteologic/meteodata-collector/internal/schedule"
)

// rainCounterKey is the cache key holding the last cumulative tip count seen
// from a Barani rain gauge.
const rainCounterKey = "rain_counter"

// barani tipping buckets count 0.2 mm per tip.
const baraniTipMM = 0.2

// settimeInterval is how often VP2 station clocks are resynchronised.
const settimeInterval = 6 * time.Hour

// dmpaftOverlap is subtracted from the cursor when requesting a back-fill, so
// records around the cursor are re-sent rather than risked missed. Re-sent
// records are absorbed by idempotent insertion.
const dmpaftOverlap = 2 * time.Hour

// Variants lists every supported payload dialect, keyed by the binding's
// variant column.
func Variants() map[string]Strategy {
	return map[string]Strategy{
		"generic":    Generic(),
		"objenious":  Objenious(),
		"chirpstack": Chirpstack(),
		"lorain":     Lorain(),
		"vp2":        VP2(),
	}
}

func acceptVariant(name string) func(domain.MQTTBinding) bool {
	return func(b domain.MQTTBinding) bool { return b.Variant == name }
}

// Generic handles the plain JSON dialect: bindings are addressed by the
// in-body stream identifier, quantities arrive under value.payload keyed by
// canonical field name.
func Generic() Strategy {
	type genericEnvelope struct {
		StreamID  string    `json:"streamId"`
		Timestamp time.Time `json:"timestamp"`
		Value     struct {
			Payload map[string]float64 `json:"payload"`
		} `json:"value"`
	}
	return Strategy{
		Suffix: "generic",
		Accept: acceptVariant("generic"),
		StreamID: func(payload []byte) (string, bool) {
			var env genericEnvelope
			if err := json.Unmarshal(payload, &env); err != nil || env.StreamID == "" {
				return "", false
			}
			return env.StreamID, true
		},
		Decode: func(_ context.Context, _ connector.Deps, b domain.MQTTBinding, payload []byte) (domain.Observation, ingest.Hook, error) {
			var env genericEnvelope
			if err := json.Unmarshal(payload, &env); err != nil {
				return domain.Observation{}, nil, fmt.Errorf("op=mqttsub.generic: %w: %w", domain.ErrInvalidMessage, err)
			}
			obs := domain.NewObservation(b.Station.ID, env.Timestamp)
			for name, v := range env.Value.Payload {
				obs.SetField(name, domain.Some(v))
			}
			obs.ComputeDerived()
			return obs, nil, nil
		},
	}
}

// Objenious handles the Objenious LoRa platform uplink format.
func Objenious() Strategy {
	type objeniousUplink struct {
		StreamID  string             `json:"stream_id"`
		Timestamp time.Time          `json:"timestamp"`
		Payload   map[string]float64 `json:"payload"`
	}
	return Strategy{
		Suffix: "objenious",
		Accept: acceptVariant("objenious"),
		StreamID: func(payload []byte) (string, bool) {
			var up objeniousUplink
			if err := json.Unmarshal(payload, &up); err != nil || up.StreamID == "" {
				return "", false
			}
			return up.StreamID, true
		},
		Decode: func(_ context.Context, _ connector.Deps, b domain.MQTTBinding, payload []byte) (domain.Observation, ingest.Hook, error) {
			var up objeniousUplink
			if err := json.Unmarshal(payload, &up); err != nil {
				return domain.Observation{}, nil, fmt.Errorf("op=mqttsub.objenious: %w: %w", domain.ErrInvalidMessage, err)
			}
			obs := domain.NewObservation(b.Station.ID, up.Timestamp)
			for name, v := range up.Payload {
				obs.SetField(objeniousField(name), domain.Some(v))
			}
			obs.ComputeDerived()
			return obs, nil, nil
		},
	}
}

// objeniousField maps Objenious sensor channel names onto canonical fields.
func objeniousField(name string) string {
	switch name {
	case "temperature":
		return "outside_temp"
	case "hygrometry":
		return "humidity"
	case "pluviometry":
		return "rainfall"
	case "wind":
		return "wind_speed"
	case "wind_direction":
		return "wind_dir"
	default:
		return name
	}
}

// Chirpstack handles ChirpStack application-server uplinks: bindings are
// addressed by devEUI, decoded quantities arrive under object.
func Chirpstack() Strategy {
	type chirpstackUplink struct {
		DeviceInfo struct {
			DevEUI string `json:"devEui"`
		} `json:"deviceInfo"`
		Time   time.Time          `json:"time"`
		Object map[string]float64 `json:"object"`
	}
	return Strategy{
		Suffix: "chirpstack",
		Accept: acceptVariant("chirpstack"),
		StreamID: func(payload []byte) (string, bool) {
			var up chirpstackUplink
			if err := json.Unmarshal(payload, &up); err != nil || up.DeviceInfo.DevEUI == "" {
				return "", false
			}
			return up.DeviceInfo.DevEUI, true
		},
		Decode: func(_ context.Context, _ connector.Deps, b domain.MQTTBinding, payload []byte) (domain.Observation, ingest.Hook, error) {
			var up chirpstackUplink
			if err := json.Unmarshal(payload, &up); err != nil {
				return domain.Observation{}, nil, fmt.Errorf("op=mqttsub.chirpstack: %w: %w", domain.ErrInvalidMessage, err)
			}
			obs := domain.NewObservation(b.Station.ID, up.Time)
			for name, v := range up.Object {
				obs.SetField(name, domain.Some(v))
			}
			obs.ComputeDerived()
			return obs, nil, nil
		},
	}
}

// Lorain handles Barani rain gauges, whose payload carries a cumulative tip
// counter. Rainfall is the counter delta against the cached previous value;
// without a fresh cached counter (first message, cache loss, counter reset)
// rainfall is reported absent, never zero.
func Lorain() Strategy {
	type lorainUplink struct {
		Time        time.Time `json:"time"`
		RainCounter *int64    `json:"rain_counter"`
		Temperature *float64  `json:"temperature"`
		Humidity    *float64  `json:"humidity"`
		Battery     *float64  `json:"battery"`
	}
	return Strategy{
		Suffix: "lorain",
		Accept: acceptVariant("lorain"),
		Decode: func(ctx context.Context, deps connector.Deps, b domain.MQTTBinding, payload []byte) (domain.Observation, ingest.Hook, error) {
			var up lorainUplink
			if err := json.Unmarshal(payload, &up); err != nil {
				return domain.Observation{}, nil, fmt.Errorf("op=mqttsub.lorain: %w: %w", domain.ErrInvalidMessage, err)
			}
			obs := domain.NewObservation(b.Station.ID, up.Time)
			if up.Temperature != nil {
				obs.OutsideTemp = domain.Some(*up.Temperature)
			}
			if up.Humidity != nil {
				obs.Humidity = domain.Some(*up.Humidity)
			}

			var hook ingest.Hook
			if up.RainCounter != nil {
				counter := *up.RainCounter
				if prev, err := deps.Cache.Get(ctx, b.Station.ID, rainCounterKey); err == nil && counter >= prev.Value {
					obs.Rainfall = domain.Some(float64(counter-prev.Value) * baraniTipMM)
				}
				hook = func(ctx context.Context, obs domain.Observation) error {
					return deps.Cache.Put(ctx, domain.CacheEntry{
						Station: b.Station.ID,
						Key:     rainCounterKey,
						Time:    obs.Time,
						Value:   counter,
					})
				}
			}
			obs.ComputeDerived()
			return obs, hook, nil
		},
	}
}

// VP2 handles Davis Vantage Pro 2 stations bridged onto the broker: uplinks
// are raw archive records, and two command duties run over the downlink
// topic. On subscription a DMPAFT back-fill is requested for stations whose
// cursor lags; every few hours a SETTIME keeps station clocks from drifting.
func VP2() Strategy {
	return Strategy{
		Suffix: "vp2",
		Accept: acceptVariant("vp2"),
		Decode: func(_ context.Context, _ connector.Deps, b domain.MQTTBinding, payload []byte) (domain.Observation, ingest.Hook, error) {
			obs, err := vp2dec.DecodeArchiveRecord(b.Station, payload)
			if err != nil {
				return domain.Observation{}, nil, err
			}
			return obs, nil, nil
		},
		OnSubscribed: func(ctx context.Context, deps connector.Deps, pub TopicPublisher, b domain.MQTTBinding) {
			cursor, err := deps.Registry.Cursor(ctx, b.Station.ID)
			if err != nil {
				deps.Log.Warn("cursor read failed before back-fill request",
					"station", b.Station.ID.String(), "error", err)
				return
			}
			st := b.Station
			st.LastArchive = cursor
			if !st.Behind(time.Now()) {
				return
			}
			since := cursor.Add(-dmpaftOverlap)
			cmd := "DMPAFT " + strconv.FormatInt(since.Unix(), 10)
			if err := pub.Publish(downlinkTopic(b.Topic), []byte(cmd)); err != nil {
				deps.Log.Warn("back-fill request failed",
					"station", b.Station.ID.String(), "error", err)
			}
		},
		Duty: func(ctx context.Context, deps connector.Deps, pub TopicPublisher, bindings func() []domain.MQTTBinding) error {
			return schedule.Every(ctx, settimeInterval, func(_ context.Context, deadline time.Time) error {
				cmd := "SETTIME " + strconv.FormatInt(deadline.Unix(), 10)
				for _, b := range bindings() {
					if err := pub.Publish(downlinkTopic(b.Topic), []byte(cmd)); err != nil {
						deps.Log.Warn("clock sync failed",
							"station", b.Station.ID.String(), "error", err)
					}
				}
				return nil
			})
		},
	}
}

// downlinkTopic is the command topic paired with an uplink topic.
func downlinkTopic(uplink string) string { return uplink + "/cmd" }
