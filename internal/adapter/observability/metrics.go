package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ObservationsInsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observations_inserted_total",
			Help: "Total number of observations inserted into both sinks",
		},
		[]string{"connector"},
	)
	MessagesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_dropped_total",
			Help: "Total number of upstream messages dropped, by reason",
		},
		[]string{"connector", "reason"},
	)
	SinkFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_failures_total",
			Help: "Total number of sink write failures",
		},
		[]string{"sink"},
	)
	SinkInsertDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sink_insert_duration_seconds",
			Help:    "Observation insert duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"sink"},
	)
	ConnectorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connector_state",
			Help: "Connector lifecycle state (0=stopped 1=starting 2=running 3=stopping)",
		},
		[]string{"connector"},
	)
	MQTTReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_reconnects_total",
			Help: "Total number of MQTT reconnect attempts",
		},
		[]string{"group"},
	)
)

var initOnce sync.Once

// InitMetrics registers all collector metrics with the default registry.
// Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			ObservationsInsertedTotal,
			MessagesDroppedTotal,
			SinkFailuresTotal,
			SinkInsertDuration,
			ConnectorState,
			MQTTReconnectsTotal,
		)
	})
}

// MetricsHandler returns the Prometheus scrape handler for the optional
// metrics listener.
func MetricsHandler() http.Handler { return promhttp.Handler() }
