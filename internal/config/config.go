// Package config defines configuration parsing: environment settings, the
// line-oriented credentials file, and the daemon's command-line surface.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds environment-borne settings. Credentials live in the separate
// credentials file (see Credentials); the split mirrors how the daemon is
// deployed, with secrets in a root-owned file and tuning in the unit file.
type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"prod"`
	ControlSocket string `env:"CONTROL_SOCKET" envDefault:"/var/run/meteodata/control.sock"`
	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string `env:"METRICS_ADDR"`
	MQTTCAFile  string `env:"MQTT_CA_FILE" envDefault:"/etc/ssl/certs/ca-certificates.crt"`

	CassandraKeyspace string   `env:"CASSANDRA_KEYSPACE" envDefault:"meteodata"`
	KafkaBrokers      []string `env:"KAFKA_BROKERS" envSeparator:","`
	RedisAddr         string   `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	VP2ListenAddr string `env:"VP2_LISTEN_ADDR" envDefault:"0.0.0.0:5886"`

	// BulkBaseURL hosts the SYNOP and ship/buoy bulk files.
	BulkBaseURL string `env:"BULK_BASE_URL" envDefault:"https://donneespubliques.meteofrance.fr/donnees_libres/Txt/Synop"`

	// PollTick is the periodic-poll scheduler cadence; catch-up depth comes
	// from the per-station cursors, not from the tick.
	PollTick time.Duration `env:"POLL_TICK" envDefault:"5m"`

	// LookBackHorizon clamps periodic-poll catch-up after long outages.
	LookBackHorizon time.Duration `env:"LOOKBACK_HORIZON" envDefault:"168h"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT" envDefault:"60s"`
	// PollPageSize is the pagination unit for history downloads.
	PollPageSize int `env:"POLL_PAGE_SIZE" envDefault:"50"`
	// PollMinGap is the per-request floor pacing the shared HTTP client.
	PollMinGap time.Duration `env:"POLL_MIN_GAP" envDefault:"100ms"`

	StopTimeout time.Duration `env:"STOP_TIMEOUT" envDefault:"10s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the daemon runs in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }
