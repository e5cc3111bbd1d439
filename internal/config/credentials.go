package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/meteologic/meteodata-collector/internal/domain"
)

// DefaultCredentialsPath is where the deployment drops the credentials file.
const DefaultCredentialsPath = "/etc/meteodata/db_credentials"

// Credentials carries everything read from the line-oriented `key = value`
// credentials file: store credentials, upstream API secrets and the worker
// pool size.
type Credentials struct {
	// Wide-column store.
	User     string
	Password string
	Host     string
	// Relational side store.
	PGUser     string
	PGPassword string
	PGHost     string

	WeatherlinkKey    string
	WeatherlinkSecret string
	FieldClimateKey   string
	FieldClimateSecret string
	ObjeniousKey      string

	// Threads is the worker-pool size, default 1.
	Threads int
}

// LoadCredentials parses the credentials file at path. Unknown keys are
// ignored so the file can be shared with the batch utilities. Lines starting
// with '#' and blank lines are skipped.
func LoadCredentials(path string) (Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("op=config.LoadCredentials: %w", err)
	}
	defer func() { _ = f.Close() }()

	creds := Credentials{Threads: 1}
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, found := strings.Cut(text, "=")
		if !found {
			return Credentials{}, fmt.Errorf("op=config.LoadCredentials: line %d: %w: missing '='", line, domain.ErrConfig)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "user":
			creds.User = value
		case "password":
			creds.Password = value
		case "host":
			creds.Host = value
		case "pguser":
			creds.PGUser = value
		case "pgpassword":
			creds.PGPassword = value
		case "pghost":
			creds.PGHost = value
		case "weatherlink-apiv2-key":
			creds.WeatherlinkKey = value
		case "weatherlink-apiv2-secret":
			creds.WeatherlinkSecret = value
		case "fieldclimate-key":
			creds.FieldClimateKey = value
		case "fieldclimate-secret":
			creds.FieldClimateSecret = value
		case "objenious-key":
			creds.ObjeniousKey = value
		case "threads":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return Credentials{}, fmt.Errorf("op=config.LoadCredentials: line %d: %w: threads=%q", line, domain.ErrConfig, value)
			}
			creds.Threads = n
		}
	}
	if err := sc.Err(); err != nil {
		return Credentials{}, fmt.Errorf("op=config.LoadCredentials: %w", err)
	}
	if creds.PGUser == "" || creds.PGHost == "" {
		return Credentials{}, fmt.Errorf("op=config.LoadCredentials: %w: relational store credentials missing", domain.ErrConfig)
	}
	return creds, nil
}

// PGDSN assembles the relational store connection string.
func (c Credentials) PGDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s/meteodata", c.PGUser, c.PGPassword, c.PGHost)
}
