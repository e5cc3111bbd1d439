package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meteologic/meteodata-collector/internal/domain"
)

// Registry implements domain.StationRegistry over the relational store.
// The registry is read-mostly; pgx's pool provides the concurrency control.
type Registry struct{ Pool PgxPool }

// NewRegistry constructs a Registry with the given pool.
func NewRegistry(p PgxPool) *Registry { return &Registry{Pool: p} }

const stationColumns = `id, name, latitude, longitude, elevation, poll_period_minutes, timezone, last_archive`

func scanStation(row pgx.Row) (domain.Station, error) {
	var s domain.Station
	var pollMinutes int
	if err := row.Scan(&s.ID, &s.Name, &s.Latitude, &s.Longitude, &s.Elevation, &pollMinutes, &s.TimeZone, &s.LastArchive); err != nil {
		return domain.Station{}, err
	}
	s.PollPeriod = time.Duration(pollMinutes) * time.Minute
	s.LastArchive = s.LastArchive.UTC()
	return s, nil
}

// Station loads one station by id.
func (r *Registry) Station(ctx context.Context, id uuid.UUID) (domain.Station, error) {
	q := `SELECT ` + stationColumns + ` FROM stations WHERE id=$1`
	s, err := scanStation(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Station{}, fmt.Errorf("op=registry.station: %w", domain.ErrNotFound)
		}
		return domain.Station{}, fmt.Errorf("op=registry.station: %w", err)
	}
	return s, nil
}

// StationsForConnector lists the stations served by a connector class.
func (r *Registry) StationsForConnector(ctx context.Context, class string) ([]domain.Station, error) {
	q := `SELECT ` + stationColumns + ` FROM stations s
		JOIN station_connectors c ON c.station_id = s.id
		WHERE c.class = $1 AND c.enabled
		ORDER BY s.id`
	rows, err := r.Pool.Query(ctx, q, class)
	if err != nil {
		return nil, fmt.Errorf("op=registry.stations_for_connector: %w", err)
	}
	defer rows.Close()
	var out []domain.Station
	for rows.Next() {
		s, err := scanStation(rows)
		if err != nil {
			return nil, fmt.Errorf("op=registry.stations_for_connector: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=registry.stations_for_connector: %w", err)
	}
	return out, nil
}

// MQTTGroups lists broker subscription groups with their station bindings.
// Grouping by (host, port, user, password-hash) happens here so the subscriber
// never sees two groups sharing a transport.
func (r *Registry) MQTTGroups(ctx context.Context) ([]domain.MQTTGroup, error) {
	q := `SELECT m.host, m.port, m.username, m.password, m.topic, m.stream_id, m.variant, ` + stationColumns + `
		FROM mqtt_bindings m JOIN stations s ON s.id = m.station_id
		WHERE m.enabled
		ORDER BY m.host, m.port, m.username, s.id`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=registry.mqtt_groups: %w", err)
	}
	defer rows.Close()

	index := make(map[string]int)
	var groups []domain.MQTTGroup
	for rows.Next() {
		var creds domain.MQTTCredentials
		var b domain.MQTTBinding
		var pollMinutes int
		err := rows.Scan(&creds.Host, &creds.Port, &creds.User, &creds.Password,
			&b.Topic, &b.StreamID, &b.Variant,
			&b.Station.ID, &b.Station.Name, &b.Station.Latitude, &b.Station.Longitude,
			&b.Station.Elevation, &pollMinutes, &b.Station.TimeZone, &b.Station.LastArchive)
		if err != nil {
			return nil, fmt.Errorf("op=registry.mqtt_groups: %w", err)
		}
		b.Station.PollPeriod = time.Duration(pollMinutes) * time.Minute
		b.Station.LastArchive = b.Station.LastArchive.UTC()

		key := creds.GroupKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, domain.MQTTGroup{Credentials: creds})
		}
		groups[i].Bindings = append(groups[i].Bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=registry.mqtt_groups: %w", err)
	}
	return groups, nil
}

// LookupByForeignID resolves an upstream identifier within a naming scheme.
func (r *Registry) LookupByForeignID(ctx context.Context, scheme, foreign string) (domain.Station, error) {
	q := `SELECT ` + stationColumns + ` FROM stations s
		JOIN foreign_ids f ON f.station_id = s.id
		WHERE f.scheme = $1 AND f.foreign_id = $2`
	s, err := scanStation(r.Pool.QueryRow(ctx, q, scheme, foreign))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Station{}, fmt.Errorf("op=registry.lookup_foreign: %s/%s: %w", scheme, foreign, domain.ErrUnknownStation)
		}
		return domain.Station{}, fmt.Errorf("op=registry.lookup_foreign: %w", err)
	}
	return s, nil
}

// ForeignID returns the station's identifier within a naming scheme.
func (r *Registry) ForeignID(ctx context.Context, scheme string, id uuid.UUID) (string, error) {
	var foreign string
	q := `SELECT foreign_id FROM foreign_ids WHERE scheme = $1 AND station_id = $2`
	if err := r.Pool.QueryRow(ctx, q, scheme, id).Scan(&foreign); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=registry.foreign_id: %s/%s: %w", scheme, id, domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=registry.foreign_id: %w", err)
	}
	return foreign, nil
}

// Cursor returns the station's last-archive timestamp.
func (r *Registry) Cursor(ctx context.Context, id uuid.UUID) (time.Time, error) {
	var ts time.Time
	err := r.Pool.QueryRow(ctx, `SELECT last_archive FROM stations WHERE id=$1`, id).Scan(&ts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, fmt.Errorf("op=registry.cursor: %w", domain.ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("op=registry.cursor: %w", err)
	}
	return ts.UTC(), nil
}

// AdvanceCursor moves the cursor forward, never back. The monotonicity guard
// lives in the WHERE clause so concurrent advancers cannot regress it.
func (r *Registry) AdvanceCursor(ctx context.Context, id uuid.UUID, ts time.Time) error {
	q := `UPDATE stations SET last_archive=$2 WHERE id=$1 AND last_archive < $2`
	if _, err := r.Pool.Exec(ctx, q, id, ts.UTC()); err != nil {
		return fmt.Errorf("op=registry.advance_cursor: %w", err)
	}
	return nil
}
