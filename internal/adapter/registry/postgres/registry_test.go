package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteologic/meteodata-collector/internal/domain"
)

func assign(dest, src []any) error {
	if len(dest) != len(src) {
		return fmt.Errorf("scan arity: %d dest, %d src", len(dest), len(src))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *uuid.UUID:
			*p = src[i].(uuid.UUID)
		case *string:
			*p = src[i].(string)
		case *float64:
			*p = src[i].(float64)
		case *int:
			*p = src[i].(int)
		case *time.Time:
			*p = src[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan destination %T", d)
		}
	}
	return nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	rows [][]any
	i    int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.i++
	return r.i <= len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	return assign(dest, r.rows[r.i-1])
}

type fakePool struct {
	rowValues []any
	rowErr    error
	queryRows *fakeRows
	queryErr  error
	execErr   error

	lastSQL  string
	lastArgs []any
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.lastSQL, p.lastArgs = sql, args
	return pgconn.CommandTag{}, p.execErr
}

func (p *fakePool) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.lastSQL, p.lastArgs = sql, args
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	return p.queryRows, nil
}

func (p *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.lastSQL, p.lastArgs = sql, args
	return &fakeRow{values: p.rowValues, err: p.rowErr}
}

func stationRow(id uuid.UUID, name string, pollMinutes int, cursor time.Time) []any {
	return []any{id, name, 48.85, 2.35, 35.0, pollMinutes, "Europe/Paris", cursor}
}

func TestStation_ScansAndConverts(t *testing.T) {
	id := uuid.New()
	cursor := time.Date(2024, 3, 15, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	pool := &fakePool{rowValues: stationRow(id, "STA-2", 5, cursor)}

	st, err := NewRegistry(pool).Station(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, st.ID)
	assert.Equal(t, "STA-2", st.Name)
	assert.Equal(t, 5*time.Minute, st.PollPeriod)
	assert.Equal(t, "Europe/Paris", st.TimeZone)
	assert.Equal(t, cursor.UTC(), st.LastArchive)
	assert.Equal(t, []any{id}, pool.lastArgs)
}

func TestStation_NotFound(t *testing.T) {
	pool := &fakePool{rowErr: pgx.ErrNoRows}
	_, err := NewRegistry(pool).Station(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStationsForConnector(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	now := time.Now().UTC()
	pool := &fakePool{queryRows: &fakeRows{rows: [][]any{
		stationRow(a, "A", 5, now),
		stationRow(b, "B", 15, now),
	}}}

	stations, err := NewRegistry(pool).StationsForConnector(context.Background(), "weatherlink")
	require.NoError(t, err)
	require.Len(t, stations, 2)
	assert.Equal(t, a, stations[0].ID)
	assert.Equal(t, 15*time.Minute, stations[1].PollPeriod)
	assert.Equal(t, []any{"weatherlink"}, pool.lastArgs)
}

func TestMQTTGroups_GroupsByCredentials(t *testing.T) {
	s1, s2, s3 := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()
	row := func(host, user, pass, topic, stream, variant string, id uuid.UUID) []any {
		return append([]any{host, 8883, user, pass, topic, stream, variant},
			stationRow(id, "S", 5, now)...)
	}
	pool := &fakePool{queryRows: &fakeRows{rows: [][]any{
		row("b1", "u", "p", "t/1", "S1", "generic", s1),
		row("b1", "u", "p", "t/2", "S2", "generic", s2),
		row("b2", "u", "p", "t/3", "", "vp2", s3),
	}}}

	groups, err := NewRegistry(pool).MQTTGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2, "same credentials share one group")
	assert.Len(t, groups[0].Bindings, 2)
	assert.Equal(t, "b1", groups[0].Credentials.Host)
	assert.Equal(t, "S2", groups[0].Bindings[1].StreamID)
	assert.Equal(t, "vp2", groups[1].Bindings[0].Variant)
}

func TestLookupByForeignID_Unknown(t *testing.T) {
	pool := &fakePool{rowErr: pgx.ErrNoRows}
	_, err := NewRegistry(pool).LookupByForeignID(context.Background(), "synop", "07156")
	assert.ErrorIs(t, err, domain.ErrUnknownStation)
}

func TestForeignID_RoundTrip(t *testing.T) {
	id := uuid.New()
	pool := &fakePool{rowValues: []any{"07156"}}
	foreign, err := NewRegistry(pool).ForeignID(context.Background(), "synop", id)
	require.NoError(t, err)
	assert.Equal(t, "07156", foreign)
	assert.Equal(t, []any{"synop", id}, pool.lastArgs)

	pool = &fakePool{rowErr: pgx.ErrNoRows}
	_, err = NewRegistry(pool).ForeignID(context.Background(), "synop", id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCursor_UTC(t *testing.T) {
	local := time.Date(2024, 3, 15, 11, 0, 0, 0, time.FixedZone("CET", 3600))
	pool := &fakePool{rowValues: []any{local}}
	ts, err := NewRegistry(pool).Cursor(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, local.UTC(), ts)
	assert.Equal(t, time.UTC, ts.Location())
}

func TestAdvanceCursor_GuardInQuery(t *testing.T) {
	id := uuid.New()
	ts := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	pool := &fakePool{}

	require.NoError(t, NewRegistry(pool).AdvanceCursor(context.Background(), id, ts))
	assert.Contains(t, pool.lastSQL, "last_archive < $2",
		"monotonicity is enforced in the store, not in memory")
	assert.Equal(t, []any{id, ts}, pool.lastArgs)
}
