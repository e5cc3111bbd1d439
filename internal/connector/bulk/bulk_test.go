package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteologic/meteodata-collector/internal/connector"
	"github.com/meteologic/meteodata-collector/internal/connector/poll"
	"github.com/meteologic/meteodata-collector/internal/domain"
	"github.com/meteologic/meteodata-collector/internal/domain/domaintest"
	"github.com/meteologic/meteodata-collector/internal/ingest"
)

func TestDelimitedDecoder(t *testing.T) {
	rec, err := DelimitedDecoder{}.DecodeLine("07156;2024-03-15T10:00:00Z;outside_temp=5.2;humidity=80")
	require.NoError(t, err)
	assert.Equal(t, "07156", rec.ForeignID)
	assert.Equal(t, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC), rec.Time.UTC())
	assert.Equal(t, 5.2, rec.Fields["outside_temp"])
	assert.Equal(t, 80.0, rec.Fields["humidity"])

	for _, line := range []string{
		"",
		"07156",
		";2024-03-15T10:00:00Z",
		"07156;not-a-time",
		"07156;2024-03-15T10:00:00Z;garbage",
		"07156;2024-03-15T10:00:00Z;temp=NaNope",
	} {
		_, err := DelimitedDecoder{}.DecodeLine(line)
		assert.ErrorIs(t, err, domain.ErrInvalidMessage, "line %q", line)
	}
}

type bulkEnv struct {
	registry *domaintest.Registry
	wide     *domaintest.Sink
	conn     *Connector
}

func newBulkEnv(t *testing.T, sources ...Source) *bulkEnv {
	t.Helper()
	e := &bulkEnv{
		registry: domaintest.NewRegistry(),
		wide:     domaintest.NewSink(),
	}
	log := slog.Default()
	deps := connector.Deps{
		Registry: e.registry,
		Cache:    domaintest.NewCache(),
		Pipeline: ingest.New(e.registry, e.wide, domaintest.NewSink(), nil, log),
		Log:      log,
	}
	e.conn = New(deps, poll.NewPacedClient(5*time.Second, time.Millisecond), sources)
	return e
}

func (e *bulkEnv) addForeign(scheme, foreign string) domain.Station {
	st := domain.Station{ID: uuid.New(), PollPeriod: 20 * time.Minute}
	e.registry.Add(st)
	e.registry.Foreign[scheme+"/"+foreign] = st.ID
	return st
}

func TestFetchOne_SynopFile(t *testing.T) {
	var requested atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested.Store(r.URL.Path)
		fmt.Fprintln(w, "# bulletin")
		fmt.Fprintln(w, "07156;2024-03-15T10:00:00Z;outside_temp=5.2;humidity=80")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "07157;2024-03-15T10:00:00Z;outside_temp=4.0")
	}))
	defer srv.Close()

	src := SynopCurrent(srv.URL)
	e := newBulkEnv(t, src)
	s1 := e.addForeign("synop", "07156")
	s2 := e.addForeign("synop", "07157")

	tick := time.Date(2024, 3, 15, 10, 20, 0, 0, time.UTC)
	require.NoError(t, e.conn.fetchOne(context.Background(), src, tick))

	assert.Equal(t, "/synop.2024031510.csv", requested.Load())
	assert.Equal(t, 2, e.wide.Len())
	assert.True(t, e.wide.Has(s1.ID, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)))
	assert.True(t, e.wide.Has(s2.ID, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)))

	cursor, err := e.registry.Cursor(context.Background(), s1.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC), cursor)
}

func TestFetchOne_UnknownIdentifierDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "99999;2024-03-15T10:00:00Z;outside_temp=5.2")
		fmt.Fprintln(w, "07156;2024-03-15T10:00:00Z;outside_temp=3.0")
	}))
	defer srv.Close()

	src := SynopCurrent(srv.URL)
	e := newBulkEnv(t, src)
	known := e.addForeign("synop", "07156")

	require.NoError(t, e.conn.fetchOne(context.Background(), src, time.Now()))
	assert.Equal(t, 1, e.wide.Len(), "unknown identifier dropped, rest ingested")
	assert.Equal(t, known.ID, e.wide.Inserted[0].Station)
}

func TestFetchOne_BadLinesSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "garbage line")
		fmt.Fprintln(w, "07156;2024-03-15T10:00:00Z;outside_temp=3.0")
	}))
	defer srv.Close()

	src := SynopCurrent(srv.URL)
	e := newBulkEnv(t, src)
	e.addForeign("synop", "07156")

	require.NoError(t, e.conn.fetchOne(context.Background(), src, time.Now()))
	assert.Equal(t, 1, e.wide.Len())
}

func TestFetchOne_SinkFailureAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "07156;2024-03-15T10:00:00Z;outside_temp=3.0")
		fmt.Fprintln(w, "07156;2024-03-15T10:20:00Z;outside_temp=3.5")
	}))
	defer srv.Close()

	src := SynopCurrent(srv.URL)
	e := newBulkEnv(t, src)
	e.addForeign("synop", "07156")
	e.wide.FailOn = func(domain.Observation) error { return domain.ErrSinkUnavailable }

	err := e.conn.fetchOne(context.Background(), src, time.Now())
	require.ErrorIs(t, err, domain.ErrSinkUnavailable)
	assert.Zero(t, e.wide.Len())
}

func TestFetchOne_MissingFileErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	src := SynopCurrent(srv.URL)
	e := newBulkEnv(t, src)
	err := e.conn.fetchOne(context.Background(), src, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestSourceURLs(t *testing.T) {
	tick := time.Date(2024, 3, 15, 10, 20, 0, 0, time.UTC)
	assert.Equal(t, "http://x/synop.2024031510.csv", SynopCurrent("http://x").URL(tick))
	assert.Equal(t, "http://x/synop.20240314.csv", SynopDeferred("http://x").URL(tick),
		"deferred file is the previous day's")
	assert.Equal(t, "http://x/ship.2024031510.csv", ShipBuoy("http://x").URL(tick))
}

func TestSourceSchedules(t *testing.T) {
	assert.Equal(t, 20*time.Minute, SynopCurrent("").Period)
	assert.Equal(t, 6*time.Hour, ShipBuoy("").Period)

	deferred := SynopDeferred("")
	assert.Zero(t, deferred.Period)
	assert.Equal(t, 6, deferred.DailyHour)
	assert.Zero(t, deferred.DailyMinute)
}

func TestBulk_Lifecycle(t *testing.T) {
	e := newBulkEnv(t, SynopCurrent("http://127.0.0.1:0"))

	assert.True(t, e.conn.InState(connector.Stopped))
	require.NoError(t, e.conn.Start(context.Background()))
	assert.True(t, e.conn.InState(connector.Running))
	require.NoError(t, e.conn.Start(context.Background()), "double start is a no-op")

	require.NoError(t, e.conn.Stop())
	assert.True(t, e.conn.InState(connector.Stopped))
	require.NoError(t, e.conn.Stop(), "double stop is a no-op")
}
