package vp2

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteologic/meteodata-collector/internal/connector"
	vp2dec "github.com/meteologic/meteodata-collector/internal/decoder/vp2"
	"github.com/meteologic/meteodata-collector/internal/domain"
	"github.com/meteologic/meteodata-collector/internal/domain/domaintest"
	"github.com/meteologic/meteodata-collector/internal/ingest"
)

type listenerEnv struct {
	registry *domaintest.Registry
	wide     *domaintest.Sink
	listener *Listener
	station  domain.Station
}

func newListenerEnv(t *testing.T) *listenerEnv {
	t.Helper()
	e := &listenerEnv{
		registry: domaintest.NewRegistry(),
		wide:     domaintest.NewSink(),
		station:  domain.Station{ID: uuid.New(), PollPeriod: 5 * time.Minute},
	}
	e.registry.Add(e.station)
	e.registry.Foreign["vp2/BRIDGE-7"] = e.station.ID

	log := slog.Default()
	deps := connector.Deps{
		Registry: e.registry,
		Cache:    domaintest.NewCache(),
		Pipeline: ingest.New(e.registry, e.wide, domaintest.NewSink(), nil, log),
		Log:      log,
	}
	e.listener = NewListener(deps, "127.0.0.1:0")
	require.NoError(t, e.listener.Start(context.Background()))
	t.Cleanup(func() { _ = e.listener.Stop() })
	return e
}

func dialBridge(t *testing.T, e *listenerEnv) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", e.listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func archiveRecord(when time.Time) []byte {
	raw := make([]byte, vp2dec.RecordLength)
	ds, ts := vp2dec.EncodeTimestamp(when)
	binary.LittleEndian.PutUint16(raw[0:2], ds)
	binary.LittleEndian.PutUint16(raw[2:4], ts)
	binary.LittleEndian.PutUint16(raw[4:6], 680) // 20 C
	binary.LittleEndian.PutUint16(raw[6:8], 32767)
	binary.LittleEndian.PutUint16(raw[8:10], 32767)
	binary.LittleEndian.PutUint16(raw[10:12], 0xFFFF)
	binary.LittleEndian.PutUint16(raw[12:14], 0xFFFF)
	binary.LittleEndian.PutUint16(raw[16:18], 32767)
	raw[23] = 60
	raw[24] = 255
	raw[25] = 255
	raw[27] = 255
	raw[28] = 255
	return raw
}

func readByte(t *testing.T, conn net.Conn) byte {
	t.Helper()
	one := make([]byte, 1)
	_, err := conn.Read(one)
	require.NoError(t, err)
	return one[0]
}

func TestListener_SessionInsertsRecords(t *testing.T) {
	e := newListenerEnv(t)
	conn := dialBridge(t, e)

	_, err := conn.Write([]byte("VP2 BRIDGE-7\n"))
	require.NoError(t, err)
	require.EqualValues(t, ack, readByte(t, conn), "handshake acknowledged")

	first := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err = conn.Write(archiveRecord(first.Add(time.Duration(i) * 5 * time.Minute)))
		require.NoError(t, err)
		require.EqualValues(t, ack, readByte(t, conn))
	}

	assert.Equal(t, 3, e.wide.Len())
	cursor, err := e.registry.Cursor(context.Background(), e.station.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Add(10*time.Minute), cursor)
}

func TestListener_UnknownBridgeRejected(t *testing.T) {
	e := newListenerEnv(t)
	conn := dialBridge(t, e)

	_, err := conn.Write([]byte("VP2 NOBODY\n"))
	require.NoError(t, err)

	one := make([]byte, 1)
	_, err = conn.Read(one)
	assert.Error(t, err, "connection closed without an ack")
	assert.Zero(t, e.wide.Len())
}

func TestListener_MalformedGreetingRejected(t *testing.T) {
	e := newListenerEnv(t)
	conn := dialBridge(t, e)

	_, err := conn.Write([]byte("HELLO\n"))
	require.NoError(t, err)

	one := make([]byte, 1)
	_, err = conn.Read(one)
	assert.Error(t, err)
}

func TestListener_BadRecordNakedSessionContinues(t *testing.T) {
	e := newListenerEnv(t)
	conn := dialBridge(t, e)

	_, err := conn.Write([]byte("VP2 BRIDGE-7\n"))
	require.NoError(t, err)
	require.EqualValues(t, ack, readByte(t, conn))

	// Dashed timestamp: undecodable, nak'd, session stays up.
	bad := archiveRecord(time.Now())
	binary.LittleEndian.PutUint16(bad[0:2], 0xFFFF)
	_, err = conn.Write(bad)
	require.NoError(t, err)
	require.EqualValues(t, nak, readByte(t, conn))

	_, err = conn.Write(archiveRecord(time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	require.EqualValues(t, ack, readByte(t, conn))
	assert.Equal(t, 1, e.wide.Len())
}

func TestListener_SinkFailureLeavesRecordUnacked(t *testing.T) {
	e := newListenerEnv(t)
	e.wide.FailOn = func(domain.Observation) error { return domain.ErrSinkUnavailable }
	conn := dialBridge(t, e)

	_, err := conn.Write([]byte("VP2 BRIDGE-7\n"))
	require.NoError(t, err)
	require.EqualValues(t, ack, readByte(t, conn))

	_, err = conn.Write(archiveRecord(time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	one := make([]byte, 1)
	_, err = conn.Read(one)
	assert.Error(t, err, "no ack for a record the sinks rejected")
	assert.Zero(t, e.wide.Len())
}

func TestListener_AcceptsConcurrentSessions(t *testing.T) {
	e := newListenerEnv(t)
	second := domain.Station{ID: uuid.New(), PollPeriod: 5 * time.Minute}
	e.registry.Add(second)
	e.registry.Foreign["vp2/BRIDGE-8"] = second.ID

	c1 := dialBridge(t, e)
	c2 := dialBridge(t, e)

	_, err := c1.Write([]byte("VP2 BRIDGE-7\n"))
	require.NoError(t, err)
	_, err = c2.Write([]byte("VP2 BRIDGE-8\n"))
	require.NoError(t, err)
	require.EqualValues(t, ack, readByte(t, c1))
	require.EqualValues(t, ack, readByte(t, c2))

	_, err = c2.Write(archiveRecord(time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	require.EqualValues(t, ack, readByte(t, c2))

	assert.True(t, e.wide.Has(second.ID, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)))
}

func TestListener_Lifecycle(t *testing.T) {
	e := newListenerEnv(t)
	assert.True(t, e.listener.InState(connector.Running))
	require.NoError(t, e.listener.Start(context.Background()), "double start is a no-op")

	require.NoError(t, e.listener.Stop())
	assert.True(t, e.listener.InState(connector.Stopped))
	require.NoError(t, e.listener.Stop(), "double stop is a no-op")

	_, err := net.DialTimeout("tcp", e.listener.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "stopped listener no longer accepts")
}
