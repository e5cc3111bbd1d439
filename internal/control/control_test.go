package control

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteologic/meteodata-collector/internal/connector"
)

func TestParseCommand(t *testing.T) {
	assert.Equal(t, Command{Category: "general", Verb: "shutdown"}, ParseCommand("general shutdown"))
	assert.Equal(t, Command{Category: "connectors", Verb: "status", Argument: "mqtt-generic"},
		ParseCommand("  connectors   status   mqtt-generic  "))
	assert.Equal(t, Command{Category: "connectors"}, ParseCommand("connectors"))
	assert.Equal(t, Command{}, ParseCommand("   "))
	assert.Equal(t, "a b", ParseCommand("x y a b").Argument, "trailing fields join the argument")
}

type fakeConnector struct {
	*connector.Tracker
	startErr error
	reloaded int
}

func newFakeConnector(name string) *fakeConnector {
	return &fakeConnector{Tracker: connector.NewTracker(name)}
}

func (c *fakeConnector) Start(context.Context) error {
	if c.startErr != nil {
		return c.startErr
	}
	c.SetState(connector.Running)
	return nil
}

func (c *fakeConnector) Stop() error {
	c.SetState(connector.Stopped)
	return nil
}

func (c *fakeConnector) Reload(context.Context) error {
	c.reloaded++
	return nil
}

type fakeDir struct {
	conns map[string]connector.Connector
}

func (d *fakeDir) Connector(name string) (connector.Connector, bool) {
	c, ok := d.conns[name]
	return c, ok
}

func (d *fakeDir) Each(fn func(connector.Connector)) {
	for _, c := range d.conns {
		fn(c)
	}
}

func (d *fakeDir) RunContext() context.Context { return context.Background() }

func dirOf(conns ...*fakeConnector) *fakeDir {
	d := &fakeDir{conns: map[string]connector.Connector{}}
	for _, c := range conns {
		d.conns[c.Name()] = c
	}
	return d
}

func TestGeneralHandler(t *testing.T) {
	called := make(chan struct{}, 1)
	h := &GeneralHandler{Shutdown: func() { called <- struct{}{} }}

	reply, ok := h.Handle(ParseCommand("general shutdown"))
	require.True(t, ok)
	assert.Equal(t, "stopped", reply)
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown not invoked")
	}

	reply, ok = h.Handle(ParseCommand("general help"))
	require.True(t, ok)
	assert.Contains(t, reply, "general shutdown")

	reply, ok = h.Handle(ParseCommand("general frobnicate"))
	require.True(t, ok)
	assert.Contains(t, reply, "Unknown verb")

	_, ok = h.Handle(ParseCommand("connectors list"))
	assert.False(t, ok, "foreign category passed along")
}

func TestConnectorsHandler_ListAndStatus(t *testing.T) {
	a := newFakeConnector("bulk")
	a.SetState(connector.Running)
	b := newFakeConnector("vp2-ingress")
	b.SetState(connector.Running)
	h := &ConnectorsHandler{Dir: dirOf(a, b)}

	reply, ok := h.Handle(ParseCommand("connectors list"))
	require.True(t, ok)
	assert.Equal(t, "bulk\nvp2-ingress", reply)

	reply, _ = h.Handle(ParseCommand("connectors status vp2-ingress"))
	assert.Contains(t, reply, "RUNNING")
	assert.Contains(t, reply, "last_insert=never")
}

func TestConnectorsHandler_ListOmitsStopped(t *testing.T) {
	a := newFakeConnector("bulk")
	a.SetState(connector.Running)
	b := newFakeConnector("vp2-ingress")
	b.SetState(connector.Running)
	h := &ConnectorsHandler{Dir: dirOf(a, b)}

	reply, _ := h.Handle(ParseCommand("connectors stop vp2-ingress"))
	assert.Equal(t, "OK", reply)

	reply, _ = h.Handle(ParseCommand("connectors list"))
	assert.Equal(t, "bulk", reply)
	assert.NotContains(t, reply, "vp2-ingress")

	reply, _ = h.Handle(ParseCommand("connectors start vp2-ingress"))
	assert.Equal(t, "OK", reply)
	reply, _ = h.Handle(ParseCommand("connectors list"))
	assert.Equal(t, "bulk\nvp2-ingress", reply)
}

func TestConnectorsHandler_Lifecycle(t *testing.T) {
	c := newFakeConnector("bulk")
	h := &ConnectorsHandler{Dir: dirOf(c)}

	reply, _ := h.Handle(ParseCommand("connectors start bulk"))
	assert.Equal(t, "OK", reply)
	assert.True(t, c.InState(connector.Running))

	reply, _ = h.Handle(ParseCommand("connectors reload bulk"))
	assert.Equal(t, "OK", reply)
	assert.Equal(t, 1, c.reloaded)

	reply, _ = h.Handle(ParseCommand("connectors stop bulk"))
	assert.Equal(t, "OK", reply)
	assert.True(t, c.InState(connector.Stopped))
}

func TestConnectorsHandler_UnknownName(t *testing.T) {
	h := &ConnectorsHandler{Dir: dirOf()}
	for _, verb := range []string{"status", "start", "stop", "reload"} {
		reply, ok := h.Handle(ParseCommand("connectors " + verb + " nope"))
		require.True(t, ok)
		assert.Equal(t, `Unknown or unavailable connector "nope"`, reply)
	}
}

func TestConnectorsHandler_StartErrorReported(t *testing.T) {
	c := newFakeConnector("bulk")
	c.startErr = errors.New("bind: address in use")
	h := &ConnectorsHandler{Dir: dirOf(c)}

	reply, _ := h.Handle(ParseCommand("connectors start bulk"))
	assert.Equal(t, "bind: address in use", reply)
}

func startServer(t *testing.T, handlers ...Handler) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.sock")
	srv := NewServer(path, slog.Default(), handlers...)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return path
}

func roundTrip(t *testing.T, conn net.Conn, cmd string) string {
	t.Helper()
	_, err := conn.Write([]byte(cmd + "\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}

func TestServer_ServesCommands(t *testing.T) {
	c := newFakeConnector("bulk")
	c.SetState(connector.Running)
	path := startServer(t,
		&GeneralHandler{},
		&ConnectorsHandler{Dir: dirOf(c)},
	)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	assert.Equal(t, "bulk", roundTrip(t, conn, "connectors list"))
}

func TestServer_SessionServesSeveralCommands(t *testing.T) {
	c := newFakeConnector("bulk")
	path := startServer(t, &ConnectorsHandler{Dir: dirOf(c)})

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	reader := bufio.NewReader(conn)
	for _, want := range []string{"OK", "OK"} {
		_, err = conn.Write([]byte("connectors start bulk\n"))
		require.NoError(t, err)
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, want, strings.TrimSuffix(line, "\n"))
	}
}

func TestServer_UnknownCategory(t *testing.T) {
	path := startServer(t, &GeneralHandler{})

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	assert.Equal(t, `Unknown command "frobnicate"`, roundTrip(t, conn, "frobnicate now"))
}

func TestServer_ShutdownCommand(t *testing.T) {
	called := make(chan struct{}, 1)
	path := startServer(t, &GeneralHandler{Shutdown: func() { called <- struct{}{} }})

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	assert.Equal(t, "stopped", roundTrip(t, conn, "general shutdown"))
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown not propagated")
	}
}

func TestServer_RemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	srv := NewServer(path, slog.Default(), &GeneralHandler{})
	require.NoError(t, srv.Start(context.Background()))
	defer func() { _ = srv.Stop() }()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestServer_StopRemovesSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.sock")
	srv := NewServer(path, slog.Default(), &GeneralHandler{})
	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop())

	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	require.NoError(t, srv.Stop(), "double stop is a no-op")
}
