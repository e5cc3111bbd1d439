// Package vp2 accepts raw TCP sessions from Vantage Pro 2 station bridges:
// GPRS gateways that dial in, identify their station and stream archive
// records.
package vp2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/meteologic/meteodata-collector/internal/adapter/observability"
	"github.com/meteologic/meteodata-collector/internal/connector"
	vp2dec "github.com/meteologic/meteodata-collector/internal/decoder/vp2"
	"github.com/meteologic/meteodata-collector/internal/domain"
	"github.com/meteologic/meteodata-collector/internal/ingest"
)

const (
	// ioTimeout bounds every read and write on a session. Bridges over GPRS
	// stall often; a stalled session is dropped, not waited on.
	ioTimeout = 6 * time.Second

	ack = 0x06
	nak = 0x21
)

// foreignScheme is the registry naming scheme for bridge identifiers.
const foreignScheme = "vp2"

// Listener is the passive ingress connector. Each accepted connection runs
// its own session goroutine; the accept loop never blocks on a session.
type Listener struct {
	*connector.Tracker

	deps connector.Deps
	addr string

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	connMu sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// NewListener builds the ingress connector bound to addr.
func NewListener(deps connector.Deps, addr string) *Listener {
	return &Listener{
		Tracker: connector.NewTracker("vp2-ingress"),
		deps:    deps,
		addr:    addr,
		conns:   map[net.Conn]struct{}{},
	}
}

// Start implements connector.Connector.
func (l *Listener) Start(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.cancel != nil {
		return nil
	}
	l.SetState(connector.Starting)

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		l.SetState(connector.Stopped)
		return fmt.Errorf("op=vp2.start: %w", err)
	}
	l.connMu.Lock()
	l.ln = ln
	l.connMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.acceptLoop(runCtx, ln)
	l.SetState(connector.Running)
	return nil
}

// Stop implements connector.Connector: the listener closes first so no new
// sessions arrive, then every live session is closed and waited for.
func (l *Listener) Stop() error {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.cancel == nil {
		return nil
	}
	l.SetState(connector.Stopping)
	l.cancel()

	l.connMu.Lock()
	if l.ln != nil {
		_ = l.ln.Close()
	}
	for c := range l.conns {
		_ = c.Close()
	}
	l.connMu.Unlock()

	<-l.done
	l.wg.Wait()
	l.cancel = nil
	return nil
}

// Reload implements connector.Connector. Sessions resolve their station
// against the registry at identification time, so there is no cached state
// to rebuild.
func (l *Listener) Reload(context.Context) error { return nil }

// Addr returns the bound address, usable once Start returned.
func (l *Listener) Addr() net.Addr {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	defer close(l.done)
	defer l.SetState(connector.Stopped)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.RecordError(fmt.Errorf("op=vp2.accept: %w", err))
			continue
		}
		l.connMu.Lock()
		l.conns[conn] = struct{}{}
		l.connMu.Unlock()

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.session(ctx, conn)
			l.connMu.Lock()
			delete(l.conns, conn)
			l.connMu.Unlock()
		}()
	}
}

// session runs the bridge dialogue: an identification line, an ACK, then a
// stream of fixed-size archive records, each acknowledged individually so
// the bridge can purge its buffer.
func (l *Listener) session(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	log := l.deps.Log.With("connector", l.Name(), "remote", conn.RemoteAddr().String())

	station, err := l.identify(ctx, conn)
	if err != nil {
		log.Warn("session rejected", "error", err)
		observability.MessagesDroppedTotal.WithLabelValues(l.Name(), "unknown_station").Inc()
		return
	}
	log = log.With("station", station.ID.String())

	if err := l.write(conn, []byte{ack}); err != nil {
		log.Warn("handshake ack failed", "error", err)
		return
	}

	buf := make([]byte, vp2dec.RecordLength)
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(ioTimeout))
		if _, err := io.ReadFull(conn, buf); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn("session read failed", "error", err)
			}
			return
		}

		obs, err := vp2dec.DecodeArchiveRecord(station, buf)
		if err != nil {
			log.Warn("undecodable archive record", "error", err)
			observability.MessagesDroppedTotal.WithLabelValues(l.Name(), "decode").Inc()
			if err := l.write(conn, []byte{nak}); err != nil {
				return
			}
			continue
		}

		if err := l.deps.Pipeline.Insert(ctx, station, obs, ingest.Options{Connector: l.Name()}); err != nil {
			l.RecordError(err)
			// Without an ACK the bridge keeps the record and retries later.
			if errors.Is(err, domain.ErrInvalidMessage) || errors.Is(err, domain.ErrFutureTimestamp) {
				if err := l.write(conn, []byte{nak}); err != nil {
					return
				}
				continue
			}
			return
		}
		l.RecordInsert(obs.Time)
		if err := l.write(conn, []byte{ack}); err != nil {
			return
		}
	}
}

// identify reads the "VP2 <foreign-id>" greeting and resolves the station.
// The line is read byte-wise: archive records follow immediately, and a
// buffered read would swallow their first bytes.
func (l *Listener) identify(ctx context.Context, conn net.Conn) (domain.Station, error) {
	_ = conn.SetReadDeadline(time.Now().Add(ioTimeout))
	line, err := readLine(conn, 64)
	if err != nil {
		return domain.Station{}, fmt.Errorf("op=vp2.identify: %w", err)
	}
	fieldsOf := strings.Fields(strings.TrimSpace(line))
	if len(fieldsOf) != 2 || fieldsOf[0] != "VP2" {
		return domain.Station{}, fmt.Errorf("op=vp2.identify: %w: greeting %q", domain.ErrInvalidMessage, strings.TrimSpace(line))
	}
	station, err := l.deps.Registry.LookupByForeignID(ctx, foreignScheme, fieldsOf[1])
	if err != nil {
		return domain.Station{}, fmt.Errorf("op=vp2.identify: id %s: %w", fieldsOf[1], err)
	}
	return station, nil
}

func readLine(conn net.Conn, limit int) (string, error) {
	var b strings.Builder
	one := make([]byte, 1)
	for b.Len() < limit {
		if _, err := conn.Read(one); err != nil {
			return "", err
		}
		if one[0] == '\n' {
			return b.String(), nil
		}
		b.WriteByte(one[0])
	}
	return "", fmt.Errorf("greeting longer than %d bytes", limit)
}

func (l *Listener) write(conn net.Conn, p []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	_, err := conn.Write(p)
	return err
}

var _ connector.Connector = (*Listener)(nil)
