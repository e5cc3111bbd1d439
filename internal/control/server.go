package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const (
	// ioTimeout bounds the initial read and every write of a session.
	ioTimeout = 6 * time.Second
	// drainTimeout is how long a session may idle between commands before
	// the server closes it.
	drainTimeout = 10 * time.Second
)

// Server owns the UNIX control socket and drives the handler chain. The
// first handler that claims a command produces the reply.
type Server struct {
	path     string
	handlers []Handler
	log      *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewServer builds the server for the given socket path.
func NewServer(path string, log *slog.Logger, handlers ...Handler) *Server {
	return &Server{path: path, handlers: handlers, log: log}
}

// Start binds the socket and begins serving. A stale socket file from an
// unclean previous run is removed first.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("op=control.start: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("op=control.start: %w", err)
	}
	s.ln = ln

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.acceptLoop(runCtx, ln)
	s.log.Info("control socket ready", slog.String("path", s.path))
	return nil
}

// Stop closes the socket and waits for in-flight sessions.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	_ = s.ln.Close()
	<-s.done
	s.wg.Wait()
	s.cancel = nil
	_ = os.Remove(s.path)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer close(s.done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("control accept failed", slog.Any("error", err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.session(conn)
		}()
	}
}

// session serves one operator connection: commands in, one reply per
// command. The first command must arrive promptly; after a reply the session
// stays open a little longer for follow-ups, then closes.
func (s *Server) session(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	reader := bufio.NewReader(conn)

	deadline := ioTimeout
	for {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("control session closed", slog.Any("error", err))
			}
			return
		}

		reply := s.dispatch(ParseCommand(line))
		_ = conn.SetWriteDeadline(time.Now().Add(ioTimeout))
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
		deadline = drainTimeout
	}
}

func (s *Server) dispatch(cmd Command) string {
	for _, h := range s.handlers {
		if reply, ok := h.Handle(cmd); ok {
			return reply
		}
	}
	return fmt.Sprintf("Unknown command %q", cmd.Category)
}
