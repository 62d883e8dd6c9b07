// Package server implements the leader's client-facing TCP endpoint.
//
// Each accepted connection is served by its own goroutine that reads
// newline-terminated request lines, parses them with package protocol and
// writes exactly one response line per request. A connection ends when the
// client sends EXIT, closes its side, or an I/O error occurs; none of these
// affect other connections or the server.
//
//	client ──"SET 1 hello"──▶ ClientServer ──Write──▶ Backend
//	client ◀──"OK SET 1"───── ClientServer ◀──nil───── Backend
package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/lni/goutils/syncutil"

	"github.com/dreamware/diskreg/internal/coordinator"
	"github.com/dreamware/diskreg/internal/protocol"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("client server closed")

// Bounds of the delay between failed accepts.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Backend executes client requests. *coordinator.Coordinator implements it.
type Backend interface {
	Write(ctx context.Context, id int64, value string) error
	Read(ctx context.Context, id int64) (string, error)
}

var _ Backend = (*coordinator.Coordinator)(nil)

// Config configures a ClientServer.
type Config struct {
	Backend Backend
	Logger  hclog.Logger
	Metrics *metrics.Set
}

// ClientServer accepts client connections and dispatches their commands to
// a Backend.
type ClientServer struct {
	backend  Backend
	logger   hclog.Logger
	stopper  *syncutil.Stopper
	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	conns    map[string]net.Conn
	accepted *metrics.Counter
	mu       sync.Mutex
	closed   bool
	stopOnce sync.Once
}

// New creates a ClientServer.
func New(cfg Config) *ClientServer {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewSet()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &ClientServer{
		backend:  cfg.Backend,
		logger:   cfg.Logger,
		stopper:  syncutil.NewStopper(),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]net.Conn),
		accepted: cfg.Metrics.NewCounter("diskreg_client_connections_total"),
	}
	cfg.Metrics.NewGauge("diskreg_client_connections", func() float64 {
		return float64(s.ActiveConnections())
	})
	return s
}

// ListenAndServe listens on addr and calls Serve.
func (s *ClientServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen for clients on %s", addr)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close is called, starting one
// goroutine per connection.
//
// Accept errors never stop the loop: Serve logs them and retries after a
// delay that starts at 5ms and doubles up to 1s, resetting on the next
// successful accept.
//
// Returns:
//   - ErrServerClosed once Close has been called
func (s *ClientServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("accepting client connections", "addr", ln.Addr().String())
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.logger.Warn("accept failed, retrying", "error", err, "delay", delay)
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				return ErrServerClosed
			}
			continue
		}
		delay = 0

		if !s.track(uuid.NewString(), conn) {
			conn.Close()
			return ErrServerClosed
		}
		s.accepted.Inc()
	}
}

// track registers conn and starts its worker. Both happen under mu so Close
// either sees the connection or track sees closed.
func (s *ClientServer) track(id string, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[id] = conn
	s.stopper.RunWorker(func() {
		defer s.untrack(id)
		s.handle(id, conn)
	})
	return true
}

func (s *ClientServer) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

func (s *ClientServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ActiveConnections returns the number of open client connections.
func (s *ClientServer) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Addr returns the listener address, or nil before Serve.
func (s *ClientServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *ClientServer) handle(id string, conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With("conn", id, "remote", conn.RemoteAddr().String())
	logger.Debug("client connected")

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) || line == "" {
				if !errors.Is(err, io.EOF) && !s.isClosed() {
					logger.Debug("client read failed", "error", err)
				}
				logger.Debug("client disconnected")
				return
			}
			// Unterminated final line: answer it, then the next read ends
			// the session.
		} else {
			line = line[:len(line)-1]
		}

		reply, exit := s.execute(line)
		if exit {
			logger.Debug("client sent EXIT")
			return
		}
		if _, err := writer.WriteString(reply + "\n"); err != nil {
			logger.Debug("client write failed", "error", err)
			return
		}
		if err := writer.Flush(); err != nil {
			logger.Debug("client write failed", "error", err)
			return
		}
	}
}

// execute runs one request line and returns the response line, or exit
// when the connection should close without a reply.
func (s *ClientServer) execute(line string) (string, bool) {
	cmd, err := protocol.Parse(line)
	if err != nil {
		return protocol.Error(err), false
	}

	switch cmd.Kind {
	case protocol.KindExit:
		return "", true
	case protocol.KindSet:
		if err := s.backend.Write(s.ctx, cmd.ID, cmd.Value); err != nil {
			if !errors.Is(err, coordinator.ErrQuorumNotReached) {
				s.logger.Error("write failed", "id", cmd.ID, "error", err)
			}
			return protocol.QuorumNotReached, false
		}
		return protocol.SetOK(cmd.ID), false
	case protocol.KindGet:
		value, err := s.backend.Read(s.ctx, cmd.ID)
		if err != nil {
			if !errors.Is(err, coordinator.ErrNotFound) {
				s.logger.Error("read failed", "id", cmd.ID, "error", err)
			}
			return protocol.NotFound(cmd.ID), false
		}
		return protocol.Value(cmd.ID, value), false
	default:
		return protocol.Error(protocol.ErrUnknownCommand), false
	}
}

// Close stops accepting, closes every live connection and waits for their
// goroutines to finish. It is safe to call more than once.
func (s *ClientServer) Close() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.listener != nil {
			err = s.listener.Close()
		}
		for _, conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		s.cancel()
		s.stopper.Stop()
	})
	return err
}
