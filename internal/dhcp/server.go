package dhcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-dhcp/hivemind/internal/metrics"
)

// maxFrameSize bounds a single inbound line.
const maxFrameSize = 64 * 1024

// Server accepts TCP connections and runs each one in its own goroutine.
// Messages are newline-delimited JSON objects, handled strictly in order per
// connection; replies are written back on the same connection.
type Server struct {
	handler  *Handler
	logger   *slog.Logger
	addr     string
	format   Format
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
	done  chan struct{}
	once  sync.Once
}

// NewServer creates a new protocol server bound to addr (host:port).
func NewServer(handler *Handler, addr string, format Format, logger *slog.Logger) *Server {
	return &Server{
		handler: handler,
		logger:  logger,
		addr:    addr,
		format:  format,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp4", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.logger.Info("lease server started",
		"address", ln.Addr().String(),
		"reply_format", string(s.format))

	s.wg.Add(1)
	go s.serve(ctx)
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) serve(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error("accepting connection", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

// track registers an open connection. It fails once Stop has begun.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	metrics.ConnectionsActive.Inc()
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	metrics.ConnectionsActive.Dec()
	conn.Close()
}

// serveConn reads frames until EOF. Closing the connection never undoes a
// lease already claimed on its behalf.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	logger := s.logger.With("conn", connID, "remote", conn.RemoteAddr().String())
	logger.Info("client connected")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		reply := s.processMessage(ctx, logger, line)
		if reply == nil {
			continue
		}
		if _, err := conn.Write(reply); err != nil {
			metrics.MessageErrors.WithLabelValues("send").Inc()
			logger.Error("sending reply", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-s.done:
		default:
			logger.Warn("reading from client", "error", err)
		}
	}
	logger.Info("client disconnected")
}

// processMessage runs one frame through Validate, Handle and Render.
// It returns nil when nothing should be sent.
func (s *Server) processMessage(ctx context.Context, logger *slog.Logger, line []byte) []byte {
	req, err := Validate(line)
	if err != nil {
		metrics.MessageErrors.WithLabelValues(errorKind(err)).Inc()
		logger.Warn("dropping invalid message", "error", err, "size", len(line))
		return nil
	}

	msgType := req.MessageType().String()
	metrics.MessagesReceived.WithLabelValues(msgType).Inc()
	start := time.Now()

	resp, err := s.handler.Handle(ctx, req)

	metrics.MessageProcessingDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.MessageErrors.WithLabelValues(errorKind(err)).Inc()
		if isSilentDrop(err) {
			logger.Warn("no reply sent", "error", err, "mac", req.MAC(), "msg_type", msgType)
		} else {
			logger.Error("handling message", "error", err, "mac", req.MAC(), "msg_type", msgType)
		}
		return nil
	}

	data, err := Render(resp, s.format)
	if err != nil {
		metrics.MessageErrors.WithLabelValues("encode").Inc()
		logger.Error("encoding reply", "error", err, "mac", req.MAC())
		return nil
	}
	metrics.RepliesSent.WithLabelValues(resp.MessageType().String()).Inc()
	logger.Debug("reply", "msg_type", resp.MessageType().String(), "mac", resp.MAC())
	return data
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to finish.
func (s *Server) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
	s.logger.Info("lease server stopped")
}
