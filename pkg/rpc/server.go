package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openstratus/stratus/pkg/engine"
	"github.com/openstratus/stratus/pkg/telemetry"
)

// WorkerBackend runs resource checks on behalf of remote engines. Satisfied
// by *engine.ResourceWorker and by *engine.Service.
type WorkerBackend interface {
	CheckResource(ctx context.Context, req *engine.CheckResourceRequest) (*engine.NodeOutput, error)
}

// ServerConfig configures a worker server.
type ServerConfig struct {
	// EngineID is announced in the READY frame.
	EngineID string

	// Hostname is announced in the READY frame. Empty uses os.Hostname.
	Hostname string

	// Version is announced in the READY frame.
	Version string
}

// Server accepts engine connections and executes their check requests on a
// worker backend. Every request runs on its own goroutine so a slow
// provisioning call never blocks the connection.
type Server struct {
	backend WorkerBackend
	cfg     ServerConfig
	logger  *telemetry.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	served   atomic.Int64
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewServer creates a worker server around backend.
func NewServer(backend WorkerBackend, cfg ServerConfig, tel *telemetry.Telemetry) *Server {
	if tel == nil {
		tel = telemetry.Nop()
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	return &Server{
		backend: backend,
		cfg:     cfg,
		logger:  tel.Logger.NewComponentLogger("rpc-server"),
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds addr and serves until ctx is cancelled or Close is
// called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.WithEngineID(s.cfg.EngineID).Infof("worker listening on %s", listener.Addr())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting and tears down open connections. In-flight checks are
// abandoned; the dispatching engine re-routes them as poisoned outputs.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	logger := s.logger.WithField("remote", conn.RemoteAddr().String())
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	encoder := NewEncoder(conn)
	decoder := NewDecoder(conn)

	if err := encoder.Encode(MessageTypeReady, &ReadyMessage{
		EngineID: s.cfg.EngineID,
		Hostname: s.cfg.Hostname,
		Version:  s.cfg.Version,
		PID:      os.Getpid(),
	}); err != nil {
		logger.WithError(err).Warn("failed to announce worker")
		return
	}

	var pending sync.WaitGroup
	defer pending.Wait()

	for {
		msg, err := decoder.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				logger.WithError(err).Warn("connection read failed")
			}
			return
		}
		if msg.Type != MessageTypeCheck {
			logger.Warnf("unexpected %s frame, dropping", msg.Type)
			continue
		}

		var check CheckMessage
		if err := DecodeInto(msg.Data, &check); err != nil {
			_ = encoder.Encode(MessageTypeError, &ErrorMessage{
				Code:    "bad_frame",
				Message: err.Error(),
			})
			continue
		}
		if err := check.Validate(); err != nil {
			_ = encoder.Encode(MessageTypeError, &ErrorMessage{
				ID:      check.ID,
				Code:    "invalid_request",
				Message: err.Error(),
			})
			continue
		}

		pending.Add(1)
		go func() {
			defer pending.Done()
			s.runCheck(ctx, encoder, logger, &check)
		}()
	}
}

func (s *Server) runCheck(ctx context.Context, encoder *Encoder, logger *telemetry.Logger, check *CheckMessage) {
	start := time.Now()
	req := check.Request
	output, err := s.backend.CheckResource(ctx, req)
	s.served.Add(1)

	if err != nil {
		logger.WithStackID(req.StackID).WithTraversalID(req.TraversalID).WithResourceKey(req.Key).
			WithError(err).Error("remote check failed")
		if encErr := encoder.Encode(MessageTypeError, &ErrorMessage{
			ID:        check.ID,
			Code:      engine.ClassOf(err),
			Message:   err.Error(),
			Retryable: engine.IsRetryable(err),
		}); encErr != nil {
			logger.WithError(encErr).Warn("failed to report check error")
		}
		return
	}

	if err := encoder.Encode(MessageTypeDone, &DoneMessage{
		ID:       check.ID,
		Output:   output,
		Duration: time.Since(start).Seconds(),
	}); err != nil {
		logger.WithStackID(req.StackID).WithResourceKey(req.Key).
			WithError(err).Warn("failed to report check result")
	}
}
