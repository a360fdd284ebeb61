package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openstratus/stratus/pkg/engine"
	"github.com/openstratus/stratus/pkg/telemetry"
)

const defaultHandshakeTimeout = 10 * time.Second

// ErrClosed is returned for requests issued after the connection went away.
var ErrClosed = errors.New("rpc: connection closed")

// Client is one engine-side connection to a remote worker. Requests are
// correlated by id, so any number of checks may be in flight concurrently.
type Client struct {
	conn    net.Conn
	encoder *Encoder
	ready   *ReadyMessage
	logger  *telemetry.Logger

	mu      sync.Mutex
	pending map[string]chan *result
	closed  bool
	readErr error
}

type result struct {
	output *engine.NodeOutput
	err    error
}

// ClientConfig configures a worker connection.
type ClientConfig struct {
	// Addr is the worker's TCP address.
	Addr string

	// DialTimeout bounds the TCP connect.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the wait for the READY frame.
	HandshakeTimeout time.Duration
}

// Dial connects to a worker and waits for its READY frame.
func Dial(ctx context.Context, cfg ClientConfig, tel *telemetry.Telemetry) (*Client, error) {
	if tel == nil {
		tel = telemetry.Nop()
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("worker address is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial worker %s: %w", cfg.Addr, err)
	}

	c := &Client{
		conn:    conn,
		encoder: NewEncoder(conn),
		logger:  tel.Logger.NewComponentLogger("rpc-client").WithField("worker", cfg.Addr),
		pending: make(map[string]chan *result),
	}

	if err := c.handshake(cfg.HandshakeTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(timeout time.Duration) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	decoder := NewDecoder(c.conn)
	msg, err := decoder.Decode()
	if err != nil {
		return fmt.Errorf("failed to read worker handshake: %w", err)
	}
	if msg.Type != MessageTypeReady {
		return fmt.Errorf("expected READY frame, got %s", msg.Type)
	}
	var ready ReadyMessage
	if err := DecodeInto(msg.Data, &ready); err != nil {
		return err
	}
	c.ready = &ready
	c.logger.WithEngineID(ready.EngineID).Debugf("worker ready on %s", ready.Hostname)
	return nil
}

// Ready returns the worker's READY announcement.
func (c *Client) Ready() *ReadyMessage {
	return c.ready
}

// Execute ships one check request to the worker and waits for its result.
// A nil output with a nil error means the worker discarded the work as stale.
func (c *Client) Execute(ctx context.Context, req *engine.CheckResourceRequest) (*engine.NodeOutput, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := make(chan *result, 1)

	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.encoder.Encode(MessageTypeCheck, &CheckMessage{ID: id, Request: req}); err != nil {
		return nil, fmt.Errorf("failed to send check %s: %w", req.Key, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.output, res.err
	}
}

// readLoop routes DONE and ERROR frames to their pending channels until the
// connection dies, then fails everything still pending.
func (c *Client) readLoop() {
	decoder := NewDecoder(c.conn)
	var readErr error

	for {
		msg, err := decoder.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}

		switch msg.Type {
		case MessageTypeDone:
			var done DoneMessage
			if err := DecodeInto(msg.Data, &done); err != nil {
				c.logger.WithError(err).Warn("malformed DONE frame")
				continue
			}
			c.deliver(done.ID, &result{output: done.Output})

		case MessageTypeError:
			var errMsg ErrorMessage
			if err := DecodeInto(msg.Data, &errMsg); err != nil {
				c.logger.WithError(err).Warn("malformed ERROR frame")
				continue
			}
			c.deliver(errMsg.ID, &result{err: remoteError(&errMsg)})

		case MessageTypeBye:
			var bye ByeMessage
			_ = DecodeInto(msg.Data, &bye)
			c.logger.Debugf("worker closing: %s", bye.Reason)

		default:
			c.logger.Warnf("unexpected %s frame from worker", msg.Type)
		}
	}

	c.mu.Lock()
	c.closed = true
	if readErr != nil {
		c.readErr = readErr
	}
	for id, ch := range c.pending {
		err := c.readErr
		if err == nil {
			err = ErrClosed
		}
		ch <- &result{err: engine.NewTransientError("worker connection lost", err)}
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) deliver(id string, res *result) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warnf("result for unknown check %s dropped", id)
		return
	}
	ch <- res
}

// Close tears down the connection. Pending requests fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.conn.Close()
}

// remoteError rebuilds an engine error class from a wire error so the
// dispatcher's poison routing sees the worker's classification.
func remoteError(msg *ErrorMessage) error {
	cause := fmt.Errorf("worker: %s", msg.Message)
	if msg.Retryable {
		return engine.NewTransientError(msg.Message, cause).WithCode(msg.Code)
	}
	return engine.NewPermanentError(msg.Message, cause).WithCode(msg.Code)
}
