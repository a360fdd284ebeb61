package remote

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/openstratus/stratus/pkg/engine"
	"github.com/openstratus/stratus/pkg/telemetry"
)

// target identifies one SSH endpoint.
type target struct {
	host string
	port int
	user string
}

func (t target) addr() string {
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

func (t target) String() string {
	return fmt.Sprintf("%s@%s", t.user, t.addr())
}

// clientPool caches one SSH connection per target. Connections are dialed
// lazily, verified with a keepalive before reuse, and redialed when dead.
type clientPool struct {
	cfg    *Config
	logger *telemetry.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

func newClientPool(cfg *Config, logger *telemetry.Logger) *clientPool {
	return &clientPool{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*ssh.Client),
	}
}

// get returns a live connection to the target, dialing when needed.
func (p *clientPool) get(ctx context.Context, t target) (*ssh.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[t.String()]; ok {
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return client, nil
		}
		p.logger.WithField("target", t.String()).Warn("cached ssh connection is dead, redialing")
		_ = client.Close()
		delete(p.clients, t.String())
	}

	clientConfig, err := p.cfg.clientConfig(t.user)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("ssh config for %s", t), err)
	}

	client, err := p.dial(ctx, t, clientConfig)
	if err != nil {
		return nil, err
	}
	p.clients[t.String()] = client
	return client, nil
}

// dial connects with the config timeout while honoring ctx cancellation.
func (p *clientPool) dial(ctx context.Context, t target, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	p.logger.WithField("target", t.String()).Debug("establishing ssh connection")

	connCh := make(chan *ssh.Client, 1)
	errCh := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", t.addr(), clientConfig)
		if err != nil {
			errCh <- err
			return
		}
		select {
		case connCh <- client:
		case <-ctx.Done():
			_ = client.Close()
		}
	}()

	select {
	case <-ctx.Done():
		return nil, engine.NewTransientError(fmt.Sprintf("dial %s interrupted", t), ctx.Err())
	case err := <-errCh:
		return nil, engine.NewTransientError(fmt.Sprintf("dial %s", t), err)
	case client := <-connCh:
		p.logger.WithField("target", t.String()).Info("ssh connection established")
		return client, nil
	}
}

// Close drops every cached connection.
func (p *clientPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for key, client := range p.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.clients, key)
	}
	return firstErr
}
