package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/openstratus/stratus/pkg/engine"
	"github.com/openstratus/stratus/pkg/telemetry"
)

// Dispatcher ships graph nodes to remote workers instead of the in-process
// worker. Results are routed back into the coordinator through the same
// OutputSink seam the local dispatcher uses, so the traversal cannot tell
// where its nodes ran.
type Dispatcher struct {
	addrs  []string
	next   atomic.Uint64
	sink   engine.OutputSink
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	mu      sync.Mutex
	clients map[string]*Client

	wg sync.WaitGroup
}

var _ engine.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a remote dispatcher over a fixed set of worker
// addresses. Nodes round-robin across workers.
func NewDispatcher(addrs []string, sink engine.OutputSink, tel *telemetry.Telemetry) (*Dispatcher, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("at least one worker address is required")
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Dispatcher{
		addrs:   addrs,
		sink:    sink,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("rpc-dispatch"),
		clients: make(map[string]*Client),
	}, nil
}

// Dispatch sends the node to a worker asynchronously. An error means no
// worker connection could be set up; the in-flight execution reports through
// the sink, failures included, so the graph always drains.
func (d *Dispatcher) Dispatch(ctx context.Context, req *engine.CheckResourceRequest) error {
	addr := d.addrs[d.next.Add(1)%uint64(len(d.addrs))]
	client, err := d.client(ctx, addr)
	if err != nil {
		return engine.NewTransientError(fmt.Sprintf("worker %s unavailable", addr), err).WithStack(req.StackID)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx, client, addr, req)
	}()
	return nil
}

func (d *Dispatcher) run(ctx context.Context, client *Client, addr string, req *engine.CheckResourceRequest) {
	logger := d.logger.WithStackID(req.StackID).WithTraversalID(req.TraversalID).WithResourceKey(req.Key)

	output, err := client.Execute(ctx, req)
	if err != nil {
		logger.WithError(err).Error("remote check failed")
		d.evict(addr, client)
		output = &engine.NodeOutput{Key: req.Key, Failed: true, Reason: err.Error()}
	}
	if output == nil {
		// Stale discard on the worker side.
		return
	}
	if err := d.sink.OnResourceDone(ctx, req, output); err != nil {
		logger.WithError(err).Error("failed to route remote node output")
	}
}

// client returns a live connection to addr, dialing on first use.
func (d *Dispatcher) client(ctx context.Context, addr string) (*Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[addr]; ok {
		return c, nil
	}
	c, err := Dial(ctx, ClientConfig{Addr: addr}, d.tel)
	if err != nil {
		return nil, err
	}
	d.clients[addr] = c
	return c, nil
}

// evict drops a connection after a failure so the next dispatch redials.
func (d *Dispatcher) evict(addr string, client *Client) {
	d.mu.Lock()
	if d.clients[addr] == client {
		delete(d.clients, addr)
	}
	d.mu.Unlock()
	_ = client.Close()
}

// Close waits for in-flight dispatches and tears down worker connections.
func (d *Dispatcher) Close() {
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	for addr, client := range d.clients {
		_ = client.Close()
		delete(d.clients, addr)
	}
}
