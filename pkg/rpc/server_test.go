package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/openstratus/stratus/pkg/engine"
)

// fakeBackend runs checks with a configurable per-key behavior.
type fakeBackend struct {
	mu    sync.Mutex
	calls int
	fail  map[string]error
	stale map[string]bool
}

func (b *fakeBackend) CheckResource(_ context.Context, req *engine.CheckResourceRequest) (*engine.NodeOutput, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if err := b.fail[req.Key]; err != nil {
		return nil, err
	}
	if b.stale[req.Key] {
		return nil, nil
	}
	return &engine.NodeOutput{Key: req.Key, PhysicalID: "phys-" + req.Key}, nil
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func startTestServer(t *testing.T, backend WorkerBackend) (addr string, stop func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	srv := NewServer(backend, ServerConfig{EngineID: "worker-1", Version: "test"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ctx, listener); err != nil {
			t.Errorf("serve failed: %v", err)
		}
	}()

	return listener.Addr().String(), func() {
		cancel()
		srv.Close()
		<-done
	}
}

func testRequest(key string) *engine.CheckResourceRequest {
	return &engine.CheckResourceRequest{
		StackID:     "stack-1",
		TraversalID: "t-1",
		Key:         key,
		IsUpdate:    true,
	}
}

func TestClientServer_Execute(t *testing.T) {
	backend := &fakeBackend{}
	addr, stop := startTestServer(t, backend)
	defer stop()

	ctx := context.Background()
	client, err := Dial(ctx, ClientConfig{Addr: addr}, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	if client.Ready() == nil || client.Ready().EngineID != "worker-1" {
		t.Fatalf("handshake did not deliver worker identity: %+v", client.Ready())
	}

	output, err := client.Execute(ctx, testRequest("web"))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if output == nil || output.PhysicalID != "phys-web" {
		t.Fatalf("unexpected output: %+v", output)
	}
}

func TestClientServer_StaleDiscard(t *testing.T) {
	backend := &fakeBackend{stale: map[string]bool{"web": true}}
	addr, stop := startTestServer(t, backend)
	defer stop()

	ctx := context.Background()
	client, err := Dial(ctx, ClientConfig{Addr: addr}, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	output, err := client.Execute(ctx, testRequest("web"))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if output != nil {
		t.Fatalf("stale work should yield nil output, got %+v", output)
	}
}

func TestClientServer_ErrorClassification(t *testing.T) {
	backend := &fakeBackend{fail: map[string]error{
		"web": engine.NewPermanentError("image not found", nil),
		"db":  engine.NewTransientError("api timeout", nil),
	}}
	addr, stop := startTestServer(t, backend)
	defer stop()

	ctx := context.Background()
	client, err := Dial(ctx, ClientConfig{Addr: addr}, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	if _, err := client.Execute(ctx, testRequest("web")); !engine.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if _, err := client.Execute(ctx, testRequest("db")); !engine.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestClientServer_ConcurrentChecks(t *testing.T) {
	backend := &fakeBackend{}
	addr, stop := startTestServer(t, backend)
	defer stop()

	ctx := context.Background()
	client, err := Dial(ctx, ClientConfig{Addr: addr}, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("res-%d", i)
			output, err := client.Execute(ctx, testRequest(key))
			if err != nil {
				errs <- err
				return
			}
			if output.PhysicalID != "phys-"+key {
				errs <- fmt.Errorf("result for %s carried %s", key, output.PhysicalID)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if got := backend.callCount(); got != n {
		t.Errorf("backend ran %d checks, want %d", got, n)
	}
}

// recordingSink collects routed outputs like the traversal coordinator would.
type recordingSink struct {
	mu      sync.Mutex
	outputs map[string]*engine.NodeOutput
	done    chan struct{}
	want    int
}

func newRecordingSink(want int) *recordingSink {
	return &recordingSink{
		outputs: make(map[string]*engine.NodeOutput),
		done:    make(chan struct{}),
		want:    want,
	}
}

func (s *recordingSink) OnResourceDone(_ context.Context, req *engine.CheckResourceRequest, output *engine.NodeOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[req.Key] = output
	if len(s.outputs) == s.want {
		close(s.done)
	}
	return nil
}

func (s *recordingSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for routed outputs")
	}
}

func TestDispatcher_RoutesResultsToSink(t *testing.T) {
	backend := &fakeBackend{fail: map[string]error{
		"bad": engine.NewPermanentError("boom", nil),
	}}
	addr, stop := startTestServer(t, backend)
	defer stop()

	sink := newRecordingSink(2)
	dispatcher, err := NewDispatcher([]string{addr}, sink, nil)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	defer dispatcher.Close()

	ctx := context.Background()
	if err := dispatcher.Dispatch(ctx, testRequest("good")); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if err := dispatcher.Dispatch(ctx, testRequest("bad")); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if out := sink.outputs["good"]; out == nil || out.Failed {
		t.Errorf("healthy node routed as %+v", out)
	}
	if out := sink.outputs["bad"]; out == nil || !out.Failed {
		t.Errorf("failed node should arrive poisoned, got %+v", out)
	}
}

func TestDispatcher_UnreachableWorker(t *testing.T) {
	sink := newRecordingSink(1)
	dispatcher, err := NewDispatcher([]string{"127.0.0.1:1"}, sink, nil)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	defer dispatcher.Close()

	err = dispatcher.Dispatch(context.Background(), testRequest("web"))
	if err == nil {
		t.Fatal("expected dispatch to an unreachable worker to fail")
	}
	if !engine.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}
