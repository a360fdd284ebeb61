package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/openstratus/stratus/pkg/stores"
)

func testSyncRef(count int) SyncPointRef {
	return SyncPointRef{
		EntityID:    "db",
		TraversalID: "trav-1",
		IsUpdate:    true,
		StackID:     "stack-1",
		Count:       count,
	}
}

func TestSyncPointManager_SingleReporterFires(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	spm := NewSyncPointManager(store, nil)

	fired, inputs, err := spm.Report(ctx, testSyncRef(1), &NodeOutput{
		Key:        "vpc",
		ResourceID: 7,
		PhysicalID: "vpc-123",
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !fired {
		t.Fatal("expected sole reporter to fire")
	}
	if len(inputs) != 1 || inputs["vpc"] == nil {
		t.Fatalf("expected merged input for vpc, got: %v", inputs)
	}
	if inputs["vpc"].PhysicalID != "vpc-123" {
		t.Errorf("expected physical id vpc-123, got %s", inputs["vpc"].PhysicalID)
	}

	// Fired sync points are deleted eagerly.
	if _, err := store.GetSyncPoint(ctx, "db", "trav-1", true); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected fired sync point to be deleted, got: %v", err)
	}
}

func TestSyncPointManager_FanInFiresOnLastReport(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	spm := NewSyncPointManager(store, nil)
	ref := testSyncRef(3)

	for i, key := range []string{"vpc", "subnet"} {
		fired, inputs, err := spm.Report(ctx, ref, &NodeOutput{Key: key, ResourceID: int64(i + 1)})
		if err != nil {
			t.Fatalf("report %s: expected no error, got: %v", key, err)
		}
		if fired {
			t.Fatalf("report %s: fired before all predecessors reported", key)
		}
		if inputs != nil {
			t.Fatalf("report %s: expected nil inputs before firing, got: %v", key, inputs)
		}
	}

	fired, inputs, err := spm.Report(ctx, ref, &NodeOutput{Key: "gateway", ResourceID: 3})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !fired {
		t.Fatal("expected last reporter to fire")
	}
	for _, key := range []string{"vpc", "subnet", "gateway"} {
		if inputs[key] == nil {
			t.Errorf("expected merged input for %s, got: %v", key, inputs)
		}
	}
}

func TestSyncPointManager_ConcurrentReportersExactlyOneFirer(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	spm := NewSyncPointManager(store, nil)

	const predecessors = 8
	ref := testSyncRef(predecessors)

	var wg sync.WaitGroup
	var firers atomic.Int32
	var firedInputs InputData
	var mu sync.Mutex

	for i := 0; i < predecessors; i++ {
		key := fmt.Sprintf("dep-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fired, inputs, err := spm.Report(ctx, ref, &NodeOutput{Key: key, PhysicalID: key + "-phys"})
			if err != nil {
				t.Errorf("report %s failed: %v", key, err)
				return
			}
			if fired {
				firers.Add(1)
				mu.Lock()
				firedInputs = inputs
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firers.Load() != 1 {
		t.Fatalf("expected exactly one firer, got %d", firers.Load())
	}
	if len(firedInputs) != predecessors {
		t.Fatalf("expected %d merged inputs at the firer, got %d", predecessors, len(firedInputs))
	}
	for i := 0; i < predecessors; i++ {
		key := fmt.Sprintf("dep-%d", i)
		if firedInputs[key] == nil || firedInputs[key].PhysicalID != key+"-phys" {
			t.Errorf("missing or wrong merged input for %s: %v", key, firedInputs[key])
		}
	}
}

func TestSyncPointManager_PoisonedOutputStillFires(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	spm := NewSyncPointManager(store, nil)
	ref := testSyncRef(2)

	fired, _, err := spm.Report(ctx, ref, &NodeOutput{
		Key:    "vpc",
		Failed: true,
		Reason: "create failed: quota exceeded",
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if fired {
		t.Fatal("fired before all predecessors reported")
	}

	fired, inputs, err := spm.Report(ctx, ref, &NodeOutput{Key: "subnet", PhysicalID: "subnet-1"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !fired {
		t.Fatal("expected poisoned sync point to fire anyway")
	}

	failure := inputs.FirstFailure()
	if failure == nil {
		t.Fatal("expected a poisoned input to survive the merge")
	}
	if failure.Key != "vpc" || failure.Reason != "create failed: quota exceeded" {
		t.Errorf("unexpected failure output: %+v", failure)
	}
	if inputs.Healthy() {
		t.Error("expected inputs to be unhealthy")
	}
}

func TestSyncPointManager_CountersAreScopedToTraversalAndDirection(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	spm := NewSyncPointManager(store, nil)

	update := SyncPointRef{EntityID: "db", TraversalID: "trav-1", IsUpdate: true, StackID: "stack-1", Count: 2}
	cleanup := SyncPointRef{EntityID: "db", TraversalID: "trav-1", IsUpdate: false, StackID: "stack-1", Count: 1}
	other := SyncPointRef{EntityID: "db", TraversalID: "trav-2", IsUpdate: true, StackID: "stack-1", Count: 1}

	fired, _, err := spm.Report(ctx, update, &NodeOutput{Key: "a"})
	if err != nil || fired {
		t.Fatalf("update report: fired=%v err=%v", fired, err)
	}

	// Same entity, cleanup direction: independent counter.
	fired, _, err = spm.Report(ctx, cleanup, &NodeOutput{Key: "b"})
	if err != nil {
		t.Fatalf("cleanup report: expected no error, got: %v", err)
	}
	if !fired {
		t.Error("expected cleanup counter to fire independently")
	}

	// Same entity, different traversal: independent counter.
	fired, _, err = spm.Report(ctx, other, &NodeOutput{Key: "c"})
	if err != nil {
		t.Fatalf("other traversal report: expected no error, got: %v", err)
	}
	if !fired {
		t.Error("expected other traversal counter to fire independently")
	}
}

func TestSyncPointManager_RejectsNonPositiveCount(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	spm := NewSyncPointManager(store, nil)

	_, _, err := spm.Report(context.Background(), testSyncRef(0), &NodeOutput{Key: "a"})
	if !IsValidation(err) {
		t.Fatalf("expected validation error for zero count, got: %v", err)
	}
}

func TestSyncPointManager_ReportAfterFireIsPermanentError(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	spm := NewSyncPointManager(store, nil)

	// Simulate a fired row whose delete was lost: counter already at zero.
	if err := store.EnsureSyncPoint(ctx, &stores.SyncPoint{
		EntityID:    "db",
		TraversalID: "trav-1",
		IsUpdate:    true,
		StackID:     "stack-1",
		AtomicKey:   0,
	}); err != nil {
		t.Fatalf("failed to seed sync point: %v", err)
	}

	_, _, err := spm.Report(ctx, testSyncRef(1), &NodeOutput{Key: "late"})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error for post-fire report, got: %v", err)
	}
}
