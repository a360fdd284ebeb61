package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/openstratus/stratus/pkg/stores"
	"github.com/openstratus/stratus/pkg/telemetry"
)

const (
	// defaultSyncPointAttempts bounds the CAS decrement retry loop. With a
	// handful of predecessors colliding on one counter, conflicts resolve in
	// one or two retries; ten attempts is generous.
	defaultSyncPointAttempts = 10

	// syncPointRetryBase spaces CAS retries apart.
	syncPointRetryBase = 2 * time.Millisecond
)

// SyncPointRef identifies one fan-in counter and carries what the first
// reporter needs to create it.
type SyncPointRef struct {
	// EntityID is the waiting node's logical resource key, or the stack id
	// for the stack-level sync point that gates finalize.
	EntityID string

	// TraversalID scopes the counter to a single traversal.
	TraversalID string

	// IsUpdate is the waiting node's direction.
	IsUpdate bool

	// StackID is the owning stack.
	StackID string

	// Count is the waiting node's full predecessor count. The first reporter
	// to arrive seeds the counter with it.
	Count int
}

// SyncPointManager coordinates graph fan-in through persisted counters.
// Every predecessor of a node reports its output here; the reporter that
// moves the counter to zero is told to fire the node and receives the merged
// outputs of all predecessors. Counters live in the store, not in memory, so
// fan-in survives engine restarts and works across engines.
type SyncPointManager struct {
	store       stores.Store
	maxAttempts int
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
}

// NewSyncPointManager creates a sync point manager.
func NewSyncPointManager(store stores.Store, tel *telemetry.Telemetry) *SyncPointManager {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &SyncPointManager{
		store:       store,
		maxAttempts: defaultSyncPointAttempts,
		logger:      tel.Logger.NewComponentLogger("syncpoint"),
		metrics:     tel.Metrics,
	}
}

// Report records one predecessor output against the sync point and decrements
// its counter. It returns fired=true for exactly one reporter per sync point,
// the one whose decrement reaches zero, along with the merged outputs of all
// reporters. Failed outputs are merged like healthy ones so poison reaches the
// waiting node instead of wedging the counter.
//
// The decrement is a compare-and-swap guarded by the counter value itself.
// Losing a swap means another reporter moved the counter first; the loop
// re-reads and retries with a short jittered delay, bounded by maxAttempts.
func (m *SyncPointManager) Report(ctx context.Context, ref SyncPointRef, output *NodeOutput) (bool, InputData, error) {
	if ref.Count <= 0 {
		return false, nil, NewValidationError(
			fmt.Sprintf("sync point %s needs a positive predecessor count, got %d", ref.EntityID, ref.Count))
	}

	// Lazy create with the full predecessor count. INSERT OR IGNORE makes
	// racing first reporters converge on a single row.
	if err := m.store.EnsureSyncPoint(ctx, &stores.SyncPoint{
		EntityID:    ref.EntityID,
		TraversalID: ref.TraversalID,
		IsUpdate:    ref.IsUpdate,
		StackID:     ref.StackID,
		AtomicKey:   int64(ref.Count),
		InputData:   "{}",
	}); err != nil {
		return false, nil, fmt.Errorf("failed to ensure sync point %s: %w", ref.EntityID, err)
	}

	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		sp, err := m.store.GetSyncPoint(ctx, ref.EntityID, ref.TraversalID, ref.IsUpdate)
		if err != nil {
			return false, nil, fmt.Errorf("failed to read sync point %s: %w", ref.EntityID, err)
		}
		if sp.AtomicKey <= 0 {
			// Already fired; a duplicate report is a traversal bug.
			return false, nil, NewPermanentError(
				fmt.Sprintf("sync point %s reported after firing", ref.EntityID), nil).
				WithStack(ref.StackID)
		}

		inputs := make(InputData)
		if err := json.Unmarshal([]byte(sp.InputData), &inputs); err != nil {
			return false, nil, fmt.Errorf("corrupt input data on sync point %s: %w", ref.EntityID, err)
		}
		if output != nil {
			inputs[output.Key] = output
		}
		merged, err := json.Marshal(inputs)
		if err != nil {
			return false, nil, fmt.Errorf("failed to marshal input data for sync point %s: %w", ref.EntityID, err)
		}

		expected := sp.AtomicKey
		sp.AtomicKey = expected - 1
		sp.InputData = string(merged)

		swapped, err := m.store.UpdateSyncPointCAS(ctx, sp, expected)
		if err != nil {
			return false, nil, fmt.Errorf("failed to update sync point %s: %w", ref.EntityID, err)
		}
		if !swapped {
			m.metrics.RecordSyncPointConflict()
			select {
			case <-ctx.Done():
				return false, nil, ctx.Err()
			case <-time.After(casRetryDelay(attempt)):
			}
			continue
		}

		if sp.AtomicKey > 0 {
			return false, nil, nil
		}

		// This reporter took the counter to zero: it fires the node. The row
		// is deleted eagerly; finalize purges anything left behind.
		m.metrics.RecordSyncPointFire()
		if err := m.store.DeleteSyncPoint(ctx, ref.EntityID, ref.TraversalID, ref.IsUpdate); err != nil {
			m.logger.WithStackID(ref.StackID).WithTraversalID(ref.TraversalID).
				WithError(err).Warn("failed to delete fired sync point")
		}
		m.logger.WithStackID(ref.StackID).WithTraversalID(ref.TraversalID).
			WithField("entity_id", ref.EntityID).
			WithField("inputs", len(inputs)).
			Debug("sync point fired")
		return true, inputs, nil
	}

	return false, nil, NewConflictError(
		fmt.Sprintf("sync point %s still contended after %d attempts", ref.EntityID, m.maxAttempts), nil).
		WithStack(ref.StackID)
}

// casRetryDelay spreads colliding reporters apart so they do not retry in
// lockstep.
func casRetryDelay(attempt int) time.Duration {
	base := syncPointRetryBase * time.Duration(attempt+1)
	jitter := time.Duration(rand.Int63n(int64(syncPointRetryBase)))
	return base + jitter
}
