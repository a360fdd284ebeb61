package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openstratus/stratus/pkg/stores"
	"github.com/openstratus/stratus/pkg/telemetry"
)

const (
	// DefaultHeartbeatInterval is how often an engine refreshes its row in
	// the engines table.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultHeartbeatTTL is how stale a heartbeat may be before the engine
	// is considered dead and its locks become stealable.
	DefaultHeartbeatTTL = 30 * time.Second

	// defaultLockAttempts bounds the acquire/steal retry loop.
	defaultLockAttempts = 3
)

// HeartbeatOracle implements LivenessOracle over the engines table. An
// engine is alive when it runs in this process or its stored heartbeat is
// younger than the TTL.
type HeartbeatOracle struct {
	store stores.Store
	ttl   time.Duration

	mu    sync.Mutex
	local map[string]bool
}

// NewHeartbeatOracle creates a liveness oracle with the given heartbeat TTL.
// A zero ttl selects DefaultHeartbeatTTL.
func NewHeartbeatOracle(store stores.Store, ttl time.Duration) *HeartbeatOracle {
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	return &HeartbeatOracle{
		store: store,
		ttl:   ttl,
		local: make(map[string]bool),
	}
}

// RegisterLocal marks an engine as running in this process. Local engines
// are always alive regardless of heartbeat age.
func (o *HeartbeatOracle) RegisterLocal(engineID string) {
	o.mu.Lock()
	o.local[engineID] = true
	o.mu.Unlock()
}

// UnregisterLocal removes an engine from the local registry.
func (o *HeartbeatOracle) UnregisterLocal(engineID string) {
	o.mu.Lock()
	delete(o.local, engineID)
	o.mu.Unlock()
}

// IsAlive reports whether the engine is believed to be running.
func (o *HeartbeatOracle) IsAlive(ctx context.Context, engineID string) (bool, error) {
	o.mu.Lock()
	isLocal := o.local[engineID]
	o.mu.Unlock()
	if isLocal {
		return true, nil
	}

	eng, err := o.store.GetEngine(ctx, engineID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up engine %s: %w", engineID, err)
	}
	return time.Since(eng.LastHeartbeat) < o.ttl, nil
}

// StackLocker serializes traversal-start decisions per stack across engines.
// The lock is held only over the start decision (graph build plus the
// current_traversal swap), never across resource work, so contention windows
// stay short. A lock whose holder died is stolen instead of waited on.
type StackLocker struct {
	store    stores.Store
	oracle   LivenessOracle
	engineID string

	maxAttempts int
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	events      *telemetry.EventPublisher
}

// NewStackLocker creates a stack locker for the given engine identity.
func NewStackLocker(store stores.Store, oracle LivenessOracle, engineID string, tel *telemetry.Telemetry) *StackLocker {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &StackLocker{
		store:       store,
		oracle:      oracle,
		engineID:    engineID,
		maxAttempts: defaultLockAttempts,
		logger:      tel.Logger.NewComponentLogger("stacklock"),
		metrics:     tel.Metrics,
		events:      tel.Events,
	}
}

// Acquire takes the stack lock for this engine. When the lock is already
// held by a live engine, including a concurrent operation in this engine,
// Acquire fails fast with a lock-contention conflict naming the holder. A
// dead holder's lock is stolen. Steal races retry a bounded number of times
// before giving up.
func (l *StackLocker) Acquire(ctx context.Context, stackID string) error {
	logger := l.logger.WithStackID(stackID).WithEngineID(l.engineID)

	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		holder, err := l.store.AcquireStackLock(ctx, stackID, l.engineID)
		if errors.Is(err, stores.ErrNotFound) {
			// Holder released between our insert and read; try again.
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to acquire stack lock: %w", err)
		}
		if holder == "" {
			l.metrics.RecordLockAcquired()
			logger.Debug("stack lock acquired")
			return nil
		}
		if holder == l.engineID {
			// A concurrent operation in this engine holds the lock.
			l.metrics.RecordLockContention()
			return NewConflictError(
				fmt.Sprintf("stack locked by engine %s", holder), nil).
				WithCode(ErrCodeLockContention).
				WithStack(stackID).
				WithDetail("holder", holder)
		}

		alive, err := l.oracle.IsAlive(ctx, holder)
		if err != nil {
			return fmt.Errorf("failed to check lock holder liveness: %w", err)
		}
		if alive {
			l.metrics.RecordLockContention()
			return NewConflictError(
				fmt.Sprintf("stack locked by engine %s", holder), nil).
				WithCode(ErrCodeLockContention).
				WithStack(stackID).
				WithDetail("holder", holder)
		}

		stolen, err := l.store.StealStackLock(ctx, stackID, holder, l.engineID)
		if err != nil {
			return fmt.Errorf("failed to steal stack lock: %w", err)
		}
		if stolen {
			l.metrics.RecordLockSteal()
			if l.events != nil {
				_ = l.events.PublishLockStolen(stackID, holder, l.engineID)
			}
			logger.WithField("dead_holder", holder).Warn("stole stack lock from dead engine")
			return nil
		}
		// Another engine stole it first; retry against the new holder.
	}

	l.metrics.RecordLockContention()
	return NewConflictError("stack lock contended", nil).
		WithCode(ErrCodeLockContention).
		WithStack(stackID)
}

// Release gives the stack lock back. Releasing a lock this engine does not
// hold is a bug and logged loudly.
func (l *StackLocker) Release(ctx context.Context, stackID string) error {
	released, err := l.store.ReleaseStackLock(ctx, stackID, l.engineID)
	if err != nil {
		return fmt.Errorf("failed to release stack lock: %w", err)
	}
	if !released {
		l.logger.WithStackID(stackID).WithEngineID(l.engineID).
			Error("released a stack lock this engine did not hold")
		return NewConflictError("stack lock not held by this engine", nil).
			WithCode(ErrCodeLockContention).
			WithStack(stackID)
	}
	l.logger.WithStackID(stackID).WithEngineID(l.engineID).Debug("stack lock released")
	return nil
}

// WithLock runs fn while holding the stack lock. The lock is released even
// when fn returns an error or panics.
func (l *StackLocker) WithLock(ctx context.Context, stackID string, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx, stackID); err != nil {
		return err
	}
	defer func() {
		if err := l.Release(ctx, stackID); err != nil {
			l.logger.WithStackID(stackID).WithError(err).Warn("failed to release stack lock")
		}
	}()
	return fn(ctx)
}
