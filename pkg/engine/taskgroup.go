package engine

import (
	"context"
	"sync"
	"time"

	"github.com/openstratus/stratus/pkg/telemetry"
)

// MessageType discriminates control messages sent into a stack's task group.
type MessageType string

const (
	// MessageCancel asks the stack's workers to abandon their work at the
	// next checkpoint instead of finishing the current operation.
	MessageCancel MessageType = "cancel"
)

// Message is a control message delivered to the subscribed workers of one
// stack's task group. Delivery is best effort: Send never blocks.
type Message struct {
	// Type discriminates the control action.
	Type MessageType `json:"type"`

	// TraversalID scopes the message to a single traversal when set.
	TraversalID string `json:"traversal_id,omitempty"`

	// Reason is a human-readable cause carried along with the message.
	Reason string `json:"reason,omitempty"`
}

// taskGroup owns every goroutine and timer working for one stack. Its
// context is the parent of all work contexts, so a forced stop cancels the
// whole group at once.
type taskGroup struct {
	stackID string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex
	stopped    bool
	timers     map[int]*time.Timer
	nextTimer  int
	subs       map[int]chan Message
	nextSub    int
	cancelled  map[string]bool // traversal id -> cancel requested
}

// TaskGroupManager tracks one task group per active stack. Groups are
// created lazily on first use and discarded on Stop; a later Start simply
// creates a fresh group.
type TaskGroupManager struct {
	mu     sync.Mutex
	groups map[string]*taskGroup

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewTaskGroupManager creates a new task group manager.
func NewTaskGroupManager(tel *telemetry.Telemetry) *TaskGroupManager {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &TaskGroupManager{
		groups:  make(map[string]*taskGroup),
		logger:  tel.Logger.NewComponentLogger("taskgroup"),
		metrics: tel.Metrics,
	}
}

// group returns the task group for a stack, creating it when create is set.
func (m *TaskGroupManager) group(stackID string, create bool) *taskGroup {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[stackID]
	if !ok && create {
		ctx, cancel := context.WithCancel(context.Background())
		g = &taskGroup{
			stackID:   stackID,
			ctx:       ctx,
			cancel:    cancel,
			timers:    make(map[int]*time.Timer),
			subs:      make(map[int]chan Message),
			cancelled: make(map[string]bool),
		}
		m.groups[stackID] = g
	}
	return g
}

// Start runs fn in a goroutine owned by the stack's task group. The context
// passed to fn is cancelled by a forced Stop. Returns false when the group
// is already stopping.
func (m *TaskGroupManager) Start(stackID, name string, fn func(ctx context.Context)) bool {
	g := m.group(stackID, true)

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()

	m.metrics.WorkerStarted()
	logger := m.logger.WithStackID(stackID).WithField("task", name)
	logger.Debug("task started")

	go func() {
		defer g.wg.Done()
		defer m.metrics.WorkerFinished()
		fn(g.ctx)
		logger.Debug("task finished")
	}()
	return true
}

// AddTimer schedules a one-shot callback owned by the stack's task group.
// The callback is skipped when the group stops before the timer fires.
func (m *TaskGroupManager) AddTimer(stackID string, d time.Duration, fn func(ctx context.Context)) bool {
	g := m.group(stackID, true)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}

	id := g.nextTimer
	g.nextTimer++
	g.wg.Add(1)

	g.timers[id] = time.AfterFunc(d, func() {
		defer g.wg.Done()
		g.mu.Lock()
		delete(g.timers, id)
		g.mu.Unlock()

		select {
		case <-g.ctx.Done():
			return
		default:
		}
		fn(g.ctx)
	})
	return true
}

// Subscribe registers a message channel with the stack's task group. The
// returned cancel function removes the subscription; callers must invoke it.
func (m *TaskGroupManager) Subscribe(stackID string) (<-chan Message, func()) {
	g := m.group(stackID, true)

	g.mu.Lock()
	id := g.nextSub
	g.nextSub++
	ch := make(chan Message, 4)
	g.subs[id] = ch
	g.mu.Unlock()

	return ch, func() {
		g.mu.Lock()
		delete(g.subs, id)
		g.mu.Unlock()
	}
}

// Send delivers a control message to the stack's subscribed workers without
// blocking. Messages to unknown stacks are dropped and reported with false.
func (m *TaskGroupManager) Send(stackID string, msg Message) bool {
	g := m.group(stackID, false)
	if g == nil {
		return false
	}

	g.mu.Lock()
	if msg.Type == MessageCancel && msg.TraversalID != "" {
		g.cancelled[msg.TraversalID] = true
	}
	for _, ch := range g.subs {
		select {
		case ch <- msg:
		default:
			// Subscriber is slow; it will observe the cancelled flag at its
			// next checkpoint.
		}
	}
	g.mu.Unlock()

	m.logger.WithStackID(stackID).
		WithField("message", string(msg.Type)).
		Debug("message sent to task group")
	return true
}

// CancelRequested reports whether a cancel message was sent for the given
// traversal. Workers consult it at checkpoints between adapter operations.
func (m *TaskGroupManager) CancelRequested(stackID, traversalID string) bool {
	g := m.group(stackID, false)
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled[traversalID]
}

// Stop shuts down the stack's task group. A graceful stop lets running
// tasks finish; a forced stop cancels the group context first. Pending
// timers never fire either way. Stop is idempotent: stopping an unknown
// stack is a no-op.
func (m *TaskGroupManager) Stop(stackID string, graceful bool) {
	m.mu.Lock()
	g, ok := m.groups[stackID]
	if ok {
		delete(m.groups, stackID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	g.mu.Lock()
	g.stopped = true
	for id, timer := range g.timers {
		if timer.Stop() {
			g.wg.Done()
		}
		delete(g.timers, id)
	}
	g.mu.Unlock()

	if !graceful {
		g.cancel()
	}
	g.wg.Wait()
	g.cancel()

	g.mu.Lock()
	for id, ch := range g.subs {
		close(ch)
		delete(g.subs, id)
	}
	g.mu.Unlock()

	m.logger.WithStackID(stackID).
		WithField("graceful", graceful).
		Debug("task group stopped")
}

// StopAll stops every active task group. Used at engine shutdown.
func (m *TaskGroupManager) StopAll(graceful bool) {
	m.mu.Lock()
	stackIDs := make([]string, 0, len(m.groups))
	for stackID := range m.groups {
		stackIDs = append(stackIDs, stackID)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, stackID := range stackIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Stop(id, graceful)
		}(stackID)
	}
	wg.Wait()
}

// Active returns the number of stacks with a live task group.
func (m *TaskGroupManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}
