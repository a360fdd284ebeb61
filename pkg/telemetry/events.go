package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the Stratus engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// StackID is the associated stack ID, if applicable.
	StackID string `json:"stack_id,omitempty"`

	// TraversalID is the associated traversal ID, if applicable.
	TraversalID string `json:"traversal_id,omitempty"`

	// ResourceKey is the associated resource key, if applicable.
	ResourceKey string `json:"resource_key,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeTraversalStarted    = "traversal.started"
	EventTypeTraversalCompleted  = "traversal.completed"
	EventTypeTraversalFailed     = "traversal.failed"
	EventTypeTraversalSuperseded = "traversal.superseded"
	EventTypeResourceStarted     = "resource.started"
	EventTypeResourceCompleted   = "resource.completed"
	EventTypeResourceFailed      = "resource.failed"
	EventTypeResourceReplaced    = "resource.replaced"
	EventTypeSyncPointFired      = "sync_point.fired"
	EventTypeLockStolen          = "stack_lock.stolen"
	EventTypePolicyViolation     = "policy.violation"
	EventTypeError               = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishTraversalStarted publishes a traversal started event.
func (ep *EventPublisher) PublishTraversalStarted(stackID, traversalID, action string) error {
	return ep.Publish(Event{
		Type:        EventTypeTraversalStarted,
		Source:      "engine",
		StackID:     stackID,
		TraversalID: traversalID,
		Message:     fmt.Sprintf("Traversal %s started (%s)", traversalID, action),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"action": action,
		},
	})
}

// PublishTraversalCompleted publishes a traversal completed event.
func (ep *EventPublisher) PublishTraversalCompleted(stackID, traversalID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeTraversalCompleted,
		Source:      "engine",
		StackID:     stackID,
		TraversalID: traversalID,
		Message:     fmt.Sprintf("Traversal %s completed with status: %s", traversalID, status),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishTraversalFailed publishes a traversal failed event.
func (ep *EventPublisher) PublishTraversalFailed(stackID, traversalID, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypeTraversalFailed,
		Source:      "engine",
		StackID:     stackID,
		TraversalID: traversalID,
		Message:     fmt.Sprintf("Traversal %s failed: %s", traversalID, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishTraversalSuperseded publishes a traversal superseded event.
func (ep *EventPublisher) PublishTraversalSuperseded(stackID, oldTraversalID, newTraversalID string) error {
	return ep.Publish(Event{
		Type:        EventTypeTraversalSuperseded,
		Source:      "engine",
		StackID:     stackID,
		TraversalID: oldTraversalID,
		Message:     fmt.Sprintf("Traversal %s superseded by %s", oldTraversalID, newTraversalID),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"superseded_by": newTraversalID,
		},
	})
}

// PublishResourceStarted publishes a resource operation started event.
func (ep *EventPublisher) PublishResourceStarted(stackID, traversalID, resourceKey, operation string) error {
	return ep.Publish(Event{
		Type:        EventTypeResourceStarted,
		Source:      "worker",
		StackID:     stackID,
		TraversalID: traversalID,
		ResourceKey: resourceKey,
		Message:     fmt.Sprintf("Resource %s: %s started", resourceKey, operation),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"operation": operation,
		},
	})
}

// PublishResourceCompleted publishes a resource operation completed event.
func (ep *EventPublisher) PublishResourceCompleted(stackID, traversalID, resourceKey, operation string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeResourceCompleted,
		Source:      "worker",
		StackID:     stackID,
		TraversalID: traversalID,
		ResourceKey: resourceKey,
		Message:     fmt.Sprintf("Resource %s: %s completed", resourceKey, operation),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"operation": operation,
			"duration":  duration.Seconds(),
		},
	})
}

// PublishResourceFailed publishes a resource operation failed event.
func (ep *EventPublisher) PublishResourceFailed(stackID, traversalID, resourceKey, operation, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypeResourceFailed,
		Source:      "worker",
		StackID:     stackID,
		TraversalID: traversalID,
		ResourceKey: resourceKey,
		Message:     fmt.Sprintf("Resource %s: %s failed: %s", resourceKey, operation, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"operation": operation,
			"reason":    reason,
		},
	})
}

// PublishResourceReplaced publishes a resource replacement event.
func (ep *EventPublisher) PublishResourceReplaced(stackID, traversalID, resourceKey, oldID, newID string) error {
	return ep.Publish(Event{
		Type:        EventTypeResourceReplaced,
		Source:      "worker",
		StackID:     stackID,
		TraversalID: traversalID,
		ResourceKey: resourceKey,
		Message:     fmt.Sprintf("Resource %s replaced (%s -> %s)", resourceKey, oldID, newID),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"old_id": oldID,
			"new_id": newID,
		},
	})
}

// PublishLockStolen publishes a stack lock steal event.
func (ep *EventPublisher) PublishLockStolen(stackID, deadEngineID, newEngineID string) error {
	return ep.Publish(Event{
		Type:    EventTypeLockStolen,
		Source:  "engine",
		StackID: stackID,
		Message: fmt.Sprintf("Stack lock stolen from dead engine %s by %s", deadEngineID, newEngineID),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"dead_engine": deadEngineID,
			"new_engine":  newEngineID,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(stackID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		StackID: stackID,
		Message: fmt.Sprintf("Policy violation on stack %s: %s - %s", stackID, policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-time.After(ep.config.FlushInterval):
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByStackID creates a filter that only allows events for a specific stack.
func FilterByStackID(stackID string) EventFilter {
	return func(event Event) bool {
		return event.StackID == stackID
	}
}

// FilterByTraversalID creates a filter that only allows events for a specific traversal.
func FilterByTraversalID(traversalID string) EventFilter {
	return func(event Event) bool {
		return event.TraversalID == traversalID
	}
}
