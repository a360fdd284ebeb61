package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openstratus/stratus/pkg/stores"
	"github.com/openstratus/stratus/pkg/telemetry"
)

const (
	// defaultTraversalTimeout bounds a traversal when neither the caller nor
	// the stack row carries a timeout.
	defaultTraversalTimeout = time.Hour

	// eventRetention caps the per-stack event history kept after finalize.
	eventRetention = 256

	// seedCASAttempts bounds the retry loop that resets resource rows at
	// traversal start.
	seedCASAttempts = 5
)

// TraversalSpec describes one traversal to start. The caller has already
// persisted whatever the spec references: RawTemplateID must name a stored
// template and Desired must be its parsed form.
type TraversalSpec struct {
	// StackID is the stack to traverse.
	StackID string

	// Action is the stack action driving worker behavior.
	Action StackAction

	// RawTemplateID is the stored template this traversal converges toward.
	// Empty keeps the stack's current template (delete, suspend, resume,
	// check).
	RawTemplateID string

	// Desired is the parsed template. Nil for cleanup-only traversals
	// (delete, suspend), required for everything else.
	Desired *ParsedTemplate

	// Parameters are the effective parameter values recorded on the stack
	// when RawTemplateID switches templates.
	Parameters map[string]interface{}

	// Timeout bounds the traversal. Zero keeps the stack's stored timeout,
	// falling back to the engine default.
	Timeout time.Duration

	// DisableRollback disables automatic rollback if this traversal fails.
	DisableRollback bool

	// IsConverge requests observe-and-converge worker behavior.
	IsConverge bool
}

func (s *TraversalSpec) validate() error {
	if s.StackID == "" {
		return NewValidationError("stack id is required")
	}
	if err := s.Action.Validate(); err != nil {
		return NewValidationError(err.Error())
	}
	if s.Desired == nil && !s.Action.Reverses() {
		return NewValidationError(fmt.Sprintf("%s traversal requires a parsed template", s.Action))
	}
	return nil
}

// traversalEntry caches the parsed graph snapshot of an in-flight traversal
// so completion callbacks do not re-decode it on every hop.
type traversalEntry struct {
	graph   *Graph
	started time.Time
}

// TraversalCoordinator owns the lifecycle of traversals: it builds and
// persists the dependency graph, swaps the stack's current traversal under
// the stack lock, dispatches root nodes, routes worker outputs through sync
// points, and finalizes the stack when the last leaf reports.
//
// The coordinator never performs resource work itself. Workers return their
// node's output to OnResourceDone, which decrements the sync points of the
// node's dependents and dispatches whichever of them fire. State lives in the
// store; the in-memory graph cache is a decode shortcut that any engine can
// rebuild from the stack row.
type TraversalCoordinator struct {
	store      stores.Store
	templates  TemplateEngine
	syncPoints *SyncPointManager
	locker     *StackLocker
	groups     *TaskGroupManager
	worker     *ResourceWorker
	dispatcher Dispatcher
	builder    *GraphBuilder
	timeout    time.Duration

	mu     sync.Mutex
	active map[string]*traversalEntry

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// NewTraversalCoordinator creates a traversal coordinator. The dispatcher is
// injected through SetDispatcher because the in-process dispatcher needs the
// coordinator as its output sink.
func NewTraversalCoordinator(store stores.Store, templates TemplateEngine, syncPoints *SyncPointManager, locker *StackLocker, groups *TaskGroupManager, worker *ResourceWorker, tel *telemetry.Telemetry) *TraversalCoordinator {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &TraversalCoordinator{
		store:      store,
		templates:  templates,
		syncPoints: syncPoints,
		locker:     locker,
		groups:     groups,
		worker:     worker,
		builder:    NewGraphBuilder(),
		timeout:    defaultTraversalTimeout,
		active:     make(map[string]*traversalEntry),
		logger:     tel.Logger.NewComponentLogger("traversal"),
		metrics:    tel.Metrics,
		events:     tel.Events,
	}
}

// SetDispatcher wires the dispatcher that schedules resource work.
func (c *TraversalCoordinator) SetDispatcher(d Dispatcher) {
	c.dispatcher = d
}

// SetDefaultTimeout overrides the fallback traversal timeout.
func (c *TraversalCoordinator) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// StartTraversal begins a new traversal over the stack. Under the stack lock
// it builds the dependency graph, seeds resource rows, and CASes the stack to
// the new traversal id; in-flight work of any previous traversal becomes
// stale the moment the swap lands. Root nodes are dispatched after the lock
// is released. It returns the new traversal id.
func (c *TraversalCoordinator) StartTraversal(ctx context.Context, spec *TraversalSpec) (string, error) {
	if spec == nil {
		return "", NewValidationError("traversal spec is required")
	}
	if err := spec.validate(); err != nil {
		return "", err
	}
	if c.dispatcher == nil {
		return "", NewPermanentError("no dispatcher configured", nil)
	}

	traversalID := uuid.NewString()
	var (
		graph      *Graph
		superseded string
		isConverge bool
		timeout    time.Duration
	)

	err := c.locker.WithLock(ctx, spec.StackID, func(ctx context.Context) error {
		stack, err := c.store.GetStack(ctx, spec.StackID)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				return NewNotFoundError(fmt.Sprintf("stack %s not found", spec.StackID), err)
			}
			return fmt.Errorf("failed to load stack %s: %w", spec.StackID, err)
		}

		rows, err := c.store.ListStackResources(ctx, spec.StackID)
		if err != nil {
			return fmt.Errorf("failed to list resources of stack %s: %w", spec.StackID, err)
		}
		existing, err := existingDependencyKeys(rows)
		if err != nil {
			return err
		}

		var desired map[string]*ResourceDefinition
		if spec.Desired != nil {
			desired = spec.Desired.Resources
		}
		switch {
		case spec.Action.Reverses():
			graph, err = c.builder.BuildForDelete(existing)
		case spec.Action == ActionResume || spec.Action == ActionCheck:
			graph, err = c.builder.Build(desired, nil)
		default:
			graph, err = c.builder.Build(desired, existing)
		}
		if err != nil {
			return err
		}
		snapshot, err := graph.Snapshot()
		if err != nil {
			return err
		}

		templateID := stack.RawTemplateID
		if spec.RawTemplateID != "" {
			templateID = spec.RawTemplateID
		}
		if err := c.seedResources(ctx, spec, rows, templateID); err != nil {
			return err
		}

		if StackStatus(stack.Status) == StackStatusInProgress && stack.CurrentTraversal != "" {
			superseded = stack.CurrentTraversal
		}

		var dropTemplate string
		if templateID != stack.RawTemplateID {
			if spec.Action == ActionRollback {
				// a rollback consumes the prev slot; the template rolled
				// away from is unreferenced after the swap
				dropTemplate = stack.RawTemplateID
				stack.PrevRawTemplateID = nil
			} else {
				if stack.PrevRawTemplateID != nil && *stack.PrevRawTemplateID != templateID {
					dropTemplate = *stack.PrevRawTemplateID
				}
				prev := stack.RawTemplateID
				stack.PrevRawTemplateID = &prev
			}
			stack.RawTemplateID = templateID
			stack.Parameters = marshalParameters(spec.Parameters)
		}
		if spec.Timeout > 0 {
			stack.TimeoutSeconds = int64(spec.Timeout / time.Second)
		}
		stack.Action = string(spec.Action)
		stack.Status = string(StackStatusInProgress)
		stack.StatusReason = ""
		stack.CurrentTraversal = traversalID
		stack.CurrentDeps = &snapshot
		stack.DisableRollback = spec.DisableRollback
		stack.IsConverge = spec.IsConverge
		isConverge = spec.IsConverge
		// The stored timeout is whole seconds; honor the caller's exact
		// duration for the traversal we are arming now.
		timeout = spec.Timeout
		if timeout <= 0 {
			timeout = stackTimeout(stack, c.timeout)
		}

		swapped, err := c.store.UpdateStackCAS(ctx, stack, stack.AtomicKey)
		if err != nil {
			return fmt.Errorf("failed to store traversal %s: %w", traversalID, err)
		}
		if !swapped {
			return NewConflictError(fmt.Sprintf("stack %s was modified concurrently", spec.StackID), nil).WithStack(spec.StackID)
		}
		if dropTemplate != "" {
			// Only dropped once the swap committed: a failed CAS must not
			// strand the stack pointing at a deleted template.
			if err := c.store.DeleteRawTemplate(ctx, dropTemplate); err != nil {
				c.logger.WithStackID(stack.ID).Warnf("failed to drop unreferenced template %s: %v", dropTemplate, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	c.remember(traversalID, graph)
	if superseded != "" {
		// counters of the old traversal will never fire again
		if err := c.store.DeleteTraversalSyncPoints(ctx, superseded); err != nil {
			c.logger.WithStackID(spec.StackID).Warnf("failed to purge sync points of superseded traversal %s: %v", superseded, err)
		}
		if c.events != nil {
			_ = c.events.PublishTraversalSuperseded(spec.StackID, superseded, traversalID)
		}
	}

	c.metrics.RecordTraversalStarted(string(spec.Action))
	if c.events != nil {
		_ = c.events.PublishTraversalStarted(spec.StackID, traversalID, string(spec.Action))
	}
	c.appendEvent(ctx, spec.StackID, traversalID, string(spec.Action), string(StackStatusInProgress), "")
	c.logger.WithStackID(spec.StackID).WithTraversalID(traversalID).
		Infof("starting %s traversal over %d nodes", spec.Action, graph.Len())

	c.startTimer(spec.StackID, traversalID, timeout)

	if err := c.dispatchRoots(ctx, spec.StackID, traversalID, graph, isConverge); err != nil {
		return traversalID, err
	}
	return traversalID, nil
}

// Recover re-dispatches a traversal this or a crashed engine left in flight.
// Sync point counters are half-decremented garbage after a crash, so they are
// dropped and the whole graph is re-walked; rows that already reached a
// terminal state replay their recorded outcome without touching the adapter.
func (c *TraversalCoordinator) Recover(ctx context.Context, stackID string) error {
	var (
		traversalID string
		action      string
		graph       *Graph
		isConverge  bool
		timeout     time.Duration
	)
	err := c.locker.WithLock(ctx, stackID, func(ctx context.Context) error {
		stack, err := c.store.GetStack(ctx, stackID)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("failed to load stack %s: %w", stackID, err)
		}
		if StackStatus(stack.Status) != StackStatusInProgress || stack.CurrentTraversal == "" {
			return nil
		}
		traversalID = stack.CurrentTraversal
		action = stack.Action
		isConverge = stack.IsConverge
		timeout = stackTimeout(stack, c.timeout)
		graph, err = c.graphFor(stack)
		if err != nil {
			return err
		}
		return c.store.DeleteTraversalSyncPoints(ctx, traversalID)
	})
	if err != nil || traversalID == "" {
		return err
	}

	c.logger.WithStackID(stackID).WithTraversalID(traversalID).Info("recovering in-flight traversal")
	c.appendEvent(ctx, stackID, traversalID, action, string(StackStatusInProgress), "traversal recovered after engine restart")
	c.startTimer(stackID, traversalID, timeout)
	return c.dispatchRoots(ctx, stackID, traversalID, graph, isConverge)
}

// Cancel asks the in-flight traversal's workers to abandon their work at the
// next checkpoint. It records the caller's intent by disabling rollback, so
// the resulting failure finalizes plainly instead of starting a rollback
// traversal. Cancellation with rollback is a plain Rollback call instead; the
// new traversal supersedes the running one on its own.
func (c *TraversalCoordinator) Cancel(ctx context.Context, stackID string) error {
	var traversalID, action string
	err := c.locker.WithLock(ctx, stackID, func(ctx context.Context) error {
		stack, err := c.store.GetStack(ctx, stackID)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				return NewNotFoundError(fmt.Sprintf("stack %s not found", stackID), err)
			}
			return fmt.Errorf("failed to load stack %s: %w", stackID, err)
		}
		if StackStatus(stack.Status) != StackStatusInProgress || stack.CurrentTraversal == "" {
			return NewValidationError(fmt.Sprintf("stack %s has no traversal in progress", stackID)).WithStack(stackID)
		}
		traversalID = stack.CurrentTraversal
		action = stack.Action
		if stack.DisableRollback {
			return nil
		}
		stack.DisableRollback = true
		swapped, err := c.store.UpdateStackCAS(ctx, stack, stack.AtomicKey)
		if err != nil {
			return fmt.Errorf("failed to record cancellation of stack %s: %w", stackID, err)
		}
		if !swapped {
			return NewConflictError(fmt.Sprintf("stack %s was modified concurrently", stackID), nil).WithStack(stackID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.WithStackID(stackID).WithTraversalID(traversalID).Info("cancelling traversal")
	c.appendEvent(ctx, stackID, traversalID, action, string(StackStatusInProgress), "cancellation requested")
	if !c.groups.Send(stackID, Message{Type: MessageCancel, TraversalID: traversalID}) {
		// nobody is working on this stack here; fail it directly
		return c.finalize(ctx, stackID, traversalID, &NodeOutput{Key: stackID, Failed: true, Reason: "update cancelled"})
	}
	return nil
}

// Rollback starts a traversal back toward the stack's previous template. The
// new traversal supersedes whatever is in flight.
func (c *TraversalCoordinator) Rollback(ctx context.Context, stackID string) (string, error) {
	stack, err := c.store.GetStack(ctx, stackID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return "", NewNotFoundError(fmt.Sprintf("stack %s not found", stackID), err)
		}
		return "", fmt.Errorf("failed to load stack %s: %w", stackID, err)
	}
	if stack.PrevRawTemplateID == nil {
		return "", NewValidationError(fmt.Sprintf("stack %s has no previous template to roll back to", stackID)).WithStack(stackID)
	}

	raw, err := c.store.GetRawTemplate(ctx, *stack.PrevRawTemplateID)
	if err != nil {
		return "", fmt.Errorf("failed to load previous template of stack %s: %w", stackID, err)
	}
	params := map[string]interface{}{}
	if raw.Parameters != "" {
		if err := json.Unmarshal([]byte(raw.Parameters), &params); err != nil {
			return "", fmt.Errorf("failed to decode parameters of template %s: %w", raw.ID, err)
		}
	}
	desired, err := c.templates.Parse(ctx, []byte(raw.Template), params)
	if err != nil {
		return "", fmt.Errorf("failed to parse previous template of stack %s: %w", stackID, err)
	}

	return c.StartTraversal(ctx, &TraversalSpec{
		StackID:         stackID,
		Action:          ActionRollback,
		RawTemplateID:   raw.ID,
		Desired:         desired,
		Parameters:      params,
		DisableRollback: true,
	})
}

// OnResourceDone routes one node's output to its dependents. Every successor
// sync point is decremented with the output; successors that fire are
// dispatched when their inputs are healthy and poisoned without an adapter
// call otherwise. Leaves report into the stack-level sync point, whose firing
// finalizes the traversal. A nil output means the worker discarded the work
// as stale and there is nothing to route.
func (c *TraversalCoordinator) OnResourceDone(ctx context.Context, req *CheckResourceRequest, output *NodeOutput) error {
	if output == nil {
		return nil
	}

	stack, err := c.store.GetStack(ctx, req.StackID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			c.forget(req.TraversalID)
			return nil
		}
		return fmt.Errorf("failed to load stack %s: %w", req.StackID, err)
	}
	if stack.CurrentTraversal != req.TraversalID {
		c.forget(req.TraversalID)
		c.metrics.RecordStaleDiscard()
		c.logger.WithStackID(req.StackID).WithTraversalID(req.TraversalID).WithResourceKey(req.Key).
			Debug("discarding output of superseded traversal")
		return nil
	}
	if StackStatus(stack.Status).IsTerminal() {
		// the traversal was already finalized by timeout or cancellation
		return nil
	}

	graph, err := c.graphFor(stack)
	if err != nil {
		return err
	}

	node := NodeKey{Key: req.Key, Update: req.IsUpdate}
	successors := graph.NeededBy(node)
	if len(successors) == 0 {
		return c.reportLeaf(ctx, req, graph, output)
	}

	var firstErr error
	for _, succ := range successors {
		ref := SyncPointRef{
			EntityID:    succ.Key,
			TraversalID: req.TraversalID,
			IsUpdate:    succ.Update,
			StackID:     req.StackID,
			Count:       graph.PredecessorCount(succ),
		}
		fired, inputs, err := c.syncPoints.Report(ctx, ref, output)
		if err != nil {
			c.logger.WithStackID(req.StackID).WithResourceKey(succ.Key).WithError(err).
				Error("failed to report into sync point")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !fired {
			continue
		}
		if err := c.fireNode(ctx, req, stack, succ, inputs); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// reportLeaf reports a leaf output into the stack-level sync point and
// finalizes the traversal when the last leaf arrives.
func (c *TraversalCoordinator) reportLeaf(ctx context.Context, req *CheckResourceRequest, graph *Graph, output *NodeOutput) error {
	ref := SyncPointRef{
		EntityID:    req.StackID,
		TraversalID: req.TraversalID,
		IsUpdate:    true,
		StackID:     req.StackID,
		Count:       len(graph.Leaves()),
	}
	fired, inputs, err := c.syncPoints.Report(ctx, ref, output)
	if err != nil {
		return fmt.Errorf("failed to report into stack sync point: %w", err)
	}
	if !fired {
		return nil
	}
	return c.finalize(ctx, req.StackID, req.TraversalID, inputs.FirstFailure())
}

// fireNode runs a node whose sync point fired. Nodes with poisoned inputs
// skip the adapter: the worker records the skip and the poison keeps
// cascading through OnResourceDone. Check traversals are the exception,
// health checks run regardless of failures elsewhere in the graph.
func (c *TraversalCoordinator) fireNode(ctx context.Context, req *CheckResourceRequest, stack *stores.Stack, node NodeKey, inputs InputData) error {
	next := &CheckResourceRequest{
		StackID:     req.StackID,
		TraversalID: req.TraversalID,
		Key:         node.Key,
		IsUpdate:    node.Update,
		InputData:   inputs,
		IsConverge:  stack.IsConverge,
	}

	if inputs.FirstFailure() != nil && StackAction(stack.Action) != ActionCheck {
		out, err := c.worker.Poison(ctx, next)
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		return c.OnResourceDone(ctx, next, out)
	}

	if err := c.dispatcher.Dispatch(ctx, next); err != nil {
		c.logger.WithStackID(req.StackID).WithResourceKey(node.Key).WithError(err).
			Error("failed to dispatch fired node")
		return err
	}
	return nil
}

// finalize settles the traversal's outcome on the stack row. Exactly one
// caller gets here per traversal through the stack sync point; the timeout
// and cancel paths can race it, so the terminal check under the lock
// arbitrates. A delete traversal that succeeded tears the stack down; a
// failed update starts a rollback toward the previous template unless the
// stack opted out.
func (c *TraversalCoordinator) finalize(ctx context.Context, stackID, traversalID string, failure *NodeOutput) error {
	var (
		action   string
		status   StackStatus
		reason   string
		rollback bool
		deleted  bool
		finished bool
	)

	err := c.locker.WithLock(ctx, stackID, func(ctx context.Context) error {
		stack, err := c.store.GetStack(ctx, stackID)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("failed to load stack %s: %w", stackID, err)
		}
		if stack.CurrentTraversal != traversalID || StackStatus(stack.Status).IsTerminal() {
			return nil
		}
		action = stack.Action
		finished = true

		if failure == nil && StackAction(stack.Action) == ActionCheck {
			// health checks run through poisoned inputs, so check failures
			// do not cascade to the stack sync point; the rows hold them
			failure, err = c.failedRow(ctx, stack)
			if err != nil {
				return err
			}
		}

		if failure == nil {
			status = StackStatusComplete
			if StackAction(stack.Action) == ActionDelete {
				if err := c.finalizeDelete(ctx, stack); err != nil {
					return err
				}
				deleted = true
				return nil
			}

			switch StackAction(stack.Action) {
			case ActionCreate, ActionUpdate, ActionAdopt, ActionRollback:
				outputs, err := c.resolveOutputs(ctx, stack)
				if err != nil {
					// converged resources stay converged; a bad output
					// expression is recorded but does not fail the stack
					c.logger.WithStackID(stackID).WithTraversalID(traversalID).WithError(err).
						Warn("failed to resolve stack outputs")
					c.appendEvent(ctx, stackID, traversalID, stack.Action, string(StackStatusComplete),
						fmt.Sprintf("failed to resolve outputs: %s", err))
					outputs = nil
				}
				stack.Outputs = nil
				if len(outputs) > 0 {
					data, err := json.Marshal(outputs)
					if err != nil {
						return fmt.Errorf("failed to encode outputs of stack %s: %w", stackID, err)
					}
					encoded := string(data)
					stack.Outputs = &encoded
				}
			}
			stack.Status = string(StackStatusComplete)
			stack.StatusReason = ""
			swapped, err := c.store.UpdateStackCAS(ctx, stack, stack.AtomicKey)
			if err != nil {
				return fmt.Errorf("failed to finalize stack %s: %w", stackID, err)
			}
			if !swapped {
				return NewConflictError(fmt.Sprintf("stack %s was modified concurrently", stackID), nil).WithStack(stackID)
			}
			return nil
		}

		status = StackStatusFailed
		reason = failure.Reason
		stack.Status = string(StackStatusFailed)
		stack.StatusReason = failure.Reason
		rollback = StackAction(stack.Action) == ActionUpdate && !stack.DisableRollback &&
			!stack.IsConverge && stack.PrevRawTemplateID != nil
		swapped, err := c.store.UpdateStackCAS(ctx, stack, stack.AtomicKey)
		if err != nil {
			return fmt.Errorf("failed to finalize stack %s: %w", stackID, err)
		}
		if !swapped {
			return NewConflictError(fmt.Sprintf("stack %s was modified concurrently", stackID), nil).WithStack(stackID)
		}
		return nil
	})
	if err != nil || !finished {
		return err
	}

	if err := c.store.DeleteTraversalSyncPoints(ctx, traversalID); err != nil {
		c.logger.WithStackID(stackID).Warnf("failed to purge sync points of traversal %s: %v", traversalID, err)
	}
	if err := c.store.PruneStackEvents(ctx, stackID, eventRetention); err != nil {
		c.logger.WithStackID(stackID).Warnf("failed to prune stack events: %v", err)
	}
	started := c.forget(traversalID)
	duration := time.Since(started)

	c.metrics.RecordTraversalCompleted(action, string(status), duration)
	c.appendEvent(ctx, stackID, traversalID, action, string(status), reason)
	if c.events != nil {
		if status == StackStatusComplete {
			_ = c.events.PublishTraversalCompleted(stackID, traversalID, string(status), duration)
		} else {
			_ = c.events.PublishTraversalFailed(stackID, traversalID, reason)
		}
	}
	c.logger.WithStackID(stackID).WithTraversalID(traversalID).
		Infof("traversal finished: %s", FormatState(action, string(status)))

	if deleted {
		// only the expired traversal timer is left in the group; stopping
		// from here would wait on our own goroutine
		go c.groups.Stop(stackID, true)
	}

	if rollback {
		c.logger.WithStackID(stackID).Info("starting automatic rollback")
		if _, err := c.Rollback(ctx, stackID); err != nil {
			c.logger.WithStackID(stackID).WithError(err).Error("automatic rollback failed to start")
			c.appendEvent(ctx, stackID, traversalID, string(ActionRollback), string(StackStatusFailed),
				fmt.Sprintf("rollback failed to start: %s", err))
		}
	}
	return nil
}

// finalizeDelete tears the stack down after a successful delete traversal:
// resource rows and stored templates go away, the stack row stays behind as
// a soft-deleted tombstone.
func (c *TraversalCoordinator) finalizeDelete(ctx context.Context, stack *stores.Stack) error {
	stack.Status = string(StackStatusComplete)
	stack.StatusReason = ""
	stack.Outputs = nil
	stack.CurrentDeps = nil
	swapped, err := c.store.UpdateStackCAS(ctx, stack, stack.AtomicKey)
	if err != nil {
		return fmt.Errorf("failed to finalize stack %s: %w", stack.ID, err)
	}
	if !swapped {
		return NewConflictError(fmt.Sprintf("stack %s was modified concurrently", stack.ID), nil).WithStack(stack.ID)
	}

	if err := c.store.DeleteStackResources(ctx, stack.ID); err != nil {
		return fmt.Errorf("failed to delete resources of stack %s: %w", stack.ID, err)
	}
	if stack.PrevRawTemplateID != nil {
		if err := c.store.DeleteRawTemplate(ctx, *stack.PrevRawTemplateID); err != nil {
			c.logger.WithStackID(stack.ID).Warnf("failed to delete template %s: %v", *stack.PrevRawTemplateID, err)
		}
	}
	if err := c.store.DeleteRawTemplate(ctx, stack.RawTemplateID); err != nil {
		c.logger.WithStackID(stack.ID).Warnf("failed to delete template %s: %v", stack.RawTemplateID, err)
	}
	if err := c.store.MarkStackDeleted(ctx, stack.ID); err != nil {
		return fmt.Errorf("failed to mark stack %s deleted: %w", stack.ID, err)
	}
	return nil
}

// failedRow returns a poison output for the first live row in FAILED status,
// or nil when every row is healthy. Rows that failed in an earlier traversal
// count too: a stack with a known-bad resource does not pass a health check.
func (c *TraversalCoordinator) failedRow(ctx context.Context, stack *stores.Stack) (*NodeOutput, error) {
	rows, err := c.store.ListStackResources(ctx, stack.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources of stack %s: %w", stack.ID, err)
	}
	live := make(map[string]*stores.Resource, len(rows))
	for _, row := range rows {
		if row.ReplacedBy != nil {
			continue
		}
		if cur := live[row.Name]; cur == nil || row.ID > cur.ID {
			live[row.Name] = row
		}
	}
	names := make([]string, 0, len(live))
	for name := range live {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		row := live[name]
		if ResourceStatus(row.Status) == ResourceStatusFailed {
			return &NodeOutput{Key: name, ResourceID: row.ID, Failed: true, Reason: row.StatusReason}, nil
		}
	}
	return nil, nil
}

// resolveOutputs computes the stack outputs from the converged rows. Every
// live row contributes its output, not just the graph's leaves, because
// output expressions may reference any resource.
func (c *TraversalCoordinator) resolveOutputs(ctx context.Context, stack *stores.Stack) (StackOutputs, error) {
	raw, err := c.store.GetRawTemplate(ctx, stack.RawTemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template %s: %w", stack.RawTemplateID, err)
	}
	params := map[string]interface{}{}
	if raw.Parameters != "" {
		if err := json.Unmarshal([]byte(raw.Parameters), &params); err != nil {
			return nil, fmt.Errorf("failed to decode parameters of template %s: %w", raw.ID, err)
		}
	}
	tmpl, err := c.templates.Parse(ctx, []byte(raw.Template), params)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", raw.ID, err)
	}
	if len(tmpl.Outputs) == 0 {
		return nil, nil
	}

	rows, err := c.store.ListStackResources(ctx, stack.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources of stack %s: %w", stack.ID, err)
	}
	live := make(map[string]*stores.Resource, len(rows))
	for _, row := range rows {
		if row.ReplacedBy != nil {
			continue
		}
		if cur := live[row.Name]; cur == nil || row.ID > cur.ID {
			live[row.Name] = row
		}
	}

	inputs := make(InputData, len(live))
	for name, row := range live {
		out := &NodeOutput{Key: name, ResourceID: row.ID}
		if row.PhysicalID != nil {
			out.PhysicalID = *row.PhysicalID
		}
		if row.Attributes != nil && *row.Attributes != "" {
			if err := json.Unmarshal([]byte(*row.Attributes), &out.Attributes); err != nil {
				return nil, fmt.Errorf("failed to decode attributes of %s: %w", name, err)
			}
		}
		inputs[name] = out
	}
	return c.templates.ResolveOutputs(ctx, tmpl, inputs)
}

// seedResources prepares resource rows for a converging traversal: desired
// keys without a live row get a pending seed, live rows are reset to pending
// with fresh requires and needed-by links. Definitions and hashes of live
// rows are left alone, the worker compares them against the new template to
// decide what changed. Cleanup-direction and read-only traversals leave rows
// untouched.
func (c *TraversalCoordinator) seedResources(ctx context.Context, spec *TraversalSpec, rows []*stores.Resource, templateID string) error {
	switch spec.Action {
	case ActionCreate, ActionUpdate, ActionAdopt, ActionRollback:
	default:
		return nil
	}
	desired := spec.Desired.Resources

	live := make(map[string]*stores.Resource, len(rows))
	for _, row := range rows {
		if row.ReplacedBy != nil {
			continue
		}
		if cur := live[row.Name]; cur == nil || row.ID > cur.ID {
			live[row.Name] = row
		}
	}

	dependents := dependentsIndex(desired)
	rowIDs := make(map[string]int64, len(desired))
	for _, key := range topoKeys(desired) {
		def := desired[key]
		requires, err := encodeRequires(def, rowIDs)
		if err != nil {
			return err
		}
		needs := dependents[key]
		if needs == nil {
			needs = []string{}
		}
		encoded, err := json.Marshal(needs)
		if err != nil {
			return fmt.Errorf("failed to encode needed-by of %s: %w", key, err)
		}
		neededBy := string(encoded)

		if row := live[key]; row != nil {
			seeded := row
			for attempt := 0; ; attempt++ {
				seeded.Status = string(ResourceStatusPending)
				seeded.StatusReason = ""
				seeded.Requires = requires
				seeded.NeededBy = &neededBy
				swapped, err := c.store.UpdateResourceCAS(ctx, seeded, seeded.AtomicKey)
				if err != nil {
					return fmt.Errorf("failed to seed resource %s: %w", key, err)
				}
				if swapped {
					break
				}
				if attempt >= seedCASAttempts {
					return NewConflictError(fmt.Sprintf("resource %s kept changing while seeding", key), nil).WithStack(spec.StackID)
				}
				seeded, err = c.store.GetResource(ctx, row.ID)
				if err != nil {
					return fmt.Errorf("failed to reload resource %s: %w", key, err)
				}
			}
			rowIDs[key] = row.ID
			continue
		}

		definition, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to encode definition of %s: %w", key, err)
		}
		fresh := &stores.Resource{
			StackID:           spec.StackID,
			Name:              key,
			Type:              def.Type,
			Action:            string(ResourceActionInit),
			Status:            string(ResourceStatusPending),
			Definition:        string(definition),
			Requires:          requires,
			NeededBy:          &neededBy,
			CurrentTemplateID: templateID,
		}
		if err := c.store.CreateResource(ctx, fresh); err != nil {
			return fmt.Errorf("failed to seed resource %s: %w", key, err)
		}
		rowIDs[key] = fresh.ID
	}
	return nil
}

// dispatchRoots hands every zero-predecessor node to the dispatcher. An
// empty graph has nothing to converge and finalizes on the spot.
func (c *TraversalCoordinator) dispatchRoots(ctx context.Context, stackID, traversalID string, graph *Graph, isConverge bool) error {
	if graph.Len() == 0 {
		return c.finalize(ctx, stackID, traversalID, nil)
	}
	var firstErr error
	for _, root := range graph.Roots() {
		req := &CheckResourceRequest{
			StackID:     stackID,
			TraversalID: traversalID,
			Key:         root.Key,
			IsUpdate:    root.Update,
			InputData:   InputData{},
			IsConverge:  isConverge,
		}
		if err := c.dispatcher.Dispatch(ctx, req); err != nil {
			c.logger.WithStackID(stackID).WithResourceKey(root.Key).WithError(err).
				Error("failed to dispatch root node")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// startTimer arms the traversal timeout in the stack's task group.
func (c *TraversalCoordinator) startTimer(stackID, traversalID string, d time.Duration) {
	c.groups.AddTimer(stackID, d, func(ctx context.Context) {
		c.timeoutTraversal(ctx, stackID, traversalID, d)
	})
}

// timeoutTraversal fails the traversal if it is still the stack's current
// one when the timer fires. Workers abandon at their next checkpoint; the
// failure then rolls back per the stack's rollback policy.
func (c *TraversalCoordinator) timeoutTraversal(ctx context.Context, stackID, traversalID string, d time.Duration) {
	stack, err := c.store.GetStack(ctx, stackID)
	if err != nil {
		if !errors.Is(err, stores.ErrNotFound) {
			c.logger.WithStackID(stackID).WithError(err).Error("traversal timeout check failed")
		}
		return
	}
	if stack.CurrentTraversal != traversalID || StackStatus(stack.Status) != StackStatusInProgress {
		return
	}

	reason := fmt.Sprintf("traversal timed out after %s", d)
	c.logger.WithStackID(stackID).WithTraversalID(traversalID).Warn(reason)
	c.groups.Send(stackID, Message{Type: MessageCancel, TraversalID: traversalID})
	if err := c.finalize(ctx, stackID, traversalID, &NodeOutput{Key: stackID, Failed: true, Reason: reason}); err != nil {
		c.logger.WithStackID(stackID).WithError(err).Error("failed to finalize timed out traversal")
	}
}

func (c *TraversalCoordinator) remember(traversalID string, graph *Graph) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[traversalID] = &traversalEntry{graph: graph, started: time.Now()}
}

// forget drops the cached graph and returns when the traversal started, or
// now if this engine never saw it start.
func (c *TraversalCoordinator) forget(traversalID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.active[traversalID]
	delete(c.active, traversalID)
	if entry == nil {
		return time.Now()
	}
	return entry.started
}

// graphFor returns the graph of the stack's current traversal, decoding the
// persisted snapshot on cache misses so any engine can pick up routing after
// a restart.
func (c *TraversalCoordinator) graphFor(stack *stores.Stack) (*Graph, error) {
	c.mu.Lock()
	entry := c.active[stack.CurrentTraversal]
	c.mu.Unlock()
	if entry != nil {
		return entry.graph, nil
	}
	if stack.CurrentDeps == nil {
		return nil, NewPermanentError(fmt.Sprintf("stack %s has no graph snapshot", stack.ID), nil).WithStack(stack.ID)
	}
	graph, err := GraphFromSnapshot(*stack.CurrentDeps)
	if err != nil {
		return nil, err
	}
	c.remember(stack.CurrentTraversal, graph)
	return graph, nil
}

func (c *TraversalCoordinator) appendEvent(ctx context.Context, stackID, traversalID, action, status, reason string) {
	event := &stores.StackEvent{
		StackID:   stackID,
		Action:    action,
		Status:    status,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	if traversalID != "" {
		event.TraversalID = &traversalID
	}
	if err := c.store.AppendStackEvent(ctx, event); err != nil {
		c.logger.WithStackID(stackID).Warnf("failed to append stack event: %v", err)
	}
}

// existingDependencyKeys rebuilds the logical dependency map of the stored
// rows: every name that has any copy, mapped to the names its newest copy
// requires. Cleanup ordering comes from here, so removed resources are still
// deleted before the resources they depended on.
func existingDependencyKeys(rows []*stores.Resource) (map[string][]string, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	names := make(map[int64]string, len(rows))
	newest := make(map[string]*stores.Resource, len(rows))
	for _, row := range rows {
		names[row.ID] = row.Name
		if cur := newest[row.Name]; cur == nil || row.ID > cur.ID {
			newest[row.Name] = row
		}
	}

	existing := make(map[string][]string, len(newest))
	for name, row := range newest {
		var ids []int64
		if row.Requires != "" {
			if err := json.Unmarshal([]byte(row.Requires), &ids); err != nil {
				return nil, fmt.Errorf("failed to decode requires of %s: %w", name, err)
			}
		}
		deps := make([]string, 0, len(ids))
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			dep, ok := names[id]
			if !ok || dep == name || seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		existing[name] = deps
	}
	return existing, nil
}

// dependentsIndex inverts the requires relation of a desired template: for
// each key, the sorted keys that depend on it.
func dependentsIndex(desired map[string]*ResourceDefinition) map[string][]string {
	index := make(map[string][]string, len(desired))
	for key, def := range desired {
		seen := make(map[string]bool, len(def.Requires))
		for _, dep := range def.Requires {
			if dep == key || seen[dep] {
				continue
			}
			if _, ok := desired[dep]; !ok {
				continue
			}
			seen[dep] = true
			index[dep] = append(index[dep], key)
		}
	}
	for dep := range index {
		sort.Strings(index[dep])
	}
	return index
}

// topoKeys orders the desired keys so every dependency precedes its
// dependents, ties broken alphabetically. Seeding in this order guarantees a
// row id exists for every dependency a requires list points at.
func topoKeys(desired map[string]*ResourceDefinition) []string {
	indegree := make(map[string]int, len(desired))
	for key, def := range desired {
		if _, ok := indegree[key]; !ok {
			indegree[key] = 0
		}
		seen := make(map[string]bool, len(def.Requires))
		for _, dep := range def.Requires {
			if dep == key || seen[dep] {
				continue
			}
			if _, ok := desired[dep]; !ok {
				continue
			}
			seen[dep] = true
			indegree[key]++
		}
	}

	index := dependentsIndex(desired)
	ready := make([]string, 0, len(desired))
	for key, n := range indegree {
		if n == 0 {
			ready = append(ready, key)
		}
	}
	order := make([]string, 0, len(desired))
	for len(ready) > 0 {
		sort.Strings(ready)
		key := ready[0]
		ready = ready[1:]
		order = append(order, key)
		for _, dependent := range index[key] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) < len(desired) {
		// unreachable after graph validation; keep the order total anyway
		inOrder := make(map[string]bool, len(order))
		for _, key := range order {
			inOrder[key] = true
		}
		rest := make([]string, 0, len(desired)-len(order))
		for key := range desired {
			if !inOrder[key] {
				rest = append(rest, key)
			}
		}
		sort.Strings(rest)
		order = append(order, rest...)
	}
	return order
}

// encodeRequires maps a definition's dependency keys to the row ids seeded
// for them, JSON-encoded for the resource row.
func encodeRequires(def *ResourceDefinition, rowIDs map[string]int64) (string, error) {
	ids := make([]int64, 0, len(def.Requires))
	seen := make(map[string]bool, len(def.Requires))
	for _, dep := range def.Requires {
		if dep == def.Name || seen[dep] {
			continue
		}
		seen[dep] = true
		if id, ok := rowIDs[dep]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("failed to encode requires of %s: %w", def.Name, err)
	}
	return string(data), nil
}

// marshalParameters encodes effective parameters for the stack row. The
// parameters column is NOT NULL, so nil encodes as an empty object.
func marshalParameters(params map[string]interface{}) string {
	if len(params) == 0 {
		return "{}"
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// stackTimeout picks the effective traversal timeout for a stack.
func stackTimeout(stack *stores.Stack, fallback time.Duration) time.Duration {
	if stack.TimeoutSeconds > 0 {
		return time.Duration(stack.TimeoutSeconds) * time.Second
	}
	if fallback > 0 {
		return fallback
	}
	return defaultTraversalTimeout
}
