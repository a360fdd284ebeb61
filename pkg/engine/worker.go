package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/openstratus/stratus/pkg/stores"
	"github.com/openstratus/stratus/pkg/telemetry"
)

const (
	// defaultWorkerRetries is the number of retries after the first attempt
	// for retryable adapter errors.
	defaultWorkerRetries = 2

	// defaultRetryBase is the backoff base for transient errors. Throttled
	// errors wait five times as long, conflicts twice as long.
	defaultRetryBase = 1 * time.Second

	// rowCASAttempts bounds the resource row CAS loop. Row contention is
	// rare: only takeover races and supersession produce it.
	rowCASAttempts = 5

	// templateCacheCap bounds the parsed template cache. Exceeding it drops
	// the whole cache; templates re-parse cheaply.
	templateCacheCap = 32
)

// ResourceWorker converges a single graph node: it loads the resource row,
// decides the operation by comparing the desired definition with the stored
// state, drives the adapter with bounded retries, persists the outcome with
// atomic-key CAS, and returns the node output for routing into successor
// sync points.
//
// Workers are stateless between calls and safe for concurrent use. All
// traversal routing stays with the caller; a worker never dispatches other
// nodes.
type ResourceWorker struct {
	store      stores.Store
	adapters   AdapterRegistry
	templates  TemplateEngine
	oracle     LivenessOracle
	groups     *TaskGroupManager
	engineID   string
	maxRetries int
	retryBase  time.Duration

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher

	mu        sync.Mutex
	tmplCache map[string]*ParsedTemplate
}

// NewResourceWorker creates a resource worker. groups may be nil for remote
// worker processes, which have no task groups; cooperative cancellation then
// falls back to context cancellation alone.
func NewResourceWorker(store stores.Store, adapters AdapterRegistry, templates TemplateEngine, oracle LivenessOracle, groups *TaskGroupManager, engineID string, tel *telemetry.Telemetry) *ResourceWorker {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &ResourceWorker{
		store:      store,
		adapters:   adapters,
		templates:  templates,
		oracle:     oracle,
		groups:     groups,
		engineID:   engineID,
		maxRetries: defaultWorkerRetries,
		retryBase:  defaultRetryBase,
		logger:     tel.Logger.NewComponentLogger("worker"),
		metrics:    tel.Metrics,
		events:     tel.Events,
		tmplCache:  make(map[string]*ParsedTemplate),
	}
}

// SetMaxRetries overrides the retry budget for retryable adapter errors.
func (w *ResourceWorker) SetMaxRetries(n int) {
	if n >= 0 {
		w.maxRetries = n
	}
}

// CheckResource performs the work of one graph node. It returns the node's
// output for sync point reporting, or (nil, nil) when the work was discarded
// because the traversal was superseded. A non-nil error means the node could
// not produce an output at all (store failures, malformed requests); adapter
// failures are not errors here, they come back as poisoned outputs.
func (w *ResourceWorker) CheckResource(ctx context.Context, req *CheckResourceRequest) (*NodeOutput, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	stack, stale, err := w.currentStack(ctx, req)
	if err != nil {
		return nil, err
	}
	if stale {
		return nil, nil
	}

	if req.IsUpdate {
		switch StackAction(stack.Action) {
		case ActionCheck:
			return w.checkResource(ctx, req, stack)
		case ActionResume:
			return w.resumeResource(ctx, req, stack)
		default:
			return w.convergeResource(ctx, req, stack)
		}
	}

	if StackAction(stack.Action) == ActionSuspend {
		return w.suspendResource(ctx, req, stack)
	}
	return w.cleanupResource(ctx, req, stack)
}

// Poison marks the node failed without touching the adapter. The coordinator
// calls it when a node fires with poisoned inputs: the failure cascades to
// the node's own output while the physical world stays untouched.
func (w *ResourceWorker) Poison(ctx context.Context, req *CheckResourceRequest) (*NodeOutput, error) {
	failure := req.InputData.FirstFailure()
	if failure == nil {
		return nil, NewValidationError("poison requires a failed input").WithResource(req.Key)
	}

	_, stale, err := w.currentStack(ctx, req)
	if err != nil {
		return nil, err
	}
	if stale {
		return nil, nil
	}

	reason := fmt.Sprintf("dependency %s failed: %s", failure.Key, failure.Reason)
	output := &NodeOutput{Key: req.Key, Failed: true, Reason: reason}

	// Cleanup nodes have no row of their own to fail; the poison just flows.
	if !req.IsUpdate {
		return output, nil
	}

	live, err := w.liveResource(ctx, req)
	if err != nil {
		return nil, err
	}
	if live != nil {
		row, ok, err := w.updateRow(ctx, req, live, func(r *stores.Resource) {
			r.Status = string(ResourceStatusFailed)
			r.StatusReason = reason
			r.EngineID = nil
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		output.ResourceID = row.ID
		w.appendEvent(ctx, req, row.PhysicalID, row.Action, string(ResourceStatusFailed), reason)
	}

	if w.events != nil {
		_ = w.events.PublishResourceFailed(req.StackID, req.TraversalID, req.Key, "skip", reason)
	}
	w.logger.WithStackID(req.StackID).WithTraversalID(req.TraversalID).WithResourceKey(req.Key).
		Debugf("poisoned by failed dependency %s", failure.Key)
	return output, nil
}

// convergeResource drives a resource toward its desired definition: create,
// adopt, update in place, replace, or nothing at all.
func (w *ResourceWorker) convergeResource(ctx context.Context, req *CheckResourceRequest, stack *stores.Stack) (*NodeOutput, error) {
	logger := w.nodeLogger(req)
	start := time.Now()

	tmpl, err := w.parsedTemplate(ctx, stack)
	if err != nil {
		return nil, err
	}
	def := tmpl.Definition(req.Key)
	if def == nil {
		return nil, NewPermanentError(fmt.Sprintf("resource %s is not in the desired template", req.Key), nil).
			WithResource(req.Key).WithCode(ErrCodeInternal)
	}
	fingerprint, err := def.Fingerprint()
	if err != nil {
		return nil, err
	}

	live, err := w.liveResource(ctx, req)
	if err != nil {
		return nil, err
	}

	// Re-delivery after a crash: rows already terminal in this traversal
	// short-circuit so recovery re-walks the graph without repeating work.
	if live != nil && live.DefinitionHash == fingerprint {
		switch ResourceStatus(live.Status) {
		case ResourceStatusComplete:
			if live.CurrentTemplateID == stack.RawTemplateID {
				logger.Debug("resource already converged in this traversal")
				return w.outputFromRow(live), nil
			}
		case ResourceStatusFailed:
			return &NodeOutput{Key: req.Key, ResourceID: live.ID, Failed: true, Reason: live.StatusReason}, nil
		}
	}

	if failure := req.InputData.FirstFailure(); failure != nil {
		return w.Poison(ctx, req)
	}

	if err := w.checkpoint(ctx, req); err != nil {
		return w.failNode(ctx, req, live, operationForRow(live), err)
	}

	if live == nil {
		live, err = w.seedRow(ctx, req, stack, def, fingerprint)
		if err != nil {
			return nil, err
		}
	}

	live, ok, err := w.takeover(ctx, req, live)
	if err != nil {
		return w.failNode(ctx, req, live, operationForRow(live), err)
	}
	if !ok {
		return nil, nil
	}

	adopted, err := w.adoptedResource(stack, req.Key)
	if err != nil {
		return nil, err
	}

	op := w.decideOperation(live, fingerprint, adopted, req.IsConverge)
	logger.WithField("operation", string(op)).WithAdapter(def.Type).Debug("operation decided")

	if op == OperationNoop {
		return w.completeNoop(ctx, req, stack, live, start)
	}

	if w.events != nil {
		_ = w.events.PublishResourceStarted(req.StackID, req.TraversalID, req.Key, string(op))
	}

	adapter, err := w.adapters.Get(def.Type)
	if err != nil {
		return w.failNode(ctx, req, live, op, NewPermanentError(fmt.Sprintf("no adapter for type %s", def.Type), err).
			WithResource(req.Key).WithCode(ErrCodeAdapterFailed))
	}

	properties, err := w.templates.ResolveProperties(ctx, tmpl, def, req.InputData)
	if err != nil {
		return w.failNode(ctx, req, live, op, err)
	}

	var (
		physicalID string
		attributes map[string]interface{}
	)

	switch op {
	case OperationAdopt:
		physicalID, attributes, err = w.runAdopt(ctx, req, adapter, def, adopted, properties)

	case OperationCreate:
		physicalID, attributes, err = w.runCreate(ctx, req, adapter, def, properties)

	case OperationCheck:
		// Observe-and-converge: check first, repair only on drift.
		physicalID = derefString(live.PhysicalID)
		var healthy bool
		healthy, attributes, err = w.runHealthCheck(ctx, req, adapter, def, physicalID, properties)
		if err == nil && !healthy {
			op = OperationUpdate
		}

	case OperationUpdate:
		// handled below
	}

	if err == nil && op == OperationUpdate {
		physicalID = derefString(live.PhysicalID)
		var needsReplace bool
		attributes, needsReplace, err = w.runUpdate(ctx, req, adapter, def, live, properties)
		if err == nil && needsReplace {
			return w.replaceResource(ctx, req, stack, adapter, def, live, fingerprint, properties, start)
		}
	}

	if err != nil {
		return w.failNode(ctx, req, live, op, err)
	}
	return w.completeNode(ctx, req, stack, live, op, fingerprint, def, properties, physicalID, attributes, start)
}

// decideOperation compares the stored row with the desired definition.
func (w *ResourceWorker) decideOperation(live *stores.Resource, fingerprint string, adopted *AdoptedResource, isConverge bool) ResourceOperation {
	switch {
	case live.PhysicalID == nil || *live.PhysicalID == "":
		if adopted != nil {
			return OperationAdopt
		}
		return OperationCreate
	case live.DefinitionHash != fingerprint:
		return OperationUpdate
	case isConverge:
		return OperationCheck
	default:
		return OperationNoop
	}
}

// runCreate provisions a new physical resource.
func (w *ResourceWorker) runCreate(ctx context.Context, req *CheckResourceRequest, adapter Adapter, def *ResourceDefinition, properties map[string]interface{}) (string, map[string]interface{}, error) {
	var result *CreateResult
	err := w.withRetry(ctx, req, OperationCreate, func(ctx context.Context) error {
		start := time.Now()
		res, err := adapter.Create(ctx, &CreateRequest{
			StackID:      req.StackID,
			ResourceKey:  req.Key,
			ResourceType: def.Type,
			Properties:   properties,
		})
		w.recordAdapterCall(def.Type, string(OperationCreate), start, err)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return result.PhysicalID, result.Attributes, nil
}

// runAdopt takes over a pre-existing physical resource instead of creating
// one. The adapter's Check verifies the adopted resource actually exists and
// matches; its observed attributes win over the caller-supplied ones.
func (w *ResourceWorker) runAdopt(ctx context.Context, req *CheckResourceRequest, adapter Adapter, def *ResourceDefinition, adopted *AdoptedResource, properties map[string]interface{}) (string, map[string]interface{}, error) {
	healthy, observed, err := w.runHealthCheck(ctx, req, adapter, def, adopted.PhysicalID, properties)
	if err != nil {
		return "", nil, err
	}
	if !healthy {
		return "", nil, NewPermanentError(fmt.Sprintf("adopted resource %s failed verification", adopted.PhysicalID), nil).
			WithResource(req.Key).WithCode(ErrCodeAdapterFailed)
	}

	attributes := make(map[string]interface{}, len(adopted.Attributes)+len(observed))
	for k, v := range adopted.Attributes {
		attributes[k] = v
	}
	for k, v := range observed {
		attributes[k] = v
	}
	return adopted.PhysicalID, attributes, nil
}

// runUpdate converges an existing physical resource in place.
func (w *ResourceWorker) runUpdate(ctx context.Context, req *CheckResourceRequest, adapter Adapter, def *ResourceDefinition, live *stores.Resource, properties map[string]interface{}) (map[string]interface{}, bool, error) {
	prior, err := unmarshalProperties(live.Properties)
	if err != nil {
		return nil, false, err
	}

	var result *UpdateResult
	err = w.withRetry(ctx, req, OperationUpdate, func(ctx context.Context) error {
		start := time.Now()
		res, err := adapter.Update(ctx, &UpdateRequest{
			StackID:         req.StackID,
			ResourceKey:     req.Key,
			ResourceType:    def.Type,
			PhysicalID:      derefString(live.PhysicalID),
			Properties:      properties,
			PriorProperties: prior,
		})
		w.recordAdapterCall(def.Type, string(OperationUpdate), start, err)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result.Attributes, result.NeedsReplace, nil
}

// runHealthCheck observes a physical resource.
func (w *ResourceWorker) runHealthCheck(ctx context.Context, req *CheckResourceRequest, adapter Adapter, def *ResourceDefinition, physicalID string, properties map[string]interface{}) (bool, map[string]interface{}, error) {
	var result *CheckResult
	err := w.withRetry(ctx, req, OperationCheck, func(ctx context.Context) error {
		start := time.Now()
		res, err := adapter.Check(ctx, &CheckRequest{
			StackID:      req.StackID,
			ResourceKey:  req.Key,
			ResourceType: def.Type,
			PhysicalID:   physicalID,
			Properties:   properties,
		})
		w.recordAdapterCall(def.Type, string(OperationCheck), start, err)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return result.Healthy, result.Attributes, nil
}

// replaceResource runs the replacement protocol: a fresh row linked to the
// old one through replaces, an adapter create, then replaced_by on the old
// row. The old physical copy keeps serving until the key's cleanup node
// deletes it later in the same traversal. Create failures unlink by deleting
// the fresh row so cleanup never touches the still-live old copy.
func (w *ResourceWorker) replaceResource(ctx context.Context, req *CheckResourceRequest, stack *stores.Stack, adapter Adapter, def *ResourceDefinition, old *stores.Resource, fingerprint string, properties map[string]interface{}, start time.Time) (*NodeOutput, error) {
	logger := w.nodeLogger(req)
	logger.WithAdapter(def.Type).Info("update cannot apply in place, replacing resource")

	defJSON, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal definition for %s: %w", req.Key, err)
	}

	fresh := &stores.Resource{
		StackID:           req.StackID,
		Name:              req.Key,
		Type:              def.Type,
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusInProgress),
		Definition:        string(defJSON),
		DefinitionHash:    fingerprint,
		Requires:          requiresJSON(req.InputData),
		Replaces:          &old.ID,
		CurrentTemplateID: stack.RawTemplateID,
		EngineID:          &w.engineID,
	}
	if old.NeededBy != nil {
		neededBy := *old.NeededBy
		fresh.NeededBy = &neededBy
	}
	if err := w.store.CreateResource(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to create replacement row for %s: %w", req.Key, err)
	}

	physicalID, attributes, err := w.runCreate(ctx, req, adapter, def, properties)
	if err != nil {
		// The fresh row never got a physical copy; drop it and fail the old
		// row so the node reports poison while the old copy stays live.
		if delErr := w.store.DeleteResource(ctx, fresh.ID); delErr != nil {
			logger.WithError(delErr).Error("failed to delete abandoned replacement row")
		}
		return w.failNode(ctx, req, old, OperationReplace, err)
	}

	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal properties for %s: %w", req.Key, err)
	}
	attrsJSON, err := json.Marshal(attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes for %s: %w", req.Key, err)
	}

	// Record the new copy before linking the old one: if the link is never
	// written the worst case is a lingering old copy, never an orphaned new
	// one.
	fresh, err = w.recordRow(ctx, req, fresh, func(r *stores.Resource) {
		r.Status = string(ResourceStatusComplete)
		r.StatusReason = ""
		r.PhysicalID = &physicalID
		props := string(propsJSON)
		r.Properties = &props
		attrs := string(attrsJSON)
		r.Attributes = &attrs
		r.EngineID = nil
	})
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		return nil, nil
	}

	// Link the copies. The old row goes back to complete: its physical copy
	// is still converged to the previous definition until cleanup.
	oldPhysical := derefString(old.PhysicalID)
	if _, err := w.recordRow(ctx, req, old, func(r *stores.Resource) {
		r.ReplacedBy = &fresh.ID
		r.Status = string(ResourceStatusComplete)
		r.EngineID = nil
	}); err != nil {
		return nil, err
	}

	w.metrics.RecordResourceOperation(string(OperationReplace), string(ResourceStatusComplete), def.Type, time.Since(start))
	w.appendEvent(ctx, req, &physicalID, string(ResourceActionCreate), string(ResourceStatusComplete),
		fmt.Sprintf("replaced %s", oldPhysical))
	if w.events != nil {
		_ = w.events.PublishResourceReplaced(req.StackID, req.TraversalID, req.Key, oldPhysical, physicalID)
	}
	logger.WithField("physical_id", physicalID).Info("resource replaced")

	return &NodeOutput{
		Key:        req.Key,
		ResourceID: fresh.ID,
		PhysicalID: physicalID,
		Attributes: attributes,
	}, nil
}

// cleanupResource deletes the stale physical copies of the node's key:
// every row replaced during this or earlier traversals, plus the live row
// itself when the key is absent from the desired template (or the whole
// stack is being deleted).
func (w *ResourceWorker) cleanupResource(ctx context.Context, req *CheckResourceRequest, stack *stores.Stack) (*NodeOutput, error) {
	logger := w.nodeLogger(req)

	if failure := req.InputData.FirstFailure(); failure != nil {
		// A dependent failed to move off the old copies; deleting them now
		// could destroy the only working state. Pass the poison on.
		return w.Poison(ctx, req)
	}
	if err := w.checkpoint(ctx, req); err != nil {
		return &NodeOutput{Key: req.Key, Failed: true, Reason: err.Error()}, nil
	}

	absent := StackAction(stack.Action) == ActionDelete
	if !absent {
		tmpl, err := w.parsedTemplate(ctx, stack)
		if err != nil {
			return nil, err
		}
		absent = tmpl.Definition(req.Key) == nil
	}

	rows, err := w.store.ListResourcesByName(ctx, req.StackID, req.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources for %s: %w", req.Key, err)
	}

	targets := make([]*stores.Resource, 0, len(rows))
	for _, row := range rows {
		if absent || row.ReplacedBy != nil {
			targets = append(targets, row)
		}
	}
	// Oldest copies first: replacement chains unwind in creation order.
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })

	for _, row := range targets {
		if err := w.deleteCopy(ctx, req, row); err != nil {
			reason := err.Error()
			if _, casErr := w.recordRow(ctx, req, row, func(r *stores.Resource) {
				r.Action = string(ResourceActionDelete)
				r.Status = string(ResourceStatusFailed)
				r.StatusReason = reason
				r.EngineID = nil
			}); casErr != nil {
				logger.WithError(casErr).Error("failed to record cleanup failure")
			}
			w.appendEvent(ctx, req, row.PhysicalID, string(ResourceActionDelete), string(ResourceStatusFailed), reason)
			if w.events != nil {
				_ = w.events.PublishResourceFailed(req.StackID, req.TraversalID, req.Key, string(OperationDelete), reason)
			}
			return &NodeOutput{Key: req.Key, ResourceID: row.ID, Failed: true, Reason: reason}, nil
		}
	}

	if len(targets) > 0 {
		logger.WithField("copies", len(targets)).Info("cleaned up stale copies")
	}
	return &NodeOutput{Key: req.Key}, nil
}

// deleteCopy removes one physical copy and its row. Resource-not-found from
// the adapter is success: the copy is already gone.
func (w *ResourceWorker) deleteCopy(ctx context.Context, req *CheckResourceRequest, row *stores.Resource) error {
	if row.PhysicalID != nil && *row.PhysicalID != "" {
		adapter, err := w.adapters.Get(row.Type)
		if err != nil {
			return NewPermanentError(fmt.Sprintf("no adapter for type %s", row.Type), err).
				WithResource(req.Key).WithCode(ErrCodeAdapterFailed)
		}
		err = w.withRetry(ctx, req, OperationDelete, func(ctx context.Context) error {
			start := time.Now()
			err := adapter.Delete(ctx, &DeleteRequest{
				StackID:      req.StackID,
				ResourceKey:  req.Key,
				ResourceType: row.Type,
				PhysicalID:   *row.PhysicalID,
			})
			w.recordAdapterCall(row.Type, string(OperationDelete), start, err)
			return err
		})
		if err != nil && !IsNotFound(err) {
			return err
		}
	}

	if err := w.store.DeleteResource(ctx, row.ID); err != nil {
		return fmt.Errorf("failed to delete resource row %d: %w", row.ID, err)
	}
	w.metrics.RecordResourceOperation(string(OperationDelete), string(ResourceStatusComplete), row.Type, 0)
	w.appendEvent(ctx, req, row.PhysicalID, string(ResourceActionDelete), string(ResourceStatusComplete), "")
	return nil
}

// checkResource health-checks the live copy without mutating anything.
// Healthy resources keep their stored action/status untouched; only failures
// are recorded on the row.
func (w *ResourceWorker) checkResource(ctx context.Context, req *CheckResourceRequest, stack *stores.Stack) (*NodeOutput, error) {
	// Check traversals never honor poison: a failed upstream check must not
	// mask the health of downstream resources.
	live, err := w.liveResource(ctx, req)
	if err != nil {
		return nil, err
	}
	if live == nil || live.PhysicalID == nil || *live.PhysicalID == "" {
		return &NodeOutput{Key: req.Key, Failed: true, Reason: "no physical resource to check"}, nil
	}

	adapter, err := w.adapters.Get(live.Type)
	if err != nil {
		return &NodeOutput{Key: req.Key, ResourceID: live.ID, Failed: true, Reason: err.Error()}, nil
	}
	properties, err := unmarshalProperties(live.Properties)
	if err != nil {
		return nil, err
	}

	var result *CheckResult
	err = w.withRetry(ctx, req, OperationCheck, func(ctx context.Context) error {
		start := time.Now()
		res, cerr := adapter.Check(ctx, &CheckRequest{
			StackID:      req.StackID,
			ResourceKey:  req.Key,
			ResourceType: live.Type,
			PhysicalID:   *live.PhysicalID,
			Properties:   properties,
		})
		w.recordAdapterCall(live.Type, string(OperationCheck), start, cerr)
		if cerr != nil {
			return cerr
		}
		result = res
		return nil
	})

	switch {
	case err != nil:
		return w.failNode(ctx, req, live, OperationCheck, err)
	case !result.Healthy:
		reason := result.Detail
		if reason == "" {
			reason = "health check failed"
		}
		return w.failNode(ctx, req, live, OperationCheck, NewPermanentError(reason, nil).
			WithResource(req.Key).WithCode(ErrCodeAdapterFailed))
	default:
		w.appendEvent(ctx, req, live.PhysicalID, string(ResourceActionCheck), string(ResourceStatusComplete), "")
		return w.outputFromRow(live), nil
	}
}

// suspendResource suspends the live copy. Adapters without the Suspender
// capability are recorded as skipped, not failed.
func (w *ResourceWorker) suspendResource(ctx context.Context, req *CheckResourceRequest, stack *stores.Stack) (*NodeOutput, error) {
	if failure := req.InputData.FirstFailure(); failure != nil {
		return w.Poison(ctx, req)
	}

	live, err := w.liveResource(ctx, req)
	if err != nil {
		return nil, err
	}
	if live == nil || live.PhysicalID == nil || *live.PhysicalID == "" {
		return &NodeOutput{Key: req.Key}, nil
	}
	if ResourceAction(live.Action) == ResourceActionSuspend && ResourceStatus(live.Status) == ResourceStatusComplete {
		return w.outputFromRow(live), nil
	}

	live, ok, err := w.takeover(ctx, req, live)
	if err != nil {
		return w.failNode(ctx, req, live, OperationNoop, err)
	}
	if !ok {
		return nil, nil
	}

	return w.toggleLifecycle(ctx, req, live, ResourceActionSuspend)
}

// resumeResource resumes a previously suspended live copy.
func (w *ResourceWorker) resumeResource(ctx context.Context, req *CheckResourceRequest, stack *stores.Stack) (*NodeOutput, error) {
	if failure := req.InputData.FirstFailure(); failure != nil {
		return w.Poison(ctx, req)
	}

	live, err := w.liveResource(ctx, req)
	if err != nil {
		return nil, err
	}
	if live == nil || live.PhysicalID == nil || *live.PhysicalID == "" {
		return &NodeOutput{Key: req.Key}, nil
	}
	if ResourceAction(live.Action) != ResourceActionSuspend {
		// Never suspended (or already resumed); nothing to do.
		return w.outputFromRow(live), nil
	}

	live, ok, err := w.takeover(ctx, req, live)
	if err != nil {
		return w.failNode(ctx, req, live, OperationNoop, err)
	}
	if !ok {
		return nil, nil
	}

	return w.toggleLifecycle(ctx, req, live, ResourceActionResume)
}

// toggleLifecycle runs the optional Suspender/Resumer capability and records
// the outcome on the row.
func (w *ResourceWorker) toggleLifecycle(ctx context.Context, req *CheckResourceRequest, live *stores.Resource, action ResourceAction) (*NodeOutput, error) {
	adapter, err := w.adapters.Get(live.Type)
	if err != nil {
		return w.failNode(ctx, req, live, OperationNoop, NewPermanentError(fmt.Sprintf("no adapter for type %s", live.Type), err).
			WithResource(req.Key).WithCode(ErrCodeAdapterFailed))
	}

	lifecycleReq := &SuspendRequest{
		StackID:      req.StackID,
		ResourceKey:  req.Key,
		ResourceType: live.Type,
		PhysicalID:   *live.PhysicalID,
	}

	var call func(context.Context) error
	switch action {
	case ResourceActionSuspend:
		if s, ok := adapter.(Suspender); ok {
			call = func(ctx context.Context) error { return s.Suspend(ctx, lifecycleReq) }
		}
	case ResourceActionResume:
		if r, ok := adapter.(Resumer); ok {
			call = func(ctx context.Context) error { return r.Resume(ctx, lifecycleReq) }
		}
	}

	reason := ""
	if call == nil {
		reason = fmt.Sprintf("adapter for %s does not support %s; skipped", live.Type, action)
	} else {
		err = w.withRetry(ctx, req, ResourceOperation(action), func(ctx context.Context) error {
			start := time.Now()
			cerr := call(ctx)
			w.recordAdapterCall(live.Type, string(action), start, cerr)
			return cerr
		})
		if err != nil {
			return w.failNode(ctx, req, live, ResourceOperation(action), err)
		}
	}

	row, err := w.recordRow(ctx, req, live, func(r *stores.Resource) {
		r.Action = string(action)
		r.Status = string(ResourceStatusComplete)
		r.StatusReason = reason
		r.EngineID = nil
	})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	w.appendEvent(ctx, req, row.PhysicalID, string(action), string(ResourceStatusComplete), reason)
	return w.outputFromRow(row), nil
}

// completeNoop closes out a node whose resource already matches its
// definition: no adapter call, just the template id bump and the stored
// output.
func (w *ResourceWorker) completeNoop(ctx context.Context, req *CheckResourceRequest, stack *stores.Stack, live *stores.Resource, start time.Time) (*NodeOutput, error) {
	row, ok, err := w.updateRow(ctx, req, live, func(r *stores.Resource) {
		r.Status = string(ResourceStatusComplete)
		r.StatusReason = ""
		r.CurrentTemplateID = stack.RawTemplateID
		r.Requires = requiresJSON(req.InputData)
		r.EngineID = nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	w.metrics.RecordResourceOperation(string(OperationNoop), string(ResourceStatusComplete), row.Type, time.Since(start))
	w.nodeLogger(req).Debug("resource unchanged")
	return w.outputFromRow(row), nil
}

// completeNode persists a successful operation and builds the node output.
func (w *ResourceWorker) completeNode(ctx context.Context, req *CheckResourceRequest, stack *stores.Stack, live *stores.Resource, op ResourceOperation, fingerprint string, def *ResourceDefinition, properties map[string]interface{}, physicalID string, attributes map[string]interface{}, start time.Time) (*NodeOutput, error) {
	defJSON, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal definition for %s: %w", req.Key, err)
	}
	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal properties for %s: %w", req.Key, err)
	}
	attrsJSON, err := json.Marshal(attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes for %s: %w", req.Key, err)
	}

	action := resourceActionFor(op)
	row, err := w.recordRow(ctx, req, live, func(r *stores.Resource) {
		r.Action = string(action)
		r.Status = string(ResourceStatusComplete)
		r.StatusReason = ""
		r.PhysicalID = &physicalID
		r.Definition = string(defJSON)
		r.DefinitionHash = fingerprint
		props := string(propsJSON)
		r.Properties = &props
		attrs := string(attrsJSON)
		r.Attributes = &attrs
		r.Requires = requiresJSON(req.InputData)
		r.CurrentTemplateID = stack.RawTemplateID
		r.EngineID = nil
	})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	duration := time.Since(start)
	w.metrics.RecordResourceOperation(string(op), string(ResourceStatusComplete), row.Type, duration)
	w.appendEvent(ctx, req, &physicalID, string(action), string(ResourceStatusComplete), "")
	if w.events != nil {
		_ = w.events.PublishResourceCompleted(req.StackID, req.TraversalID, req.Key, string(op), duration)
	}
	w.nodeLogger(req).WithField("operation", string(op)).WithField("physical_id", physicalID).
		Info("resource converged")

	return &NodeOutput{
		Key:        req.Key,
		ResourceID: row.ID,
		PhysicalID: physicalID,
		Attributes: attributes,
	}, nil
}

// failNode persists a failed operation and builds the poisoned output.
// Cancellation surfaces here too: a cancelled node fails with the
// cancellation reason and poisons its dependents.
func (w *ResourceWorker) failNode(ctx context.Context, req *CheckResourceRequest, live *stores.Resource, op ResourceOperation, cause error) (*NodeOutput, error) {
	reason := cause.Error()
	output := &NodeOutput{Key: req.Key, Failed: true, Reason: reason}

	if live != nil {
		action := resourceActionFor(op)
		row, err := w.recordRow(ctx, req, live, func(r *stores.Resource) {
			if op != OperationNoop {
				r.Action = string(action)
			}
			r.Status = string(ResourceStatusFailed)
			r.StatusReason = reason
			r.EngineID = nil
		})
		if err != nil {
			return nil, err
		}
		if row != nil {
			output.ResourceID = row.ID
			w.metrics.RecordResourceOperation(string(op), string(ResourceStatusFailed), row.Type, 0)
			w.appendEvent(ctx, req, row.PhysicalID, string(action), string(ResourceStatusFailed), reason)
		}
	}

	w.metrics.RecordError(ClassOf(cause), errorCode(cause))
	if w.events != nil {
		_ = w.events.PublishResourceFailed(req.StackID, req.TraversalID, req.Key, string(op), reason)
	}
	w.nodeLogger(req).WithField("operation", string(op)).WithError(cause).Warn("resource operation failed")
	return output, nil
}

// withRetry runs fn with bounded retries on retryable errors, waiting with
// exponential backoff between attempts. Cancellation is checked before every
// attempt so workers abandon promptly at checkpoints.
func (w *ResourceWorker) withRetry(ctx context.Context, req *CheckResourceRequest, op ResourceOperation, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if cerr := w.checkpoint(ctx, req); cerr != nil {
			return cerr
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt >= w.maxRetries {
			break
		}

		w.metrics.RecordResourceRetry(string(op), ClassOf(err))
		backoff := w.backoff(attempt, err)
		w.nodeLogger(req).WithError(err).
			Warnf("retrying %s in %s (attempt %d/%d)", op, backoff, attempt+1, w.maxRetries+1)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return NewCancelledError(req.StackID).WithResource(req.Key)
		}
	}
	return err
}

// backoff calculates exponential backoff with jitter. Throttled errors back
// off harder than conflicts, conflicts harder than plain transient faults.
func (w *ResourceWorker) backoff(attempt int, err error) time.Duration {
	baseDelay := w.retryBase
	if IsThrottled(err) {
		baseDelay = 5 * w.retryBase
	} else if IsConflict(err) {
		baseDelay = 2 * w.retryBase
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	// Add jitter
	jitter := time.Duration(float64(delay) * 0.25)
	delay = delay + jitter/2

	return delay
}

// checkpoint reports cancellation, either from the context or from a cancel
// message delivered through the stack's task group.
func (w *ResourceWorker) checkpoint(ctx context.Context, req *CheckResourceRequest) error {
	if ctx.Err() != nil {
		return NewCancelledError(req.StackID).WithResource(req.Key)
	}
	if w.groups != nil && w.groups.CancelRequested(req.StackID, req.TraversalID) {
		return NewCancelledError(req.StackID).WithResource(req.Key)
	}
	return nil
}

// currentStack loads the stack and applies the supersession rule: work for a
// traversal the stack has moved past is discarded silently.
func (w *ResourceWorker) currentStack(ctx context.Context, req *CheckResourceRequest) (*stores.Stack, bool, error) {
	stack, err := w.store.GetStack(ctx, req.StackID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			w.discardStale(req, "stack gone")
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("failed to load stack %s: %w", req.StackID, err)
	}
	if stack.CurrentTraversal != req.TraversalID {
		w.discardStale(req, stack.CurrentTraversal)
		return nil, true, nil
	}
	return stack, false, nil
}

func (w *ResourceWorker) discardStale(req *CheckResourceRequest, current string) {
	w.metrics.RecordStaleDiscard()
	w.nodeLogger(req).WithField("current_traversal", current).Debug("discarding stale work")
}

// liveResource returns the key's current row: the newest copy not yet
// replaced. Nil when the key has no rows.
func (w *ResourceWorker) liveResource(ctx context.Context, req *CheckResourceRequest) (*stores.Resource, error) {
	rows, err := w.store.ListResourcesByName(ctx, req.StackID, req.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources for %s: %w", req.Key, err)
	}
	var live *stores.Resource
	for _, row := range rows {
		if row.ReplacedBy != nil {
			continue
		}
		if live == nil || row.ID > live.ID {
			live = row
		}
	}
	return live, nil
}

// seedRow creates the row for a key the traversal seeder has not covered.
// Normal traversals seed every desired key up front; this path keeps the
// worker self-sufficient for requests that arrive out of band.
func (w *ResourceWorker) seedRow(ctx context.Context, req *CheckResourceRequest, stack *stores.Stack, def *ResourceDefinition, fingerprint string) (*stores.Resource, error) {
	defJSON, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal definition for %s: %w", req.Key, err)
	}
	row := &stores.Resource{
		StackID:           req.StackID,
		Name:              req.Key,
		Type:              def.Type,
		Action:            string(ResourceActionInit),
		Status:            string(ResourceStatusPending),
		Definition:        string(defJSON),
		DefinitionHash:    "", // converged hash is written on completion
		Requires:          "[]",
		CurrentTemplateID: stack.RawTemplateID,
	}
	if err := w.store.CreateResource(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to seed resource row for %s: %w", req.Key, err)
	}
	return row, nil
}

// takeover moves the row to IN_PROGRESS under this engine. A row already
// in progress under a live engine is a conflict; under a dead engine the work
// is abandoned and taken over.
func (w *ResourceWorker) takeover(ctx context.Context, req *CheckResourceRequest, live *stores.Resource) (*stores.Resource, bool, error) {
	if ResourceStatus(live.Status) == ResourceStatusInProgress && live.EngineID != nil && *live.EngineID != w.engineID {
		alive, err := w.oracle.IsAlive(ctx, *live.EngineID)
		if err != nil {
			return live, false, err
		}
		if alive {
			return live, false, NewConflictError(fmt.Sprintf("resource %s is in progress on engine %s", req.Key, *live.EngineID), nil).
				WithResource(req.Key).WithStack(req.StackID)
		}
		w.nodeLogger(req).WithField("dead_engine", *live.EngineID).Warn("taking over abandoned resource")
	}

	row, ok, err := w.updateRow(ctx, req, live, func(r *stores.Resource) {
		r.Status = string(ResourceStatusInProgress)
		r.EngineID = &w.engineID
	})
	return row, ok, err
}

// updateRow applies mutate to the row and persists it with an atomic-key
// CAS. Lost swaps re-read and retry unless the traversal was superseded, in
// which case the write is abandoned (ok=false with nil error). Use it for
// bookkeeping writes that a newer traversal will redo anyway.
func (w *ResourceWorker) updateRow(ctx context.Context, req *CheckResourceRequest, row *stores.Resource, mutate func(*stores.Resource)) (*stores.Resource, bool, error) {
	for attempt := 0; attempt < rowCASAttempts; attempt++ {
		mutate(row)
		swapped, err := w.store.UpdateResourceCAS(ctx, row, row.AtomicKey)
		if err != nil {
			return nil, false, fmt.Errorf("failed to update resource %s: %w", row.Name, err)
		}
		if swapped {
			return row, true, nil
		}

		_, stale, err := w.currentStack(ctx, req)
		if err != nil {
			return nil, false, err
		}
		if stale {
			return nil, false, nil
		}

		fresh, err := w.store.GetResource(ctx, row.ID)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				// Row deleted under us; treat like supersession.
				w.discardStale(req, "row deleted")
				return nil, false, nil
			}
			return nil, false, err
		}
		row = fresh

		select {
		case <-time.After(casRetryDelay(attempt)):
		case <-ctx.Done():
			return nil, false, NewCancelledError(req.StackID).WithResource(req.Key)
		}
	}
	return nil, false, NewConflictError(fmt.Sprintf("resource %s row contention persisted", row.Name), nil).
		WithResource(req.Key).WithStack(req.StackID)
}

// recordRow persists mutate regardless of supersession. Writes that record a
// physical fact (a created copy, an applied update, a failed delete) must
// land even when the stack has moved to a newer traversal, or the next
// traversal would act on a world the rows no longer describe. Returns nil
// without error when the row was deleted under us.
func (w *ResourceWorker) recordRow(ctx context.Context, req *CheckResourceRequest, row *stores.Resource, mutate func(*stores.Resource)) (*stores.Resource, error) {
	for attempt := 0; attempt < rowCASAttempts; attempt++ {
		mutate(row)
		swapped, err := w.store.UpdateResourceCAS(ctx, row, row.AtomicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to update resource %s: %w", row.Name, err)
		}
		if swapped {
			return row, nil
		}

		fresh, err := w.store.GetResource(ctx, row.ID)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		row = fresh

		select {
		case <-time.After(casRetryDelay(attempt)):
		case <-ctx.Done():
			return nil, NewCancelledError(req.StackID).WithResource(req.Key)
		}
	}
	return nil, NewConflictError(fmt.Sprintf("resource %s row contention persisted", row.Name), nil).
		WithResource(req.Key).WithStack(req.StackID)
}

// parsedTemplate parses the stack's current template, with a small cache
// keyed by raw template id. Templates are immutable, so entries never go
// stale.
func (w *ResourceWorker) parsedTemplate(ctx context.Context, stack *stores.Stack) (*ParsedTemplate, error) {
	w.mu.Lock()
	if tmpl, ok := w.tmplCache[stack.RawTemplateID]; ok {
		w.mu.Unlock()
		return tmpl, nil
	}
	w.mu.Unlock()

	raw, err := w.store.GetRawTemplate(ctx, stack.RawTemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template %s: %w", stack.RawTemplateID, err)
	}
	var params map[string]interface{}
	if raw.Parameters != "" {
		if err := json.Unmarshal([]byte(raw.Parameters), &params); err != nil {
			return nil, fmt.Errorf("failed to decode template parameters: %w", err)
		}
	}
	tmpl, err := w.templates.Parse(ctx, []byte(raw.Template), params)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if len(w.tmplCache) >= templateCacheCap {
		w.tmplCache = make(map[string]*ParsedTemplate)
	}
	w.tmplCache[stack.RawTemplateID] = tmpl
	w.mu.Unlock()
	return tmpl, nil
}

// adoptedResource looks the key up in the stack's adopt data, if any.
func (w *ResourceWorker) adoptedResource(stack *stores.Stack, key string) (*AdoptedResource, error) {
	if stack.AdoptData == nil || *stack.AdoptData == "" {
		return nil, nil
	}
	var data AdoptData
	if err := json.Unmarshal([]byte(*stack.AdoptData), &data); err != nil {
		return nil, fmt.Errorf("failed to decode adopt data: %w", err)
	}
	return data.Lookup(key), nil
}

// outputFromRow rebuilds a healthy node output from stored row state.
func (w *ResourceWorker) outputFromRow(row *stores.Resource) *NodeOutput {
	out := &NodeOutput{Key: row.Name, ResourceID: row.ID}
	if row.PhysicalID != nil {
		out.PhysicalID = *row.PhysicalID
	}
	if row.Attributes != nil && *row.Attributes != "" {
		var attrs map[string]interface{}
		if err := json.Unmarshal([]byte(*row.Attributes), &attrs); err == nil {
			out.Attributes = attrs
		}
	}
	return out
}

func (w *ResourceWorker) appendEvent(ctx context.Context, req *CheckResourceRequest, physicalID *string, action, status, reason string) {
	traversalID := req.TraversalID
	key := req.Key
	event := &stores.StackEvent{
		StackID:     req.StackID,
		TraversalID: &traversalID,
		ResourceKey: &key,
		PhysicalID:  physicalID,
		Action:      action,
		Status:      status,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
	if err := w.store.AppendStackEvent(ctx, event); err != nil {
		w.nodeLogger(req).WithError(err).Warn("failed to append stack event")
	}
}

func (w *ResourceWorker) recordAdapterCall(resourceType, operation string, start time.Time, err error) {
	w.metrics.RecordAdapterCall(resourceType, operation, time.Since(start))
	if err != nil {
		w.metrics.RecordAdapterError(resourceType, operation)
	}
}

func (w *ResourceWorker) nodeLogger(req *CheckResourceRequest) *telemetry.Logger {
	return w.logger.WithStackID(req.StackID).WithTraversalID(req.TraversalID).WithResourceKey(req.Key)
}

// resourceActionFor maps a worker operation to the action recorded on the
// row.
func resourceActionFor(op ResourceOperation) ResourceAction {
	switch op {
	case OperationCreate, OperationReplace:
		return ResourceActionCreate
	case OperationUpdate:
		return ResourceActionUpdate
	case OperationDelete:
		return ResourceActionDelete
	case OperationCheck:
		return ResourceActionCheck
	case OperationAdopt:
		return ResourceActionAdopt
	case ResourceOperation(ResourceActionSuspend):
		return ResourceActionSuspend
	case ResourceOperation(ResourceActionResume):
		return ResourceActionResume
	default:
		return ResourceActionInit
	}
}

// operationForRow guesses the operation a pending row was headed for, used
// only to label failures that happen before the operation is decided.
func operationForRow(row *stores.Resource) ResourceOperation {
	if row == nil || row.PhysicalID == nil || *row.PhysicalID == "" {
		return OperationCreate
	}
	return OperationUpdate
}

// requiresJSON collects the dependency row ids out of the node's inputs.
func requiresJSON(inputs InputData) string {
	ids := make([]int64, 0, len(inputs))
	for _, out := range inputs {
		if out != nil && out.ResourceID > 0 {
			ids = append(ids, out.ResourceID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	data, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalProperties(raw *string) (map[string]interface{}, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var props map[string]interface{}
	if err := json.Unmarshal([]byte(*raw), &props); err != nil {
		return nil, fmt.Errorf("failed to decode stored properties: %w", err)
	}
	return props, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func errorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return ErrCodeInternal
}
