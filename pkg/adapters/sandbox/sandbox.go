// Package sandbox provides an in-process adapter for the sandbox.* resource
// types. Physical resources are map entries, attributes echo the declared
// properties, and a handful of property knobs inject failures so scenario
// tests and the development loop can drive every engine code path without
// real infrastructure.
//
// Recognized property knobs:
//
//	fail_on: "create" | "update" | "delete" | "check" | "suspend" | "resume"
//	    the named operation fails with a permanent error
//	flaky_attempts: N
//	    the first N attempts of each operation fail with a transient error
//	unhealthy: true
//	    Check reports the resource unhealthy
//	immutable: [property names]
//	    updates changing any named property require replacement
//	latency_ms: N
//	    every operation sleeps N milliseconds first
//
// All other properties are inert and come back as attributes alongside the
// reserved key, type, state, generation and created_at entries.
package sandbox

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openstratus/stratus/pkg/engine"
)

// Property knobs understood by the adapter.
const (
	propFailOn    = "fail_on"
	propFlaky     = "flaky_attempts"
	propUnhealthy = "unhealthy"
	propImmutable = "immutable"
	propLatency   = "latency_ms"
)

const suspendOp = "suspend"
const resumeOp = "resume"

// Adapter provisions sandbox resources in process memory.
type Adapter struct {
	mu        sync.Mutex
	resources map[string]*Record
	attempts  map[string]int
}

// Record is the stored state of one sandbox resource.
type Record struct {
	StackID    string
	Key        string
	Type       string
	Properties map[string]interface{}
	Suspended  bool
	Generation int
	CreatedAt  time.Time
}

var (
	_ engine.Adapter   = (*Adapter)(nil)
	_ engine.Suspender = (*Adapter)(nil)
	_ engine.Resumer   = (*Adapter)(nil)
	_ engine.Validator = (*Adapter)(nil)
)

// New creates an empty sandbox adapter.
func New() *Adapter {
	return &Adapter{
		resources: make(map[string]*Record),
		attempts:  make(map[string]int),
	}
}

// Create provisions a sandbox resource and returns its generated id.
func (a *Adapter) Create(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	if err := a.gate(ctx, req.StackID, req.ResourceKey, string(engine.OperationCreate), req.Properties); err != nil {
		return nil, err
	}

	rec := &Record{
		StackID:    req.StackID,
		Key:        req.ResourceKey,
		Type:       req.ResourceType,
		Properties: copyProperties(req.Properties),
		CreatedAt:  time.Now().UTC(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	id := fmt.Sprintf("sbx-%s", uuid.NewString())
	a.resources[id] = rec
	return &engine.CreateResult{PhysicalID: id, Attributes: attributesFor(rec)}, nil
}

// Update converges a sandbox resource in place, or asks for replacement when
// a property listed under immutable changed.
func (a *Adapter) Update(ctx context.Context, req *engine.UpdateRequest) (*engine.UpdateResult, error) {
	if err := a.gate(ctx, req.StackID, req.ResourceKey, string(engine.OperationUpdate), req.Properties); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.resources[req.PhysicalID]
	if !ok {
		return nil, engine.NewNotFoundError(fmt.Sprintf("sandbox resource %s not found", req.PhysicalID), nil)
	}
	if immutableChanged(rec.Properties, req.Properties) {
		return &engine.UpdateResult{NeedsReplace: true}, nil
	}

	rec.Properties = copyProperties(req.Properties)
	rec.Generation++
	return &engine.UpdateResult{Attributes: attributesFor(rec)}, nil
}

// Delete removes a sandbox resource. A missing id reports not-found, which
// the engine treats as already gone.
func (a *Adapter) Delete(ctx context.Context, req *engine.DeleteRequest) error {
	a.mu.Lock()
	rec, ok := a.resources[req.PhysicalID]
	a.mu.Unlock()
	if !ok {
		return engine.NewNotFoundError(fmt.Sprintf("sandbox resource %s not found", req.PhysicalID), nil)
	}

	// Delete requests carry no desired properties; the knobs live on the
	// stored record.
	if err := a.gate(ctx, req.StackID, req.ResourceKey, string(engine.OperationDelete), rec.Properties); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.resources, req.PhysicalID)
	return nil
}

// Check observes a sandbox resource. A missing resource is unhealthy rather
// than an error so converge traversals can repair it.
func (a *Adapter) Check(ctx context.Context, req *engine.CheckRequest) (*engine.CheckResult, error) {
	if err := a.gate(ctx, req.StackID, req.ResourceKey, string(engine.OperationCheck), req.Properties); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.resources[req.PhysicalID]
	if !ok {
		return &engine.CheckResult{Healthy: false, Detail: fmt.Sprintf("sandbox resource %s not found", req.PhysicalID)}, nil
	}
	if truthy(req.Properties[propUnhealthy]) || truthy(rec.Properties[propUnhealthy]) {
		return &engine.CheckResult{Healthy: false, Attributes: attributesFor(rec), Detail: "injected unhealthy"}, nil
	}
	return &engine.CheckResult{Healthy: true, Attributes: attributesFor(rec)}, nil
}

// Suspend pauses a sandbox resource.
func (a *Adapter) Suspend(ctx context.Context, req *engine.SuspendRequest) error {
	return a.setSuspended(ctx, req, suspendOp, true)
}

// Resume unpauses a sandbox resource.
func (a *Adapter) Resume(ctx context.Context, req *engine.SuspendRequest) error {
	return a.setSuspended(ctx, req, resumeOp, false)
}

func (a *Adapter) setSuspended(ctx context.Context, req *engine.SuspendRequest, op string, suspended bool) error {
	a.mu.Lock()
	rec, ok := a.resources[req.PhysicalID]
	a.mu.Unlock()
	if !ok {
		return engine.NewNotFoundError(fmt.Sprintf("sandbox resource %s not found", req.PhysicalID), nil)
	}
	if err := a.gate(ctx, req.StackID, req.ResourceKey, op, rec.Properties); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	rec.Suspended = suspended
	return nil
}

// ValidateProperties rejects malformed failure knobs before a traversal
// starts. Everything else is accepted; sandbox resources have no schema.
func (a *Adapter) ValidateProperties(ctx context.Context, resourceType string, properties map[string]interface{}) error {
	if v, ok := properties[propFailOn]; ok {
		op, isString := v.(string)
		if !isString || !knownFailOp(op) {
			return engine.NewValidationError(fmt.Sprintf("%s must be one of create, update, delete, check, suspend, resume", propFailOn))
		}
	}
	for _, knob := range []string{propFlaky, propLatency} {
		if v, ok := properties[knob]; ok {
			n, isNumber := asInt(v)
			if !isNumber || n < 0 {
				return engine.NewValidationError(fmt.Sprintf("%s must be a non-negative number", knob))
			}
		}
	}
	if v, ok := properties[propUnhealthy]; ok {
		if _, isBool := v.(bool); !isBool {
			return engine.NewValidationError(fmt.Sprintf("%s must be a bool", propUnhealthy))
		}
	}
	if v, ok := properties[propImmutable]; ok {
		items, isList := v.([]interface{})
		if !isList {
			return engine.NewValidationError(fmt.Sprintf("%s must be a list of property names", propImmutable))
		}
		for _, item := range items {
			if _, isString := item.(string); !isString {
				return engine.NewValidationError(fmt.Sprintf("%s entries must be strings", propImmutable))
			}
		}
	}
	return nil
}

// Resource returns a snapshot of a stored record.
func (a *Adapter) Resource(physicalID string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.resources[physicalID]
	if !ok {
		return Record{}, false
	}
	snapshot := *rec
	snapshot.Properties = copyProperties(rec.Properties)
	return snapshot, true
}

// Len returns the number of live sandbox resources.
func (a *Adapter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.resources)
}

// gate applies the latency, flaky and fail_on knobs in that order.
func (a *Adapter) gate(ctx context.Context, stackID, key, op string, properties map[string]interface{}) error {
	if ms, ok := asInt(properties[propLatency]); ok && ms > 0 {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return engine.NewTransientError("sandbox operation interrupted", ctx.Err())
		}
	}

	if n, ok := asInt(properties[propFlaky]); ok && n > 0 {
		a.mu.Lock()
		counterKey := fmt.Sprintf("%s/%s/%s", stackID, key, op)
		a.attempts[counterKey]++
		attempt := a.attempts[counterKey]
		a.mu.Unlock()
		if attempt <= n {
			return engine.NewTransientError(fmt.Sprintf("injected transient failure, attempt %d of %d", attempt, n), nil)
		}
	}

	if v, ok := properties[propFailOn].(string); ok && v == op {
		return engine.NewPermanentError(fmt.Sprintf("injected %s failure", op), nil).WithResource(key)
	}
	return nil
}

// attributesFor echoes the stored properties and overlays the reserved
// entries. Callers hold the adapter lock.
func attributesFor(rec *Record) map[string]interface{} {
	attrs := make(map[string]interface{}, len(rec.Properties)+5)
	for k, v := range rec.Properties {
		attrs[k] = v
	}
	state := "running"
	if rec.Suspended {
		state = "suspended"
	}
	attrs["key"] = rec.Key
	attrs["type"] = rec.Type
	attrs["state"] = state
	attrs["generation"] = rec.Generation
	attrs["created_at"] = rec.CreatedAt.Format(time.RFC3339)
	return attrs
}

// immutableChanged reports whether any property named in the desired
// immutable list differs from its prior value.
func immutableChanged(prior, next map[string]interface{}) bool {
	items, ok := next[propImmutable].([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		name, ok := item.(string)
		if !ok {
			continue
		}
		if !reflect.DeepEqual(prior[name], next[name]) {
			return true
		}
	}
	return false
}

func copyProperties(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func knownFailOp(op string) bool {
	switch op {
	case string(engine.OperationCreate), string(engine.OperationUpdate), string(engine.OperationDelete), string(engine.OperationCheck), suspendOp, resumeOp:
		return true
	}
	return false
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func truthy(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}
