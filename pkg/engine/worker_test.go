package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openstratus/stratus/pkg/stores"
)

const testEngineID = "engine-test"

// fakeAdapter is a scriptable adapter for engine tests. Unset hooks succeed
// with canned results. Traversal tests call it from concurrent branches, so
// the counters sit behind a mutex.
type fakeAdapter struct {
	createFn func(*CreateRequest) (*CreateResult, error)
	updateFn func(*UpdateRequest) (*UpdateResult, error)
	deleteFn func(*DeleteRequest) error
	checkFn  func(*CheckRequest) (*CheckResult, error)

	mu      sync.Mutex
	creates int
	updates int
	deletes int
	checks  int
}

func (a *fakeAdapter) Create(ctx context.Context, req *CreateRequest) (*CreateResult, error) {
	a.mu.Lock()
	a.creates++
	a.mu.Unlock()
	if a.createFn != nil {
		return a.createFn(req)
	}
	return &CreateResult{PhysicalID: "phys-" + req.ResourceKey}, nil
}

func (a *fakeAdapter) Update(ctx context.Context, req *UpdateRequest) (*UpdateResult, error) {
	a.mu.Lock()
	a.updates++
	a.mu.Unlock()
	if a.updateFn != nil {
		return a.updateFn(req)
	}
	return &UpdateResult{}, nil
}

func (a *fakeAdapter) Delete(ctx context.Context, req *DeleteRequest) error {
	a.mu.Lock()
	a.deletes++
	a.mu.Unlock()
	if a.deleteFn != nil {
		return a.deleteFn(req)
	}
	return nil
}

func (a *fakeAdapter) Check(ctx context.Context, req *CheckRequest) (*CheckResult, error) {
	a.mu.Lock()
	a.checks++
	a.mu.Unlock()
	if a.checkFn != nil {
		return a.checkFn(req)
	}
	return &CheckResult{Healthy: true}, nil
}

// counts reads the call counters race-safely.
func (a *fakeAdapter) counts() (creates, updates, deletes, checks int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creates, a.updates, a.deletes, a.checks
}

// suspendableAdapter adds the optional lifecycle capabilities.
type suspendableAdapter struct {
	fakeAdapter
	suspends int
	resumes  int
}

func (a *suspendableAdapter) Suspend(ctx context.Context, req *SuspendRequest) error {
	a.mu.Lock()
	a.suspends++
	a.mu.Unlock()
	return nil
}

func (a *suspendableAdapter) Resume(ctx context.Context, req *SuspendRequest) error {
	a.mu.Lock()
	a.resumes++
	a.mu.Unlock()
	return nil
}

// fakeRegistry resolves every type to the same adapter.
type fakeRegistry struct {
	adapter Adapter
}

func (r *fakeRegistry) Get(resourceType string) (Adapter, error) {
	if r.adapter == nil {
		return nil, NewNotFoundError(fmt.Sprintf("no adapter registered for %s", resourceType), nil)
	}
	return r.adapter, nil
}

func (r *fakeRegistry) Has(resourceType string) bool {
	return r.adapter != nil
}

// jsonTemplates treats the stored template document as pre-parsed JSON and
// resolves resource properties by returning them unchanged.
type jsonTemplates struct{}

func (jsonTemplates) Parse(ctx context.Context, raw []byte, params map[string]interface{}) (*ParsedTemplate, error) {
	var tmpl ParsedTemplate
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

func (jsonTemplates) ResolveProperties(ctx context.Context, tmpl *ParsedTemplate, def *ResourceDefinition, inputs InputData) (map[string]interface{}, error) {
	return def.Properties, nil
}

func (jsonTemplates) ResolveOutputs(ctx context.Context, tmpl *ParsedTemplate, inputs InputData) (StackOutputs, error) {
	return StackOutputs{}, nil
}

// newTestWorker builds a worker with millisecond retry backoff so retry tests
// stay fast.
func newTestWorker(store stores.Store, adapter Adapter) *ResourceWorker {
	oracle := NewHeartbeatOracle(store, 30*time.Second)
	oracle.RegisterLocal(testEngineID)
	w := NewResourceWorker(store, &fakeRegistry{adapter: adapter}, jsonTemplates{}, oracle, NewTaskGroupManager(nil), testEngineID, nil)
	w.retryBase = time.Millisecond
	return w
}

// singleResourceTemplate builds a template declaring one resource.
func singleResourceTemplate(key, resourceType string, properties map[string]interface{}) *ParsedTemplate {
	return &ParsedTemplate{
		Version: "2026-01-01",
		Resources: map[string]*ResourceDefinition{
			key: {Name: key, Type: resourceType, Properties: properties},
		},
	}
}

// seedTemplate persists a template document under the given id.
func seedTemplate(t *testing.T, store stores.Store, id string, tmpl *ParsedTemplate) {
	t.Helper()
	raw, err := json.Marshal(tmpl)
	if err != nil {
		t.Fatalf("failed to marshal template: %v", err)
	}
	if err := store.CreateRawTemplate(context.Background(), &stores.RawTemplate{
		ID:         id,
		Template:   string(raw),
		Parameters: "{}",
	}); err != nil {
		t.Fatalf("failed to create raw template: %v", err)
	}
}

// seedStack persists a template and a stack mid-traversal pointing at it.
func seedStack(t *testing.T, store stores.Store, stackID, traversalID string, action StackAction, tmpl *ParsedTemplate) *stores.Stack {
	t.Helper()
	seedTemplate(t, store, "tmpl-"+traversalID, tmpl)

	stack := &stores.Stack{
		ID:               stackID,
		Name:             stackID,
		Action:           string(action),
		Status:           string(StackStatusInProgress),
		CurrentTraversal: traversalID,
		RawTemplateID:    "tmpl-" + traversalID,
		Parameters:       "{}",
	}
	if err := store.CreateStack(context.Background(), stack); err != nil {
		t.Fatalf("failed to create stack: %v", err)
	}
	return stack
}

// seedResourceRow persists a resource row as a previous traversal left it.
func seedResourceRow(t *testing.T, store stores.Store, row *stores.Resource) *stores.Resource {
	t.Helper()
	if row.Definition == "" {
		row.Definition = "{}"
	}
	if row.Requires == "" {
		row.Requires = "[]"
	}
	if err := store.CreateResource(context.Background(), row); err != nil {
		t.Fatalf("failed to seed resource row: %v", err)
	}
	return row
}

func newCheckReq(stack *stores.Stack, key string, update bool) *CheckResourceRequest {
	return &CheckResourceRequest{
		StackID:     stack.ID,
		TraversalID: stack.CurrentTraversal,
		Key:         key,
		IsUpdate:    update,
		InputData:   InputData{},
	}
}

func mustFingerprint(t *testing.T, def *ResourceDefinition) string {
	t.Helper()
	hash, err := def.Fingerprint()
	if err != nil {
		t.Fatalf("failed to fingerprint definition: %v", err)
	}
	return hash
}

func TestResourceWorker_CreateNewResource(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", map[string]interface{}{"size": "small"})
	stack := seedStack(t, store, "stack-1", "trav-1", ActionCreate, tmpl)

	adapter := &fakeAdapter{}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected converge to succeed, got: %v", err)
	}
	if out == nil || out.Failed {
		t.Fatalf("expected healthy output, got: %+v", out)
	}
	if out.PhysicalID != "phys-web" {
		t.Errorf("expected physical id phys-web, got %s", out.PhysicalID)
	}
	if adapter.creates != 1 {
		t.Errorf("expected one create call, got %d", adapter.creates)
	}

	rows, err := store.ListResourcesByName(ctx, stack.ID, "web")
	if err != nil {
		t.Fatalf("failed to list rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	row := rows[0]
	if row.Action != string(ResourceActionCreate) {
		t.Errorf("expected action create, got %s", row.Action)
	}
	if row.Status != string(ResourceStatusComplete) {
		t.Errorf("expected status complete, got %s", row.Status)
	}
	if row.EngineID != nil {
		t.Errorf("expected engine released after completion, got %v", *row.EngineID)
	}
	if row.CurrentTemplateID != stack.RawTemplateID {
		t.Errorf("expected current template %s, got %s", stack.RawTemplateID, row.CurrentTemplateID)
	}
	if want := mustFingerprint(t, tmpl.Resources["web"]); row.DefinitionHash != want {
		t.Errorf("expected converged hash recorded, got %s", row.DefinitionHash)
	}
	if out.ResourceID != row.ID {
		t.Errorf("expected output resource id %d, got %d", row.ID, out.ResourceID)
	}

	events, err := store.ListStackEvents(ctx, stack.ID, 10, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) == 0 {
		t.Error("expected a stack event for the create")
	}
}

func TestResourceWorker_NoopWhenUnchanged(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", map[string]interface{}{"size": "small"})
	stack := seedStack(t, store, "stack-1", "trav-2", ActionUpdate, tmpl)

	phys := "i-1"
	seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "web",
		Type:              "sandbox.instance",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusComplete),
		PhysicalID:        &phys,
		DefinitionHash:    mustFingerprint(t, tmpl.Resources["web"]),
		CurrentTemplateID: "tmpl-trav-1",
	})

	adapter := &fakeAdapter{}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected noop to succeed, got: %v", err)
	}
	if out == nil || out.Failed {
		t.Fatalf("expected healthy output, got: %+v", out)
	}
	if out.PhysicalID != "i-1" {
		t.Errorf("expected stored physical id, got %s", out.PhysicalID)
	}
	if total := adapter.creates + adapter.updates + adapter.checks + adapter.deletes; total != 0 {
		t.Errorf("expected no adapter calls for unchanged resource, got %d", total)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	if rows[0].CurrentTemplateID != stack.RawTemplateID {
		t.Errorf("expected template id bumped to %s, got %s", stack.RawTemplateID, rows[0].CurrentTemplateID)
	}
}

func TestResourceWorker_UpdateInPlace(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", map[string]interface{}{"size": "large"})
	stack := seedStack(t, store, "stack-1", "trav-2", ActionUpdate, tmpl)

	phys := "i-1"
	props := `{"size":"small"}`
	seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "web",
		Type:              "sandbox.instance",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusComplete),
		PhysicalID:        &phys,
		Properties:        &props,
		DefinitionHash:    "stale-hash",
		CurrentTemplateID: "tmpl-trav-1",
	})

	adapter := &fakeAdapter{
		updateFn: func(req *UpdateRequest) (*UpdateResult, error) {
			if req.PhysicalID != "i-1" {
				t.Errorf("expected update of i-1, got %s", req.PhysicalID)
			}
			if req.PriorProperties["size"] != "small" {
				t.Errorf("expected prior properties from the stored row, got %v", req.PriorProperties)
			}
			if req.Properties["size"] != "large" {
				t.Errorf("expected desired properties, got %v", req.Properties)
			}
			return &UpdateResult{Attributes: map[string]interface{}{"addr": "10.0.0.1"}}, nil
		},
	}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected update to succeed, got: %v", err)
	}
	if out.Failed {
		t.Fatalf("expected healthy output, got: %+v", out)
	}
	if adapter.updates != 1 || adapter.creates != 0 {
		t.Errorf("expected one update and no create, got updates=%d creates=%d", adapter.updates, adapter.creates)
	}
	if out.Attributes["addr"] != "10.0.0.1" {
		t.Errorf("expected attributes from the adapter, got %v", out.Attributes)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	row := rows[0]
	if row.Action != string(ResourceActionUpdate) {
		t.Errorf("expected action update, got %s", row.Action)
	}
	if want := mustFingerprint(t, tmpl.Resources["web"]); row.DefinitionHash != want {
		t.Errorf("expected new hash recorded, got %s", row.DefinitionHash)
	}
}

func TestResourceWorker_ReplaceProtocol(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", map[string]interface{}{"zone": "b"})
	stack := seedStack(t, store, "stack-1", "trav-2", ActionUpdate, tmpl)

	phys := "i-1"
	old := seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "web",
		Type:              "sandbox.instance",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusComplete),
		PhysicalID:        &phys,
		DefinitionHash:    "stale-hash",
		CurrentTemplateID: "tmpl-trav-1",
	})

	adapter := &fakeAdapter{
		updateFn: func(req *UpdateRequest) (*UpdateResult, error) {
			return &UpdateResult{NeedsReplace: true}, nil
		},
		createFn: func(req *CreateRequest) (*CreateResult, error) {
			return &CreateResult{PhysicalID: "i-2"}, nil
		},
	}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected replace to succeed, got: %v", err)
	}
	if out.Failed {
		t.Fatalf("expected healthy output, got: %+v", out)
	}
	if out.PhysicalID != "i-2" {
		t.Errorf("expected output to carry the new copy, got %s", out.PhysicalID)
	}
	if adapter.updates != 1 || adapter.creates != 1 || adapter.deletes != 0 {
		t.Errorf("unexpected adapter calls: updates=%d creates=%d deletes=%d",
			adapter.updates, adapter.creates, adapter.deletes)
	}

	rows, err := store.ListResourcesByName(ctx, stack.ID, "web")
	if err != nil {
		t.Fatalf("failed to list rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected two linked copies, got %d rows", len(rows))
	}

	var oldRow, freshRow *stores.Resource
	for _, row := range rows {
		if row.ID == old.ID {
			oldRow = row
		} else {
			freshRow = row
		}
	}
	if oldRow == nil || freshRow == nil {
		t.Fatalf("expected old and fresh rows, got %+v", rows)
	}

	if oldRow.ReplacedBy == nil || *oldRow.ReplacedBy != freshRow.ID {
		t.Errorf("expected old row replaced_by %d, got %v", freshRow.ID, oldRow.ReplacedBy)
	}
	if oldRow.Status != string(ResourceStatusComplete) {
		t.Errorf("expected old copy still complete until cleanup, got %s", oldRow.Status)
	}
	if derefString(oldRow.PhysicalID) != "i-1" {
		t.Errorf("expected old physical copy untouched, got %v", oldRow.PhysicalID)
	}
	if freshRow.Replaces == nil || *freshRow.Replaces != old.ID {
		t.Errorf("expected fresh row replaces %d, got %v", old.ID, freshRow.Replaces)
	}
	if derefString(freshRow.PhysicalID) != "i-2" {
		t.Errorf("expected fresh physical id i-2, got %v", freshRow.PhysicalID)
	}
	if want := mustFingerprint(t, tmpl.Resources["web"]); freshRow.DefinitionHash != want {
		t.Errorf("expected fresh row converged to the new hash, got %s", freshRow.DefinitionHash)
	}
	if out.ResourceID != freshRow.ID {
		t.Errorf("expected output resource id %d, got %d", freshRow.ID, out.ResourceID)
	}
}

func TestResourceWorker_ReplaceCreateFailureKeepsOldCopy(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", map[string]interface{}{"zone": "b"})
	stack := seedStack(t, store, "stack-1", "trav-2", ActionUpdate, tmpl)

	phys := "i-1"
	old := seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "web",
		Type:              "sandbox.instance",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusComplete),
		PhysicalID:        &phys,
		DefinitionHash:    "stale-hash",
		CurrentTemplateID: "tmpl-trav-1",
	})

	adapter := &fakeAdapter{
		updateFn: func(req *UpdateRequest) (*UpdateResult, error) {
			return &UpdateResult{NeedsReplace: true}, nil
		},
		createFn: func(req *CreateRequest) (*CreateResult, error) {
			return nil, NewPermanentError("zone b has no capacity", nil)
		},
	}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected poisoned output, not error, got: %v", err)
	}
	if !out.Failed || !strings.Contains(out.Reason, "no capacity") {
		t.Fatalf("expected failure to surface, got: %+v", out)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	if len(rows) != 1 {
		t.Fatalf("expected abandoned replacement row deleted, got %d rows", len(rows))
	}
	row := rows[0]
	if row.ID != old.ID {
		t.Fatalf("expected the old row to survive, got row %d", row.ID)
	}
	if row.Status != string(ResourceStatusFailed) {
		t.Errorf("expected old row failed, got %s", row.Status)
	}
	if row.ReplacedBy != nil {
		t.Errorf("expected no replaced_by link after failed create, got %v", *row.ReplacedBy)
	}
	if derefString(row.PhysicalID) != "i-1" {
		t.Errorf("expected old physical copy preserved, got %v", row.PhysicalID)
	}
}

func TestResourceWorker_RetriesTransientFailure(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", nil)
	stack := seedStack(t, store, "stack-1", "trav-1", ActionCreate, tmpl)

	attempts := 0
	adapter := &fakeAdapter{
		createFn: func(req *CreateRequest) (*CreateResult, error) {
			attempts++
			if attempts < 3 {
				return nil, NewTransientError("api wobble", nil)
			}
			return &CreateResult{PhysicalID: "i-9"}, nil
		},
	}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected retries to recover, got: %v", err)
	}
	if out.Failed {
		t.Fatalf("expected healthy output after retries, got: %+v", out)
	}
	if out.PhysicalID != "i-9" {
		t.Errorf("expected physical id i-9, got %s", out.PhysicalID)
	}
	if adapter.creates != 3 {
		t.Errorf("expected three attempts, got %d", adapter.creates)
	}
}

func TestResourceWorker_RetryBudgetExhausted(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", nil)
	stack := seedStack(t, store, "stack-1", "trav-1", ActionCreate, tmpl)

	adapter := &fakeAdapter{
		createFn: func(req *CreateRequest) (*CreateResult, error) {
			return nil, NewTransientError("api down", nil)
		},
	}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected poisoned output, not error, got: %v", err)
	}
	if !out.Failed || !strings.Contains(out.Reason, "api down") {
		t.Fatalf("expected exhausted retries to fail the node, got: %+v", out)
	}
	if adapter.creates != defaultWorkerRetries+1 {
		t.Errorf("expected %d attempts, got %d", defaultWorkerRetries+1, adapter.creates)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	if len(rows) != 1 || rows[0].Status != string(ResourceStatusFailed) {
		t.Errorf("expected failed row recorded, got %+v", rows)
	}
}

func TestResourceWorker_PermanentFailureDoesNotRetry(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", nil)
	stack := seedStack(t, store, "stack-1", "trav-1", ActionCreate, tmpl)

	adapter := &fakeAdapter{
		createFn: func(req *CreateRequest) (*CreateResult, error) {
			return nil, NewPermanentError("quota exceeded", nil)
		},
	}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected poisoned output, not error, got: %v", err)
	}
	if !out.Failed || !strings.Contains(out.Reason, "quota exceeded") {
		t.Fatalf("expected permanent failure to surface, got: %+v", out)
	}
	if adapter.creates != 1 {
		t.Errorf("expected a single attempt for permanent errors, got %d", adapter.creates)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	row := rows[0]
	if row.Status != string(ResourceStatusFailed) {
		t.Errorf("expected failed row, got %s", row.Status)
	}
	if !strings.Contains(row.StatusReason, "quota exceeded") {
		t.Errorf("expected failure reason recorded, got %q", row.StatusReason)
	}
	if row.EngineID != nil {
		t.Errorf("expected engine released after failure, got %v", *row.EngineID)
	}
}

func TestResourceWorker_StaleTraversalDiscarded(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", nil)
	stack := seedStack(t, store, "stack-1", "trav-2", ActionUpdate, tmpl)

	adapter := &fakeAdapter{}
	w := newTestWorker(store, adapter)

	// Work for a traversal the stack has moved past vanishes silently.
	req := newCheckReq(stack, "web", true)
	req.TraversalID = "trav-1"
	out, err := w.CheckResource(ctx, req)
	if err != nil {
		t.Fatalf("expected silent discard, got: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil output for stale work, got: %+v", out)
	}

	// Same for work against a stack that no longer exists.
	gone := newCheckReq(stack, "web", true)
	gone.StackID = "stack-gone"
	out, err = w.CheckResource(ctx, gone)
	if err != nil {
		t.Fatalf("expected silent discard for missing stack, got: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil output for missing stack, got: %+v", out)
	}

	if total := adapter.creates + adapter.updates + adapter.checks + adapter.deletes; total != 0 {
		t.Errorf("expected no adapter calls for stale work, got %d", total)
	}
}

func TestResourceWorker_PoisonedInputSkipsAdapter(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", map[string]interface{}{"size": "large"})
	stack := seedStack(t, store, "stack-1", "trav-2", ActionUpdate, tmpl)

	phys := "i-1"
	seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "web",
		Type:              "sandbox.instance",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusComplete),
		PhysicalID:        &phys,
		DefinitionHash:    "stale-hash",
		CurrentTemplateID: "tmpl-trav-1",
	})

	adapter := &fakeAdapter{}
	w := newTestWorker(store, adapter)

	req := newCheckReq(stack, "web", true)
	req.InputData = InputData{"db": {Key: "db", Failed: true, Reason: "boom"}}

	out, err := w.CheckResource(ctx, req)
	if err != nil {
		t.Fatalf("expected poisoned output, not error, got: %v", err)
	}
	if !out.Failed {
		t.Fatal("expected poison to propagate")
	}
	if !strings.Contains(out.Reason, "dependency db failed") || !strings.Contains(out.Reason, "boom") {
		t.Errorf("expected cascading reason, got %q", out.Reason)
	}
	if total := adapter.creates + adapter.updates + adapter.checks + adapter.deletes; total != 0 {
		t.Errorf("expected no adapter calls on poisoned input, got %d", total)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	if rows[0].Status != string(ResourceStatusFailed) {
		t.Errorf("expected row marked failed, got %s", rows[0].Status)
	}

	// The cleanup direction passes poison on without deleting anything: the
	// old copy may be the only working state left.
	cleanup := newCheckReq(stack, "web", false)
	cleanup.InputData = InputData{"db": {Key: "db", Failed: true, Reason: "boom"}}
	out, err = w.CheckResource(ctx, cleanup)
	if err != nil {
		t.Fatalf("expected poisoned cleanup output, got: %v", err)
	}
	if !out.Failed {
		t.Fatal("expected cleanup poison to propagate")
	}
	if adapter.deletes != 0 {
		t.Errorf("expected no deletes on poisoned cleanup, got %d", adapter.deletes)
	}
	rows, _ = store.ListResourcesByName(ctx, stack.ID, "web")
	if len(rows) != 1 {
		t.Errorf("expected the row to survive poisoned cleanup, got %d rows", len(rows))
	}
}

func TestResourceWorker_CheckIgnoresPoison(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", nil)
	stack := seedStack(t, store, "stack-1", "trav-3", ActionCheck, tmpl)

	phys := "i-1"
	seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "web",
		Type:              "sandbox.instance",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusComplete),
		PhysicalID:        &phys,
		DefinitionHash:    "hash-1",
		CurrentTemplateID: "tmpl-trav-1",
	})

	adapter := &fakeAdapter{}
	w := newTestWorker(store, adapter)

	// A failed upstream check must not mask this resource's health.
	req := newCheckReq(stack, "web", true)
	req.InputData = InputData{"db": {Key: "db", Failed: true, Reason: "db unhealthy"}}

	out, err := w.CheckResource(ctx, req)
	if err != nil {
		t.Fatalf("expected check to run, got: %v", err)
	}
	if out.Failed {
		t.Fatalf("expected healthy check despite poisoned input, got: %+v", out)
	}
	if adapter.checks != 1 {
		t.Errorf("expected one check call, got %d", adapter.checks)
	}

	// Healthy checks leave the stored action and status untouched.
	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	if rows[0].Action != string(ResourceActionCreate) || rows[0].Status != string(ResourceStatusComplete) {
		t.Errorf("expected row untouched by healthy check, got %s/%s", rows[0].Action, rows[0].Status)
	}
}

func TestResourceWorker_CheckRecordsUnhealthy(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", nil)
	stack := seedStack(t, store, "stack-1", "trav-3", ActionCheck, tmpl)

	phys := "i-1"
	seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "web",
		Type:              "sandbox.instance",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusComplete),
		PhysicalID:        &phys,
		DefinitionHash:    "hash-1",
		CurrentTemplateID: "tmpl-trav-1",
	})

	adapter := &fakeAdapter{
		checkFn: func(req *CheckRequest) (*CheckResult, error) {
			return &CheckResult{Healthy: false, Detail: "process not running"}, nil
		},
	}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected poisoned output, not error, got: %v", err)
	}
	if !out.Failed || !strings.Contains(out.Reason, "process not running") {
		t.Fatalf("expected unhealthy detail to surface, got: %+v", out)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	if rows[0].Status != string(ResourceStatusFailed) {
		t.Errorf("expected failed row after unhealthy check, got %s", rows[0].Status)
	}

	// A key with no physical copy cannot be checked.
	out, err = w.CheckResource(ctx, newCheckReq(stack, "ghost", true))
	if err != nil {
		t.Fatalf("expected poisoned output for missing copy, got: %v", err)
	}
	if !out.Failed || !strings.Contains(out.Reason, "no physical resource") {
		t.Fatalf("expected missing-copy failure, got: %+v", out)
	}
}

func TestResourceWorker_CleanupDeletesReplacedCopy(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", map[string]interface{}{"zone": "b"})
	stack := seedStack(t, store, "stack-1", "trav-2", ActionUpdate, tmpl)

	oldPhys := "i-1"
	old := seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "web",
		Type:              "sandbox.instance",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusComplete),
		PhysicalID:        &oldPhys,
		DefinitionHash:    "stale-hash",
		CurrentTemplateID: "tmpl-trav-1",
	})
	freshPhys := "i-2"
	fresh := seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "web",
		Type:              "sandbox.instance",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusComplete),
		PhysicalID:        &freshPhys,
		DefinitionHash:    mustFingerprint(t, tmpl.Resources["web"]),
		Replaces:          &old.ID,
		CurrentTemplateID: stack.RawTemplateID,
	})
	old.ReplacedBy = &fresh.ID
	if swapped, err := store.UpdateResourceCAS(ctx, old, old.AtomicKey); err != nil || !swapped {
		t.Fatalf("failed to link old row: swapped=%v err=%v", swapped, err)
	}

	var deleted []string
	adapter := &fakeAdapter{
		deleteFn: func(req *DeleteRequest) error {
			deleted = append(deleted, req.PhysicalID)
			return nil
		},
	}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", false))
	if err != nil {
		t.Fatalf("expected cleanup to succeed, got: %v", err)
	}
	if out.Failed {
		t.Fatalf("expected healthy cleanup output, got: %+v", out)
	}
	if len(deleted) != 1 || deleted[0] != "i-1" {
		t.Errorf("expected exactly the replaced copy deleted, got %v", deleted)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	if len(rows) != 1 || rows[0].ID != fresh.ID {
		t.Errorf("expected only the fresh copy to remain, got %+v", rows)
	}
}

func TestResourceWorker_CleanupRemovesAbsentKey(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	// The new template no longer declares "db".
	tmpl := singleResourceTemplate("web", "sandbox.instance", nil)
	stack := seedStack(t, store, "stack-1", "trav-2", ActionUpdate, tmpl)

	phys := "db-1"
	seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "db",
		Type:              "sandbox.volume",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusComplete),
		PhysicalID:        &phys,
		DefinitionHash:    "hash-db",
		CurrentTemplateID: "tmpl-trav-1",
	})

	adapter := &fakeAdapter{}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "db", false))
	if err != nil {
		t.Fatalf("expected cleanup to succeed, got: %v", err)
	}
	if out.Failed {
		t.Fatalf("expected healthy cleanup output, got: %+v", out)
	}
	if adapter.deletes != 1 {
		t.Errorf("expected one delete call, got %d", adapter.deletes)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "db")
	if len(rows) != 0 {
		t.Errorf("expected all rows for the absent key removed, got %d", len(rows))
	}
}

func TestResourceWorker_CleanupTreatsNotFoundAsDeleted(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", nil)
	stack := seedStack(t, store, "stack-1", "trav-2", ActionDelete, tmpl)

	phys := "i-1"
	seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "web",
		Type:              "sandbox.instance",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusComplete),
		PhysicalID:        &phys,
		DefinitionHash:    "hash-1",
		CurrentTemplateID: "tmpl-trav-1",
	})

	adapter := &fakeAdapter{
		deleteFn: func(req *DeleteRequest) error {
			return NewNotFoundError("already gone", nil)
		},
	}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", false))
	if err != nil {
		t.Fatalf("expected cleanup to succeed, got: %v", err)
	}
	if out.Failed {
		t.Fatalf("expected not-found delete to count as success, got: %+v", out)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	if len(rows) != 0 {
		t.Errorf("expected row removed, got %d rows", len(rows))
	}
}

func TestResourceWorker_CleanupFailureRecordsRow(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", nil)
	stack := seedStack(t, store, "stack-1", "trav-2", ActionDelete, tmpl)

	phys := "i-1"
	seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "web",
		Type:              "sandbox.instance",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusComplete),
		PhysicalID:        &phys,
		DefinitionHash:    "hash-1",
		CurrentTemplateID: "tmpl-trav-1",
	})

	adapter := &fakeAdapter{
		deleteFn: func(req *DeleteRequest) error {
			return NewPermanentError("volume busy", nil)
		},
	}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", false))
	if err != nil {
		t.Fatalf("expected poisoned output, not error, got: %v", err)
	}
	if !out.Failed || !strings.Contains(out.Reason, "volume busy") {
		t.Fatalf("expected delete failure to surface, got: %+v", out)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	if len(rows) != 1 {
		t.Fatalf("expected row retained after failed delete, got %d", len(rows))
	}
	row := rows[0]
	if row.Action != string(ResourceActionDelete) || row.Status != string(ResourceStatusFailed) {
		t.Errorf("expected delete_failed recorded, got %s/%s", row.Action, row.Status)
	}
}

func TestResourceWorker_AdoptVerifiesExisting(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", nil)
	seedTemplate(t, store, "tmpl-trav-1", tmpl)

	adoptData := `{"resources":{"web":{"physical_id":"ext-1","attributes":{"zone":"a"}}}}`
	stack := &stores.Stack{
		ID:               "stack-1",
		Name:             "stack-1",
		Action:           string(ActionAdopt),
		Status:           string(StackStatusInProgress),
		CurrentTraversal: "trav-1",
		RawTemplateID:    "tmpl-trav-1",
		Parameters:       "{}",
		AdoptData:        &adoptData,
	}
	if err := store.CreateStack(ctx, stack); err != nil {
		t.Fatalf("failed to create stack: %v", err)
	}

	adapter := &fakeAdapter{
		checkFn: func(req *CheckRequest) (*CheckResult, error) {
			if req.PhysicalID != "ext-1" {
				t.Errorf("expected verification of ext-1, got %s", req.PhysicalID)
			}
			return &CheckResult{Healthy: true, Attributes: map[string]interface{}{"endpoint": "10.1.1.1"}}, nil
		},
	}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected adopt to succeed, got: %v", err)
	}
	if out.Failed {
		t.Fatalf("expected healthy output, got: %+v", out)
	}
	if out.PhysicalID != "ext-1" {
		t.Errorf("expected adopted physical id, got %s", out.PhysicalID)
	}
	if adapter.creates != 0 || adapter.checks != 1 {
		t.Errorf("expected verification without create, got creates=%d checks=%d", adapter.creates, adapter.checks)
	}
	if out.Attributes["zone"] != "a" || out.Attributes["endpoint"] != "10.1.1.1" {
		t.Errorf("expected supplied and observed attributes merged, got %v", out.Attributes)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	if rows[0].Action != string(ResourceActionAdopt) {
		t.Errorf("expected action adopt, got %s", rows[0].Action)
	}
	if derefString(rows[0].PhysicalID) != "ext-1" {
		t.Errorf("expected adopted physical id recorded, got %v", rows[0].PhysicalID)
	}
}

func TestResourceWorker_AdoptFailsVerification(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", nil)
	seedTemplate(t, store, "tmpl-trav-1", tmpl)

	adoptData := `{"resources":{"web":{"physical_id":"ext-1"}}}`
	stack := &stores.Stack{
		ID:               "stack-1",
		Name:             "stack-1",
		Action:           string(ActionAdopt),
		Status:           string(StackStatusInProgress),
		CurrentTraversal: "trav-1",
		RawTemplateID:    "tmpl-trav-1",
		Parameters:       "{}",
		AdoptData:        &adoptData,
	}
	if err := store.CreateStack(ctx, stack); err != nil {
		t.Fatalf("failed to create stack: %v", err)
	}

	adapter := &fakeAdapter{
		checkFn: func(req *CheckRequest) (*CheckResult, error) {
			return &CheckResult{Healthy: false, Detail: "wrong instance type"}, nil
		},
	}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected poisoned output, not error, got: %v", err)
	}
	if !out.Failed || !strings.Contains(out.Reason, "failed verification") {
		t.Fatalf("expected verification failure, got: %+v", out)
	}
	if adapter.creates != 0 {
		t.Errorf("expected no create for failed adopt, got %d", adapter.creates)
	}
}

func TestResourceWorker_ConvergeRepairsDrift(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := &ParsedTemplate{
		Version: "2026-01-01",
		Resources: map[string]*ResourceDefinition{
			"web": {Name: "web", Type: "sandbox.instance"},
			"db":  {Name: "db", Type: "sandbox.volume"},
		},
	}
	stack := seedStack(t, store, "stack-1", "trav-2", ActionUpdate, tmpl)

	webPhys, dbPhys := "web-1", "db-1"
	seedResourceRow(t, store, &stores.Resource{
		StackID: stack.ID, Name: "web", Type: "sandbox.instance",
		Action: string(ResourceActionCreate), Status: string(ResourceStatusComplete),
		PhysicalID: &webPhys, DefinitionHash: mustFingerprint(t, tmpl.Resources["web"]),
		CurrentTemplateID: "tmpl-trav-1",
	})
	seedResourceRow(t, store, &stores.Resource{
		StackID: stack.ID, Name: "db", Type: "sandbox.volume",
		Action: string(ResourceActionCreate), Status: string(ResourceStatusComplete),
		PhysicalID: &dbPhys, DefinitionHash: mustFingerprint(t, tmpl.Resources["db"]),
		CurrentTemplateID: "tmpl-trav-1",
	})

	adapter := &fakeAdapter{
		checkFn: func(req *CheckRequest) (*CheckResult, error) {
			// web drifted, db matches.
			return &CheckResult{Healthy: req.PhysicalID != "web-1"}, nil
		},
	}
	w := newTestWorker(store, adapter)

	webReq := newCheckReq(stack, "web", true)
	webReq.IsConverge = true
	out, err := w.CheckResource(ctx, webReq)
	if err != nil {
		t.Fatalf("expected converge to succeed, got: %v", err)
	}
	if out.Failed {
		t.Fatalf("expected drift repaired, got: %+v", out)
	}
	if adapter.updates != 1 {
		t.Errorf("expected repair update for drifted resource, got %d", adapter.updates)
	}

	dbReq := newCheckReq(stack, "db", true)
	dbReq.IsConverge = true
	out, err = w.CheckResource(ctx, dbReq)
	if err != nil {
		t.Fatalf("expected converge to succeed, got: %v", err)
	}
	if out.Failed {
		t.Fatalf("expected healthy resource untouched, got: %+v", out)
	}
	if adapter.updates != 1 {
		t.Errorf("expected no repair for healthy resource, got %d updates", adapter.updates)
	}
	if adapter.checks != 2 {
		t.Errorf("expected both resources checked, got %d", adapter.checks)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	if rows[0].Action != string(ResourceActionUpdate) || rows[0].Status != string(ResourceStatusComplete) {
		t.Errorf("expected repaired row update_complete, got %s/%s", rows[0].Action, rows[0].Status)
	}
}

func TestResourceWorker_SuspendAndResume(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", nil)
	stack := seedStack(t, store, "stack-1", "trav-2", ActionSuspend, tmpl)

	phys := "i-1"
	seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "web",
		Type:              "sandbox.instance",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusComplete),
		PhysicalID:        &phys,
		DefinitionHash:    "hash-1",
		CurrentTemplateID: "tmpl-trav-1",
	})

	adapter := &suspendableAdapter{}
	w := newTestWorker(store, adapter)

	// Suspend walks the cleanup direction.
	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", false))
	if err != nil {
		t.Fatalf("expected suspend to succeed, got: %v", err)
	}
	if out.Failed {
		t.Fatalf("expected healthy output, got: %+v", out)
	}
	if adapter.suspends != 1 {
		t.Errorf("expected one suspend call, got %d", adapter.suspends)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	if rows[0].Action != string(ResourceActionSuspend) || rows[0].Status != string(ResourceStatusComplete) {
		t.Errorf("expected suspend_complete, got %s/%s", rows[0].Action, rows[0].Status)
	}

	// Resume runs as a new traversal in the update direction.
	stack.Action = string(ActionResume)
	stack.CurrentTraversal = "trav-3"
	if swapped, err := store.UpdateStackCAS(ctx, stack, stack.AtomicKey); err != nil || !swapped {
		t.Fatalf("failed to advance stack: swapped=%v err=%v", swapped, err)
	}

	out, err = w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected resume to succeed, got: %v", err)
	}
	if out.Failed {
		t.Fatalf("expected healthy output, got: %+v", out)
	}
	if adapter.resumes != 1 {
		t.Errorf("expected one resume call, got %d", adapter.resumes)
	}

	rows, _ = store.ListResourcesByName(ctx, stack.ID, "web")
	if rows[0].Action != string(ResourceActionResume) || rows[0].Status != string(ResourceStatusComplete) {
		t.Errorf("expected resume_complete, got %s/%s", rows[0].Action, rows[0].Status)
	}
}

func TestResourceWorker_SuspendUnsupportedSkips(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", nil)
	stack := seedStack(t, store, "stack-1", "trav-2", ActionSuspend, tmpl)

	phys := "i-1"
	seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "web",
		Type:              "sandbox.instance",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusComplete),
		PhysicalID:        &phys,
		DefinitionHash:    "hash-1",
		CurrentTemplateID: "tmpl-trav-1",
	})

	// Plain adapter without the Suspender capability.
	w := newTestWorker(store, &fakeAdapter{})

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", false))
	if err != nil {
		t.Fatalf("expected skip to succeed, got: %v", err)
	}
	if out.Failed {
		t.Fatalf("expected unsupported suspend to be skipped, not failed, got: %+v", out)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	row := rows[0]
	if row.Status != string(ResourceStatusComplete) {
		t.Errorf("expected complete after skip, got %s", row.Status)
	}
	if !strings.Contains(row.StatusReason, "does not support") {
		t.Errorf("expected skip reason recorded, got %q", row.StatusReason)
	}
}

func TestResourceWorker_TakeoverConflictsWithLiveEngine(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", nil)
	stack := seedStack(t, store, "stack-1", "trav-1", ActionCreate, tmpl)

	// Another engine heartbeats freshly and holds the row.
	if err := store.UpsertEngine(ctx, &stores.Engine{
		ID:            "engine-other",
		Hostname:      "other-host",
		LastHeartbeat: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("failed to seed engine row: %v", err)
	}
	otherEngine := "engine-other"
	phys := "i-1"
	seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "web",
		Type:              "sandbox.instance",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusInProgress),
		PhysicalID:        &phys,
		DefinitionHash:    "stale-hash",
		CurrentTemplateID: "tmpl-trav-1",
		EngineID:          &otherEngine,
	})

	adapter := &fakeAdapter{}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected poisoned output, not error, got: %v", err)
	}
	if !out.Failed || !strings.Contains(out.Reason, "in progress on engine engine-other") {
		t.Fatalf("expected conflict against live holder, got: %+v", out)
	}
	if total := adapter.creates + adapter.updates; total != 0 {
		t.Errorf("expected no adapter calls during conflict, got %d", total)
	}
}

func TestResourceWorker_TakesOverDeadEngine(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", map[string]interface{}{"size": "large"})
	stack := seedStack(t, store, "stack-1", "trav-1", ActionCreate, tmpl)

	// The previous holder crashed an hour ago.
	if err := store.UpsertEngine(ctx, &stores.Engine{
		ID:            "engine-dead",
		Hostname:      "gone",
		LastHeartbeat: time.Now().UTC().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("failed to seed engine row: %v", err)
	}
	deadEngine := "engine-dead"
	phys := "i-1"
	seedResourceRow(t, store, &stores.Resource{
		StackID:           stack.ID,
		Name:              "web",
		Type:              "sandbox.instance",
		Action:            string(ResourceActionCreate),
		Status:            string(ResourceStatusInProgress),
		PhysicalID:        &phys,
		DefinitionHash:    "stale-hash",
		CurrentTemplateID: "tmpl-trav-1",
		EngineID:          &deadEngine,
	})

	adapter := &fakeAdapter{}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected takeover to succeed, got: %v", err)
	}
	if out.Failed {
		t.Fatalf("expected abandoned work taken over, got: %+v", out)
	}
	if adapter.updates != 1 {
		t.Errorf("expected the update to run after takeover, got %d", adapter.updates)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	if rows[0].Status != string(ResourceStatusComplete) {
		t.Errorf("expected complete after takeover, got %s", rows[0].Status)
	}
	if rows[0].EngineID != nil {
		t.Errorf("expected engine released, got %v", *rows[0].EngineID)
	}
}

func TestResourceWorker_CancelledAtCheckpoint(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "sandbox.instance", nil)
	stack := seedStack(t, store, "stack-1", "trav-1", ActionCreate, tmpl)

	adapter := &fakeAdapter{}
	w := newTestWorker(store, adapter)

	// Materialize the task group, then request cancellation for the traversal.
	_, unsubscribe := w.groups.Subscribe(stack.ID)
	defer unsubscribe()
	w.groups.Send(stack.ID, Message{Type: MessageCancel, TraversalID: "trav-1"})

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected poisoned output, not error, got: %v", err)
	}
	if !out.Failed || !strings.Contains(out.Reason, "cancelled") {
		t.Fatalf("expected cancellation to fail the node, got: %+v", out)
	}
	if total := adapter.creates + adapter.updates + adapter.checks + adapter.deletes; total != 0 {
		t.Errorf("expected no adapter calls after cancellation, got %d", total)
	}
}

func TestResourceWorker_RedeliveryShortCircuits(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := &ParsedTemplate{
		Version: "2026-01-01",
		Resources: map[string]*ResourceDefinition{
			"web": {Name: "web", Type: "sandbox.instance"},
			"db":  {Name: "db", Type: "sandbox.volume"},
		},
	}
	stack := seedStack(t, store, "stack-1", "trav-1", ActionCreate, tmpl)

	// web already converged in this traversal; db already failed in it.
	phys := "i-1"
	webRow := seedResourceRow(t, store, &stores.Resource{
		StackID: stack.ID, Name: "web", Type: "sandbox.instance",
		Action: string(ResourceActionCreate), Status: string(ResourceStatusComplete),
		PhysicalID: &phys, DefinitionHash: mustFingerprint(t, tmpl.Resources["web"]),
		CurrentTemplateID: stack.RawTemplateID,
	})
	seedResourceRow(t, store, &stores.Resource{
		StackID: stack.ID, Name: "db", Type: "sandbox.volume",
		Action: string(ResourceActionCreate), Status: string(ResourceStatusFailed),
		StatusReason: "previous attempt failed", DefinitionHash: mustFingerprint(t, tmpl.Resources["db"]),
		CurrentTemplateID: stack.RawTemplateID,
	})

	adapter := &fakeAdapter{}
	w := newTestWorker(store, adapter)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected short circuit, got: %v", err)
	}
	if out.Failed || out.PhysicalID != "i-1" {
		t.Fatalf("expected stored output replayed, got: %+v", out)
	}

	out, err = w.CheckResource(ctx, newCheckReq(stack, "db", true))
	if err != nil {
		t.Fatalf("expected stored poison replayed, got: %v", err)
	}
	if !out.Failed || !strings.Contains(out.Reason, "previous attempt failed") {
		t.Fatalf("expected stored failure replayed, got: %+v", out)
	}

	if total := adapter.creates + adapter.updates + adapter.checks + adapter.deletes; total != 0 {
		t.Errorf("expected no adapter calls on re-delivery, got %d", total)
	}

	// The converged row was not rewritten.
	refreshed, err := store.GetResource(ctx, webRow.ID)
	if err != nil {
		t.Fatalf("failed to reload row: %v", err)
	}
	if refreshed.AtomicKey != webRow.AtomicKey {
		t.Errorf("expected no row writes on re-delivery, atomic key moved %d -> %d",
			webRow.AtomicKey, refreshed.AtomicKey)
	}
}

func TestResourceWorker_MissingAdapterFailsNode(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	tmpl := singleResourceTemplate("web", "unknown.widget", nil)
	stack := seedStack(t, store, "stack-1", "trav-1", ActionCreate, tmpl)

	w := newTestWorker(store, nil)

	out, err := w.CheckResource(ctx, newCheckReq(stack, "web", true))
	if err != nil {
		t.Fatalf("expected poisoned output, not error, got: %v", err)
	}
	if !out.Failed || !strings.Contains(out.Reason, "no adapter for type unknown.widget") {
		t.Fatalf("expected missing adapter failure, got: %+v", out)
	}

	rows, _ := store.ListResourcesByName(ctx, stack.ID, "web")
	if len(rows) != 1 || rows[0].Status != string(ResourceStatusFailed) {
		t.Errorf("expected failed row recorded, got %+v", rows)
	}
}

func TestResourceWorker_RequestValidation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	w := newTestWorker(store, &fakeAdapter{})

	_, err := w.CheckResource(context.Background(), &CheckResourceRequest{
		StackID:     "stack-1",
		TraversalID: "trav-1",
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error for missing key, got: %v", err)
	}
}
