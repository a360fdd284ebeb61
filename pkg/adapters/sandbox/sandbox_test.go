package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openstratus/stratus/pkg/engine"
)

func testCreate(t *testing.T, a *Adapter, key string, properties map[string]interface{}) *engine.CreateResult {
	t.Helper()
	res, err := a.Create(context.Background(), &engine.CreateRequest{
		StackID:      "stack-1",
		ResourceKey:  key,
		ResourceType: "sandbox.instance",
		Properties:   properties,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return res
}

func TestAdapter_Create_EchoesAttributes(t *testing.T) {
	a := New()
	res := testCreate(t, a, "web", map[string]interface{}{
		"name":  "web-0",
		"ports": []interface{}{80, 443},
	})

	if !strings.HasPrefix(res.PhysicalID, "sbx-") {
		t.Errorf("PhysicalID = %q, want sbx- prefix", res.PhysicalID)
	}
	if res.Attributes["name"] != "web-0" {
		t.Errorf("attribute name = %v, want web-0", res.Attributes["name"])
	}
	if res.Attributes["key"] != "web" {
		t.Errorf("attribute key = %v, want web", res.Attributes["key"])
	}
	if res.Attributes["type"] != "sandbox.instance" {
		t.Errorf("attribute type = %v", res.Attributes["type"])
	}
	if res.Attributes["state"] != "running" {
		t.Errorf("attribute state = %v, want running", res.Attributes["state"])
	}
	if res.Attributes["generation"] != 0 {
		t.Errorf("attribute generation = %v, want 0", res.Attributes["generation"])
	}
	if a.Len() != 1 {
		t.Errorf("Len() = %d, want 1", a.Len())
	}
}

func TestAdapter_Update_InPlace(t *testing.T) {
	a := New()
	created := testCreate(t, a, "web", map[string]interface{}{"name": "web-0", "size": "small"})

	res, err := a.Update(context.Background(), &engine.UpdateRequest{
		StackID:         "stack-1",
		ResourceKey:     "web",
		ResourceType:    "sandbox.instance",
		PhysicalID:      created.PhysicalID,
		Properties:      map[string]interface{}{"name": "web-0", "size": "large"},
		PriorProperties: map[string]interface{}{"name": "web-0", "size": "small"},
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if res.NeedsReplace {
		t.Fatalf("Update asked for replacement")
	}
	if res.Attributes["size"] != "large" {
		t.Errorf("attribute size = %v, want large", res.Attributes["size"])
	}
	if res.Attributes["generation"] != 1 {
		t.Errorf("attribute generation = %v, want 1", res.Attributes["generation"])
	}
}

func TestAdapter_Update_ImmutableForcesReplace(t *testing.T) {
	a := New()
	props := map[string]interface{}{
		"name":      "web-0",
		"immutable": []interface{}{"name"},
	}
	created := testCreate(t, a, "web", props)

	res, err := a.Update(context.Background(), &engine.UpdateRequest{
		StackID:      "stack-1",
		ResourceKey:  "web",
		ResourceType: "sandbox.instance",
		PhysicalID:   created.PhysicalID,
		Properties: map[string]interface{}{
			"name":      "web-1",
			"immutable": []interface{}{"name"},
		},
		PriorProperties: props,
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !res.NeedsReplace {
		t.Fatalf("Update did not ask for replacement")
	}

	// The stored record is untouched until the replacement create lands.
	rec, ok := a.Resource(created.PhysicalID)
	if !ok {
		t.Fatalf("record vanished")
	}
	if rec.Properties["name"] != "web-0" {
		t.Errorf("stored name = %v, want web-0", rec.Properties["name"])
	}
}

func TestAdapter_Update_MissingResource(t *testing.T) {
	a := New()
	_, err := a.Update(context.Background(), &engine.UpdateRequest{
		StackID:      "stack-1",
		ResourceKey:  "web",
		ResourceType: "sandbox.instance",
		PhysicalID:   "sbx-gone",
		Properties:   map[string]interface{}{},
	})
	if !engine.IsNotFound(err) {
		t.Errorf("error = %v, want not-found", err)
	}
}

func TestAdapter_Delete_MissingIsNotFound(t *testing.T) {
	a := New()
	created := testCreate(t, a, "web", map[string]interface{}{"name": "web-0"})

	req := &engine.DeleteRequest{
		StackID:      "stack-1",
		ResourceKey:  "web",
		ResourceType: "sandbox.instance",
		PhysicalID:   created.PhysicalID,
	}
	if err := a.Delete(context.Background(), req); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if a.Len() != 0 {
		t.Errorf("Len() = %d after delete, want 0", a.Len())
	}

	err := a.Delete(context.Background(), req)
	if !engine.IsNotFound(err) {
		t.Errorf("second delete error = %v, want not-found", err)
	}
}

func TestAdapter_Check_Health(t *testing.T) {
	a := New()
	created := testCreate(t, a, "web", map[string]interface{}{"name": "web-0"})

	res, err := a.Check(context.Background(), &engine.CheckRequest{
		StackID:      "stack-1",
		ResourceKey:  "web",
		ResourceType: "sandbox.instance",
		PhysicalID:   created.PhysicalID,
		Properties:   map[string]interface{}{"name": "web-0"},
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !res.Healthy {
		t.Errorf("Healthy = false, want true")
	}

	// A vanished resource is unhealthy, not an error.
	res, err = a.Check(context.Background(), &engine.CheckRequest{
		StackID:      "stack-1",
		ResourceKey:  "web",
		ResourceType: "sandbox.instance",
		PhysicalID:   "sbx-gone",
	})
	if err != nil {
		t.Fatalf("Check on missing resource failed: %v", err)
	}
	if res.Healthy {
		t.Errorf("Healthy = true for missing resource")
	}

	// The unhealthy knob reports drift on a live resource.
	res, err = a.Check(context.Background(), &engine.CheckRequest{
		StackID:      "stack-1",
		ResourceKey:  "web",
		ResourceType: "sandbox.instance",
		PhysicalID:   created.PhysicalID,
		Properties:   map[string]interface{}{"unhealthy": true},
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Healthy {
		t.Errorf("Healthy = true with unhealthy knob")
	}
}

func TestAdapter_SuspendResume(t *testing.T) {
	a := New()
	created := testCreate(t, a, "web", map[string]interface{}{"name": "web-0"})

	req := &engine.SuspendRequest{
		StackID:      "stack-1",
		ResourceKey:  "web",
		ResourceType: "sandbox.instance",
		PhysicalID:   created.PhysicalID,
	}
	if err := a.Suspend(context.Background(), req); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	rec, _ := a.Resource(created.PhysicalID)
	if !rec.Suspended {
		t.Errorf("Suspended = false after Suspend")
	}

	if err := a.Resume(context.Background(), req); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	rec, _ = a.Resource(created.PhysicalID)
	if rec.Suspended {
		t.Errorf("Suspended = true after Resume")
	}

	err := a.Suspend(context.Background(), &engine.SuspendRequest{PhysicalID: "sbx-gone"})
	if !engine.IsNotFound(err) {
		t.Errorf("Suspend on missing resource = %v, want not-found", err)
	}
}

func TestAdapter_FailOnKnob(t *testing.T) {
	a := New()
	_, err := a.Create(context.Background(), &engine.CreateRequest{
		StackID:      "stack-1",
		ResourceKey:  "web",
		ResourceType: "sandbox.instance",
		Properties:   map[string]interface{}{"fail_on": "create"},
	})
	if !engine.IsPermanent(err) {
		t.Fatalf("error = %v, want permanent", err)
	}
	if !strings.Contains(err.Error(), "injected create failure") {
		t.Errorf("error %q does not describe the injection", err)
	}
	if a.Len() != 0 {
		t.Errorf("failed create left a record behind")
	}

	// fail_on delete reads the stored record's knobs.
	created := testCreate(t, a, "db", map[string]interface{}{"fail_on": "delete"})
	err = a.Delete(context.Background(), &engine.DeleteRequest{
		StackID:      "stack-1",
		ResourceKey:  "db",
		ResourceType: "sandbox.instance",
		PhysicalID:   created.PhysicalID,
	})
	if !engine.IsPermanent(err) {
		t.Errorf("delete error = %v, want permanent", err)
	}
	if a.Len() != 1 {
		t.Errorf("failed delete removed the record")
	}
}

func TestAdapter_FlakyKnob(t *testing.T) {
	a := New()
	req := &engine.CreateRequest{
		StackID:      "stack-1",
		ResourceKey:  "web",
		ResourceType: "sandbox.instance",
		Properties:   map[string]interface{}{"flaky_attempts": 2},
	}

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := a.Create(context.Background(), req)
		if !engine.IsTransient(err) {
			t.Fatalf("attempt %d error = %v, want transient", attempt, err)
		}
	}
	res, err := a.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("attempt 3 failed: %v", err)
	}
	if res.PhysicalID == "" {
		t.Errorf("attempt 3 returned no physical id")
	}
}

func TestAdapter_LatencyKnobHonorsContext(t *testing.T) {
	a := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Create(ctx, &engine.CreateRequest{
		StackID:      "stack-1",
		ResourceKey:  "web",
		ResourceType: "sandbox.instance",
		Properties:   map[string]interface{}{"latency_ms": 5000},
	})
	if !engine.IsTransient(err) {
		t.Errorf("error = %v, want transient interrupt", err)
	}
}

func TestAdapter_ValidateProperties(t *testing.T) {
	a := New()
	ctx := context.Background()

	tests := []struct {
		name       string
		properties map[string]interface{}
		wantErr    string
	}{
		{
			name:       "plain properties pass",
			properties: map[string]interface{}{"name": "web", "count": 3},
		},
		{
			name:       "valid knobs pass",
			properties: map[string]interface{}{"fail_on": "check", "flaky_attempts": 1, "unhealthy": false, "immutable": []interface{}{"name"}},
		},
		{
			name:       "unknown fail_on operation",
			properties: map[string]interface{}{"fail_on": "explode"},
			wantErr:    "fail_on",
		},
		{
			name:       "negative flaky_attempts",
			properties: map[string]interface{}{"flaky_attempts": -1},
			wantErr:    "flaky_attempts",
		},
		{
			name:       "latency_ms wrong type",
			properties: map[string]interface{}{"latency_ms": "soon"},
			wantErr:    "latency_ms",
		},
		{
			name:       "unhealthy wrong type",
			properties: map[string]interface{}{"unhealthy": "yes"},
			wantErr:    "unhealthy",
		},
		{
			name:       "immutable wrong element type",
			properties: map[string]interface{}{"immutable": []interface{}{1}},
			wantErr:    "immutable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.ValidateProperties(ctx, "sandbox.instance", tt.properties)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateProperties failed: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidateProperties succeeded, want error containing %q", tt.wantErr)
			}
			if !engine.IsValidation(err) {
				t.Errorf("error class = %v, want validation", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}
