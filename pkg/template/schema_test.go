package template

import (
	"context"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func decodeYAML(t *testing.T, doc string) interface{} {
	t.Helper()
	var v interface{}
	if err := yaml.Unmarshal([]byte(doc), &v); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	return v
}

func TestSchemaRegistryValidateTemplate(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	if err := sr.ValidateTemplate(ctx, decodeYAML(t, fleetTemplate)); err != nil {
		t.Fatalf("valid template rejected: %v", err)
	}

	cases := []struct {
		name string
		doc  string
	}{
		{"missing version", "description: x"},
		{"malformed version", "stratus_template_version: v1"},
		{"unknown top-level field", "stratus_template_version: \"2026-01-01\"\nextra: 1"},
		{"parameter type outside enum", "stratus_template_version: \"2026-01-01\"\nparameters:\n  p:\n    type: strange"},
		{"unknown parameter field", "stratus_template_version: \"2026-01-01\"\nparameters:\n  p:\n    type: string\n    bogus: 1"},
		{"resource missing type", "stratus_template_version: \"2026-01-01\"\nresources:\n  a:\n    properties: {}"},
		{"resource type malformed", "stratus_template_version: \"2026-01-01\"\nresources:\n  a:\n    type: Sandbox"},
		{"resource key malformed", "stratus_template_version: \"2026-01-01\"\nresources:\n  \"bad key!\":\n    type: sandbox.instance"},
		{"output missing value", "stratus_template_version: \"2026-01-01\"\noutputs:\n  o:\n    description: x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := sr.ValidateTemplate(ctx, decodeYAML(t, tc.doc)); err == nil {
				t.Fatal("validation passed, want error")
			}
		})
	}
}

func TestSchemaRegistryRegisterAndValidate(t *testing.T) {
	const diskSchema = `
#Disk

#Disk: {
	size_gb: int & >0
	kind?:   "ssd" | "hdd"
}
`
	sr := NewSchemaRegistry()
	ctx := context.Background()

	if err := sr.RegisterSchema("disk", diskSchema); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}

	if err := sr.ValidateAgainstSchema(ctx, "disk", map[string]interface{}{"size_gb": 10, "kind": "ssd"}); err != nil {
		t.Fatalf("valid disk rejected: %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "disk", map[string]interface{}{"size_gb": -1}); err == nil {
		t.Fatal("negative size accepted")
	}
	if err := sr.ValidateAgainstSchema(ctx, "disk", map[string]interface{}{"size_gb": 10, "extra": true}); err == nil {
		t.Fatal("unknown field accepted")
	}

	if err := sr.ValidateAgainstSchema(ctx, "ghost", nil); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("unknown schema error = %v", err)
	}
	if err := sr.RegisterSchema("broken", "#X: {a: int &}"); err == nil {
		t.Fatal("broken schema compiled")
	}

	names := sr.ListSchemas()
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	if !found[SchemaTemplate] || !found["disk"] {
		t.Fatalf("ListSchemas = %v", names)
	}

	if _, ok := sr.GetSchema("disk"); !ok {
		t.Fatal("GetSchema(disk) missing")
	}
}
