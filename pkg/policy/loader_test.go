package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoader_LoadRegoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "no-weekends.rego")
	writeFile(t, path, `# Blocks deployments
# on weekends
package custom.policies.weekends

import rego.v1

deny contains "no weekend deploys" if {
	input.action == "update"
}
`)

	loader := NewLoader(nil)
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("loaded %d policies, want 1", len(policies))
	}

	p := policies[0]
	if p.Name != "no-weekends" {
		t.Errorf("Name = %q, want no-weekends", p.Name)
	}
	if p.Description != "Blocks deployments on weekends" {
		t.Errorf("Description = %q", p.Description)
	}
	if p.Severity != SeverityError {
		t.Errorf("Severity = %q, want error", p.Severity)
	}
	if !p.Enabled {
		t.Error("loaded policies should default to enabled")
	}
	if p.Source != path {
		t.Errorf("Source = %q, want %q", p.Source, path)
	}
}

func TestLoader_LoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.json")
	writeFile(t, path, `{
  "name": "tight-limits",
  "description": "Small templates only",
  "severity": "warning",
  "enabled": true,
  "rego": "package custom.policies.tight\n\nimport rego.v1\n\ndeny contains \"too big\" if { input.resource_count > 5 }\n"
}`)

	loader := NewLoader(nil)
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("loaded %d policies, want 1", len(policies))
	}
	if policies[0].Name != "tight-limits" {
		t.Errorf("Name = %q", policies[0].Name)
	}
	if policies[0].Severity != SeverityWarning {
		t.Errorf("Severity = %q, want warning", policies[0].Severity)
	}
}

func TestLoader_JSONValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing name", `{"rego": "package x\ndeny := []"}`},
		{"missing rego", `{"name": "x"}`},
		{"not json", `{{{`},
	}
	loader := NewLoader(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "p.json")
			writeFile(t, path, tt.content)
			if _, err := loader.LoadFromPaths(context.Background(), []string{path}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoader_LoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), "package custom.a\n\nimport rego.v1\n\ndeny contains \"a\" if { input.action == \"delete\" }\n")
	writeFile(t, filepath.Join(dir, "b.json"), `{"name": "b", "rego": "package custom.b\ndeny := []"}`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	// A malformed JSON policy is skipped, not fatal.
	writeFile(t, filepath.Join(dir, "broken.json"), `{`)

	sub := filepath.Join(dir, "nested")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(sub, "c.rego"), "package custom.c\n\nimport rego.v1\n\ndeny contains \"c\" if { input.action == \"delete\" }\n")

	loader := NewLoader(nil)
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 3 {
		names := make([]string, 0, len(policies))
		for _, p := range policies {
			names = append(names, p.Name)
		}
		t.Fatalf("loaded %d policies %v, want 3", len(policies), names)
	}
}

func TestLoader_CacheAndClear(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.rego")
	writeFile(t, path, "# first\npackage custom.p\ndeny := []\n")

	loader := NewLoader(nil)
	ctx := context.Background()

	first, err := loader.LoadFromPaths(ctx, []string{path})
	if err != nil {
		t.Fatal(err)
	}

	// A rewrite without a cache clear still serves the cached parse.
	writeFile(t, path, "# second\npackage custom.p\ndeny := []\n")
	cached, err := loader.LoadFromPaths(ctx, []string{path})
	if err != nil {
		t.Fatal(err)
	}
	if cached[0].Description != first[0].Description {
		t.Errorf("expected cached description %q, got %q", first[0].Description, cached[0].Description)
	}

	loader.ClearCache()
	fresh, err := loader.LoadFromPaths(ctx, []string{path})
	if err != nil {
		t.Fatal(err)
	}
	if fresh[0].Description != "second" {
		t.Errorf("expected fresh description, got %q", fresh[0].Description)
	}
}

func TestExtractDescription(t *testing.T) {
	src := `# Line one
# Line two

package custom.p
# not part of the description
deny := []
`
	if got := extractDescription(src); got != "Line one Line two" {
		t.Errorf("extractDescription = %q", got)
	}
}
