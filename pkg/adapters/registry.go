package adapters

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/openstratus/stratus/pkg/engine"
)

// Registry maps resource types to adapters. A registration is either an
// exact type or a glob pattern; Get prefers the exact match and falls back
// to the longest pattern that matches, so "sandbox.instance" can shadow a
// broader "sandbox.*" claim.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string]engine.Adapter
	patterns []patternEntry
}

type patternEntry struct {
	pattern string
	matcher glob.Glob
	adapter engine.Adapter
}

var _ engine.AdapterRegistry = (*Registry)(nil)

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		exact: make(map[string]engine.Adapter),
	}
}

// Register binds an adapter to a resource type or glob pattern. Registering
// the same type or pattern twice is an error; shadowing a pattern with an
// exact type is not.
func (r *Registry) Register(pattern string, adapter engine.Adapter) error {
	if pattern == "" {
		return engine.NewValidationError("adapter registration needs a resource type or pattern")
	}
	if adapter == nil {
		return engine.NewValidationError(fmt.Sprintf("nil adapter registered for %s", pattern))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.ContainsAny(pattern, "*?[{") {
		if _, ok := r.exact[pattern]; ok {
			return engine.NewConflictError(fmt.Sprintf("adapter already registered for %s", pattern), nil)
		}
		r.exact[pattern] = adapter
		return nil
	}

	matcher, err := glob.Compile(pattern)
	if err != nil {
		return engine.NewValidationError(fmt.Sprintf("invalid adapter pattern %s: %s", pattern, err))
	}
	for _, entry := range r.patterns {
		if entry.pattern == pattern {
			return engine.NewConflictError(fmt.Sprintf("adapter already registered for %s", pattern), nil)
		}
	}
	r.patterns = append(r.patterns, patternEntry{pattern: pattern, matcher: matcher, adapter: adapter})

	// Longer patterns are more specific and win ties. Stable sort keeps
	// registration order among equals.
	sort.SliceStable(r.patterns, func(i, j int) bool {
		return len(r.patterns[i].pattern) > len(r.patterns[j].pattern)
	})
	return nil
}

// MustRegister panics on registration errors. For wiring done at startup
// where a failure is a programming mistake.
func (r *Registry) MustRegister(pattern string, adapter engine.Adapter) {
	if err := r.Register(pattern, adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter owning the resource type.
func (r *Registry) Get(resourceType string) (engine.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if adapter, ok := r.exact[resourceType]; ok {
		return adapter, nil
	}
	for _, entry := range r.patterns {
		if entry.matcher.Match(resourceType) {
			return entry.adapter, nil
		}
	}
	return nil, engine.NewNotFoundError(fmt.Sprintf("no adapter registered for resource type %s", resourceType), nil)
}

// Has reports whether some registration covers the resource type.
func (r *Registry) Has(resourceType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.exact[resourceType]; ok {
		return true
	}
	for _, entry := range r.patterns {
		if entry.matcher.Match(resourceType) {
			return true
		}
	}
	return false
}

// Registrations returns the registered types and patterns, exact types
// first, each group sorted.
func (r *Registry) Registrations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.exact)+len(r.patterns))
	for typ := range r.exact {
		out = append(out, typ)
	}
	sort.Strings(out)

	pats := make([]string, 0, len(r.patterns))
	for _, entry := range r.patterns {
		pats = append(pats, entry.pattern)
	}
	sort.Strings(pats)

	return append(out, pats...)
}
