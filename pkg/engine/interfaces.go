package engine

import (
	"context"
)

// TemplateEngine parses, validates and resolves stack templates.
// Implemented by pkg/template.
type TemplateEngine interface {
	// Parse parses and validates a raw template document, merging
	// caller-supplied parameters with declared defaults. It computes the
	// full dependency set of every resource, including implicit references,
	// and rejects self-dependencies and schema violations.
	Parse(ctx context.Context, raw []byte, params map[string]interface{}) (*ParsedTemplate, error)

	// ResolveProperties substitutes every intrinsic call in a resource
	// definition using the template's parameters and the outputs of the
	// resource's dependencies.
	ResolveProperties(ctx context.Context, tmpl *ParsedTemplate, def *ResourceDefinition, inputs InputData) (map[string]interface{}, error)

	// ResolveOutputs computes the stack outputs from the outputs of all
	// converged resources.
	ResolveOutputs(ctx context.Context, tmpl *ParsedTemplate, inputs InputData) (StackOutputs, error)
}

// Dispatcher hands resource work to workers. The in-process implementation
// runs requests on the stack's task group; the remote implementation ships
// them to worker processes over the wire.
type Dispatcher interface {
	// Dispatch schedules a resource check asynchronously. An error means the
	// request could not be scheduled, not that the work failed.
	Dispatch(ctx context.Context, req *CheckResourceRequest) error
}

// PolicyGate authorizes stack operations before any state is created or
// modified. Implemented by pkg/policy.
type PolicyGate interface {
	// AuthorizeStackAction returns a validation error describing the first
	// violation, or nil when the operation is allowed.
	AuthorizeStackAction(ctx context.Context, input *PolicyInput) error
}

// PolicyInput describes a stack operation to the policy gate.
type PolicyInput struct {
	// Action is the stack action being attempted.
	Action StackAction `json:"action"`

	// StackName is the stack name.
	StackName string `json:"stack_name"`

	// Tenant is the owning tenant.
	Tenant string `json:"tenant,omitempty"`

	// Tags are the stack's tags.
	Tags []string `json:"tags,omitempty"`

	// ResourceCount is the number of resources in the desired template.
	ResourceCount int `json:"resource_count"`

	// ResourceTypes lists the distinct resource types in the desired
	// template.
	ResourceTypes []string `json:"resource_types,omitempty"`
}

// LivenessOracle reports whether an engine process is alive. The stack lock
// uses it to decide when a lock held by a crashed engine may be stolen, and
// the worker uses it to decide whether an in-progress resource row is
// abandoned.
type LivenessOracle interface {
	// IsAlive reports whether the engine with the given id is believed to be
	// running.
	IsAlive(ctx context.Context, engineID string) (bool, error)
}
