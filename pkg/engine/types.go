package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ResourceDefinition is the desired state of a single resource as declared in
// a parsed template. Properties may still contain unresolved intrinsic calls
// (get_param, get_resource, get_attr, concat, eval); resolution happens in the
// worker once the outputs of all dependencies are available.
type ResourceDefinition struct {
	// Name is the logical resource key, unique within the stack.
	Name string `json:"name"`

	// Type is the adapter resource type (e.g., "sandbox.instance").
	Type string `json:"type"`

	// Properties is the declared configuration, intrinsics unresolved.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// DependsOn lists explicitly declared dependency keys.
	DependsOn []string `json:"depends_on,omitempty"`

	// Requires is the full dependency set: DependsOn plus every key
	// referenced implicitly through get_resource/get_attr. Computed by the
	// template engine during parsing.
	Requires []string `json:"requires,omitempty"`

	// Metadata contains additional resource metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Fingerprint returns a stable SHA-256 digest of the definition's type,
// properties and metadata. Two definitions with the same fingerprint are
// considered unchanged by update traversals.
func (d *ResourceDefinition) Fingerprint() (string, error) {
	payload := struct {
		Type       string                 `json:"type"`
		Properties map[string]interface{} `json:"properties,omitempty"`
		Metadata   map[string]interface{} `json:"metadata,omitempty"`
	}{d.Type, d.Properties, d.Metadata}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint definition %s: %w", d.Name, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// OutputDefinition is a declared stack output.
type OutputDefinition struct {
	// Value is the output expression, intrinsics unresolved.
	Value interface{} `json:"value"`

	// Description is an optional human-readable description.
	Description string `json:"description,omitempty"`
}

// ParsedTemplate is the validated, parameter-substituted form of a stack
// template, produced by the template engine.
type ParsedTemplate struct {
	// Version is the template format version.
	Version string `json:"version"`

	// Description is an optional template description.
	Description string `json:"description,omitempty"`

	// Parameters are the effective parameter values after merging defaults
	// with caller-supplied values.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Resources maps logical resource keys to their definitions.
	Resources map[string]*ResourceDefinition `json:"resources"`

	// Outputs maps output names to their definitions.
	Outputs map[string]*OutputDefinition `json:"outputs,omitempty"`
}

// Definition returns the definition for a logical resource key, or nil.
func (t *ParsedTemplate) Definition(key string) *ResourceDefinition {
	if t == nil {
		return nil
	}
	return t.Resources[key]
}

// NodeOutput is the result a graph node reports into the sync points of its
// dependents. A failed output carries the failure reason and poisons every
// transitive dependent without stopping sibling branches.
type NodeOutput struct {
	// Key is the logical resource key that produced this output.
	Key string `json:"key"`

	// ResourceID is the database id of the converged resource row. Dependents
	// record it in their requires set.
	ResourceID int64 `json:"resource_id,omitempty"`

	// PhysicalID is the adapter-assigned physical resource id.
	PhysicalID string `json:"physical_id,omitempty"`

	// Attributes are the resolved attributes exposed to get_attr.
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	// Failed marks this output as poison: the producing node failed.
	Failed bool `json:"failed,omitempty"`

	// Reason is the failure reason when Failed is set.
	Reason string `json:"reason,omitempty"`
}

// InputData is the merged set of dependency outputs delivered to a node when
// its sync point fires, keyed by logical resource key.
type InputData map[string]*NodeOutput

// Merge folds the entries of other into d, overwriting duplicate keys.
func (d InputData) Merge(other InputData) {
	for k, v := range other {
		d[k] = v
	}
}

// FirstFailure returns the first poisoned output, or nil if all inputs are
// healthy. Iteration order is not deterministic; callers only need existence.
func (d InputData) FirstFailure() *NodeOutput {
	for _, out := range d {
		if out != nil && out.Failed {
			return out
		}
	}
	return nil
}

// Healthy returns true if no input is poisoned.
func (d InputData) Healthy() bool {
	return d.FirstFailure() == nil
}

// AdoptedResource describes a pre-existing physical resource supplied to a
// stack adopt operation in place of calling the adapter's Create.
type AdoptedResource struct {
	// PhysicalID is the existing physical resource id to take over.
	PhysicalID string `json:"physical_id"`

	// Attributes are the known attributes of the adopted resource.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// AdoptData maps logical resource keys to pre-existing physical resources.
type AdoptData struct {
	// Resources maps logical keys to adopted physical resources.
	Resources map[string]*AdoptedResource `json:"resources"`
}

// Lookup returns the adopted resource for a key, or nil.
func (a *AdoptData) Lookup(key string) *AdoptedResource {
	if a == nil {
		return nil
	}
	return a.Resources[key]
}

// CreateStackInput carries the arguments of Service.CreateStack.
type CreateStackInput struct {
	// Name is the stack name, unique per tenant.
	Name string `json:"name"`

	// Tenant scopes the stack; empty means the default tenant.
	Tenant string `json:"tenant,omitempty"`

	// Template is the raw template document (YAML).
	Template []byte `json:"template"`

	// Parameters are caller-supplied template parameter values.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Timeout bounds the create traversal; zero means the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// DisableRollback disables automatic rollback on failure.
	DisableRollback bool `json:"disable_rollback,omitempty"`

	// AdoptData, when set, turns the create into an adopt: listed resources
	// take over existing physical ids instead of being created.
	AdoptData *AdoptData `json:"adopt_data,omitempty"`

	// Tags are free-form labels attached to the stack.
	Tags []string `json:"tags,omitempty"`
}

// Validate checks the input for structural problems before any state is
// created.
func (in *CreateStackInput) Validate() error {
	if in.Name == "" {
		return NewValidationError("stack name is required")
	}
	if len(in.Template) == 0 {
		return NewValidationError("template is required")
	}
	if in.Timeout < 0 {
		return NewValidationError("timeout must not be negative")
	}
	if in.AdoptData != nil && len(in.AdoptData.Resources) == 0 {
		return NewValidationError("adopt data must name at least one resource")
	}
	return nil
}

// UpdateStackInput carries the arguments of Service.UpdateStack.
type UpdateStackInput struct {
	// StackID identifies the stack to update.
	StackID string `json:"stack_id"`

	// Template is the new raw template document (YAML).
	Template []byte `json:"template"`

	// Parameters are caller-supplied template parameter values.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Timeout bounds the update traversal; zero means the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// DisableRollback disables automatic rollback on failure.
	DisableRollback bool `json:"disable_rollback,omitempty"`

	// IsConverge requests observe-and-converge: resources are health-checked
	// against real state and repaired even when their definitions did not
	// change.
	IsConverge bool `json:"is_converge,omitempty"`
}

// Validate checks the input for structural problems.
func (in *UpdateStackInput) Validate() error {
	if in.StackID == "" {
		return NewValidationError("stack id is required")
	}
	if len(in.Template) == 0 {
		return NewValidationError("template is required")
	}
	if in.Timeout < 0 {
		return NewValidationError("timeout must not be negative")
	}
	return nil
}

// CheckResourceRequest is the unit of work dispatched to resource workers,
// either in-process through the task group manager or over the wire to a
// remote worker.
type CheckResourceRequest struct {
	// StackID is the owning stack.
	StackID string `json:"stack_id"`

	// TraversalID is the traversal this work belongs to. Workers discard the
	// request silently when the stack has moved on to a newer traversal.
	TraversalID string `json:"traversal_id"`

	// Key is the logical resource key of the graph node.
	Key string `json:"key"`

	// IsUpdate selects the node direction: true converges the resource
	// toward its desired definition, false cleans up stale physical copies.
	IsUpdate bool `json:"is_update"`

	// ResourceID is the database id of the resource row to converge. Zero
	// for cleanup nodes, which address every stale row of Key.
	ResourceID int64 `json:"resource_id,omitempty"`

	// InputData carries the outputs of all satisfied dependencies.
	InputData InputData `json:"input_data,omitempty"`

	// IsConverge requests observe-and-converge behavior, see
	// UpdateStackInput.IsConverge.
	IsConverge bool `json:"is_converge,omitempty"`
}

// Validate checks the request for structural problems.
func (r *CheckResourceRequest) Validate() error {
	if r.StackID == "" {
		return NewValidationError("stack id is required")
	}
	if r.TraversalID == "" {
		return NewValidationError("traversal id is required")
	}
	if r.Key == "" {
		return NewValidationError("resource key is required")
	}
	return nil
}

// StackOutputs are the resolved stack outputs computed at finalize time.
type StackOutputs map[string]interface{}
