package engine

import (
	"context"
)

// Adapter is the interface every resource adapter implements. Workers call
// it with fully resolved properties; all intrinsic references have been
// substituted before the adapter sees them.
//
// Adapters classify their failures with EngineError so the worker's retry
// policy can distinguish transient faults from permanent ones. Any other
// error is treated as permanent.
type Adapter interface {
	// Create provisions a new physical resource and returns its physical id
	// and attributes.
	Create(ctx context.Context, req *CreateRequest) (*CreateResult, error)

	// Update converges an existing physical resource toward new properties.
	// When the change cannot be applied in place the result carries
	// NeedsReplace and the engine runs the replacement protocol instead.
	Update(ctx context.Context, req *UpdateRequest) (*UpdateResult, error)

	// Delete removes a physical resource. Deleting a resource that no longer
	// exists is success, not an error.
	Delete(ctx context.Context, req *DeleteRequest) error

	// Check observes the physical resource and reports whether it is healthy.
	Check(ctx context.Context, req *CheckRequest) (*CheckResult, error)
}

// Suspender is an optional adapter capability for suspending resources.
// Resources whose adapter does not implement it are skipped by suspend
// traversals.
type Suspender interface {
	Suspend(ctx context.Context, req *SuspendRequest) error
}

// Resumer is an optional adapter capability for resuming suspended resources.
type Resumer interface {
	Resume(ctx context.Context, req *SuspendRequest) error
}

// Validator is an optional adapter capability for static property validation
// at template validation time, before any traversal starts.
type Validator interface {
	ValidateProperties(ctx context.Context, resourceType string, properties map[string]interface{}) error
}

// AdapterRegistry resolves resource types to adapters.
type AdapterRegistry interface {
	// Get returns the adapter registered for a resource type. The lookup
	// falls back to glob registrations such as "sandbox.*".
	Get(resourceType string) (Adapter, error)

	// Has reports whether a resource type resolves to an adapter.
	Has(resourceType string) bool
}

// CreateRequest contains the parameters for a Create operation.
type CreateRequest struct {
	// StackID is the owning stack.
	StackID string `json:"stack_id"`

	// ResourceKey is the logical resource key.
	ResourceKey string `json:"resource_key"`

	// ResourceType is the adapter resource type.
	ResourceType string `json:"resource_type"`

	// Properties is the resolved desired configuration.
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// CreateResult contains the result of a Create operation.
type CreateResult struct {
	// PhysicalID is the adapter-assigned physical resource id.
	PhysicalID string `json:"physical_id"`

	// Attributes are the attributes exposed to get_attr.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// UpdateRequest contains the parameters for an Update operation.
type UpdateRequest struct {
	// StackID is the owning stack.
	StackID string `json:"stack_id"`

	// ResourceKey is the logical resource key.
	ResourceKey string `json:"resource_key"`

	// ResourceType is the adapter resource type.
	ResourceType string `json:"resource_type"`

	// PhysicalID is the physical resource to update.
	PhysicalID string `json:"physical_id"`

	// Properties is the resolved desired configuration.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// PriorProperties is the configuration the resource last converged to.
	PriorProperties map[string]interface{} `json:"prior_properties,omitempty"`
}

// UpdateResult contains the result of an Update operation.
type UpdateResult struct {
	// Attributes are the attributes after the update.
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	// NeedsReplace indicates the change cannot be applied in place and the
	// resource must be replaced.
	NeedsReplace bool `json:"needs_replace,omitempty"`
}

// DeleteRequest contains the parameters for a Delete operation.
type DeleteRequest struct {
	// StackID is the owning stack.
	StackID string `json:"stack_id"`

	// ResourceKey is the logical resource key.
	ResourceKey string `json:"resource_key"`

	// ResourceType is the adapter resource type.
	ResourceType string `json:"resource_type"`

	// PhysicalID is the physical resource to delete.
	PhysicalID string `json:"physical_id"`
}

// CheckRequest contains the parameters for a Check operation.
type CheckRequest struct {
	// StackID is the owning stack.
	StackID string `json:"stack_id"`

	// ResourceKey is the logical resource key.
	ResourceKey string `json:"resource_key"`

	// ResourceType is the adapter resource type.
	ResourceType string `json:"resource_type"`

	// PhysicalID is the physical resource to check.
	PhysicalID string `json:"physical_id"`

	// Properties is the configuration the resource is expected to match.
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// CheckResult contains the result of a Check operation.
type CheckResult struct {
	// Healthy reports whether the resource matches its expected state.
	Healthy bool `json:"healthy"`

	// Attributes are the observed attributes.
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	// Detail explains an unhealthy result.
	Detail string `json:"detail,omitempty"`
}

// SuspendRequest contains the parameters for Suspend and Resume operations.
type SuspendRequest struct {
	// StackID is the owning stack.
	StackID string `json:"stack_id"`

	// ResourceKey is the logical resource key.
	ResourceKey string `json:"resource_key"`

	// ResourceType is the adapter resource type.
	ResourceType string `json:"resource_type"`

	// PhysicalID is the physical resource to suspend or resume.
	PhysicalID string `json:"physical_id"`
}
