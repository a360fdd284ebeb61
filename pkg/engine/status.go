package engine

import (
	"encoding/json"
	"fmt"
)

// StackAction represents the stack-level operation a traversal performs.
type StackAction string

const (
	// ActionCreate indicates the stack is being created from a template.
	ActionCreate StackAction = "create"

	// ActionUpdate indicates the stack is being updated toward a new template.
	ActionUpdate StackAction = "update"

	// ActionDelete indicates the stack and all its resources are being deleted.
	ActionDelete StackAction = "delete"

	// ActionRollback indicates the stack is converging back to its previous template.
	ActionRollback StackAction = "rollback"

	// ActionSuspend indicates stack resources are being suspended.
	ActionSuspend StackAction = "suspend"

	// ActionResume indicates suspended stack resources are being resumed.
	ActionResume StackAction = "resume"

	// ActionCheck indicates stack resources are being health-checked.
	ActionCheck StackAction = "check"

	// ActionAdopt indicates the stack is being created around pre-existing
	// physical resources supplied as adopt data.
	ActionAdopt StackAction = "adopt"
)

// Reverses returns true if the action walks the graph in cleanup direction,
// visiting dependents before their dependencies.
func (a StackAction) Reverses() bool {
	return a == ActionDelete || a == ActionSuspend
}

// IsMutating returns true if the action changes physical resources.
func (a StackAction) IsMutating() bool {
	return a != ActionCheck
}

// Validate checks if the stack action is valid.
func (a StackAction) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionRollback,
		ActionSuspend, ActionResume, ActionCheck, ActionAdopt:
		return nil
	default:
		return fmt.Errorf("invalid stack action: %s", a)
	}
}

// StackStatus represents the overall status of a stack.
type StackStatus string

const (
	// StackStatusInit indicates the stack row exists but no traversal has
	// started yet.
	StackStatusInit StackStatus = "init"

	// StackStatusInProgress indicates a traversal is currently converging
	// the stack.
	StackStatusInProgress StackStatus = "in_progress"

	// StackStatusComplete indicates the last traversal converged successfully.
	StackStatusComplete StackStatus = "complete"

	// StackStatusFailed indicates the last traversal failed.
	StackStatusFailed StackStatus = "failed"
)

// IsTerminal returns true if the stack status represents a final state.
func (s StackStatus) IsTerminal() bool {
	return s == StackStatusComplete || s == StackStatusFailed
}

// IsActive returns true if the stack is currently active (init or in progress).
func (s StackStatus) IsActive() bool {
	return s == StackStatusInit || s == StackStatusInProgress
}

// Validate checks if the stack status is valid.
func (s StackStatus) Validate() error {
	switch s {
	case StackStatusInit, StackStatusInProgress, StackStatusComplete, StackStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid stack status: %s", s)
	}
}

// ResourceOperation represents the operation a worker decided to perform on
// a resource after comparing its desired definition with its stored state.
type ResourceOperation string

const (
	// OperationCreate indicates a new physical resource should be created.
	OperationCreate ResourceOperation = "create"

	// OperationUpdate indicates the existing physical resource should be
	// updated in place.
	OperationUpdate ResourceOperation = "update"

	// OperationReplace indicates a new physical copy must be created before
	// the old one is cleaned up.
	OperationReplace ResourceOperation = "replace"

	// OperationDelete indicates a stale physical resource should be deleted.
	OperationDelete ResourceOperation = "delete"

	// OperationCheck indicates a read-only health check of the physical
	// resource.
	OperationCheck ResourceOperation = "check"

	// OperationAdopt indicates a pre-existing physical resource is taken
	// over without creating it.
	OperationAdopt ResourceOperation = "adopt"

	// OperationNoop indicates no operation is needed (resource already
	// matches its definition).
	OperationNoop ResourceOperation = "noop"
)

// IsDestructive returns true if the operation destroys a physical resource.
func (o ResourceOperation) IsDestructive() bool {
	return o == OperationDelete || o == OperationReplace
}

// IsMutating returns true if the operation changes physical state.
func (o ResourceOperation) IsMutating() bool {
	return o == OperationCreate || o == OperationUpdate ||
		o == OperationReplace || o == OperationDelete || o == OperationAdopt
}

// Validate checks if the resource operation is valid.
func (o ResourceOperation) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationReplace,
		OperationDelete, OperationCheck, OperationAdopt, OperationNoop:
		return nil
	default:
		return fmt.Errorf("invalid resource operation: %s", o)
	}
}

// ResourceAction represents the last action performed on a resource row.
type ResourceAction string

const (
	// ResourceActionInit indicates the row was seeded by a traversal but no
	// worker has touched it yet.
	ResourceActionInit ResourceAction = "init"

	// ResourceActionCreate indicates the physical resource was created.
	ResourceActionCreate ResourceAction = "create"

	// ResourceActionUpdate indicates the physical resource was updated.
	ResourceActionUpdate ResourceAction = "update"

	// ResourceActionDelete indicates the physical resource was deleted.
	ResourceActionDelete ResourceAction = "delete"

	// ResourceActionCheck indicates the physical resource was health-checked.
	ResourceActionCheck ResourceAction = "check"

	// ResourceActionAdopt indicates a pre-existing physical resource was
	// adopted.
	ResourceActionAdopt ResourceAction = "adopt"

	// ResourceActionSuspend indicates the physical resource was suspended.
	ResourceActionSuspend ResourceAction = "suspend"

	// ResourceActionResume indicates the physical resource was resumed.
	ResourceActionResume ResourceAction = "resume"
)

// Validate checks if the resource action is valid.
func (a ResourceAction) Validate() error {
	switch a {
	case ResourceActionInit, ResourceActionCreate, ResourceActionUpdate,
		ResourceActionDelete, ResourceActionCheck, ResourceActionAdopt,
		ResourceActionSuspend, ResourceActionResume:
		return nil
	default:
		return fmt.Errorf("invalid resource action: %s", a)
	}
}

// ResourceStatus represents the current status of a resource row.
type ResourceStatus string

const (
	// ResourceStatusPending indicates the resource is waiting to be visited
	// by its traversal.
	ResourceStatusPending ResourceStatus = "pending"

	// ResourceStatusInProgress indicates a worker is operating on the
	// resource; engine_id records which one.
	ResourceStatusInProgress ResourceStatus = "in_progress"

	// ResourceStatusComplete indicates the last operation on the resource
	// succeeded.
	ResourceStatusComplete ResourceStatus = "complete"

	// ResourceStatusFailed indicates the last operation on the resource
	// failed.
	ResourceStatusFailed ResourceStatus = "failed"
)

// IsTransitional returns true if the status represents a transitional state.
func (s ResourceStatus) IsTransitional() bool {
	return s == ResourceStatusPending || s == ResourceStatusInProgress
}

// IsTerminal returns true if the status represents a final state.
func (s ResourceStatus) IsTerminal() bool {
	return s == ResourceStatusComplete || s == ResourceStatusFailed
}

// Validate checks if the resource status is valid.
func (s ResourceStatus) Validate() error {
	switch s {
	case ResourceStatusPending, ResourceStatusInProgress,
		ResourceStatusComplete, ResourceStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// FormatState renders an action/status pair in the combined form used by
// events and the CLI, e.g. "create_complete".
func FormatState(action, status string) string {
	if action == "" {
		return status
	}
	return action + "_" + status
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s StackStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StackStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StackStatus(str)
	return s.Validate()
}
