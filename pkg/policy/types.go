package policy

import (
	"time"
)

// Severity grades a policy violation. Only error and critical violations
// block the stack action; info and warning violations are logged and
// published as events.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not
	// block.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the stack action.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must never be bypassed.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation at this severity denies the action.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego rule set evaluated against stack actions.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Rego is the policy source. The package must expose a deny set; each
	// deny result is either a message string or an object with message and
	// optional severity fields.
	Rego string `json:"rego"`

	// Severity is the default severity for violations this policy raises.
	Severity Severity `json:"severity"`

	// Enabled gates evaluation.
	Enabled bool `json:"enabled"`

	// Tags label the policy for operators.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for builtins.
	Source string `json:"source,omitempty"`

	// CreatedAt is when the policy was first loaded.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last reloaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a single deny result from one policy.
type Violation struct {
	// Policy is the policy that raised the violation.
	Policy string `json:"policy"`

	// Message explains the violation.
	Message string `json:"message"`

	// Severity is the violation severity.
	Severity Severity `json:"severity"`

	// StackName is the stack the violated action targeted.
	StackName string `json:"stack_name,omitempty"`
}
