package policy

import (
	"time"
)

// BuiltinPolicies returns the policies compiled into every gate. Operators
// can shadow a builtin by loading a policy with the same name.
func BuiltinPolicies() []Policy {
	return []Policy{
		stackNamingPolicy(),
		protectedStacksPolicy(),
		resourceLimitsPolicy(),
		tenantAssignmentPolicy(),
	}
}

// stackNamingPolicy enforces stack naming conventions.
func stackNamingPolicy() Policy {
	return Policy{
		Name:        "stack-naming",
		Description: "Stack names must be lowercase alphanumeric with hyphens, starting with a letter, at most 128 characters",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stratus.policies.naming

import rego.v1

deny contains violation if {
	not input.stack_name
	violation := {
		"message": "stack name is required",
		"severity": "error",
	}
}

deny contains violation if {
	name := input.stack_name
	not regex.match("^[a-z][a-z0-9-]*$", name)
	violation := {
		"message": sprintf("stack name %q must be lowercase alphanumeric with hyphens and start with a letter", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.stack_name
	count(name) > 128
	violation := {
		"message": sprintf("stack name %q exceeds 128 characters", [name]),
		"severity": "error",
	}
}
`,
	}
}

// protectedStacksPolicy blocks destructive actions on stacks tagged as
// protected.
func protectedStacksPolicy() Policy {
	return Policy{
		Name:        "protected-stacks",
		Description: "Stacks tagged protected cannot be deleted or suspended",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stratus.policies.protected

import rego.v1

destructive := {"delete", "suspend"}

deny contains violation if {
	destructive[input.action]
	some tag in input.tags
	tag == "protected"
	violation := {
		"message": sprintf("stack %q is tagged protected; %s is not allowed", [input.stack_name, input.action]),
		"severity": "critical",
	}
}
`,
	}
}

// resourceLimitsPolicy caps template size.
func resourceLimitsPolicy() Policy {
	return Policy{
		Name:        "resource-limits",
		Description: "Templates may declare at most 500 resources",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"limits"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stratus.policies.limits

import rego.v1

max_resources := 500

deny contains violation if {
	input.resource_count > max_resources
	violation := {
		"message": sprintf("template declares %d resources; the limit is %d", [input.resource_count, max_resources]),
		"severity": "error",
	}
}
`,
	}
}

// tenantAssignmentPolicy warns on stacks created without a tenant. Warning
// only; single-tenant deployments run without tenants.
func tenantAssignmentPolicy() Policy {
	return Policy{
		Name:        "tenant-assignment",
		Description: "Stacks should be assigned to a tenant",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stratus.policies.tenancy

import rego.v1

deny contains violation if {
	input.action == "create"
	not input.tenant
	violation := {
		"message": sprintf("stack %q has no tenant assigned", [input.stack_name]),
		"severity": "warning",
	}
}
`,
	}
}
