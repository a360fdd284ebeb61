// Package policy provides Open Policy Agent (OPA) integration for Stratus.
//
// The Gate authorizes stack actions before the engine creates or mutates any
// state. Every enabled policy is a Rego module exposing a deny set; the gate
// evaluates the set against the action input and turns the first error or
// critical violation into a validation error, which aborts the action.
// Warning and info violations are logged and never block.
//
// # Usage
//
// Creating a gate and loading custom policies:
//
//	gate, err := policy.NewGate(tel)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := gate.LoadPaths(ctx, []string{"/etc/stratus/policies"}); err != nil {
//	    log.Fatal(err)
//	}
//
// The gate plugs into the engine as its PolicyGate:
//
//	svc := engine.NewService(store, templates, adapters, gate, cfg, tel)
//
// # Policy Input
//
// Policies see the stack action as input:
//
//	{
//	    "action": "delete",
//	    "stack_name": "billing-core",
//	    "tenant": "acme",
//	    "tags": ["protected"],
//	    "resource_count": 12,
//	    "resource_types": ["sandbox.instance", "sandbox.volume"]
//	}
//
// # Custom Policies
//
// Custom policies are plain Rego files. A deny result is either a message
// string, taking the policy's default severity, or an object overriding it:
//
//	package custom.policies.freeze
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.action == "update"
//	    some tag in input.tags
//	    tag == "change-freeze"
//	    violation := {
//	        "message": "stack is under a change freeze",
//	        "severity": "critical",
//	    }
//	}
//
// # Hot Reload
//
// Watch reloads the policy set whenever a watched .rego or .json file
// changes, debounced to coalesce editor write bursts. A reload that fails to
// compile keeps the previous set:
//
//	if err := gate.Watch(ctx, paths); err != nil {
//	    log.Fatal(err)
//	}
//
// Policies are compiled once into prepared queries and reused across
// evaluations.
package policy
