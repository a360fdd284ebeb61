// Package engine provides the core types and operations for the Stratus
// convergence engine.
//
// # Overview
//
// A stack is the unit of orchestration: a set of resources declared by a
// template, plus the record of their physical counterparts. Every mutation
// of a stack (create, update, delete, suspend, resume, check, converge,
// rollback) runs as a traversal over the resource dependency graph. A
// traversal dispatches each graph node to a worker once all of its
// dependencies have reported, collects the node's output, and fans it out
// to the nodes that depend on it.
//
// # Traversal Coordination
//
// Coordination is durable rather than in-memory. Each pending node has a
// sync point row whose counter holds the number of unreported
// dependencies; reporters decrement it with a compare-and-swap, and the
// reporter that moves the counter to zero schedules the node. Because sync
// points live in the store, a traversal survives engine crashes: a
// restarted engine resumes from the counters instead of replaying finished
// work.
//
// Concurrent traversals of one stack are serialized by supersession. The
// stack row records the current traversal id; a newer traversal installs
// itself with a CAS on the stack row, and workers compare their traversal
// id against it before acting. Output from a superseded traversal is
// discarded as stale. Failures never stall the graph; a failed node
// poisons its output so downstream sync points still fire and the
// traversal drains to its stack-level sync point.
//
// # Mutual Exclusion
//
// Stacks are locked per engine process. Engines heartbeat into the engines
// table; when a lock holder stops heartbeating, the liveness oracle lets
// another engine steal the lock and resume the stack's traversal.
//
// # Resource Model
//
// Each physical copy of a logical resource is one row. Replacement creates
// a second row linked through Replaces/ReplacedBy and the stale copy is
// deleted after the replacement converges. Adoption imports pre-existing
// physical resources into a new stack. Adapters perform the physical work
// through the Adapter interface (Create/Update/Delete/Check); the engine
// decides which operation a node needs by diffing the declared definition
// against the recorded one.
//
// # Error Classification
//
// Errors carry a class that drives retry and rollback:
//
//   - validation: invalid input, never retried
//   - transient: may succeed on retry with backoff
//   - conflict: lost a CAS or lock race, re-read and retry
//   - not_found: missing entity
//   - permanent: non-recoverable, triggers rollback unless disabled
//
// Use the helpers to classify:
//
//	if IsRetryable(err) {
//	    // back off and retry
//	}
//
// # Usage
//
// Service is the public surface. It owns the coordinator, the worker pool
// and the engine heartbeat:
//
//	svc := engine.NewService(store, templates, registry, gate, engine.ServiceConfig{}, tel)
//	if err := svc.Run(ctx); err != nil { ... }
//	stackID, err := svc.CreateStack(ctx, &engine.CreateStackInput{Name: "web", Template: raw})
package engine
