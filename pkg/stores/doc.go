// Package stores provides persistence layer implementations for Stratus.
// It includes SQLite-based storage with WAL mode, connection pooling, and
// CRUD plus compare-and-swap operations for stacks, resources, templates,
// sync points, stack locks, engines, and stack events.
//
// Every multi-writer row carries an atomic_key version counter; the
// UpdateXxxCAS methods succeed only when the caller's expected counter still
// matches, which is what lets concurrent traversals and distributed workers
// share these tables without long-lived transactions.
package stores
