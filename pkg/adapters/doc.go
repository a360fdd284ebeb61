// Package adapters provides the resource adapter registry and the adapters
// shipped with Stratus. An adapter owns the physical lifecycle of one or more
// resource types: the engine resolves a type to an adapter through the
// Registry and calls Create, Update, Delete and Check on it during a
// traversal.
//
// Registrations are either exact resource types (remote.file) or glob
// patterns (sandbox.*) claiming a whole namespace. Lookups prefer an exact
// registration and fall back to the longest matching pattern, so a specific
// adapter can shadow part of a namespace claimed by a broader one.
//
// Subpackages:
//
//   - sandbox: in-process resources backed by a map, used by scenario tests
//     and the development loop. Supports failure injection through resource
//     properties.
//   - remote: declarative files on remote hosts over SSH and SFTP.
//   - wasm: adapters compiled to WebAssembly, loaded from manifest
//     directories and run inside a wazero sandbox.
package adapters
