// Package flows contains the composite session flows built on top of the
// session manager primitives.
//
// Each flow function (RunLogin, RunRefresh) accepts a typed dependency struct
// and returns a result that records which step failed. The manager maps the
// failing step onto metrics and audit events; the flow itself has no side
// effects beyond its dependencies.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import chatauth (to avoid import cycles).
//   - Talk to a store directly; every read and write goes through a dependency.
package flows
