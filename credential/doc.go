// Package credential persists refresh credentials and the rotation chain that links them.
//
// # Store contract
//
// Every [Store] enforces the chain invariants on its own, independent of the caller:
//
//   - at most one non-revoked [Record] per owner;
//   - Revoked is monotonic;
//   - SuccessorID is written once, by a linked [Store.SwapActive], and never changed;
//   - CredentialID and TokenHash are unique.
//
// [Store.SwapActive] is the only way to replace the active record of an owner:
// it revokes the expected record and inserts its replacement in one atomic step.
//
// # What this package must NOT do
//
//   - Mint or verify tokens (see package jwt).
//   - Decide when a chain is reused; that is the session manager's job.
//   - Persist raw token values. Only the SHA-256 of a token is stored.
package credential
