// Package chatauth is the authentication session core of the chat backend:
// short-lived signed access tokens plus a refresh-token rotation chain with
// reuse detection.
//
// Methods of [SessionManager] are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # State machine
//
// A refresh credential is ACTIVE until it is rotated (revoked, successor set),
// revoked directly (logout, a newer login, sign-out-everywhere) or swept after
// expiry. Presenting a revoked credential again is reuse: the live head of its
// chain is revoked and the call fails with [ErrReuseDetected].
//
// Each principal has at most one active credential. [SessionManager.StartSession]
// and [SessionManager.Rotate] replace it through a single compare-and-swap on
// the store, so two concurrent rotations of one record cannot both succeed.
//
// # Architecture boundaries
//
// chatauth is the public surface. It exposes [SessionManager], [Builder],
// [Config] and the error taxonomy ([KindOf]). Token mechanics live in package
// jwt, persistence in package credential, and composite flows and audit
// dispatch under internal/.
//
// # What this package must NOT do
//
//   - Authenticate passwords or look up roles; callers pass an authenticated [Identity].
//   - Retry store failures. [ErrStoreUnavailable] is returned as is.
//   - Log or audit raw token values.
package chatauth
