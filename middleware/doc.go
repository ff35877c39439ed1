// Package middleware adapts the session manager to net/http.
//
// [Guard] reads the Authorization header, calls Authenticate and stores the
// verified claims in the request context for [ClaimsFromContext]. The refresh
// cookie helpers keep the raw refresh token in an HttpOnly, SameSite=Lax
// cookie scoped to /api/auth.
//
// # What this package must NOT do
//
//   - Parse or sign tokens directly.
//   - Touch the credential store.
//   - Decide anything beyond pass or reject.
package middleware
