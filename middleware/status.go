package middleware

import (
	"net/http"

	"github.com/projectchat/chatauth"
)

// StatusFor maps a session manager error onto an HTTP status. Reuse and other
// credential failures are 403 and should be paired with ClearRefreshCookie;
// a lost rotation race is 409 so the client can retry with its newer token.
func StatusFor(err error) int {
	kind := chatauth.KindOf(err)
	switch {
	case kind == chatauth.KindNone:
		return http.StatusOK
	case kind.Retryable():
		return http.StatusServiceUnavailable
	case kind == chatauth.KindConcurrentRotationConflict:
		return http.StatusConflict
	case kind == chatauth.KindInvalidPrincipal:
		return http.StatusBadRequest
	case kind.ReauthRequired():
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
