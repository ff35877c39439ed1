package middleware

import (
	"net"
	"net/http"
	"time"
)

const (
	// RefreshCookieName is the cookie carrying the raw refresh token.
	RefreshCookieName = "refreshToken"
	// RefreshCookiePath scopes the cookie to the auth endpoints.
	RefreshCookiePath = "/api/auth"
)

func refreshCookie(value string, maxAge int, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     RefreshCookieName,
		Value:    value,
		Path:     RefreshCookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// SetRefreshCookie writes the refresh token cookie with a max-age of ttl.
func SetRefreshCookie(w http.ResponseWriter, token string, ttl time.Duration, secure bool) {
	maxAge := int(ttl / time.Second)
	if maxAge <= 0 {
		maxAge = -1
	}
	http.SetCookie(w, refreshCookie(token, maxAge, secure))
}

// ClearRefreshCookie tells the client to delete the refresh token cookie.
func ClearRefreshCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, refreshCookie("", -1, secure))
}

// RefreshTokenFromRequest returns the refresh token cookie value, if any.
func RefreshTokenFromRequest(r *http.Request) (string, bool) {
	c, err := r.Cookie(RefreshCookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
