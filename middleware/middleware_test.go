package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/projectchat/chatauth"
	"github.com/projectchat/chatauth/credential"
)

func newManager(t *testing.T) *chatauth.SessionManager {
	t.Helper()
	cfg := chatauth.DefaultConfig()
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	m, err := chatauth.New().
		WithConfig(cfg).
		WithStore(credential.NewMemoryStore()).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func guardedEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			http.Error(w, "no claims", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, claims.PrincipalID)
	})
}

func TestGuardAcceptsAccessToken(t *testing.T) {
	m := newManager(t)
	pair, err := m.Login(context.Background(), chatauth.Identity{PrincipalID: "alice"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rr := httptest.NewRecorder()
	Guard(m)(guardedEcho()).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "alice" {
		t.Fatalf("principal = %q", rr.Body.String())
	}
}

func TestGuardRejects(t *testing.T) {
	m := newManager(t)
	pair, err := m.Login(context.Background(), chatauth.Identity{PrincipalID: "alice"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"empty token", "Bearer "},
		{"garbage", "Bearer not.a.jwt"},
		{"refresh token", "Bearer " + pair.RefreshToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			Guard(m)(guardedEcho()).ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rr.Code)
			}
			if rr.Header().Get("WWW-Authenticate") == "" {
				t.Fatal("missing WWW-Authenticate header")
			}
		})
	}
}

func TestGuardNilAuthenticator(t *testing.T) {
	rr := httptest.NewRecorder()
	Guard(nil)(guardedEcho()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestBearerTokenCaseInsensitiveScheme(t *testing.T) {
	token, ok := bearerToken("bearer abc")
	if !ok || token != "abc" {
		t.Fatalf("got %q %v", token, ok)
	}
}

func TestRefreshCookieRoundTrip(t *testing.T) {
	rr := httptest.NewRecorder()
	SetRefreshCookie(rr, "tok", 7*24*time.Hour, true)

	cookies := rr.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != "refreshToken" || c.Path != "/api/auth" || !c.HttpOnly || !c.Secure {
		t.Fatalf("unexpected cookie attributes: %+v", c)
	}
	if c.SameSite != http.SameSiteLaxMode {
		t.Fatalf("SameSite = %v", c.SameSite)
	}
	if c.MaxAge != 7*24*3600 {
		t.Fatalf("MaxAge = %d", c.MaxAge)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", nil)
	req.AddCookie(c)
	got, ok := RefreshTokenFromRequest(req)
	if !ok || got != "tok" {
		t.Fatalf("RefreshTokenFromRequest = %q %v", got, ok)
	}
}

func TestClearRefreshCookie(t *testing.T) {
	rr := httptest.NewRecorder()
	ClearRefreshCookie(rr, false)

	c := rr.Result().Cookies()[0]
	if c.Value != "" || c.MaxAge >= 0 {
		t.Fatalf("cookie not cleared: %+v", c)
	}

	if _, ok := RefreshTokenFromRequest(httptest.NewRequest(http.MethodPost, "/", nil)); ok {
		t.Fatal("expected no token without a cookie")
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{chatauth.ErrReuseDetected, http.StatusForbidden},
		{chatauth.ErrTokenNotFound, http.StatusForbidden},
		{chatauth.ErrExpired, http.StatusForbidden},
		{chatauth.ErrCredentialRevoked, http.StatusForbidden},
		{chatauth.ErrConcurrentRotationConflict, http.StatusConflict},
		{fmt.Errorf("rotate: %w", chatauth.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{chatauth.ErrInvalidPrincipal, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestClientIPStampsContext(t *testing.T) {
	var seen bool
	h := ClientIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = true
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = "203.0.113.9:51000"
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !seen {
		t.Fatal("handler not called")
	}
	if got := clientIP(req); got != "203.0.113.9" {
		t.Fatalf("clientIP = %q", got)
	}
}

func TestThrottle(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	h := Throttle(client, ThrottleConfig{Scope: "refresh", Limit: 2, Window: time.Minute})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)
	hit := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		if rr := hit("198.51.100.7:4000"); rr.Code != http.StatusNoContent {
			t.Fatalf("hit %d status = %d", i+1, rr.Code)
		}
	}
	rr := hit("198.51.100.7:4001")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}
	if rr := hit("198.51.100.8:4000"); rr.Code != http.StatusNoContent {
		t.Fatalf("other client status = %d", rr.Code)
	}

	mr.Close()
	if rr := hit("198.51.100.9:4000"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status with redis down = %d, want 503", rr.Code)
	}
}

func TestThrottleRetryAfterUsesDefaultWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	h := Throttle(client, ThrottleConfig{Scope: "login", Limit: 1})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)
	var rr *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "203.0.113.4:5000"
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, req)
	}
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q, want the default window", rr.Header().Get("Retry-After"))
	}
}
