package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/projectchat/chatauth/internal/rate"
)

// ThrottleConfig bounds requests per client address.
type ThrottleConfig struct {
	// Scope separates budgets, e.g. "login" and "refresh".
	Scope  string
	Limit  int
	Window time.Duration
}

// Throttle rejects requests with 429 once a client address exceeds Limit
// requests per Window. Counters live in Redis so every instance shares them.
// A Redis failure rejects the request with 503.
func Throttle(client redis.UniversalClient, cfg ThrottleConfig) func(http.Handler) http.Handler {
	limiter := rate.New(client, rate.Config{Prefix: "chatauth:throttle", Limit: cfg.Limit, Window: cfg.Window})
	retryAfter := strconv.Itoa(int(max(limiter.Window().Round(time.Second), time.Second) / time.Second))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := limiter.Allow(r.Context(), cfg.Scope+":"+clientIP(r))
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, rate.ErrRateLimited):
				w.Header().Set("Retry-After", retryAfter)
				http.Error(w, "too many requests", http.StatusTooManyRequests)
			default:
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			}
		})
	}
}
