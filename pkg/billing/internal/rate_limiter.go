package internal

import (
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const maxTrackedClients = 10000

// RateLimiter limits webhook requests per client IP. Each IP gets a token
// bucket refilled at limit per window. Idle buckets expire after one window;
// the number of tracked IPs is bounded.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	clients *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter creates a new rate limiter with the specified limit and window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &RateLimiter{
		limit:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		clients: expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, window),
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	lim, ok := rl.clients.Get(ip)
	if !ok {
		lim = rate.NewLimiter(rl.limit, rl.burst)
		rl.clients.Add(ip, lim)
	}
	return lim.Allow()
}

// Tracked returns the number of client IPs currently tracked
func (rl *RateLimiter) Tracked() int {
	return rl.clients.Len()
}

// Middleware wraps HTTP handler with rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(GetClientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP extracts the client IP address from the request.
// Checks X-Forwarded-For header first (set by proxies/load balancers),
// then falls back to RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.Split(xff, ",")[0]; ip != "" {
			return strings.TrimSpace(ip)
		}
	}
	return r.RemoteAddr
}
