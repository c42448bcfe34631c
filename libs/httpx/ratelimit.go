package httpx

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window per-client limiter kept in process memory.
// It serves single-instance deployments; multi-replica deployments should
// use the Redis-backed variant so all replicas share one counter.
type RateLimiter struct {
	limit    int
	window   time.Duration
	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		visitors: map[string]*visitor{},
	}
}

func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, resetAt := rl.allow(clientKey(r))
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(resetAt)))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(key string) (bool, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	// Opportunistic cleanup so idle clients do not accumulate forever.
	if len(rl.visitors) > 4*rl.limit {
		for k, v := range rl.visitors {
			if now.After(v.resetAt) {
				delete(rl.visitors, k)
			}
		}
	}

	v := rl.visitors[key]
	if v == nil || now.After(v.resetAt) {
		v = &visitor{resetAt: now.Add(rl.window)}
		rl.visitors[key] = v
	}
	if v.count >= rl.limit {
		return false, v.resetAt
	}
	v.count++
	return true, v.resetAt
}

func retryAfterSeconds(resetAt time.Time) int {
	secs := int(time.Until(resetAt).Seconds() + 0.5)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func clientKey(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
