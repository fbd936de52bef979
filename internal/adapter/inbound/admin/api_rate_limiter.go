package admin

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter is the token bucket of one client address.
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// apiRateLimiter keeps one token bucket per client IP. Buckets idle for a
// full window are evicted, at most once per window.
type apiRateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// newAPIRateLimiter allows maxRequests per window, refilled evenly.
func newAPIRateLimiter(maxRequests int, window time.Duration) *apiRateLimiter {
	if maxRequests < 1 {
		maxRequests = 1
	}
	return &apiRateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Every(window / time.Duration(maxRequests)),
		burst:   maxRequests,
		window:  window,
		now:     time.Now,
	}
}

// allow reports whether ip may make another request and, if not, how many
// seconds until it may.
func (rl *apiRateLimiter) allow(ip string) (bool, int) {
	now := rl.now()

	rl.mu.Lock()
	if now.Sub(rl.lastSweep) >= rl.window {
		rl.sweep(now)
	}
	c, ok := rl.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastAccess = now
	limiter := c.limiter
	rl.mu.Unlock()

	if limiter.AllowN(now, 1) {
		return true, 0
	}
	r := limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, max(1, int(math.Ceil(delay.Seconds())))
}

// sweep drops buckets untouched for a window; they would be full again.
// Callers hold rl.mu.
func (rl *apiRateLimiter) sweep(now time.Time) {
	rl.lastSweep = now
	for ip, c := range rl.clients {
		if now.Sub(c.lastAccess) >= rl.window {
			delete(rl.clients, ip)
		}
	}
}

// apiRateLimitMiddleware answers 429 with Retry-After once a non-loopback
// client exceeds maxRequests per window.
func apiRateLimitMiddleware(maxRequests int, window time.Duration, next http.Handler) http.Handler {
	return rateLimited(newAPIRateLimiter(maxRequests, window), next)
}

func rateLimited(limiter *apiRateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isLocalhost(r) {
			next.ServeHTTP(w, r)
			return
		}

		clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			clientIP = r.RemoteAddr
		}

		if ok, retryAfter := limiter.allow(clientIP); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
