package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter bounds request rates per client with a one-minute
// sliding window. It protects the webhook ingress and the data-plane
// gate endpoints from floods; the soft limit logs and rejects, it
// never queues.
type RateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*window
	perMinute int
	burst     int
	now       func() time.Time
}

type window struct {
	count int
	start time.Time
}

// NewRateLimiter allows perMinute sustained requests per key with a
// burst ceiling of twice that. It starts a background sweep for idle
// windows.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	rl := &RateLimiter{
		windows:   make(map[string]*window),
		perMinute: perMinute,
		burst:     perMinute * 2,
		now:       time.Now,
	}
	go rl.sweep()
	return rl
}

// Allow reports whether a request under key fits the current window.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		rl.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= rl.burst && w.count <= rl.perMinute
}

// Middleware rejects over-limit requests with 429. Keys are the client
// IP; callers behind a proxy should terminate rate limiting there.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !rl.Allow(host) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := rl.now()
		for key, w := range rl.windows {
			if now.Sub(w.start) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
