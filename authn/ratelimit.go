package authn

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter is a per-caller sliding counter. Authenticated requests are
// keyed by key fingerprint; everything else by remote address. Buckets are
// garbage collected in the background.
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	buckets     sync.Map
}

// NewRateLimiter allows maxRequests per window per caller. maxRequests <= 0
// disables limiting.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{maxRequests: maxRequests, window: window}
}

// StartGC evicts expired buckets every 5 minutes until done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}) {
	tick := time.NewTicker(5 * time.Minute)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				now := time.Now()
				rl.buckets.Range(func(key, value any) bool {
					b := value.(*bucket)
					b.mu.Lock()
					expired := now.After(b.resetAt)
					b.mu.Unlock()
					if expired {
						rl.buckets.Delete(key)
					}
					return true
				})
			}
		}
	}()
}

// Allow records one request for key and reports whether it is within limits.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.maxRequests <= 0 {
		return true
	}
	now := time.Now()
	val, loaded := rl.buckets.LoadOrStore(key, &bucket{count: 1, resetAt: now.Add(rl.window)})
	if !loaded {
		return true
	}
	b := val.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 1
		b.resetAt = now.Add(rl.window)
		return true
	}
	b.count++
	return b.count <= rl.maxRequests
}

// Middleware enforces the limit, answering 429 with a Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ExtractIP(r)
		if k := KeyFrom(r.Context()); k != nil {
			key = k.Fingerprint
		}
		if rl.Allow(key) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", "60")
		deny(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
