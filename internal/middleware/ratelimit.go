package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Strob0t/conclave/internal/config"
)

const defaultMaxBuckets = 100000

// RateLimiter is per-IP token bucket rate limiting middleware. Submissions
// rejected here never reach the router, so a flood of tasks cannot starve
// other callers of idle agents.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	rate       float64 // tokens per second
	burst      int
	maxBuckets int
	maxIdle    time.Duration
	interval   time.Duration
	exempt     map[string]bool
	now        func() time.Time
}

type bucket struct {
	tokens    float64
	updatedAt time.Time
}

// RateOption configures a RateLimiter.
type RateOption func(*RateLimiter)

// WithExemptPaths lets the given request paths bypass the limiter.
func WithExemptPaths(paths ...string) RateOption {
	return func(rl *RateLimiter) {
		for _, p := range paths {
			rl.exempt[p] = true
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RateOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter creates a rate limiter from cfg. A non-positive rate
// disables limiting.
func NewRateLimiter(cfg config.Rate, opts ...RateOption) *RateLimiter {
	rl := &RateLimiter{
		buckets:    make(map[string]*bucket),
		rate:       cfg.RequestsPerSecond,
		burst:      cfg.Burst,
		maxBuckets: defaultMaxBuckets,
		maxIdle:    cfg.MaxIdleTime,
		interval:   cfg.CleanupInterval,
		exempt:     make(map[string]bool),
		now:        time.Now,
	}
	if rl.burst < 1 {
		rl.burst = 1
	}
	for _, o := range opts {
		o(rl)
	}
	return rl
}

// Handler returns HTTP middleware that enforces per-IP rate limiting.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	if rl.rate <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		remaining, retryAfter, allowed := rl.allow(realIP(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.burst))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allow takes one token for ip. It returns the tokens left, the seconds
// until the next token and whether the request may proceed.
func (rl *RateLimiter) allow(ip string) (remaining int, retryAfter float64, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxBuckets {
			return 0, 1 / rl.rate, false
		}
		b = &bucket{tokens: float64(rl.burst), updatedAt: now}
		rl.buckets[ip] = b
	}

	b.tokens = math.Min(float64(rl.burst), b.tokens+now.Sub(b.updatedAt).Seconds()*rl.rate)
	b.updatedAt = now

	if b.tokens < 1 {
		return 0, (1 - b.tokens) / rl.rate, false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

// Run evicts idle buckets every cleanup interval until ctx is done.
// It returns immediately when cleanup is not configured.
func (rl *RateLimiter) Run(ctx context.Context) {
	if rl.interval <= 0 || rl.maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(rl.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.maxIdle)
	for ip, b := range rl.buckets {
		if b.updatedAt.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

// Len returns the number of tracked IP buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// realIP extracts the client IP from RemoteAddr. Proxy headers are not
// trusted since clients can forge them.
func realIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
