package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/puo-memo/puomemo/internal/domain"
)

// RateLimiter provides per-key token-bucket limiting.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()
	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, exists = rl.limiters[key]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter
	return limiter
}

// Allow reports whether a request under key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

// Cleanup bounds limiter map growth. Limiters carry no durable state, so a
// periodic reset is safe.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) > 10000 {
		rl.limiters = make(map[string]*rate.Limiter)
	}
}

// RateLimit limits requests per client IP.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(rps, burst)

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			limiter.Cleanup()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.Header.Get("X-Real-IP")
			if ip == "" {
				ip = r.RemoteAddr
			}

			if !limiter.Allow(ip) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// windowCounter is a fixed-window request counter.
type windowCounter struct {
	mu          sync.Mutex
	counts      map[string]int
	windowStart time.Time
	window      time.Duration
	limit       int
}

func newWindowCounter(limit int, window time.Duration) *windowCounter {
	return &windowCounter{
		counts:      make(map[string]int),
		windowStart: time.Now(),
		window:      window,
		limit:       limit,
	}
}

// allow increments key's count, rolling the window over when it expires. It
// also reports how many requests remain in the current window.
func (wc *windowCounter) allow(key string) (bool, int) {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	now := time.Now()
	if now.Sub(wc.windowStart) >= wc.window {
		wc.counts = make(map[string]int)
		wc.windowStart = now
	}

	if wc.counts[key] >= wc.limit {
		return false, 0
	}
	wc.counts[key]++
	return true, wc.limit - wc.counts[key]
}

// TenantRateLimit enforces a per-(tenant, user, path) request budget per
// fixed window. It must run after APIKeyAuth; unauthenticated requests pass
// through untouched.
func TenantRateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	counter := newWindowCounter(limit, window)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, ok := domain.RequestContextFrom(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			key := fmt.Sprintf("%s:%s:%s", rc.TenantID, rc.UserID, r.URL.Path)
			allowed, remaining := counter.allow(key)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				writeError(w, http.StatusTooManyRequests, "tenant rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
