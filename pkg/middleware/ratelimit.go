package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/platinummonkey/commune/pkg/httputil"
	"github.com/platinummonkey/commune/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns default rate limit settings
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

// OperatorRateLimitConfig returns rate limits for requests carrying an actor
func OperatorRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 1000,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

// RateLimiter keeps one token bucket per key. Buckets live in this process;
// DistributedRateLimiter shares limits across instances.
type RateLimiter struct {
	config  *RateLimitConfig
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	mu      sync.Mutex
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:  config,
		limit:   rate.Limit(float64(config.RequestsPerWindow) / config.WindowDuration.Seconds()),
		burst:   config.RequestsPerWindow + config.BurstSize,
		buckets: make(map[string]*bucket),
	}
}

func (rl *RateLimiter) bucketFor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()
	return rl.bucketFor(key, now).AllowN(now, 1)
}

// Remaining returns the number of whole tokens left for a key
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.Lock()
	b, exists := rl.buckets[key]
	rl.mu.Unlock()

	if !exists {
		return rl.burst
	}
	if tokens := int(b.limiter.Tokens()); tokens > 0 {
		return tokens
	}
	return 0
}

// Cleanup drops buckets idle for more than two windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-2 * rl.config.WindowDuration)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup starts a background goroutine to cleanup old buckets
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}

// RateLimitMiddleware provides HTTP rate limiting
type RateLimitMiddleware struct {
	operatorLimiter  *RateLimiter
	anonymousLimiter *RateLimiter
}

// NewRateLimitMiddleware creates a new rate limit middleware
func NewRateLimitMiddleware(operator, anonymous *RateLimitConfig) *RateLimitMiddleware {
	if operator == nil {
		operator = OperatorRateLimitConfig()
	}
	return &RateLimitMiddleware{
		operatorLimiter:  NewRateLimiter(operator),
		anonymousLimiter: NewRateLimiter(anonymous),
	}
}

// StartCleanup periodically drops idle buckets of both limiters
func (m *RateLimitMiddleware) StartCleanup(ctx context.Context) {
	m.operatorLimiter.StartCleanup(ctx)
	m.anonymousLimiter.StartCleanup(ctx)
}

// Handler wraps an HTTP handler with rate limiting. Requests are keyed by the
// actor when ActorMiddleware ran first, otherwise by client IP.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var key string
		var limiter *RateLimiter

		if actor := observability.GetActor(r.Context()); actor != "" {
			key = "actor:" + actor
			limiter = m.operatorLimiter
		} else {
			key = "ip:" + getClientIP(r)
			limiter = m.anonymousLimiter
		}

		if !limiter.Allow(key) {
			rateLimitExceeded(w, limiter.config, limiter.config.WindowDuration)
			return
		}

		remaining := limiter.Remaining(key)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.config.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(limiter.config.WindowDuration).Unix(), 10))

		next.ServeHTTP(w, r)
	})
}

func rateLimitExceeded(w http.ResponseWriter, config *RateLimitConfig, retryIn time.Duration) {
	retryAfter := int64(retryIn.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(retryIn).Unix(), 10))
	httputil.WriteTooManyRequests(w, "rate limit exceeded")
}

// getClientIP returns the first X-Forwarded-For hop, X-Real-IP, or the
// connection's address without its port.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
