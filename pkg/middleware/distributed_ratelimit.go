package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/commune/pkg/observability"
)

// DistributedRateLimiter implements a fixed window counter in Redis so that
// limits are shared across API instances.
type DistributedRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "commune:ratelimit"
	}

	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

func (rl *DistributedRateLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow counts one request against key and reports whether it fits the window.
// The window starts with the first request and the burst allowance is added
// on top of the per-window limit.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	redisKey := rl.key(key)

	count, err := rl.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return true, 0, fmt.Errorf("failed to count request: %w", err)
	}
	if count == 1 {
		if err := rl.redis.Expire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			return true, 0, fmt.Errorf("failed to start window: %w", err)
		}
	}

	limit := int64(rl.config.RequestsPerWindow + rl.config.BurstSize)
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= limit, int(remaining), nil
}

// TTL returns the time until the rate limit window resets
func (rl *DistributedRateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.redis.TTL(ctx, rl.key(key)).Result()
}

// Reset clears the rate limit for a key
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

// DistributedRateLimitMiddleware provides HTTP rate limiting with Redis. Redis
// failures fail open and are logged.
type DistributedRateLimitMiddleware struct {
	redis            *redis.Client
	operatorLimiter  *DistributedRateLimiter
	anonymousLimiter *DistributedRateLimiter
}

// NewDistributedRateLimitMiddleware creates a new Redis-backed rate limit middleware
func NewDistributedRateLimitMiddleware(redisClient *redis.Client, operator, anonymous *RateLimitConfig) *DistributedRateLimitMiddleware {
	if operator == nil {
		operator = OperatorRateLimitConfig()
	}
	return &DistributedRateLimitMiddleware{
		redis:            redisClient,
		operatorLimiter:  NewDistributedRateLimiter(redisClient, operator, "commune:ratelimit:actor"),
		anonymousLimiter: NewDistributedRateLimiter(redisClient, anonymous, "commune:ratelimit:ip"),
	}
}

// Handler wraps an HTTP handler with distributed rate limiting
func (m *DistributedRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var key string
		var limiter *DistributedRateLimiter
		if actor := observability.GetActor(ctx); actor != "" {
			key = actor
			limiter = m.operatorLimiter
		} else {
			key = getClientIP(r)
			limiter = m.anonymousLimiter
		}

		allowed, remaining, err := limiter.Allow(ctx, key)
		if err != nil {
			observability.FromContext(ctx).WithError(err).Warn("rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		ttl, ttlErr := limiter.TTL(ctx, key)
		if ttlErr != nil || ttl <= 0 {
			ttl = limiter.config.WindowDuration
		}

		if !allowed {
			rateLimitExceeded(w, limiter.config, ttl)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.config.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(ttl).Unix(), 10))

		next.ServeHTTP(w, r)
	})
}

// HealthCheck verifies Redis connectivity for rate limiting
func (m *DistributedRateLimitMiddleware) HealthCheck(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}
