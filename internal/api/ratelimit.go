package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/agentcore/pkg/cache"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
)

const rateLimitKeyPrefix = "agentcore:ratelimit:"

// windowCounter counts requests in one fixed window
type windowCounter struct {
	count atomic.Int64
}

// RateLimiter caps requests per client in fixed windows. Counts live in
// Redis when a client is given, so replicas share them; when Redis fails
// or is absent, a bounded local cache keeps the counts instead.
type RateLimiter struct {
	limit  int
	window time.Duration
	redis  redis.UniversalClient
	logger *logging.Logger
	now    func() time.Time

	mu    sync.Mutex
	local *cache.Cache[string, *windowCounter]
}

// NewRateLimiter allows limit requests per client per window. client may
// be nil.
func NewRateLimiter(limit int, window time.Duration, client redis.UniversalClient, logger *logging.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		redis:  client,
		logger: logger,
		now:    time.Now,
		local: cache.New[string, *windowCounter](cache.Config{
			Name:    "ratelimit",
			MaxSize: 10000,
			TTL:     window,
		}),
	}
}

// Allow counts one request for key and reports whether it is within the
// limit, how many remain and when the window resets.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, int, time.Time) {
	now := rl.now()
	windowStart := now.Truncate(rl.window)
	resetTime := windowStart.Add(rl.window)
	windowKey := fmt.Sprintf("%s%s:%d", rateLimitKeyPrefix, key, windowStart.Unix())

	count, err := rl.countRedis(ctx, windowKey, resetTime)
	if err != nil {
		rl.logger.Warn("Rate limit store unavailable, counting locally", "error", err.Error())
	}
	if rl.redis == nil || err != nil {
		count = rl.countLocal(windowKey, resetTime.Sub(now))
	}

	remaining := rl.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return int(count) <= rl.limit, remaining, resetTime
}

func (rl *RateLimiter) countRedis(ctx context.Context, key string, resetTime time.Time) (int64, error) {
	if rl.redis == nil {
		return 0, nil
	}
	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, resetTime)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis pipeline failed: %w", err)
	}
	return incr.Val(), nil
}

func (rl *RateLimiter) countLocal(key string, ttl time.Duration) int64 {
	rl.mu.Lock()
	c, ok := rl.local.Get(key)
	if !ok {
		c = &windowCounter{}
		rl.local.SetWithTTL(key, c, ttl)
	}
	rl.mu.Unlock()
	return c.count.Add(1)
}

// Middleware rejects requests over the limit with 429, keyed by client IP
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining, resetTime := rl.Allow(c.Request.Context(), c.ClientIP())

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

		if !allowed {
			retryAfter := int(time.Until(resetTime).Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			fail(c, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded", map[string]interface{}{
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
