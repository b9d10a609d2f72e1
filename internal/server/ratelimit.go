package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/p2pex/common/errors"
	"github.com/Aidin1998/p2pex/pkg/metrics"
)

// RateLimiter admits or refuses one request for key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// slidingWindowScript trims the window, refuses when full and otherwise
// records the request, all in one round trip. Scores are milliseconds so
// they stay exact as Lua numbers.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// SlidingWindowLimiter is a distributed sliding-window limit kept in a Redis
// sorted set per key.
type SlidingWindowLimiter struct {
	client redis.Cmdable
	limit  int
	window time.Duration
}

// NewSlidingWindowLimiter creates a limiter admitting limit requests per window.
func NewSlidingWindowLimiter(client redis.Cmdable, limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{client: client, limit: limit, window: window}
}

// Allow records the request when the window has room.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, l.client, []string{key},
		now, l.window.Milliseconds(), l.limit, uuid.NewString()).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	return res == 1, nil
}

// rateLimit applies the per-account limit for scope. Limiter failures let
// the request through.
func (s *Server) rateLimit(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		key := "p2pex:ratelimit:" + scope + ":" + accountID(c).String()
		allowed, err := s.limiter.Allow(c.Request.Context(), key)
		if err != nil {
			s.logger.Warn("Rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			metrics.RateLimited.WithLabelValues(scope).Inc()
			s.writeProblem(c, errors.NewProblemDetails(errors.TypeRateLimited, errors.TitleRateLimited,
				http.StatusTooManyRequests, "too many "+scope+" requests, retry later", c.Request.URL.Path))
			return
		}
		c.Next()
	}
}

// metricsMiddleware records request counts and durations per route.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		metrics.HTTPRequestsTotal.WithLabelValues(path, method, fmt.Sprintf("%d", c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(path, method).Observe(time.Since(start).Seconds())
	}
}
