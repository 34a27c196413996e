// Package ratelimit provides fixed-window request limiting keyed by client address,
// backed by Redis when configured and by process memory otherwise.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is the time left until the current window ends.
	Reset time.Duration
}

// Limiter counts hits per key in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// windowStart returns the start of the fixed window containing now.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

func result(count int64, limit int, reset time.Duration) Result {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: count <= int64(limit), Limit: limit, Remaining: remaining, Reset: reset}
}

// Middleware returns gin middleware that limits requests per client IP under prefix.
// Rejected requests get 429 {error: rate_limited}. Limiter errors are logged and the request
// is let through; the token service still enforces per-owner limits.
func Middleware(l Limiter, prefix string, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		res, err := l.Allow(c.Request.Context(), prefix+":"+c.ClientIP())
		if err != nil {
			logger.Warn("rate limiter unavailable", zap.String("prefix", prefix), zap.Error(err))
			c.Next()
			return
		}
		c.Header("RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("RateLimit-Reset", strconv.Itoa(int((res.Reset+time.Second-1)/time.Second)))
		if !res.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}
