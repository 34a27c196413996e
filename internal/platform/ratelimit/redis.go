package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter is a fixed-window Limiter shared across API instances.
// Each window has its own key so INCR and EXPIRE never extend a running window.
type RedisLimiter struct {
	client redis.Cmdable
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter returns a limiter allowing limit hits per key per window.
func NewRedisLimiter(client redis.Cmdable, limit int, win time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: win, now: time.Now}
}

// Allow counts one hit for key in the current window and reports whether it is within the limit.
// Redis errors are returned as-is; Middleware decides whether to fail open.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := r.now()
	start := windowStart(now, r.window)
	windowKey := fmt.Sprintf("ratelimit:%s:%d", key, start.Unix())

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return result(incr.Val(), r.limit, start.Add(r.window).Sub(now)), nil
}

// NewRedisClient connects to addr and pings it, like the API's other startup dependencies.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}
