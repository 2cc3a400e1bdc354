package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter caps deliveries per delivery target with a sliding window
// held in a Redis sorted set. One Lua script trims expired entries, checks
// the count and records the new attempt atomically.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	limit       int
	window      time.Duration
	seq         atomic.Uint64
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

if redis.call('ZCARD', key) < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window + 1000)
    return 1
end
return 0
`)

// NewRateLimiter allows at most limit deliveries per target within window.
// A limit of zero or less disables limiting.
func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		limit:       limit,
		window:      window,
	}
}

func rlKey(target string) string {
	return "rl:" + targetHash(target)
}

// Allow reports whether a delivery to target fits in the current window.
// Redis errors fail open.
func (rl *RateLimiter) Allow(ctx context.Context, target string) bool {
	if rl.limit <= 0 {
		return true
	}

	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%d", now, rl.seq.Add(1))

	result, err := slidingWindowScript.Run(ctx, rl.redisClient, []string{rlKey(target)},
		now, rl.window.Milliseconds(), rl.limit, member,
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "target", target)
		return true
	}

	if result == 0 {
		rl.logger.Debug("rate limited", "target", target, "limit", rl.limit)
		return false
	}
	return true
}
