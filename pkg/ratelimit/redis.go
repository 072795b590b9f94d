package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Sorted-set sliding window: purge entries past the window, deny when the
// set is full, otherwise record the request and refresh the key TTL.
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
if count >= tonumber(ARGV[2]) then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  return {0, count, oldest[2]}
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {1, count + 1, ""}
`)

// RedisLimiter shares buckets across gateway replicas. Any redis fault falls
// back to the in-memory limiter so a broken limiter can never block traffic.
type RedisLimiter struct {
	Client   *redis.Client
	Prefix   string
	Fallback *SlidingWindowLimiter

	now func() time.Time
}

func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		Client:   client,
		Prefix:   "rl:",
		Fallback: NewSlidingWindow(),
		now:      time.Now,
	}
}

func (l *RedisLimiter) Allow(identity, class string, limit ClassLimit) Decision {
	if limit.MaxRequests <= 0 {
		limit.MaxRequests = 1
	}
	if limit.Window <= 0 {
		limit.Window = time.Minute
	}
	if l.Client == nil {
		return l.fallback(identity, class, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := l.now().UTC()
	nowMs := now.UnixMilli()
	windowMs := limit.Window.Milliseconds()
	key := l.Prefix + identity + ":" + class
	res, err := slidingWindowScript.Run(ctx, l.Client, []string{key},
		nowMs-windowMs,
		limit.MaxRequests,
		nowMs,
		uuid.NewString(),
		windowMs,
	).Result()
	if err != nil {
		return l.fallback(identity, class, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return l.fallback(identity, class, limit)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)

	if allowed == 1 {
		remaining := limit.MaxRequests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		return Decision{
			Allowed:   true,
			Limit:     limit.MaxRequests,
			Remaining: remaining,
			ResetAt:   now.Add(limit.Window),
		}
	}

	oldestMs := nowMs
	if raw, ok := vals[2].(string); ok && raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			oldestMs = int64(parsed)
		}
	}
	resetAt := time.UnixMilli(oldestMs + windowMs).UTC()
	retryAfter := int(resetAt.Sub(now).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Decision{
		Allowed:    false,
		Limit:      limit.MaxRequests,
		Remaining:  0,
		RetryAfter: retryAfter,
		ResetAt:    resetAt,
	}
}

func (l *RedisLimiter) fallback(identity, class string, limit ClassLimit) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(identity, class, limit)
	}
	return Decision{Allowed: true, Limit: limit.MaxRequests, Remaining: limit.MaxRequests, ResetAt: l.now().UTC().Add(limit.Window)}
}
