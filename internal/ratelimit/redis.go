package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements a distributed token bucket in Redis. Tokens and the
// last refill timestamp are stored per key and updated atomically by a Lua
// script, so concurrent permit requests across instances never lose updates
// and bucket state survives process restarts.
//
// Falls back to the in-process Manager when Redis is unavailable.
type RedisLimiter struct {
	client   *redis.Client
	config   Config
	fallback *Manager
	logger   *slog.Logger
}

func NewRedisLimiter(client *redis.Client, config Config, logger *slog.Logger) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{
		client:   client,
		config:   config,
		fallback: NewManager(config),
		logger:   logger,
	}
}

// tokenBucketScript refills the bucket by elapsed time * rate (capped at
// capacity), then either consumes one token or returns the wait in
// milliseconds until one becomes available.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])      -- tokens per millisecond
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])       -- milliseconds
local ttl = tonumber(ARGV[4])       -- milliseconds

local bucket = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])

if tokens == nil then
    tokens = capacity
    ts = now
end

local elapsed = now - ts
if elapsed < 0 then
    elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate)

if tokens >= 1 then
    redis.call('HMSET', key, 'tokens', tokens - 1, 'ts', now)
    redis.call('PEXPIRE', key, ttl)
    return {1, 0}
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', key, ttl)
return {0, math.ceil((1 - tokens) / rate)}
`)

// Acquire consumes one token from the shared bucket, or returns *Error with
// the wait reported by Redis. Redis failures degrade to the in-process
// fallback rather than blocking deliveries.
func (r *RedisLimiter) Acquire(ctx context.Context, key Key) error {
	l := r.config.limitFor(key)

	ratePerMilli := l.ratePerSecond() / 1000
	capacity := float64(l.Burst)
	now := time.Now().UnixMilli()
	// Keep idle buckets around long enough to refill fully, then expire.
	ttl := l.Period.Milliseconds() * 2
	if ttl < 1000 {
		ttl = 1000
	}

	res, err := tokenBucketScript.Run(ctx, r.client, []string{"ratelimit:" + key.String()},
		ratePerMilli, capacity, now, ttl).Int64Slice()
	if err != nil || len(res) != 2 {
		r.logger.Warn("redis rate limiter failed, using in-process fallback",
			"error", err,
			"key", key.String(),
		)
		return r.fallback.Acquire(ctx, key)
	}

	if res[0] == 1 {
		return nil
	}
	return &Error{RetryAfter: time.Duration(res[1]) * time.Millisecond}
}
