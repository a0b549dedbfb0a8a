package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes one bucket atomically.
// KEYS[1] bucket key, ARGV[1] rate (tokens/s), ARGV[2] capacity,
// ARGV[3] now (unix seconds, fractional), ARGV[4] ttl seconds.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last")
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if not tokens or not last then
    tokens = capacity
    last = now
end

local elapsed = now - last
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last", tostring(last))
redis.call("EXPIRE", key, ttl)
return allowed
`)

// RedisLimiter implements Limiter with a token bucket per key stored in Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	rate   float64
	burst  int
	ttl    int
	owned  bool
	now    func() time.Time
}

// NewRedisLimiter wraps an existing client. Close does not close it.
func NewRedisLimiter(client redis.UniversalClient, prefix string, rate float64, burst int) *RedisLimiter {
	if rate <= 0 {
		rate = 1
	}
	burst = max(burst, 1)
	// Keep a bucket long enough to refill completely, with a one minute floor.
	ttl := max(60, int(float64(burst)/rate)+1)
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		rate:   rate,
		burst:  burst,
		ttl:    ttl,
		now:    time.Now,
	}
}

// NewRedisLimiterFromURL dials Redis from a redis:// URL and pings it.
// The returned limiter owns the connection.
func NewRedisLimiterFromURL(ctx context.Context, url, prefix string, rate float64, burst int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	l := NewRedisLimiter(client, prefix, rate, burst)
	l.owned = true
	return l, nil
}

// Allow consumes one token from key's bucket.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(l.now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key}, l.rate, l.burst, now, l.ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return res == 1, nil
}

// Close closes the client if the limiter dialed it.
func (l *RedisLimiter) Close() error {
	if !l.owned {
		return nil
	}
	return l.client.Close()
}
