package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBucket shares one token bucket per key across processes. Bucket
// state lives in a Redis hash mutated by a Lua script so refill and
// consume are atomic under concurrent callers.
type RedisBucket struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
}

// NewRedisBucket builds a bucket holding capacity tokens refilled at
// refillPerSecond. Non-positive arguments fall back to a one-token,
// one-per-second bucket.
func NewRedisBucket(client *redis.Client, capacity int, refillPerSecond float64) *RedisBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = 1
	}
	// State older than a full refill is indistinguishable from a fresh
	// bucket, so let Redis expire it.
	ttl := time.Duration(float64(capacity)/refillPerSecond*2) * time.Second
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return &RedisBucket{client: client, capacity: capacity, refill: refillPerSecond, ttl: ttl}
}

func (b *RedisBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{"ratelimit:" + key},
		b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit script returned %T", res)
	}
	allowed := false
	if n, ok := arr[0].(int64); ok {
		allowed = n == 1
	}
	// Redis truncates Lua numbers on reply; the count is an estimate.
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

var _ Limiter = (*RedisBucket)(nil)

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
