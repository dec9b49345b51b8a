package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for atomic token bucket operations.
// This prevents race conditions by doing read-modify-write atomically.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local bucket_size = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

if tokens == nil then
    tokens = bucket_size
    last_refill = now
end

local elapsed = math.max(0, now - last_refill)
tokens = math.min(bucket_size, tokens + elapsed * refill_rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

local retry_after_ms = 0
if allowed == 0 and refill_rate > 0 then
    retry_after_ms = math.ceil((1 - tokens) / refill_rate * 1000)
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('EXPIRE', key, 3600)

return {allowed, math.floor(tokens), retry_after_ms}
`)

// Redis shares buckets between gateway processes. client can be either
// *redis.Client or *redis.ClusterClient.
type Redis struct {
	client redis.Cmdable
	config Config
	prefix string
}

func NewRedis(client redis.Cmdable, config Config, prefix string) *Redis {
	return &Redis{client: client, config: config, prefix: prefix}
}

func (r *Redis) Allow(ctx context.Context, key string) (Result, error) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)

	result, err := tokenBucketScript.Run(ctx, r.client, []string{r.prefix + key},
		r.config.Capacity,
		r.config.RefillPerSec,
		now,
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("token bucket script: %w", err)
	}

	return Result{
		Allowed:    result[0] == 1,
		Remaining:  result[1],
		Limit:      r.config.Capacity,
		RetryAfter: time.Duration(result[2]) * time.Millisecond,
	}, nil
}

// IsHealthy checks if the Redis connection is working.
func (r *Redis) IsHealthy(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}
