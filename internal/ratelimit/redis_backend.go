package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript refills the bucket for the time elapsed since its last use and
// takes the requested tokens if there are enough. Idle buckets expire after
// twice their full refill time.
//
// KEYS[1] bucket
// ARGV    capacity, refill rate (tokens/s), requested, now (unix µs)
// Returns {allowed (0/1), remaining, retry after (ms)}
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

if now > ts then
    tokens = math.min(capacity, tokens + (now - ts) / 1e6 * rate)
end

local allowed = 0
local wait = 0
if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
elseif rate > 0 then
    wait = math.ceil((requested - tokens) / rate * 1000)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(now))
local ttl = 60
if rate > 0 then
    ttl = math.max(ttl, math.ceil(capacity / rate * 2))
end
redis.call("EXPIRE", KEYS[1], ttl)

return {allowed, math.floor(tokens), wait}
`)

// RedisBackend shares token buckets between processes through Redis. The
// whole check runs as one script, so concurrent callers never overdraw a
// bucket.
type RedisBackend struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisBackend creates a Redis-backed backend with keys under prefix
// (default "quasar:rl:").
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "quasar:rl:"
	}
	return &RedisBackend{client: client, prefix: prefix, now: time.Now}
}

func (b *RedisBackend) Take(ctx context.Context, key string, bucket Bucket, n int) (Decision, error) {
	res, err := takeScript.Run(ctx, b.client, []string{b.prefix + key},
		bucket.Capacity, bucket.RefillRate, n, b.now().UnixMicro(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("redis rate limit: unexpected reply %v", res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
