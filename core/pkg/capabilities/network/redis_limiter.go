package network

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript atomically refills and consumes a Redis-backed token
// bucket. Adapted from pkg/kernel/limiter_redis.go's redisTokenBucketScript —
// same algorithm, used here to give network.fetch a distributed rate limit
// that survives across multiple kernel processes sharing one Redis.
//
// KEYS[1] = bucket key ("mek:netlimit:<principal>")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (microsecond-precision float)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter is a distributed token-bucket Limiter for network.fetch,
// keyed by an arbitrary actor id (typically the principal_id).
type RedisLimiter struct {
	client   *redis.Client
	actorID  string
	ratePerSec float64
	burst    int
}

// NewRedisLimiter constructs a RedisLimiter for a given actor, rate (tokens
// per second), and burst capacity.
func NewRedisLimiter(client *redis.Client, actorID string, ratePerSec float64, burst int) *RedisLimiter {
	return &RedisLimiter{client: client, actorID: actorID, ratePerSec: ratePerSec, burst: burst}
}

func (l *RedisLimiter) Allow(ctx context.Context) bool {
	ok, err := l.allow(ctx, 1)
	if err != nil {
		// Fail closed: a limiter that cannot be consulted must refuse,
		// never silently allow an unbounded request through.
		return false
	}
	return ok
}

func (l *RedisLimiter) allow(ctx context.Context, cost int) (bool, error) {
	key := fmt.Sprintf("mek:netlimit:%s", l.actorID)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key}, l.ratePerSec, l.burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("network: redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("network: redis limiter: unexpected script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
