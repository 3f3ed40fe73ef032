package failbudget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// SpawnLimiter caps how fast candidates may be spawned, independent of the
// spend budget. A distributed deployment shares one bucket through Redis;
// single-process deployments use the local limiter.
type SpawnLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalSpawnLimiter is a per-process token bucket.
type LocalSpawnLimiter struct {
	limiter *rate.Limiter
}

// NewLocalSpawnLimiter allows perMinute spawns with the given burst.
func NewLocalSpawnLimiter(perMinute float64, burst int) *LocalSpawnLimiter {
	return &LocalSpawnLimiter{limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), burst)}
}

func (l *LocalSpawnLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.limiter.Allow(), nil
}

// redisTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
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
redis.call("EXPIRE", key, 300)

return {allowed, tokens}
`)

// RedisSpawnLimiter shares one token bucket across processes.
type RedisSpawnLimiter struct {
	client    *redis.Client
	perMinute float64
	burst     int
}

// NewRedisSpawnLimiter connects to Redis at addr.
func NewRedisSpawnLimiter(addr, password string, db int, perMinute float64, burst int) *RedisSpawnLimiter {
	return &RedisSpawnLimiter{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		perMinute: perMinute,
		burst:     burst,
	}
}

// Allow consumes one token from the shared bucket.
func (l *RedisSpawnLimiter) Allow(ctx context.Context, key string) (bool, error) {
	ratePerSec := l.perMinute / 60.0
	if ratePerSec <= 0 {
		ratePerSec = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client,
		[]string{"evoloop:spawn:" + key}, ratePerSec, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis spawn limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis spawn limiter: invalid script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
