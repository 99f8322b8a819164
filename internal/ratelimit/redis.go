package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/strangerchat/relay-server-go/internal/redis"
)

// slidingWindowScript is a Lua script for sliding window rate limiting.
// Scores are unix milliseconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, resetAt}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('PEXPIRE', key, window + 10000)

return {1, now + window}
`)

// RedisLimiter shares its windows across every server instance.
type RedisLimiter struct {
	client *redisclient.Client
}

func NewRedisLimiter(client *redisclient.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow lets the request through when Redis cannot be reached.
func (rl *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time) {
	now := time.Now()

	result, err := slidingWindowScript.Run(
		ctx,
		rl.client,
		[]string{redisclient.RateLimitKey(key)},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
	).Int64Slice()

	if err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("rate limit check failed, allowing request")
		return true, now.Add(window)
	}

	if len(result) != 2 {
		log.Warn().Str("key", key).Msg("unexpected rate limit result, allowing request")
		return true, now.Add(window)
	}

	return result[0] == 1, time.UnixMilli(result[1])
}
