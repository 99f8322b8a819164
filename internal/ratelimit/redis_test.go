package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/strangerchat/relay-server-go/internal/redis"
)

func TestRedisLimiter(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	client, err := redisclient.NewClient(url)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	limiter := NewRedisLimiter(client)
	prefix := "test:" + time.Now().Format("150405.000000") + ":"

	t.Run("allows requests within limit", func(t *testing.T) {
		key := prefix + "user1"
		limit := 3
		window := 10 * time.Second

		for i := 0; i < limit; i++ {
			allowed, _ := limiter.Allow(ctx, key, limit, window)
			assert.True(t, allowed, "Request %d should be allowed", i+1)
		}

		allowed, resetAt := limiter.Allow(ctx, key, limit, window)
		assert.False(t, allowed, "Request should be rate limited")
		assert.True(t, resetAt.After(time.Now()), "Reset time should be in future")
	})

	t.Run("sliding window behavior", func(t *testing.T) {
		key := prefix + "user2"
		window := 500 * time.Millisecond

		allowed, _ := limiter.Allow(ctx, key, 1, window)
		assert.True(t, allowed)
		allowed, _ = limiter.Allow(ctx, key, 1, window)
		assert.False(t, allowed)

		time.Sleep(600 * time.Millisecond)

		allowed, _ = limiter.Allow(ctx, key, 1, window)
		assert.True(t, allowed)
	})

	t.Run("different keys are independent", func(t *testing.T) {
		allowed, _ := limiter.Allow(ctx, prefix+"a", 1, time.Minute)
		assert.True(t, allowed)
		allowed, _ = limiter.Allow(ctx, prefix+"a", 1, time.Minute)
		assert.False(t, allowed)

		allowed, _ = limiter.Allow(ctx, prefix+"b", 1, time.Minute)
		assert.True(t, allowed)
	})
}

func TestRedisLimiter_GracefulFailure(t *testing.T) {
	unreachable := &redisclient.Client{Client: redis.NewClient(&redis.Options{
		Addr:        "localhost:9999",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})}
	defer unreachable.Close()

	limiter := NewRedisLimiter(unreachable)

	allowed, resetAt := limiter.Allow(context.Background(), "test:key", 1, time.Minute)
	require.True(t, allowed, "Should allow request on Redis failure")
	require.True(t, resetAt.After(time.Now()), "Should return valid reset time")
}
