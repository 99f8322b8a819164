package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("allows requests under limit", func(t *testing.T) {
		limiter := NewMemoryLimiter()

		for i := 0; i < 5; i++ {
			allowed, _ := limiter.Allow(ctx, "client-1", 10, time.Minute)
			assert.True(t, allowed)
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		limiter := NewMemoryLimiter()

		for i := 0; i < 5; i++ {
			limiter.Allow(ctx, "client-2", 5, time.Minute)
		}

		allowed, resetAt := limiter.Allow(ctx, "client-2", 5, time.Minute)
		assert.False(t, allowed)
		assert.True(t, resetAt.After(time.Now()))
	})

	t.Run("tracks keys separately", func(t *testing.T) {
		limiter := NewMemoryLimiter()

		for i := 0; i < 5; i++ {
			limiter.Allow(ctx, "send:a", 5, time.Minute)
		}

		allowed, _ := limiter.Allow(ctx, "send:b", 5, time.Minute)
		assert.True(t, allowed)
		assert.Equal(t, 2, limiter.Len())
	})

	t.Run("window slides", func(t *testing.T) {
		limiter := NewMemoryLimiter()
		now := time.Now()
		limiter.now = func() time.Time { return now }

		limiter.Allow(ctx, "find:a", 2, time.Minute)
		now = now.Add(30 * time.Second)
		limiter.Allow(ctx, "find:a", 2, time.Minute)

		allowed, resetAt := limiter.Allow(ctx, "find:a", 2, time.Minute)
		assert.False(t, allowed)
		assert.Equal(t, now.Add(30*time.Second), resetAt)

		now = now.Add(31 * time.Second)
		allowed, _ = limiter.Allow(ctx, "find:a", 2, time.Minute)
		assert.True(t, allowed)
	})

	t.Run("drops idle keys", func(t *testing.T) {
		limiter := NewMemoryLimiter()
		now := time.Now()
		limiter.now = func() time.Time { return now }

		limiter.Allow(ctx, "old", 1, time.Minute)
		now = now.Add(entryTTL + cleanupInterval)
		limiter.Allow(ctx, "new", 1, time.Minute)

		assert.Equal(t, 1, limiter.Len())
	})
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 1, RetryAfter(time.Now().Add(-time.Second)))
	assert.GreaterOrEqual(t, RetryAfter(time.Now().Add(30*time.Second)), 30)
}
