package ratelimit

import (
	"context"
	"time"
)

// Limiter counts hits per key in a sliding window.
type Limiter interface {
	// Allow records a hit for key and reports whether it fits within limit
	// hits per window, together with the time the oldest hit expires.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, resetAt time.Time)
}

// RetryAfter is the whole number of seconds until resetAt, never below one.
func RetryAfter(resetAt time.Time) int {
	secs := int(time.Until(resetAt).Seconds()) + 1
	if secs < 1 {
		return 1
	}
	return secs
}
