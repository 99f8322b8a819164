package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	maxEntries      = 10000
	cleanupInterval = time.Minute
	entryTTL        = 5 * time.Minute
)

type entry struct {
	timestamps []time.Time
	lastAccess time.Time
}

// MemoryLimiter keeps windows in process. It is used when no Redis is
// configured.
type MemoryLimiter struct {
	mu          sync.Mutex
	store       map[string]*entry
	lastCleanup time.Time
	now         func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		store:       make(map[string]*entry),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

func (rl *MemoryLimiter) cleanup(now time.Time) {
	if now.Sub(rl.lastCleanup) < cleanupInterval {
		return
	}
	rl.lastCleanup = now

	for key, e := range rl.store {
		if now.Sub(e.lastAccess) > entryTTL {
			delete(rl.store, key)
		}
	}

	if len(rl.store) > maxEntries {
		drop := len(rl.store) / 5
		for key := range rl.store {
			if drop == 0 {
				break
			}
			delete(rl.store, key)
			drop--
		}
	}
}

func (rl *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.cleanup(now)

	windowStart := now.Add(-window)

	e, exists := rl.store[key]
	if !exists {
		e = &entry{}
		rl.store[key] = e
	}
	e.lastAccess = now

	filtered := e.timestamps[:0]
	for _, ts := range e.timestamps {
		if ts.After(windowStart) {
			filtered = append(filtered, ts)
		}
	}
	e.timestamps = filtered

	if len(e.timestamps) >= limit {
		return false, e.timestamps[0].Add(window)
	}

	e.timestamps = append(e.timestamps, now)
	return true, e.timestamps[0].Add(window)
}

// Len is the number of tracked keys.
func (rl *MemoryLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.store)
}
