package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Manager maintains in-process token buckets, lazily created per key with
// double-checked locking. x/time/rate handles the refill arithmetic and is
// safe under concurrent Reserve calls for the same bucket, so permit requests
// never lose token updates.
//
// Bucket state lives in memory only: a restart resets every bucket to full
// capacity. The Redis-backed limiter is the production path where that
// matters.
type Manager struct {
	config   Config
	limiters map[Key]*rate.Limiter
	mu       sync.RWMutex
}

func NewManager(config Config) *Manager {
	return &Manager{
		config:   config,
		limiters: make(map[Key]*rate.Limiter),
	}
}

func (m *Manager) getLimiter(key Key) *rate.Limiter {
	m.mu.RLock()
	limiter, exists := m.limiters[key]
	m.mu.RUnlock()

	if exists {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if limiter, exists = m.limiters[key]; exists {
		return limiter
	}

	l := m.config.limitFor(key)
	limiter = rate.NewLimiter(rate.Limit(l.ratePerSecond()), l.Burst)
	m.limiters[key] = limiter
	return limiter
}

// Acquire consumes one token or reports how long until one is available.
func (m *Manager) Acquire(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r := m.getLimiter(key).Reserve()
	if !r.OK() {
		return &Error{RetryAfter: m.config.limitFor(key).Period}
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return &Error{RetryAfter: delay}
	}
	return nil
}

// SetLimit overrides the bucket configuration for one key. Existing bucket
// state for that key is discarded.
func (m *Manager) SetLimit(key Key, l Limit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[key] = rate.NewLimiter(rate.Limit(l.ratePerSecond()), l.Burst)
}
