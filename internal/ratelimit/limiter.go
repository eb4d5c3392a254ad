// Package ratelimit provides per (provider, rate-limit-group, account) token
// buckets guarding outbound marketplace calls.
//
// This package uses:
//   - golang.org/x/time/rate: Token bucket rate limiter from the Go team,
//     for the in-process implementation.
//   - github.com/redis/go-redis/v9: a Lua-script token bucket shared across
//     instances; bucket state survives process restarts.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Key identifies one token bucket. Buckets are independent per account so one
// tenant exhausting its quota never throttles another.
type Key struct {
	Provider  string
	Group     string
	AccountID string
}

func (k Key) String() string {
	return k.Provider + ":" + k.Group + ":" + k.AccountID
}

// Limit is a bucket configuration: Tokens permits per Period, with Burst
// capacity. The refill rate is Tokens/Period.
type Limit struct {
	Tokens float64
	Period time.Duration
	Burst  int
}

func (l Limit) ratePerSecond() float64 {
	if l.Period <= 0 {
		return l.Tokens
	}
	return l.Tokens / l.Period.Seconds()
}

// Config maps "provider:group" to its limit. Providers publish different
// quotas per endpoint group, so the key is the pair, not the provider.
type Config struct {
	Default Limit
	Groups  map[string]Limit
}

func DefaultConfig() Config {
	return Config{
		Default: Limit{Tokens: 10, Period: time.Second, Burst: 10},
		Groups:  map[string]Limit{},
	}
}

func (c Config) limitFor(key Key) Limit {
	if l, ok := c.Groups[key.Provider+":"+key.Group]; ok {
		return l
	}
	return c.Default
}

// Error reports that no token is available right now and when one will be.
// It is internal backpressure: the worker delays and retries, it is never
// surfaced past the worker boundary.
type Error struct {
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("local rate limit exceeded, retry after %s", e.RetryAfter)
}

// Limiter grants permits for outbound calls. Acquire returns nil when a
// permit was consumed, or *Error carrying the wait time when the bucket is
// empty.
type Limiter interface {
	Acquire(ctx context.Context, key Key) error
}
