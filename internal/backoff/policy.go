package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes retry delays with capped exponential growth and additive
// jitter: min(cap, initial * multiplier^(attempt-1)) + random(0, jitter).
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          time.Duration
	MaxAttempts     int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     10 * time.Minute,
		Multiplier:      2.0,
		Jitter:          500 * time.Millisecond,
		MaxAttempts:     5,
	}
}

// Delay returns the backoff delay before the given attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}

	if p.Jitter > 0 {
		delay += rand.Float64() * float64(p.Jitter)
	}

	return time.Duration(delay)
}

// NextAttemptTime returns the wall-clock time of the given attempt.
func (p Policy) NextAttemptTime(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
