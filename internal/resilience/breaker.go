// Package resilience provides per-provider circuit breakers in front of the
// snapshot fetcher.
//
// Uses github.com/sony/gobreaker. A provider that is hard-down trips its
// breaker open, and workers stop spending rate-limit tokens and attempt
// budget on it until the cooldown elapses. Each provider gets an independent
// breaker so one failing marketplace never blocks the others.
package resilience

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig defines the circuit breaker behavior.
//
// MaxRequests is the maximum number of probes allowed in half-open state.
// Interval is the cyclic period for clearing counts while closed.
// Timeout is how long to wait in open state before transitioning to half-open.
// FailureRatio is the failure fraction that trips the breaker (0.0-1.0).
// MinRequests is the minimum requests before the ratio is evaluated.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  5,
	}
}

type BreakerState string

const (
	BreakerStateClosed   BreakerState = "closed"
	BreakerStateOpen     BreakerState = "open"
	BreakerStateHalfOpen BreakerState = "half-open"
)

// BreakerGroup maintains one circuit breaker per provider, created lazily
// with double-checked locking.
type BreakerGroup struct {
	config   BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex

	onStateChange func(provider string, from, to BreakerState)
}

func NewBreakerGroup(config BreakerConfig) *BreakerGroup {
	return &BreakerGroup{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnStateChange registers a callback for breaker state transitions, used to
// emit metrics and logs when a provider trips open or recovers.
func (g *BreakerGroup) OnStateChange(fn func(provider string, from, to BreakerState)) {
	g.onStateChange = fn
}

func (g *BreakerGroup) getBreaker(provider string) *gobreaker.CircuitBreaker {
	g.mu.RLock()
	cb, exists := g.breakers[provider]
	g.mu.RUnlock()

	if exists {
		return cb
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, exists = g.breakers[provider]; exists {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        provider,
		MaxRequests: g.config.MaxRequests,
		Interval:    g.config.Interval,
		Timeout:     g.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < g.config.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= g.config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if g.onStateChange != nil {
				g.onStateChange(name, toState(from), toState(to))
			}
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	g.breakers[provider] = cb
	return cb
}

// Execute runs fn through the provider's breaker. When the breaker is open it
// returns gobreaker.ErrOpenState without calling fn; the backoff classifier
// treats that as a transient failure.
func (g *BreakerGroup) Execute(provider string, fn func() error) error {
	_, err := g.getBreaker(provider).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the current breaker state for a provider.
func (g *BreakerGroup) State(provider string) BreakerState {
	return toState(g.getBreaker(provider).State())
}

func toState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateClosed:
		return BreakerStateClosed
	case gobreaker.StateOpen:
		return BreakerStateOpen
	case gobreaker.StateHalfOpen:
		return BreakerStateHalfOpen
	default:
		return BreakerStateClosed
	}
}
