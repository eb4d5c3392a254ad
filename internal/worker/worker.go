// Package worker implements the execution unit processing engine.
//
// Units arrive from the dispatch router, one goroutine per provider, so
// requests against a single provider are naturally serialized. Each unit
// is claimed with a conditional status transition before any remote work
// happens, which makes redelivered units cheap no-ops.
//
// The processing sequence for a unit:
//  1. Skip if the execution or source state is already terminal.
//  2. Claim the source (NEW or RETRY_SCHEDULED to IN_PROGRESS).
//  3. Acquire a local rate limit token, waiting in-process for short
//     delays and handing the unit back to the outbox for long ones.
//  4. Fetch the snapshot through the provider circuit breaker.
//  5. Record the outcome: complete, schedule a durable retry, or fail
//     the source terminally.
package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/leslychao/datapulse-sub000/internal/backoff"
	"github.com/leslychao/datapulse-sub000/internal/clock"
	"github.com/leslychao/datapulse-sub000/internal/domain"
	"github.com/leslychao/datapulse-sub000/internal/fetch"
	"github.com/leslychao/datapulse-sub000/internal/observability"
	"github.com/leslychao/datapulse-sub000/internal/ratelimit"
	"github.com/leslychao/datapulse-sub000/internal/repository"
)

// Fetcher performs the remote snapshot fetch for a unit and persists the
// resulting rows.
type Fetcher interface {
	FetchAndPersist(ctx context.Context, unit domain.ExecutionUnit) error
}

// Breaker guards remote calls per provider.
type Breaker interface {
	Execute(provider string, fn func() error) error
}

// Config defines worker behavior.
//
// LocalWaitMax: longest local rate limit delay a worker will sit out
// in-process. Anything above it releases the claim and goes back through
// the outbox so the goroutine is free for other units.
type Config struct {
	LocalWaitMax time.Duration
}

func DefaultConfig() Config {
	return Config{
		LocalWaitMax: 2 * time.Second,
	}
}

// Worker processes execution units. It is safe for concurrent use; all
// unit-level state lives in the database.
// Use NewWorker to create, then WithMetrics and WithBreaker for optional
// features.
type Worker struct {
	config     Config
	store      repository.ExecutionStore
	outbox     repository.OutboxStore
	limiter    ratelimit.Limiter
	classifier backoff.Classifier
	fetcher    Fetcher
	clock      clock.Clock
	logger     *slog.Logger

	breaker Breaker
	metrics *observability.Metrics
}

func NewWorker(
	config Config,
	store repository.ExecutionStore,
	outbox repository.OutboxStore,
	limiter ratelimit.Limiter,
	classifier backoff.Classifier,
	fetcher Fetcher,
	clk clock.Clock,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{
		config:     config,
		store:      store,
		outbox:     outbox,
		limiter:    limiter,
		classifier: classifier,
		fetcher:    fetcher,
		clock:      clk,
		logger:     logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (w *Worker) WithMetrics(m *observability.Metrics) *Worker {
	w.metrics = m
	return w
}

// WithBreaker enables per-provider circuit breaker protection around the
// remote fetch.
func (w *Worker) WithBreaker(b Breaker) *Worker {
	w.breaker = b
	return w
}

// Process handles a single execution unit end to end. It never returns
// an error: every outcome is recorded in the store, and units the store
// itself rejects are logged and left for redelivery or the sweep.
func (w *Worker) Process(ctx context.Context, unit domain.ExecutionUnit) {
	key := unit.Key()
	log := w.logger.With(
		"request_id", unit.RequestID,
		"provider", unit.Provider,
		"source_id", unit.SourceID,
	)

	exec, err := w.store.GetExecution(ctx, unit.RequestID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Debug("execution not found, dropping unit")
		} else {
			log.Error("failed to load execution", "error", err)
		}
		return
	}
	if exec.IsTerminal() {
		log.Debug("execution already terminal, dropping unit", "status", exec.Status)
		return
	}

	state, err := w.store.ClaimSource(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			// Already claimed, completed, or failed by another delivery
			// of the same unit.
			log.Debug("source not claimable, dropping unit")
		} else {
			log.Error("failed to claim source", "error", err)
		}
		return
	}

	if !w.acquireToken(ctx, unit, key, log) {
		return
	}

	start := w.clock.Now()
	fetchErr := w.fetch(ctx, unit)
	duration := w.clock.Now().Sub(start)
	if w.metrics != nil {
		w.metrics.FetchDuration.WithLabelValues(unit.Provider).Observe(duration.Seconds())
	}

	if fetchErr == nil {
		w.complete(ctx, unit, key, log)
		return
	}
	w.fail(ctx, unit, key, state, fetchErr, log)
}

func (w *Worker) fetch(ctx context.Context, unit domain.ExecutionUnit) error {
	if w.breaker == nil {
		return w.fetcher.FetchAndPersist(ctx, unit)
	}
	return w.breaker.Execute(unit.Provider, func() error {
		return w.fetcher.FetchAndPersist(ctx, unit)
	})
}

// acquireToken obtains a local rate limit token for the unit. Short
// delays are waited out in-process. When the delay exceeds LocalWaitMax
// the claim is released without consuming an attempt and the unit goes
// back through the outbox. Returns false when processing must not
// continue.
func (w *Worker) acquireToken(ctx context.Context, unit domain.ExecutionUnit, key domain.SourceKey, log *slog.Logger) bool {
	rlKey := ratelimit.Key{
		Provider:  unit.Provider,
		Group:     unit.RateLimitGroup,
		AccountID: unit.AccountID,
	}

	for {
		err := w.limiter.Acquire(ctx, rlKey)
		if err == nil {
			return true
		}

		var rlErr *ratelimit.Error
		if !errors.As(err, &rlErr) {
			// Context cancellation or limiter backend failure. Release
			// the claim so another worker can pick the unit up.
			log.Warn("rate limit acquire failed, releasing claim", "error", err)
			w.release(unit, key, 0, log)
			return false
		}

		if w.metrics != nil {
			w.metrics.RateLimiterRejections.WithLabelValues(unit.Provider).Inc()
		}

		if rlErr.RetryAfter > w.config.LocalWaitMax {
			log.Debug("local rate limit delay too long, releasing claim",
				"retry_after", rlErr.RetryAfter,
			)
			w.release(unit, key, rlErr.RetryAfter, log)
			return false
		}

		select {
		case <-w.clock.After(rlErr.RetryAfter):
		case <-ctx.Done():
			w.release(unit, key, 0, log)
			return false
		}
	}
}

// release hands a claimed unit back without incrementing its attempt
// counter. Store and outbox failures here are logged only; the stuck
// state sweep and the aggregation grace window bound the damage.
func (w *Worker) release(unit domain.ExecutionUnit, key domain.SourceKey, delay time.Duration, log *slog.Logger) {
	// Detached context: release must proceed even during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := w.clock.Now()
	if err := w.store.Reschedule(ctx, key, now.Add(delay), now); err != nil {
		if !errors.Is(err, domain.ErrStaleTransition) {
			log.Error("failed to reschedule source", "error", err)
		}
		return
	}
	if err := w.outbox.Enqueue(ctx, unit, delay); err != nil {
		log.Error("failed to enqueue released unit", "error", err)
	}
}

func (w *Worker) complete(ctx context.Context, unit domain.ExecutionUnit, key domain.SourceKey, log *slog.Logger) {
	exec, err := w.store.CompleteSource(ctx, key, w.clock.Now())
	if err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			log.Debug("source completed concurrently")
		} else {
			log.Error("failed to record source completion", "error", err)
		}
		return
	}
	if w.metrics != nil {
		w.metrics.SourcesCompleted.WithLabelValues(unit.Provider).Inc()
	}
	log.Info("source completed")
	if exec.AllSourcesResolved() {
		log.Info("all sources resolved",
			"completed", exec.CompletedSources,
			"failed", exec.FailedSources,
		)
	}
}

func (w *Worker) fail(ctx context.Context, unit domain.ExecutionUnit, key domain.SourceKey, state *domain.SourceState, fetchErr error, log *slog.Logger) {
	if errors.Is(fetchErr, fetch.ErrUnknownProvider) {
		// Misconfiguration, not a provider fault. Retrying cannot help.
		log.Error("unknown provider for unit", "error", fetchErr)
	}

	decision := w.classifier.Classify(fetchErr, state.Attempt, state.MaxAttempts)
	now := w.clock.Now()
	msg := truncate(fetchErr.Error(), maxErrorMessageLen)

	if !decision.Retry {
		if _, err := w.store.FailSourceTerminal(ctx, key, decision.Code, msg, now); err != nil {
			if errors.Is(err, domain.ErrStaleTransition) {
				log.Debug("source resolved concurrently")
			} else {
				log.Error("failed to record terminal failure", "error", err)
			}
			return
		}
		if w.metrics != nil {
			w.metrics.SourcesFailed.WithLabelValues(unit.Provider, decision.Code).Inc()
		}
		log.Warn("source failed terminally",
			"error", fetchErr,
			"code", decision.Code,
			"attempt", state.Attempt+1,
		)
		return
	}

	if err := w.store.ScheduleRetry(ctx, key, now.Add(decision.Delay), decision.Code, msg, now); err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			log.Debug("source resolved concurrently")
		} else {
			log.Error("failed to schedule retry", "error", err)
		}
		return
	}
	if err := w.outbox.Enqueue(ctx, unit, decision.Delay); err != nil {
		// The retry row exists but the outbox insert failed; the stuck
		// state sweep will re-dispatch it once it is overdue.
		log.Error("failed to enqueue retry", "error", err)
	}
	if w.metrics != nil {
		w.metrics.RetriesScheduled.WithLabelValues(unit.Provider, decision.Code).Inc()
		if decision.Code == backoff.CodeRemoteRateLimited {
			w.metrics.RemoteRateLimited.WithLabelValues(unit.Provider).Inc()
		}
	}
	if decision.LongBackoff {
		log.Warn("provider cooldown, scheduling long durable retry",
			"error", fetchErr,
			"delay", decision.Delay,
			"attempt", state.Attempt+1,
		)
	} else {
		log.Info("retry scheduled",
			"error", fetchErr,
			"code", decision.Code,
			"delay", decision.Delay,
			"attempt", state.Attempt+1,
		)
	}
}

const maxErrorMessageLen = 512

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
