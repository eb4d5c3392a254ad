// Package aggregator correlates per-source outcomes and emits one
// completion bundle per execution.
package aggregator

import (
	"context"
	"log/slog"
	"time"

	"github.com/leslychao/datapulse-sub000/internal/clock"
	"github.com/leslychao/datapulse-sub000/internal/domain"
	"github.com/leslychao/datapulse-sub000/internal/observability"
	"github.com/leslychao/datapulse-sub000/internal/repository"
)

// missingSourceMessage marks sources that never reported a terminal
// outcome before the grace window expired.
const missingSourceMessage = "source never reported a terminal outcome within the aggregation grace window"

// Emitter receives completion bundles for downstream materialization.
// It is called at most once per request id.
type Emitter interface {
	Emit(ctx context.Context, bundle *domain.CompletionBundle) error
}

// Config holds aggregator parameters.
type Config struct {
	// PollInterval is how often to look for aggregatable executions (default: 2s)
	PollInterval time.Duration
	// GraceWindow is how long after start an execution with unresolved
	// sources is force-aggregated, treating them as missing (default: 30m)
	GraceWindow time.Duration
	// BatchSize is the maximum executions handled per poll (default: 50)
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		GraceWindow:  30 * time.Minute,
		BatchSize:    50,
	}
}

// Aggregator polls the execution store for runs whose sources have all
// resolved, plus runs past the grace window with stragglers, and emits
// one bundle per execution. The emission claim is a conditional update
// on the execution row, so multiple instances never double-emit.
type Aggregator struct {
	config  Config
	store   repository.ExecutionStore
	emitter Emitter
	clock   clock.Clock
	logger  *slog.Logger

	metrics *observability.Metrics

	stopCh chan struct{}
}

func New(
	config Config,
	store repository.ExecutionStore,
	emitter Emitter,
	clk clock.Clock,
	logger *slog.Logger,
) *Aggregator {
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.GraceWindow == 0 {
		config.GraceWindow = 30 * time.Minute
	}
	if config.BatchSize == 0 {
		config.BatchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		config:  config,
		store:   store,
		emitter: emitter,
		clock:   clk,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// WithMetrics enables Prometheus metrics collection.
func (a *Aggregator) WithMetrics(m *observability.Metrics) *Aggregator {
	a.metrics = m
	return a
}

// Start runs the aggregation loop. Blocks until Stop is called or the
// context is cancelled.
func (a *Aggregator) Start(ctx context.Context) {
	a.logger.Info("aggregator started",
		"poll_interval", a.config.PollInterval,
		"grace_window", a.config.GraceWindow,
	)

	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("aggregator stopping")
			return
		case <-a.stopCh:
			a.logger.Info("aggregator stopping")
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *Aggregator) Stop() {
	close(a.stopCh)
}

func (a *Aggregator) poll(ctx context.Context) {
	resolved, err := a.store.ListResolvedUnaggregated(ctx, a.config.BatchSize)
	if err != nil {
		a.logger.Error("failed to list resolved executions", "error", err)
		return
	}
	for _, exec := range resolved {
		if ctx.Err() != nil {
			return
		}
		a.aggregate(ctx, exec)
	}

	cutoff := a.clock.Now().Add(-a.config.GraceWindow)
	overdue, err := a.store.ListOverdueUnaggregated(ctx, cutoff, a.config.BatchSize)
	if err != nil {
		a.logger.Error("failed to list overdue executions", "error", err)
		return
	}
	for _, exec := range overdue {
		if ctx.Err() != nil {
			return
		}
		a.aggregate(ctx, exec)
	}
}

// aggregate builds and emits the bundle for one execution. The
// MarkAggregated claim happens before the emit, which keeps emission
// at most once; an emit failure after a successful claim is logged and
// not replayed.
func (a *Aggregator) aggregate(ctx context.Context, exec *domain.Execution) {
	states, err := a.store.ListSourceStates(ctx, exec.RequestID)
	if err != nil {
		a.logger.Error("failed to list source states",
			"error", err,
			"request_id", exec.RequestID,
		)
		return
	}

	bundle := buildBundle(exec, states)

	claimed, err := a.store.MarkAggregated(ctx, exec.RequestID, a.clock.Now())
	if err != nil {
		a.logger.Error("failed to claim execution for aggregation",
			"error", err,
			"request_id", exec.RequestID,
		)
		return
	}
	if !claimed {
		// Another instance already emitted this bundle.
		return
	}

	if err := a.emitter.Emit(ctx, bundle); err != nil {
		a.logger.Error("failed to emit completion bundle",
			"error", err,
			"request_id", exec.RequestID,
		)
		return
	}
	if a.metrics != nil {
		a.metrics.CompletionsEmitted.WithLabelValues(string(bundle.OverallStatus)).Inc()
	}
	a.logger.Info("completion bundle emitted",
		"request_id", exec.RequestID,
		"status", bundle.OverallStatus,
		"failures", len(bundle.Failures),
	)
}

// buildBundle derives the bundle from the source states. Terminal
// failures carry their recorded error; states still pending when the
// grace window forced aggregation are reported as missing.
func buildBundle(exec *domain.Execution, states []*domain.SourceState) *domain.CompletionBundle {
	bundle := &domain.CompletionBundle{
		RequestID:     exec.RequestID,
		AccountID:     exec.AccountID,
		EventType:     exec.EventType,
		DateFrom:      exec.DateFrom,
		DateTo:        exec.DateTo,
		OverallStatus: domain.BundleStatusSuccess,
	}

	for _, state := range states {
		switch {
		case state.Status == domain.SourceStatusCompleted:
		case state.Status == domain.SourceStatusFailedTerminal:
			failure := domain.SourceFailure{
				SourceID: state.SourceID,
				Reason:   domain.FailureReasonError,
				Message:  "source failed terminally",
			}
			if state.LastErrorCode != nil {
				failure.ErrorCode = *state.LastErrorCode
			}
			if state.LastErrorMessage != nil {
				failure.Message = *state.LastErrorMessage
			}
			bundle.Failures = append(bundle.Failures, failure)
		default:
			bundle.Failures = append(bundle.Failures, domain.SourceFailure{
				SourceID: state.SourceID,
				Reason:   domain.FailureReasonMissing,
				Message:  missingSourceMessage,
			})
		}
	}

	if len(bundle.Failures) > 0 {
		bundle.OverallStatus = domain.BundleStatusFailed
	}
	return bundle
}
