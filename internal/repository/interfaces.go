package repository

import (
	"context"
	"time"

	"github.com/leslychao/datapulse-sub000/internal/domain"
)

// ExecutionStore is the durable state machine for executions and their
// per-source states. Every transition method uses a conditional update that
// only succeeds from the expected prior status and returns
// domain.ErrStaleTransition otherwise; that conditional update is the
// concurrency-control primitive that makes redelivery of any unit safe.
type ExecutionStore interface {
	// CreatePlan atomically inserts the execution with its source states and
	// moves the execution to IN_PROGRESS. State must exist before any unit
	// is dispatched against it.
	CreatePlan(ctx context.Context, exec *domain.Execution, states []*domain.SourceState) error

	GetExecution(ctx context.Context, requestID string) (*domain.Execution, error)
	GetSourceState(ctx context.Context, key domain.SourceKey) (*domain.SourceState, error)
	ListSourceStates(ctx context.Context, requestID string) ([]*domain.SourceState, error)

	// ClaimSource transitions NEW|RETRY_SCHEDULED -> IN_PROGRESS and returns
	// the claimed row. This is the single point of mutual exclusion between
	// concurrent deliveries of the same unit.
	ClaimSource(ctx context.Context, key domain.SourceKey) (*domain.SourceState, error)

	// CompleteSource transitions IN_PROGRESS -> COMPLETED, increments the
	// execution's completed counter, and finalizes the execution when every
	// source has resolved. Returns the execution after the update.
	CompleteSource(ctx context.Context, key domain.SourceKey, now time.Time) (*domain.Execution, error)

	// FailSourceTerminal transitions IN_PROGRESS -> FAILED_TERMINAL,
	// increments the failed counter, and marks the execution FAILED.
	FailSourceTerminal(ctx context.Context, key domain.SourceKey, errCode, errMsg string, now time.Time) (*domain.Execution, error)

	// ScheduleRetry transitions IN_PROGRESS -> RETRY_SCHEDULED, incrementing
	// the attempt counter and recording the error.
	ScheduleRetry(ctx context.Context, key domain.SourceKey, nextAttempt time.Time, errCode, errMsg string, now time.Time) error

	// Reschedule transitions IN_PROGRESS -> RETRY_SCHEDULED without touching
	// the attempt counter. Used for local backpressure (rate-limit waits too
	// long to hold a worker slot), which is not a delivery failure.
	Reschedule(ctx context.Context, key domain.SourceKey, nextAttempt time.Time, now time.Time) error

	// ListResolvedUnaggregated returns executions whose sources have all
	// reached a terminal outcome and that have not been aggregated yet.
	ListResolvedUnaggregated(ctx context.Context, limit int) ([]*domain.Execution, error)

	// ListOverdueUnaggregated returns unaggregated executions started before
	// the deadline regardless of counters, so runs with sources that never
	// reported still get a completion bundle.
	ListOverdueUnaggregated(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.Execution, error)

	// MarkAggregated claims the execution for bundle emission. Returns false
	// when another aggregator already claimed it.
	MarkAggregated(ctx context.Context, requestID string, now time.Time) (bool, error)

	// ListStuckUnits returns re-dispatchable units for the crash-recovery
	// sweep: source states still NEW past the grace period (initial
	// dispatch lost) and RETRY_SCHEDULED states whose due time passed that
	// long ago (outbox insert lost). The conditional claim makes
	// re-dispatching them always safe.
	ListStuckUnits(ctx context.Context, olderThan time.Time, limit int) ([]domain.ExecutionUnit, error)
}

// OutboxStore is the durable delayed-redelivery queue.
type OutboxStore interface {
	// Enqueue inserts a NEW row whose unit becomes due after delay.
	Enqueue(ctx context.Context, unit domain.ExecutionUnit, delay time.Duration) error

	// DrainDue locks up to limit due NEW rows (skipping rows claimed by
	// another publisher), invokes publish for each, and finalizes every row
	// as SENT or FAILED exactly once.
	DrainDue(ctx context.Context, limit int, now time.Time, publish func(context.Context, domain.ExecutionUnit) error) (sent, failed int, err error)
}

// SourceRegistry resolves the set of fetchable sources for an account and
// event type, filtered by the account's active provider connections.
type SourceRegistry interface {
	ResolveSources(ctx context.Context, accountID, eventType string) ([]domain.Source, error)
}
