// Package orchestrator turns a run request into a durable execution plan and
// dispatches one unit of work per resolved source.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/leslychao/datapulse-sub000/internal/clock"
	"github.com/leslychao/datapulse-sub000/internal/dispatch"
	"github.com/leslychao/datapulse-sub000/internal/domain"
	"github.com/leslychao/datapulse-sub000/internal/repository"
)

// Config defines planning parameters.
type Config struct {
	// MaxAttempts is the per-source retry budget stamped onto every state.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 5}
}

type Orchestrator struct {
	config   Config
	store    repository.ExecutionStore
	registry repository.SourceRegistry
	sink     dispatch.Sink
	clock    clock.Clock
	logger   *slog.Logger
}

func New(
	config Config,
	store repository.ExecutionStore,
	registry repository.SourceRegistry,
	sink dispatch.Sink,
	clk clock.Clock,
	logger *slog.Logger,
) *Orchestrator {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		config:   config,
		store:    store,
		registry: registry,
		sink:     sink,
		clock:    clk,
		logger:   logger,
	}
}

// Plan validates the request, resolves the account's fetchable sources,
// persists the execution with one source state per (provider, source), and
// dispatches one unit per pair. State is committed before the first unit
// goes out: a unit must never be able to report against state that does not
// exist yet. If dispatch fails partway the remaining NEW states are picked
// up by the recovery sweep.
func (o *Orchestrator) Plan(ctx context.Context, req domain.RunRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	sources, err := o.registry.ResolveSources(ctx, req.AccountID, req.EventType)
	if err != nil {
		return "", fmt.Errorf("resolve sources: %w", err)
	}
	if len(sources) == 0 {
		return "", fmt.Errorf("%w: account %s has no active sources for %s",
			domain.ErrNoSourcesConfigured, req.AccountID, req.EventType)
	}

	requestID := uuid.NewString()
	now := o.clock.Now()

	exec := &domain.Execution{
		RequestID:    requestID,
		AccountID:    req.AccountID,
		EventType:    req.EventType,
		DateFrom:     req.DateFrom,
		DateTo:       req.DateTo,
		Status:       domain.ExecutionStatusNew,
		TotalSources: len(sources),
		StartedAt:    now,
	}

	states := make([]*domain.SourceState, 0, len(sources))
	units := make([]domain.ExecutionUnit, 0, len(sources))
	for _, src := range sources {
		states = append(states, &domain.SourceState{
			RequestID:   requestID,
			EventType:   req.EventType,
			SourceID:    src.SourceID,
			Provider:    src.Provider,
			Handle:      src.Handle,
			Status:      domain.SourceStatusNew,
			MaxAttempts: o.config.MaxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		units = append(units, domain.ExecutionUnit{
			RequestID:      requestID,
			AccountID:      req.AccountID,
			EventType:      req.EventType,
			SourceID:       src.SourceID,
			Provider:       src.Provider,
			SourceHandle:   src.Handle,
			RateLimitGroup: src.RateLimitGroup,
			DateFrom:       req.DateFrom,
			DateTo:         req.DateTo,
		})
	}

	if err := o.store.CreatePlan(ctx, exec, states); err != nil {
		return "", fmt.Errorf("persist execution plan: %w", err)
	}

	dispatched := 0
	for _, unit := range units {
		if err := o.sink.Dispatch(ctx, unit); err != nil {
			// The state row already exists as NEW; the sweep re-dispatches it.
			o.logger.Error("failed to dispatch unit, leaving for recovery sweep",
				"error", err,
				"request_id", requestID,
				"provider", unit.Provider,
				"source_id", unit.SourceID,
			)
			continue
		}
		dispatched++
	}

	o.logger.Info("run planned",
		"request_id", requestID,
		"account_id", req.AccountID,
		"event_type", req.EventType,
		"sources", len(sources),
		"dispatched", dispatched,
	)

	return requestID, nil
}
