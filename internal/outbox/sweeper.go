package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/leslychao/datapulse-sub000/internal/clock"
	"github.com/leslychao/datapulse-sub000/internal/dispatch"
	"github.com/leslychao/datapulse-sub000/internal/repository"
)

// SweeperConfig holds configuration for the stuck state sweep.
type SweeperConfig struct {
	// Interval is how often the sweep runs (default: 30s)
	Interval time.Duration
	// StuckAfter is how old a NEW source state must be before the sweep
	// re-dispatches it (default: 1m)
	StuckAfter time.Duration
	// BatchSize is the maximum number of units per sweep (default: 100)
	BatchSize int
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:   30 * time.Second,
		StuckAfter: time.Minute,
		BatchSize:  100,
	}
}

// Sweeper re-dispatches source states stuck longer than StuckAfter:
// NEW states whose initial dispatch was lost, either to a crash between
// the plan transaction and the publish or to a transport failure, and
// RETRY_SCHEDULED states whose outbox row never made it in. Re-dispatching
// is safe because workers claim sources with a conditional transition.
type Sweeper struct {
	config SweeperConfig
	store  repository.ExecutionStore
	sink   dispatch.Sink
	clock  clock.Clock
	logger *slog.Logger

	stopCh chan struct{}
}

func NewSweeper(
	config SweeperConfig,
	store repository.ExecutionStore,
	sink dispatch.Sink,
	clk clock.Clock,
	logger *slog.Logger,
) *Sweeper {
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.StuckAfter == 0 {
		config.StuckAfter = time.Minute
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		config: config,
		store:  store,
		sink:   sink,
		clock:  clk,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start runs the sweep loop. Blocks until Stop is called or the context
// is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("stuck state sweeper started",
		"interval", s.config.Interval,
		"stuck_after", s.config.StuckAfter,
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.config.StuckAfter)
	units, err := s.store.ListStuckUnits(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to list stuck source states", "error", err)
		return
	}
	if len(units) == 0 {
		return
	}

	redispatched := 0
	for _, unit := range units {
		if ctx.Err() != nil {
			return
		}
		if err := s.sink.Dispatch(ctx, unit); err != nil {
			s.logger.Error("failed to re-dispatch stuck unit",
				"error", err,
				"request_id", unit.RequestID,
				"source_id", unit.SourceID,
			)
			continue
		}
		redispatched++
	}
	s.logger.Info("stuck source states re-dispatched",
		"found", len(units),
		"redispatched", redispatched,
	)
}
