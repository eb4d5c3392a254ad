// Package outbox republishes durably queued execution units. The
// publisher polls the outbox table for due rows and pushes each unit
// back into the dispatch pipeline; the sweep re-dispatches source
// states whose initial dispatch was lost.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/leslychao/datapulse-sub000/internal/clock"
	"github.com/leslychao/datapulse-sub000/internal/dispatch"
	"github.com/leslychao/datapulse-sub000/internal/domain"
	"github.com/leslychao/datapulse-sub000/internal/observability"
	"github.com/leslychao/datapulse-sub000/internal/repository"
)

// PublisherConfig holds configuration for the outbox publisher.
type PublisherConfig struct {
	// PollInterval is how often to check for due rows (default: 1s)
	PollInterval time.Duration
	// BatchSize is the maximum number of rows to drain per poll (default: 100)
	BatchSize int
}

func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		PollInterval: time.Second,
		BatchSize:    100,
	}
}

// Publisher drains due outbox rows and hands the units to a dispatch
// sink. Rows are claimed with FOR UPDATE SKIP LOCKED inside the drain
// transaction, so multiple instances can run safely.
type Publisher struct {
	config PublisherConfig
	store  repository.OutboxStore
	sink   dispatch.Sink
	clock  clock.Clock
	logger *slog.Logger

	metrics *observability.Metrics

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func NewPublisher(
	config PublisherConfig,
	store repository.OutboxStore,
	sink dispatch.Sink,
	clk clock.Clock,
	logger *slog.Logger,
) *Publisher {
	if config.PollInterval == 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		config: config,
		store:  store,
		sink:   sink,
		clock:  clk,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// WithMetrics enables Prometheus metrics collection.
func (p *Publisher) WithMetrics(m *observability.Metrics) *Publisher {
	p.metrics = m
	return p
}

// Start begins draining the outbox. Blocks until Stop is called or the
// context is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	p.logger.Info("outbox publisher started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
	)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher stopping due to context cancellation")
			return
		case <-p.stopCh:
			p.logger.Info("outbox publisher stopping due to stop signal")
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// Stop signals the publisher to stop and waits for the in-flight drain.
func (p *Publisher) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Publisher) drain(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	sent, failed, err := p.store.DrainDue(ctx, p.config.BatchSize, p.clock.Now(), func(ctx context.Context, unit domain.ExecutionUnit) error {
		return p.sink.Dispatch(ctx, unit)
	})
	if err != nil {
		p.logger.Error("outbox drain failed", "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.OutboxPublished.Add(float64(sent))
		p.metrics.OutboxPublishFailures.Add(float64(failed))
	}
	if sent > 0 || failed > 0 {
		p.logger.Info("outbox drained", "sent", sent, "failed", failed)
	}
}
