// Package dispatch routes execution units onto provider-keyed work queues.
//
// Every unit for the same provider goes through one single-consumer queue
// backed by one dedicated goroutine, so units for a provider are processed
// strictly in submission order while different providers run fully in
// parallel. This trades some throughput for respecting providers' ordering
// and rate expectations.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/leslychao/datapulse-sub000/internal/domain"
)

// Sink accepts execution units for delivery to workers. Implemented by the
// in-process Router and by the Kafka producer.
type Sink interface {
	Dispatch(ctx context.Context, unit domain.ExecutionUnit) error
}

// Processor consumes one routed unit. It never returns an error: all
// outcomes are absorbed into persisted state by the worker.
type Processor interface {
	Process(ctx context.Context, unit domain.ExecutionUnit)
}

// Router is the provider-keyed set of serialized work queues. Queues are
// created lazily on first dispatch for a provider, with double-checked
// locking, and reused for the router's lifetime.
type Router struct {
	processor Processor
	queueSize int
	logger    *slog.Logger

	mu     sync.RWMutex
	queues map[string]chan domain.ExecutionUnit

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRouter(processor Processor, queueSize int, logger *slog.Logger) *Router {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		processor: processor,
		queueSize: queueSize,
		logger:    logger,
		queues:    make(map[string]chan domain.ExecutionUnit),
	}
}

// Start binds the router's consumer goroutines to ctx. Must be called before
// Dispatch.
func (r *Router) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.logger.Info("dispatch router started", "queue_size", r.queueSize)
}

// Stop cancels all provider consumers and waits for in-flight units.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("dispatch router stopped")
}

// Dispatch enqueues the unit onto its provider's queue, blocking when the
// queue is full (backpressure toward the producer).
func (r *Router) Dispatch(ctx context.Context, unit domain.ExecutionUnit) error {
	q := r.queue(unit.Provider)

	select {
	case q <- unit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

func (r *Router) queue(provider string) chan domain.ExecutionUnit {
	r.mu.RLock()
	q, exists := r.queues[provider]
	r.mu.RUnlock()

	if exists {
		return q
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if q, exists = r.queues[provider]; exists {
		return q
	}

	q = make(chan domain.ExecutionUnit, r.queueSize)
	r.queues[provider] = q

	r.wg.Add(1)
	go r.consume(provider, q)
	r.logger.Debug("provider queue created", "provider", provider)

	return q
}

// consume is the single consumer for one provider's queue; its existence is
// what serializes that provider's units.
func (r *Router) consume(provider string, q chan domain.ExecutionUnit) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case unit := <-q:
			r.processor.Process(r.ctx, unit)
		}
	}
}
