// Package kafka provides the execution unit transport. Units flow
// through a single topic partitioned by provider; the consumer commits
// offsets manually after each unit is accepted by the in-process
// router, giving at-least-once delivery. Duplicate deliveries are
// harmless because workers claim sources with a conditional status
// transition.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/leslychao/datapulse-sub000/internal/dispatch"
	"github.com/leslychao/datapulse-sub000/internal/domain"
)

// ConsumerConfig defines Kafka consumer parameters.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	CommitTimeout time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Topic:         "execution.units",
		GroupID:       "datapulse-workers",
		CommitTimeout: 5 * time.Second,
	}
}

// Consumer reads execution units from Kafka and hands them to the
// provider router.
type Consumer struct {
	config ConsumerConfig
	reader *kafka.Reader
	sink   dispatch.Sink
	logger *slog.Logger

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewConsumer creates a Kafka consumer feeding the given sink.
func NewConsumer(config ConsumerConfig, sink dispatch.Sink, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        250 * time.Millisecond,
		CommitInterval: 0, // Manual commits only
		StartOffset:    kafka.LastOffset,
		GroupBalancers: []kafka.GroupBalancer{
			kafka.RangeGroupBalancer{},
			kafka.RoundRobinGroupBalancer{},
		},
	})

	return &Consumer{
		config:   config,
		reader:   reader,
		sink:     sink,
		logger:   logger,
		shutdown: make(chan struct{}),
	}
}

// Start begins consuming messages.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("kafka consumer started",
		"topic", c.config.Topic,
		"group", c.config.GroupID,
	)
}

// Stop gracefully shuts down the consumer.
func (c *Consumer) Stop() {
	close(c.shutdown)
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		c.logger.Error("failed to close kafka reader", "error", err)
	}
	c.logger.Info("kafka consumer stopped")
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}

		c.handleMessage(ctx, msg)
	}
}

// handleMessage routes one unit and commits its offset. Malformed
// messages are committed and dropped; retrying them cannot succeed.
func (c *Consumer) handleMessage(ctx context.Context, msg kafka.Message) {
	var unit domain.ExecutionUnit
	if err := json.Unmarshal(msg.Value, &unit); err != nil {
		c.logger.Error("dropping malformed execution unit",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		c.commit(ctx, msg)
		return
	}

	if err := c.sink.Dispatch(ctx, unit); err != nil {
		// Not committed; the unit is redelivered after restart or
		// rebalance.
		c.logger.Error("failed to route execution unit",
			"error", err,
			"request_id", unit.RequestID,
			"provider", unit.Provider,
		)
		return
	}

	c.commit(ctx, msg)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	commitCtx, cancel := context.WithTimeout(ctx, c.config.CommitTimeout)
	defer cancel()

	if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
		c.logger.Error("failed to commit offset",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
	}
}
