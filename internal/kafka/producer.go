package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/leslychao/datapulse-sub000/internal/domain"
)

// Producer publishes execution units to Kafka. Messages are keyed by
// provider so all units for a provider land on the same partition and
// keep their submission order.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// ProducerConfig configures the Kafka producer.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

// DefaultProducerConfig returns sensible defaults for production.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "execution.units",
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewProducer creates a Kafka producer for execution units.
func NewProducer(config ProducerConfig, logger *slog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{}, // Same provider key, same partition
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		RequiredAcks: kafka.RequireAll, // Wait for all replicas
		Compression:  kafka.Snappy,
	}

	return &Producer{
		writer: writer,
		logger: logger,
	}
}

// Dispatch publishes one execution unit. Implements the dispatch sink
// used by the orchestrator, the outbox publisher, and the sweep.
func (p *Producer) Dispatch(ctx context.Context, unit domain.ExecutionUnit) error {
	value, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("marshal execution unit: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(unit.Provider),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

// Close closes the producer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
