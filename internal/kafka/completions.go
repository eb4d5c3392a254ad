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

// CompletionProducer publishes completion bundles for the downstream
// materialization consumer. One message per request id, keyed by
// request id.
type CompletionProducer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// CompletionProducerConfig configures the completion producer.
type CompletionProducerConfig struct {
	Brokers []string
	Topic   string
}

func DefaultCompletionProducerConfig() CompletionProducerConfig {
	return CompletionProducerConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "execution.completions",
	}
}

func NewCompletionProducer(config CompletionProducerConfig, logger *slog.Logger) *CompletionProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
	}
	return &CompletionProducer{
		writer: writer,
		logger: logger,
	}
}

// Emit publishes one completion bundle. Implements the aggregator's
// emitter contract.
func (p *CompletionProducer) Emit(ctx context.Context, bundle *domain.CompletionBundle) error {
	value, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal completion bundle: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(bundle.RequestID),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

// Close closes the producer.
func (p *CompletionProducer) Close() error {
	return p.writer.Close()
}
