package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/correlator-io/reconciler/internal/config"
	"github.com/correlator-io/reconciler/internal/telemetry"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes change events as JSON messages keyed by qualified name,
// so every change to one entity lands on the same partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New returns a KafkaPublisher for cfg, or a NopPublisher when no brokers are configured.
func New(cfg *Config, logger *slog.Logger) (Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = config.NewLogger()
	}

	if !cfg.Enabled() {
		logger.Info("no kafka brokers configured, change events disabled")

		return NopPublisher{}, nil
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
		Transport:              &kafka.Transport{ClientID: cfg.ClientID},
	}

	logger.Info("kafka change events enabled",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic),
	)

	return newKafkaPublisher(w, cfg.Topic, logger), nil
}

func newKafkaPublisher(w messageWriter, topic string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, logger: logger}
}

// Publish writes events in one batch.
func (p *KafkaPublisher) Publish(ctx context.Context, events ...ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPublisherClosed
	}

	msgs := make([]kafka.Message, 0, len(events))

	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}

		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.QualifiedName),
			Value: value,
			Time:  e.OccurredAt,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(e.Type)},
			},
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		telemetry.ObserveEvents(telemetry.OutcomeError, len(msgs))

		p.logger.Error("failed to publish change events",
			slog.String("topic", p.topic),
			slog.Int("count", len(msgs)),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("publish %d events to %s: %w", len(msgs), p.topic, err)
	}

	telemetry.ObserveEvents(telemetry.OutcomePublished, len(msgs))

	return nil
}

// Close flushes pending messages and closes the writer. It is safe to call twice.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	return p.writer.Close()
}
