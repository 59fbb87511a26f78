package repository

import (
	"context"

	"TrapLine/internal/domain/models"
	domrepo "TrapLine/internal/domain/repository"
	pkgkafka "TrapLine/pkg/kafka"
)

// KafkaEventPublisher implements EventPublisher for Kafka. Events are
// keyed by symbol so per-symbol ordering survives partitioning; events
// without a symbol are keyed by type.
type KafkaEventPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

var _ domrepo.EventPublisher = (*KafkaEventPublisher)(nil)

// NewKafkaEventPublisher creates the Kafka event publisher.
func NewKafkaEventPublisher(producer *pkgkafka.Producer, topic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer, topic: topic}
}

func (p *KafkaEventPublisher) Publish(ctx context.Context, e *models.Event) error {
	if e == nil {
		return nil
	}
	key := e.Symbol
	if key == "" {
		key = string(e.Type)
	}
	return p.producer.Publish(ctx, p.topic, []byte(key), e)
}

func (p *KafkaEventPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// LogShipper adapts the Kafka producer to the logger's aggregated log
// sink. Aggregated entries carry no key; ordering does not matter.
type LogShipper struct {
	producer *pkgkafka.Producer
}

// NewLogShipper creates the log shipper.
func NewLogShipper(producer *pkgkafka.Producer) *LogShipper {
	return &LogShipper{producer: producer}
}

func (s *LogShipper) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return s.producer.Publish(ctx, topic, nil, payload)
}
