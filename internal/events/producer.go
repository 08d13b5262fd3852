// README: Kafka producer for the audit stream. Publishing is best effort
// and asynchronous; a broker outage never blocks or fails an order
// operation, it only logs.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const producerName = "souk-api"

type Producer struct {
	w      *kafka.Writer
	logger *slog.Logger
}

func NewProducer(brokers []string, topic string, logger *slog.Logger) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
		},
		logger: logger,
	}
}

// Publish wraps the payload in an envelope keyed by the aggregate id, so
// all events for one order land on one partition in order.
func (p *Producer) Publish(ctx context.Context, eventType, key string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("marshal event payload", "event_type", eventType, "error", err)
		return
	}
	body, err := json.Marshal(Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		Version:    1,
		OccurredAt: time.Now().UTC(),
		Producer:   producerName,
		Key:        key,
		Payload:    raw,
	})
	if err != nil {
		p.logger.Error("marshal event envelope", "event_type", eventType, "error", err)
		return
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: body,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte(eventType)},
		},
	})
	if err != nil {
		p.logger.Error("publish event", "event_type", eventType, "key", key, "error", err)
	}
}

func (p *Producer) Close() error {
	return p.w.Close()
}
