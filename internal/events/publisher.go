// Package events publishes order lifecycle events to Kafka for downstream
// consumers (notifications, analytics, warehouse sync).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/harihbk/saasmilk-mono-sub004/internal/order"
)

// KafkaPublisher writes order events as JSON messages keyed by order ID,
// so all events for one order land on the same partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger zerolog.Logger
}

// NewKafkaPublisher creates a publisher for the given broker and topic.
func NewKafkaPublisher(brokerAddr, topic string, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokerAddr),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			BatchSize:    100,
		},
		logger: logger.With().Str("component", "event-publisher").Logger(),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt order.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding order event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.TenantID + ":" + evt.OrderID),
		Value: payload,
	})
	if err != nil {
		p.logger.Warn().Err(err).
			Str("order_id", evt.OrderID).
			Str("action", evt.Action).
			Msg("order event not delivered")
		return fmt.Errorf("writing order event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher discards events. Used when no broker is configured and in
// tests.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, order.Event) error { return nil }
