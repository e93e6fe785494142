package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaPublisher writes events to a topic keyed by order ID, so one order's
// events stay ordered within a partition.
type KafkaPublisher struct {
	w messageWriter
}

var _ Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kgo.Writer{
			Addr:         kgo.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kgo.Hash{},
			RequiredAcks: kgo.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) PublishRefund(ctx context.Context, ev RefundEvent) error {
	return p.publish(ctx, TypeRefund, ev.OrderID, ev.OccurredAt, ev)
}

func (p *KafkaPublisher) PublishDeadLetter(ctx context.Context, ev DeadLetterEvent) error {
	return p.publish(ctx, TypeDeadLetter, ev.OrderID, ev.OccurredAt, ev)
}

func (p *KafkaPublisher) publish(ctx context.Context, typ, orderID string, at time.Time, payload any) error {
	b, err := json.Marshal(Envelope{Type: typ, OrderID: orderID, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", typ, err)
	}

	err = p.w.WriteMessages(ctx, kgo.Message{
		Key:     []byte(orderID),
		Value:   b,
		Time:    at,
		Headers: []kgo.Header{{Key: "type", Value: []byte(typ)}},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", typ, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
