// Package events hands refund and dead-letter notifications to downstream
// consumers. Events are published after the store commits, best effort; the
// store's refunded flag is what keeps refunds exactly-once.
package events

import (
	"context"
	"time"

	"playdelivery/internal/models"

	"github.com/rs/zerolog"
)

const (
	TypeRefund     = "task.refunded"
	TypeDeadLetter = "task.dead_lettered"
)

type RefundEvent struct {
	OrderID    string       `json:"order_id"`
	TaskID     string       `json:"task_id"`
	Quantity   int64        `json:"quantity"`
	Amount     models.Money `json:"amount_micros"`
	OccurredAt time.Time    `json:"occurred_at"`
}

type DeadLetterEvent struct {
	OrderID       string    `json:"order_id"`
	TaskID        string    `json:"task_id"`
	Quantity      int64     `json:"quantity"`
	Attempts      int       `json:"attempts"`
	FailureReason string    `json:"failure_reason"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Envelope is the wire form shared by every event.
type Envelope struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
	Payload any    `json:"payload"`
}

type Publisher interface {
	PublishRefund(ctx context.Context, ev RefundEvent) error
	PublishDeadLetter(ctx context.Context, ev DeadLetterEvent) error
	Close() error
}

// LogPublisher writes events to the log only.
type LogPublisher struct {
	logger zerolog.Logger
}

var _ Publisher = (*LogPublisher)(nil)

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishRefund(ctx context.Context, ev RefundEvent) error {
	p.logger.Info().
		Str("event", TypeRefund).
		Str("order_id", ev.OrderID).
		Str("task_id", ev.TaskID).
		Int64("quantity", ev.Quantity).
		Str("amount", ev.Amount.String()).
		Msg("refund issued")
	return nil
}

func (p *LogPublisher) PublishDeadLetter(ctx context.Context, ev DeadLetterEvent) error {
	p.logger.Warn().
		Str("event", TypeDeadLetter).
		Str("order_id", ev.OrderID).
		Str("task_id", ev.TaskID).
		Int("attempts", ev.Attempts).
		Str("reason", ev.FailureReason).
		Msg("task moved to dead letter")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
