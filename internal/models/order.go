package models

import "time"

// OrderStatus represents the state of an order
type OrderStatus string

const (
	OrderPending       OrderStatus = "PENDING"
	OrderRunning       OrderStatus = "RUNNING"
	OrderCompleted     OrderStatus = "COMPLETED"
	OrderPartialRefund OrderStatus = "PARTIAL_REFUND"
	OrderFailed        OrderStatus = "FAILED"
	OrderCancelled     OrderStatus = "CANCELLED"
)

// IsTerminal reports whether the order has finished delivery.
// CANCELLED is not terminal in this sense: its tasks may still be pending.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderCompleted || s == OrderPartialRefund || s == OrderFailed
}

// IsOpen reports whether the order still takes delivery work.
func (s OrderStatus) IsOpen() bool {
	return s == OrderPending || s == OrderRunning
}

// Order is one customer request for a quantity of plays
type Order struct {
	ID                    string      `json:"id"`
	Quantity              int64       `json:"quantity"`
	Delivered             int64       `json:"delivered"`
	FailedPermanentPlays  int64       `json:"failed_permanent_plays"`
	Status                OrderStatus `json:"status"`
	UsesTaskDelivery      bool        `json:"uses_task_delivery"`
	Tier                  Tier        `json:"tier"`
	GeoProfile            string      `json:"geo_profile,omitempty"`
	PricePerUnit          Money       `json:"price_per_unit"`
	TotalCost             Money       `json:"total_cost"`
	RefundedAmount        Money       `json:"refunded_amount"`
	EstimatedCompletionAt *time.Time  `json:"estimated_completion_at,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	StartedAt             *time.Time  `json:"started_at,omitempty"`
	CompletedAt           *time.Time  `json:"completed_at,omitempty"`
}

// Remains is the number of plays neither delivered nor refunded yet.
func (o *Order) Remains() int64 {
	return o.Quantity - o.Delivered - o.FailedPermanentPlays
}

// CreateOrderRequest is the input of order acceptance
type CreateOrderRequest struct {
	Quantity   int64  `json:"quantity"`
	Tier       string `json:"tier,omitempty"`
	GeoProfile string `json:"geo_profile,omitempty"`
	// PricePerUnit is a decimal amount, e.g. "0.0025".
	PricePerUnit string `json:"price_per_unit"`
}
