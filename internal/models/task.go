package models

import "time"

// TaskStatus represents the state of an order task
type TaskStatus string

const (
	TaskPending         TaskStatus = "PENDING"
	TaskExecuting       TaskStatus = "EXECUTING"
	TaskCompleted       TaskStatus = "COMPLETED"
	TaskFailedRetrying  TaskStatus = "FAILED_RETRYING"
	TaskFailedPermanent TaskStatus = "FAILED_PERMANENT"
)

// DefaultMaxAttempts is used when a task is created without an explicit budget.
const DefaultMaxAttempts = 3

// IsTerminal reports whether the status can never change again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailedPermanent
}

// Task is one scheduled unit of an order's delivery
type Task struct {
	ID                 string     `json:"id"`
	OrderID            string     `json:"order_id"`
	SequenceNumber     int        `json:"sequence_number"`
	Quantity           int64      `json:"quantity"`
	Status             TaskStatus `json:"status"`
	Attempts           int        `json:"attempts"`
	MaxAttempts        int        `json:"max_attempts"`
	IdempotencyToken   string     `json:"idempotency_token"`
	ScheduledAt        time.Time  `json:"scheduled_at"`
	ExecutionStartedAt *time.Time `json:"execution_started_at,omitempty"`
	ExecutedAt         *time.Time `json:"executed_at,omitempty"`
	RetryAfter         *time.Time `json:"retry_after,omitempty"`
	DeferredUntil      *time.Time `json:"deferred_until,omitempty"`
	AssignedSourceID   string     `json:"assigned_source_id,omitempty"`
	WorkerID           string     `json:"worker_id,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	Refunded           bool       `json:"refunded"`
	CreatedAt          time.Time  `json:"created_at"`
}

// DeadLetter records a task that exhausted its retry budget
type DeadLetter struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	OrderID       string    `json:"order_id"`
	Quantity      int64     `json:"quantity"`
	Attempts      int       `json:"attempts"`
	FailureReason string    `json:"failure_reason"`
	FailedAt      time.Time `json:"failed_at"`
}
