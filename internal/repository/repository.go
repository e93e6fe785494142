package repository

import (
	"context"
	"errors"
	"iter"
	"time"

	"playdelivery/internal/models"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrTaskNotFound  = errors.New("task not found")
	ErrOrderNotOpen  = errors.New("order is not open")
	ErrOrderBusy     = errors.New("order has executing tasks")
)

// Outcome is what a resolve step did to a task
type Outcome string

const (
	// OutcomeNoop means the task was no longer held by the caller; nothing changed.
	OutcomeNoop         Outcome = "NOOP"
	OutcomeCompleted    Outcome = "COMPLETED"
	OutcomeRetrying     Outcome = "RETRYING"
	OutcomeDeadLettered Outcome = "DEAD_LETTERED"
)

// Refund is the bookkeeping emitted for a dead-lettered task
type Refund struct {
	OrderID  string
	TaskID   string
	Quantity int64
	Amount   models.Money
}

// Resolution describes the effect of completing or failing a task
type Resolution struct {
	Outcome Outcome
	Task    *models.Task
	// Refund is set only by the resolve call that actually recorded it.
	Refund *Refund
	// OrderStatus is set when the resolve step closed the order.
	OrderStatus models.OrderStatus
}

// OrphanRecovery reports one task reclaimed by the orphan sweep
type OrphanRecovery struct {
	Resolution
	PreviousWorkerID string
}

// RetryDelay returns the wait after the given failed attempt number.
type RetryDelay func(attempt int) time.Duration

// OrderRepository persists orders
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	// CreateOrderWithTasks inserts the order and every generated task in one transaction.
	CreateOrderWithTasks(ctx context.Context, order *models.Order, tasks iter.Seq[models.Task]) (int, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOpenOrders(ctx context.Context) ([]*models.Order, error)
	PendingPlays(ctx context.Context) (int64, error)
	CompleteInstantOrder(ctx context.Context, id string, now time.Time) error
	CancelOrder(ctx context.Context, id string, now time.Time) error
}

// TaskRepository persists order tasks and drives their state machine
type TaskRepository interface {
	ClaimDueTasks(ctx context.Context, workerID string, now time.Time, limit int) ([]*models.Task, error)
	RecoverOrphans(ctx context.Context, now time.Time, threshold time.Duration, delay RetryDelay) ([]OrphanRecovery, error)
	AssignSource(ctx context.Context, task *models.Task, sourceName string) error
	ReleaseClaim(ctx context.Context, task *models.Task, deferUntil time.Time) (bool, error)
	CompleteTask(ctx context.Context, task *models.Task, now time.Time) (*Resolution, error)
	FailTask(ctx context.Context, task *models.Task, reason string, now time.Time, delay RetryDelay) (*Resolution, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasksByOrder(ctx context.Context, orderID string) ([]*models.Task, error)
	ListStaleExecuting(ctx context.Context, startedBefore time.Time) ([]*models.Task, error)
	TaskStatusCounts(ctx context.Context, orderID string) (map[models.TaskStatus]int, error)
	ListDeadLetters(ctx context.Context, orderID string) ([]*models.DeadLetter, error)
}

// Repository is the full store used by the services.
type Repository interface {
	OrderRepository
	TaskRepository
}
