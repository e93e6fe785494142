// Package validator checks persisted delivery bookkeeping for consistency.
//
// Checks are read-only and may run alongside workers. A run that overlaps an
// in-flight resolve can report a violation that clears on the next run, so
// callers should re-check before alerting.
package validator

import (
	"context"
	"fmt"
	"time"

	"playdelivery/internal/models"

	"k8s.io/utils/clock"
)

// Invariant names reported in violations.
const (
	QuantityAccounting = "quantity_accounting"
	NoStaleExecuting   = "no_stale_executing"
	CompletionTerminal = "completion_implies_terminal"
	UniqueTokens       = "unique_idempotency_tokens"
	InstantHasNoTasks  = "instant_has_no_tasks"
	InstantDelivered   = "instant_delivered_matches"
	RefundProportional = "refund_proportional"
)

// Store is the read side the validator needs.
type Store interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListTasksByOrder(ctx context.Context, orderID string) ([]*models.Task, error)
	ListStaleExecuting(ctx context.Context, startedBefore time.Time) ([]*models.Task, error)
}

type Violation struct {
	Invariant string `json:"invariant"`
	Message   string `json:"message"`
	TaskID    string `json:"task_id,omitempty"`
}

type ValidationResult struct {
	OrderID    string      `json:"order_id"`
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations"`
	CheckedAt  time.Time   `json:"checked_at"`
}

type Orphan struct {
	TaskID    string        `json:"task_id"`
	OrderID   string        `json:"order_id"`
	WorkerID  string        `json:"worker_id"`
	StartedAt time.Time     `json:"started_at"`
	Age       time.Duration `json:"age"`
}

type OrphanResult struct {
	Passed    bool          `json:"passed"`
	Threshold time.Duration `json:"threshold"`
	Orphans   []Orphan      `json:"orphans"`
	CheckedAt time.Time     `json:"checked_at"`
}

type Validator struct {
	store           Store
	clock           clock.PassiveClock
	orphanThreshold time.Duration
	refundTolerance models.Money
}

// New returns a validator. refundTolerance is the largest accepted absolute
// difference between refundedAmount and failedPermanentPlays * pricePerUnit.
func New(store Store, clk clock.PassiveClock, orphanThreshold time.Duration, refundTolerance models.Money) *Validator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Validator{
		store:           store,
		clock:           clk,
		orphanThreshold: orphanThreshold,
		refundTolerance: refundTolerance,
	}
}

// ValidateOrder checks every invariant that applies to the order.
func (v *Validator) ValidateOrder(ctx context.Context, orderID string) (*ValidationResult, error) {
	order, err := v.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	tasks, err := v.store.ListTasksByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	now := v.clock.Now()
	var found []Violation
	if order.UsesTaskDelivery {
		found = v.checkTaskOrder(order, tasks, now)
	} else {
		found = checkInstantOrder(order, tasks)
	}

	expected := order.PricePerUnit.Times(order.FailedPermanentPlays)
	if diff := order.RefundedAmount - expected; diff > v.refundTolerance || -diff > v.refundTolerance {
		found = append(found, Violation{
			Invariant: RefundProportional,
			Message:   fmt.Sprintf("refunded %s, expected %s for %d failed plays", order.RefundedAmount, expected, order.FailedPermanentPlays),
		})
	}

	if found == nil {
		found = []Violation{}
	}
	return &ValidationResult{
		OrderID:    orderID,
		Passed:     len(found) == 0,
		Violations: found,
		CheckedAt:  now,
	}, nil
}

func (v *Validator) checkTaskOrder(order *models.Order, tasks []*models.Task, now time.Time) []Violation {
	var found []Violation

	var completedPlays int64
	tokens := make(map[string]string, len(tasks))
	for _, t := range tasks {
		if t.Status == models.TaskCompleted {
			completedPlays += t.Quantity
		}

		if t.Status == models.TaskExecuting && t.ExecutionStartedAt != nil && now.Sub(*t.ExecutionStartedAt) > v.orphanThreshold {
			found = append(found, Violation{
				Invariant: NoStaleExecuting,
				Message:   fmt.Sprintf("executing since %s, beyond %s", t.ExecutionStartedAt.Format(time.RFC3339), v.orphanThreshold),
				TaskID:    t.ID,
			})
		}

		if order.Status.IsTerminal() && !t.Status.IsTerminal() {
			found = append(found, Violation{
				Invariant: CompletionTerminal,
				Message:   fmt.Sprintf("order is %s but task is %s", order.Status, t.Status),
				TaskID:    t.ID,
			})
		}

		if other, ok := tokens[t.IdempotencyToken]; ok {
			found = append(found, Violation{
				Invariant: UniqueTokens,
				Message:   fmt.Sprintf("idempotency token shared with task %s", other),
				TaskID:    t.ID,
			})
		} else {
			tokens[t.IdempotencyToken] = t.ID
		}
	}

	if order.Status == models.OrderCompleted || order.Status == models.OrderPartialRefund {
		if completedPlays+order.FailedPermanentPlays != order.Quantity {
			found = append(found, Violation{
				Invariant: QuantityAccounting,
				Message: fmt.Sprintf("completed %d + failed %d != quantity %d",
					completedPlays, order.FailedPermanentPlays, order.Quantity),
			})
		}
		if order.Delivered != completedPlays {
			found = append(found, Violation{
				Invariant: QuantityAccounting,
				Message:   fmt.Sprintf("delivered %d != completed task plays %d", order.Delivered, completedPlays),
			})
		}
	}

	return found
}

func checkInstantOrder(order *models.Order, tasks []*models.Task) []Violation {
	var found []Violation
	if len(tasks) > 0 {
		found = append(found, Violation{
			Invariant: InstantHasNoTasks,
			Message:   fmt.Sprintf("instant order owns %d tasks", len(tasks)),
		})
	}
	if order.Status.IsTerminal() && order.Delivered != order.Quantity {
		found = append(found, Violation{
			Invariant: InstantDelivered,
			Message:   fmt.Sprintf("delivered %d != quantity %d", order.Delivered, order.Quantity),
		})
	}
	return found
}

// CheckOrphans lists every task EXECUTING for longer than the orphan threshold.
func (v *Validator) CheckOrphans(ctx context.Context) (*OrphanResult, error) {
	now := v.clock.Now()
	stale, err := v.store.ListStaleExecuting(ctx, now.Add(-v.orphanThreshold))
	if err != nil {
		return nil, err
	}

	res := &OrphanResult{
		Passed:    len(stale) == 0,
		Threshold: v.orphanThreshold,
		Orphans:   make([]Orphan, 0, len(stale)),
		CheckedAt: now,
	}
	for _, t := range stale {
		o := Orphan{TaskID: t.ID, OrderID: t.OrderID, WorkerID: t.WorkerID}
		if t.ExecutionStartedAt != nil {
			o.StartedAt = *t.ExecutionStartedAt
			o.Age = now.Sub(o.StartedAt)
		}
		res.Orphans = append(res.Orphans, o)
	}
	return res, nil
}
