package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"playdelivery/internal/models"

	"github.com/google/uuid"
)

const taskColumns = `id, order_id, sequence_number, quantity, status, attempts, max_attempts,
	idempotency_token, scheduled_at, execution_started_at, executed_at, retry_after,
	deferred_until, assigned_source_id, worker_id, last_error, refunded, created_at`

// claimPredicate matches a task only while the caller's claim is still current.
// execution_started_at distinguishes a reclaimed-then-reclaimed task from the
// claim the caller holds.
const claimPredicate = `id = ? AND status = 'EXECUTING' AND worker_id = ? AND execution_started_at = ?`

func claimArgs(t *models.Task) []any {
	var started int64
	if t.ExecutionStartedAt != nil {
		started = toMillis(*t.ExecutionStartedAt)
	}
	return []any{t.ID, t.WorkerID, started}
}

func scanTask(s scanner) (*models.Task, error) {
	var t models.Task
	var scheduledAt, createdAt int64
	var startedAt, executedAt, retryAfter, deferredUntil sql.NullInt64
	var sourceID, workerID, lastError sql.NullString

	err := s.Scan(
		&t.ID,
		&t.OrderID,
		&t.SequenceNumber,
		&t.Quantity,
		&t.Status,
		&t.Attempts,
		&t.MaxAttempts,
		&t.IdempotencyToken,
		&scheduledAt,
		&startedAt,
		&executedAt,
		&retryAfter,
		&deferredUntil,
		&sourceID,
		&workerID,
		&lastError,
		&t.Refunded,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	t.ScheduledAt = fromMillis(scheduledAt)
	t.CreatedAt = fromMillis(createdAt)
	t.ExecutionStartedAt = fromNullMillis(startedAt)
	t.ExecutedAt = fromNullMillis(executedAt)
	t.RetryAfter = fromNullMillis(retryAfter)
	t.DeferredUntil = fromNullMillis(deferredUntil)
	t.AssignedSourceID = sourceID.String
	t.WorkerID = workerID.String
	t.LastError = lastError.String
	return &t, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func queryTasks(ctx context.Context, q querier, query string, args ...any) ([]*models.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

func getTask(ctx context.Context, q querier, id string) (*models.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM order_tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ClaimDueTasks moves up to limit due tasks to EXECUTING for workerID.
//
// Candidates are PENDING tasks whose scheduled_at has passed and FAILED_RETRYING
// tasks whose retry_after has passed, belonging to open orders and not deferred
// past now. They are taken oldest first, where a deferred task counts from the
// end of its deferral. Each row is flipped with a conditional update, so a task is claimed by
// at most one worker even if the candidate read raced with another claimer.
func (r *SQLiteRepository) ClaimDueTasks(ctx context.Context, workerID string, now time.Time, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	nowMs := toMillis(now)
	rows, err := tx.QueryContext(ctx, `
		SELECT t.id
		FROM order_tasks t
		JOIN orders o ON o.id = t.order_id
		WHERE o.status IN ('PENDING', 'RUNNING')
		  AND ((t.status = 'PENDING' AND t.scheduled_at <= ?)
		       OR (t.status = 'FAILED_RETRYING' AND t.retry_after <= ?))
		  AND (t.deferred_until IS NULL OR t.deferred_until <= ?)
		ORDER BY COALESCE(t.deferred_until, t.scheduled_at) ASC, t.sequence_number ASC
		LIMIT ?
	`, nowMs, nowMs, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find due tasks: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due tasks: %w", err)
	}

	claimed := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE order_tasks
			SET status = 'EXECUTING',
			    execution_started_at = ?,
			    worker_id = ?,
			    deferred_until = NULL
			WHERE id = ? AND status IN ('PENDING', 'FAILED_RETRYING')
		`, nowMs, workerID, id)
		if err != nil {
			return nil, fmt.Errorf("failed to claim task %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}

		t, err := getTask(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, t)
	}

	for _, t := range claimed {
		_, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = 'RUNNING', started_at = COALESCE(started_at, ?)
			WHERE id = ? AND status = 'PENDING'
		`, nowMs, t.OrderID)
		if err != nil {
			return nil, fmt.Errorf("failed to start order %s: %w", t.OrderID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return claimed, nil
}

// AssignSource records which routing source serves the claimed task
func (r *SQLiteRepository) AssignSource(ctx context.Context, task *models.Task, sourceName string) error {
	args := append([]any{sourceName}, claimArgs(task)...)
	_, err := r.db.ExecContext(ctx, `UPDATE order_tasks SET assigned_source_id = ? WHERE `+claimPredicate, args...)
	if err != nil {
		return fmt.Errorf("failed to assign source: %w", err)
	}
	task.AssignedSourceID = sourceName
	return nil
}

// ReleaseClaim returns a claimed task to its eligible state without consuming
// an attempt. Used when no routing capacity was available for it. The task is
// not claimable again before deferUntil, so later due tasks reach the next batch.
func (r *SQLiteRepository) ReleaseClaim(ctx context.Context, task *models.Task, deferUntil time.Time) (bool, error) {
	args := append([]any{toMillis(deferUntil)}, claimArgs(task)...)
	res, err := r.db.ExecContext(ctx, `
		UPDATE order_tasks
		SET status = CASE WHEN attempts > 0 THEN 'FAILED_RETRYING' ELSE 'PENDING' END,
		    execution_started_at = NULL,
		    worker_id = NULL,
		    assigned_source_id = NULL,
		    deferred_until = ?
		WHERE `+claimPredicate, args...)
	if err != nil {
		return false, fmt.Errorf("failed to release claim: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompleteTask marks a claimed task delivered and credits its plays to the order.
// Calling it again for the same claim is a no-op.
func (r *SQLiteRepository) CompleteTask(ctx context.Context, task *models.Task, now time.Time) (*Resolution, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	nowMs := toMillis(now)
	args := append([]any{nowMs}, claimArgs(task)...)
	res, err := tx.ExecContext(ctx, `
		UPDATE order_tasks
		SET status = 'COMPLETED', executed_at = ?, retry_after = NULL, last_error = NULL
		WHERE `+claimPredicate, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return noopLocked(ctx, tx, task.ID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET delivered = delivered + ? WHERE id = ?
	`, task.Quantity, task.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to credit order: %w", err)
	}

	status, err := closeOrderIfDone(ctx, tx, task.OrderID, now)
	if err != nil {
		return nil, err
	}

	current, err := getTask(ctx, tx, task.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &Resolution{Outcome: OutcomeCompleted, Task: current, OrderStatus: status}, nil
}

// FailTask consumes one attempt of a claimed task. Below the attempt budget the
// task is rescheduled after delay(attempt); at the budget it is dead-lettered
// and its plays refunded exactly once.
func (r *SQLiteRepository) FailTask(ctx context.Context, task *models.Task, reason string, now time.Time, delay RetryDelay) (*Resolution, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getTask(ctx, tx, task.ID)
	if err != nil {
		return nil, err
	}
	if !holdsClaim(current, task) {
		return &Resolution{Outcome: OutcomeNoop, Task: current}, nil
	}

	resolution, err := failLocked(ctx, tx, current, reason, now, delay)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return resolution, nil
}

// RecoverOrphans fails every task that has been EXECUTING longer than threshold.
// Each recovery consumes one attempt, exactly like an execution failure.
func (r *SQLiteRepository) RecoverOrphans(ctx context.Context, now time.Time, threshold time.Duration, delay RetryDelay) ([]OrphanRecovery, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stale, err := queryTasks(ctx, tx, `
		SELECT `+taskColumns+`
		FROM order_tasks
		WHERE status = 'EXECUTING' AND execution_started_at < ?
		ORDER BY execution_started_at ASC
	`, toMillis(now.Add(-threshold)))
	if err != nil {
		return nil, err
	}

	var recovered []OrphanRecovery
	reason := fmt.Sprintf("orphaned: no result within %s", threshold)
	for _, t := range stale {
		res, err := failLocked(ctx, tx, t, reason, now, delay)
		if err != nil {
			return nil, err
		}
		if res.Outcome == OutcomeNoop {
			continue
		}
		recovered = append(recovered, OrphanRecovery{Resolution: *res, PreviousWorkerID: t.WorkerID})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return recovered, nil
}

func holdsClaim(current, held *models.Task) bool {
	if current.Status != models.TaskExecuting || current.WorkerID != held.WorkerID {
		return false
	}
	if current.ExecutionStartedAt == nil || held.ExecutionStartedAt == nil {
		return false
	}
	return current.ExecutionStartedAt.UnixMilli() == held.ExecutionStartedAt.UnixMilli()
}

// failLocked consumes an attempt of an EXECUTING task inside tx.
func failLocked(ctx context.Context, tx *sql.Tx, t *models.Task, reason string, now time.Time, delay RetryDelay) (*Resolution, error) {
	attempts := t.Attempts + 1
	nowMs := toMillis(now)

	if attempts < t.MaxAttempts {
		retryAt := now.Add(delay(attempts))
		res, err := tx.ExecContext(ctx, `
			UPDATE order_tasks
			SET status = 'FAILED_RETRYING', attempts = ?, retry_after = ?, last_error = ?
			WHERE id = ? AND status = 'EXECUTING' AND attempts = ?
		`, attempts, toMillis(retryAt), reason, t.ID, t.Attempts)
		if err != nil {
			return nil, fmt.Errorf("failed to schedule retry: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return noopLocked(ctx, tx, t.ID)
		}

		current, err := getTask(ctx, tx, t.ID)
		if err != nil {
			return nil, err
		}
		return &Resolution{Outcome: OutcomeRetrying, Task: current}, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE order_tasks
		SET status = 'FAILED_PERMANENT', attempts = ?, executed_at = ?, retry_after = NULL, last_error = ?
		WHERE id = ? AND status = 'EXECUTING' AND attempts = ?
	`, attempts, nowMs, reason, t.ID, t.Attempts)
	if err != nil {
		return nil, fmt.Errorf("failed to dead-letter task: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return noopLocked(ctx, tx, t.ID)
	}

	refund, err := refundLocked(ctx, tx, t, attempts, reason, now)
	if err != nil {
		return nil, err
	}

	status, err := closeOrderIfDone(ctx, tx, t.OrderID, now)
	if err != nil {
		return nil, err
	}

	current, err := getTask(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	return &Resolution{Outcome: OutcomeDeadLettered, Task: current, Refund: refund, OrderStatus: status}, nil
}

// refundLocked records the dead letter and refund for a FAILED_PERMANENT task.
// The refunded flag flips at most once, so a repeated call returns nil.
func refundLocked(ctx context.Context, tx *sql.Tx, t *models.Task, attempts int, reason string, now time.Time) (*Refund, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE order_tasks SET refunded = 1
		WHERE id = ? AND status = 'FAILED_PERMANENT' AND refunded = 0
	`, t.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to flag refund: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET failed_permanent_plays = failed_permanent_plays + ?,
		    refunded_amount = refunded_amount + ? * price_per_unit
		WHERE id = ?
	`, t.Quantity, t.Quantity, t.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to refund order: %w", err)
	}

	var price models.Money
	if err := tx.QueryRowContext(ctx, `SELECT price_per_unit FROM orders WHERE id = ?`, t.OrderID).Scan(&price); err != nil {
		return nil, fmt.Errorf("failed to read order price: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letter_tasks (id, task_id, order_id, quantity, attempts, failure_reason, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, "dlq_"+uuid.NewString(), t.ID, t.OrderID, t.Quantity, attempts, reason, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert dead letter: %w", err)
	}

	return &Refund{
		OrderID:  t.OrderID,
		TaskID:   t.ID,
		Quantity: t.Quantity,
		Amount:   price.Times(t.Quantity),
	}, nil
}

// closeOrderIfDone moves a task-delivery order to its terminal status once no
// owned task can change any more. It returns the new status, or "" if the
// order stays open.
func closeOrderIfDone(ctx context.Context, tx *sql.Tx, orderID string, now time.Time) (models.OrderStatus, error) {
	var open int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM order_tasks
		WHERE order_id = ? AND status NOT IN ('COMPLETED', 'FAILED_PERMANENT')
	`, orderID).Scan(&open)
	if err != nil {
		return "", fmt.Errorf("failed to count open tasks: %w", err)
	}
	if open > 0 {
		return "", nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = CASE WHEN failed_permanent_plays = 0 THEN 'COMPLETED' ELSE 'PARTIAL_REFUND' END,
		    completed_at = ?
		WHERE id = ? AND uses_task_delivery = 1 AND status IN ('PENDING', 'RUNNING')
	`, toMillis(now), orderID)
	if err != nil {
		return "", fmt.Errorf("failed to close order: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return "", nil
	}

	var status models.OrderStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, orderID).Scan(&status); err != nil {
		return "", fmt.Errorf("failed to read order status: %w", err)
	}
	return status, nil
}

func noopLocked(ctx context.Context, tx *sql.Tx, taskID string) (*Resolution, error) {
	current, err := getTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	return &Resolution{Outcome: OutcomeNoop, Task: current}, nil
}

// GetTask retrieves a task by ID
func (r *SQLiteRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return getTask(ctx, r.db, id)
}

// ListTasksByOrder returns an order's tasks in sequence order
func (r *SQLiteRepository) ListTasksByOrder(ctx context.Context, orderID string) ([]*models.Task, error) {
	return queryTasks(ctx, r.db, `
		SELECT `+taskColumns+`
		FROM order_tasks
		WHERE order_id = ?
		ORDER BY sequence_number ASC
	`, orderID)
}

// ListStaleExecuting returns EXECUTING tasks claimed before startedBefore
func (r *SQLiteRepository) ListStaleExecuting(ctx context.Context, startedBefore time.Time) ([]*models.Task, error) {
	return queryTasks(ctx, r.db, `
		SELECT `+taskColumns+`
		FROM order_tasks
		WHERE status = 'EXECUTING' AND execution_started_at < ?
		ORDER BY execution_started_at ASC
	`, toMillis(startedBefore))
}

// TaskStatusCounts counts an order's tasks per status
func (r *SQLiteRepository) TaskStatusCounts(ctx context.Context, orderID string) (map[models.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM order_tasks WHERE order_id = ? GROUP BY status
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status models.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task counts: %w", err)
	}
	return counts, nil
}

// ListDeadLetters returns dead-lettered tasks, newest first. An empty orderID
// lists every order.
func (r *SQLiteRepository) ListDeadLetters(ctx context.Context, orderID string) ([]*models.DeadLetter, error) {
	query := `
		SELECT id, task_id, order_id, quantity, attempts, failure_reason, failed_at
		FROM dead_letter_tasks
	`
	var args []any
	if orderID != "" {
		query += ` WHERE order_id = ?`
		args = append(args, orderID)
	}
	query += ` ORDER BY failed_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		var failedAt int64
		if err := rows.Scan(&dl.ID, &dl.TaskID, &dl.OrderID, &dl.Quantity, &dl.Attempts, &dl.FailureReason, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.FailedAt = fromMillis(failedAt)
		letters = append(letters, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}
	return letters, nil
}
