package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"playdelivery/internal/models"

	"github.com/mattn/go-sqlite3"
)

// SQLiteRepository implements Repository using SQLite.
//
// Every write transaction is opened with _txlock=immediate so the write lock is
// taken at BEGIN. Claims and resolutions from concurrent workers, including
// workers in other processes sharing the database file, are serialized by the
// store rather than by application locks.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	dsn := dbPath + "?_journal_mode=WAL&_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		delivered INTEGER NOT NULL DEFAULT 0,
		failed_permanent_plays INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'PENDING',
		uses_task_delivery INTEGER NOT NULL DEFAULT 0,
		tier TEXT NOT NULL DEFAULT 'DEFAULT',
		geo_profile TEXT NOT NULL DEFAULT '',
		price_per_unit INTEGER NOT NULL DEFAULT 0,
		total_cost INTEGER NOT NULL DEFAULT 0,
		refunded_amount INTEGER NOT NULL DEFAULT 0,
		estimated_completion_at INTEGER,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		CHECK (delivered + failed_permanent_plays <= quantity)
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

	CREATE TABLE IF NOT EXISTS order_tasks (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		sequence_number INTEGER NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		status TEXT NOT NULL DEFAULT 'PENDING',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		idempotency_token TEXT NOT NULL UNIQUE,
		scheduled_at INTEGER NOT NULL,
		execution_started_at INTEGER,
		executed_at INTEGER,
		retry_after INTEGER,
		deferred_until INTEGER,
		assigned_source_id TEXT,
		worker_id TEXT,
		last_error TEXT,
		refunded INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE(order_id, sequence_number)
	);

	CREATE INDEX IF NOT EXISTS idx_order_tasks_due ON order_tasks(status, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_order_tasks_order_id ON order_tasks(order_id);

	CREATE TABLE IF NOT EXISTS dead_letter_tasks (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL UNIQUE,
		order_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		failure_reason TEXT NOT NULL,
		failed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letter_tasks_order_id ON dead_letter_tasks(order_id);
	`

	if _, err := r.db.Exec(schema); err != nil {
		return err
	}
	// Stores created before claim deferral lack the column.
	return r.addColumn("order_tasks", "deferred_until", "INTEGER")
}

func (r *SQLiteRepository) addColumn(table, column, decl string) error {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	_, err = r.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

const orderColumns = `id, quantity, delivered, failed_permanent_plays, status, uses_task_delivery,
	tier, geo_profile, price_per_unit, total_cost, refunded_amount, estimated_completion_at,
	created_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*models.Order, error) {
	var o models.Order
	var estimated, startedAt, completedAt sql.NullInt64
	var createdAt int64

	err := s.Scan(
		&o.ID,
		&o.Quantity,
		&o.Delivered,
		&o.FailedPermanentPlays,
		&o.Status,
		&o.UsesTaskDelivery,
		&o.Tier,
		&o.GeoProfile,
		&o.PricePerUnit,
		&o.TotalCost,
		&o.RefundedAmount,
		&estimated,
		&createdAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	o.CreatedAt = fromMillis(createdAt)
	o.EstimatedCompletionAt = fromNullMillis(estimated)
	o.StartedAt = fromNullMillis(startedAt)
	o.CompletedAt = fromNullMillis(completedAt)
	return &o, nil
}

// CreateOrder inserts an order without tasks
func (r *SQLiteRepository) CreateOrder(ctx context.Context, order *models.Order) error {
	if err := insertOrder(ctx, r.db, order); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// CreateOrderWithTasks inserts the order and all of its tasks atomically.
// A task-delivery order that yields no tasks is rolled back.
func (r *SQLiteRepository) CreateOrderWithTasks(ctx context.Context, order *models.Order, tasks iter.Seq[models.Task]) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertOrder(ctx, tx, order); err != nil {
		return 0, fmt.Errorf("failed to create order: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO order_tasks (id, order_id, sequence_number, quantity, status, attempts, max_attempts,
		                         idempotency_token, scheduled_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare task insert: %w", err)
	}
	defer stmt.Close()

	count := 0
	var total int64
	for task := range tasks {
		if task.OrderID != order.ID {
			return 0, fmt.Errorf("task %s belongs to order %s, not %s", task.ID, task.OrderID, order.ID)
		}
		_, err := stmt.ExecContext(ctx,
			task.ID,
			task.OrderID,
			task.SequenceNumber,
			task.Quantity,
			task.Status,
			task.Attempts,
			task.MaxAttempts,
			task.IdempotencyToken,
			toMillis(task.ScheduledAt),
			toMillis(task.CreatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, &ErrDuplicateTask{OrderID: task.OrderID, SequenceNumber: task.SequenceNumber}
			}
			return 0, fmt.Errorf("failed to insert task %d: %w", task.SequenceNumber, err)
		}
		count++
		total += task.Quantity
	}

	if order.UsesTaskDelivery && count == 0 {
		return 0, fmt.Errorf("order %s flagged for task delivery but no tasks were generated", order.ID)
	}
	if order.UsesTaskDelivery && total != order.Quantity {
		return 0, fmt.Errorf("order %s tasks cover %d plays, want %d", order.ID, total, order.Quantity)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return count, nil
}

// ErrDuplicateTask is returned when a task's sequence number or idempotency token already exists
type ErrDuplicateTask struct {
	OrderID        string
	SequenceNumber int
}

func (e *ErrDuplicateTask) Error() string {
	return fmt.Sprintf("task %d of order %s already exists", e.SequenceNumber, e.OrderID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertOrder(ctx context.Context, db execer, o *models.Order) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO orders (id, quantity, delivered, failed_permanent_plays, status, uses_task_delivery,
		                    tier, geo_profile, price_per_unit, total_cost, refunded_amount,
		                    estimated_completion_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID,
		o.Quantity,
		o.Delivered,
		o.FailedPermanentPlays,
		o.Status,
		o.UsesTaskDelivery,
		o.Tier,
		o.GeoProfile,
		o.PricePerUnit,
		o.TotalCost,
		o.RefundedAmount,
		nullMillis(o.EstimatedCompletionAt),
		toMillis(o.CreatedAt),
	)
	return err
}

// GetOrder retrieves an order by ID
func (r *SQLiteRepository) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// ListOpenOrders returns orders still taking delivery work
func (r *SQLiteRepository) ListOpenOrders(ctx context.Context) ([]*models.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}
	return orders, nil
}

// PendingPlays sums the undelivered, unrefunded plays of all open orders
func (r *SQLiteRepository) PendingPlays(ctx context.Context) (int64, error) {
	var pending int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity - delivered - failed_permanent_plays), 0)
		FROM orders
		WHERE status IN ('PENDING', 'RUNNING')
	`).Scan(&pending)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pending plays: %w", err)
	}
	return pending, nil
}

// CompleteInstantOrder marks a non-task order as fully delivered
func (r *SQLiteRepository) CompleteInstantOrder(ctx context.Context, id string, now time.Time) error {
	nowMs := toMillis(now)
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET delivered = quantity,
		    status = 'COMPLETED',
		    started_at = COALESCE(started_at, ?),
		    completed_at = ?
		WHERE id = ? AND uses_task_delivery = 0 AND status IN ('PENDING', 'RUNNING')
	`, nowMs, nowMs, id)
	if err != nil {
		return fmt.Errorf("failed to complete order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	if _, err := r.GetOrder(ctx, id); err != nil {
		return err
	}
	return ErrOrderNotOpen
}

// CancelOrder cancels an open order that has no task executing
func (r *SQLiteRepository) CancelOrder(ctx context.Context, id string, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status models.OrderStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("failed to get order: %w", err)
	}
	if !status.IsOpen() {
		return ErrOrderNotOpen
	}

	var executing int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM order_tasks WHERE order_id = ? AND status = 'EXECUTING'
	`, id).Scan(&executing)
	if err != nil {
		return fmt.Errorf("failed to count executing tasks: %w", err)
	}
	if executing > 0 {
		return ErrOrderBusy
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = 'CANCELLED', completed_at = ? WHERE id = ?
	`, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
