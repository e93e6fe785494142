package service

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"playdelivery/internal/admission"
	"playdelivery/internal/models"
	"playdelivery/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

var ErrInvalidOrder = errors.New("invalid order request")

// Admitter decides whether an order fits planned capacity.
type Admitter interface {
	CanAccept(ctx context.Context, quantity int64) (*admission.Decision, error)
}

// TaskPlanner splits task-delivery orders into tasks.
type TaskPlanner interface {
	ShouldUseTaskDelivery(quantity int64) bool
	GenerateTasks(order *models.Order) iter.Seq[models.Task]
}

// OrderService runs the order acceptance flow and order lifecycle operations
type OrderService struct {
	repo      repository.Repository
	admission Admitter
	planner   TaskPlanner
	clock     clock.PassiveClock
	logger    zerolog.Logger
}

// NewOrderService creates a new order service
func NewOrderService(repo repository.Repository, admission Admitter, planner TaskPlanner, clk clock.PassiveClock, logger zerolog.Logger) *OrderService {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &OrderService{
		repo:      repo,
		admission: admission,
		planner:   planner,
		clock:     clk,
		logger:    logger,
	}
}

// CreateOrder admits and persists an order. Orders above the task threshold
// are stored together with their generated tasks in one transaction. The
// admission decision is returned for accepted and rejected orders alike.
func (s *OrderService) CreateOrder(ctx context.Context, req *models.CreateOrderRequest) (*models.Order, *admission.Decision, error) {
	if req.Quantity <= 0 {
		return nil, nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	tier, err := models.ParseTier(req.Tier)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	var price models.Money
	if req.PricePerUnit != "" {
		if price, err = models.ParseMoney(req.PricePerUnit); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
	}
	if price < 0 {
		return nil, nil, fmt.Errorf("%w: price must not be negative", ErrInvalidOrder)
	}

	decision, err := s.admission.CanAccept(ctx, req.Quantity)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to evaluate capacity: %w", err)
	}
	if !decision.Accepted {
		s.logger.Warn().
			Int64("quantity", req.Quantity).
			Int64("available", decision.AvailableCapacity72h).
			Msg("order rejected by admission control")
		return nil, decision, decision.Err(req.Quantity)
	}

	order := &models.Order{
		ID:           uuid.NewString(),
		Quantity:     req.Quantity,
		Status:       models.OrderPending,
		Tier:         tier,
		GeoProfile:   req.GeoProfile,
		PricePerUnit: price,
		TotalCost:    price.Times(req.Quantity),
		CreatedAt:    s.clock.Now(),
	}
	if !decision.EstimatedCompletionAt.IsZero() {
		eta := decision.EstimatedCompletionAt
		order.EstimatedCompletionAt = &eta
	}

	logger := s.logger.With().Str("order_id", order.ID).Logger()

	if !s.planner.ShouldUseTaskDelivery(order.Quantity) {
		if err := s.repo.CreateOrder(ctx, order); err != nil {
			return nil, decision, err
		}
		logger.Info().Int64("quantity", order.Quantity).Msg("instant order accepted")
		return order, decision, nil
	}

	n, err := s.repo.CreateOrderWithTasks(ctx, order, s.planner.GenerateTasks(order))
	if err != nil {
		order.UsesTaskDelivery = false
		return nil, decision, err
	}

	logger.Info().
		Int64("quantity", order.Quantity).
		Int("tasks", n).
		Str("tier", string(order.Tier)).
		Msg("task delivery order accepted")
	return order, decision, nil
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListOpen lists orders still pending or running
func (s *OrderService) ListOpen(ctx context.Context) ([]*models.Order, error) {
	orders, err := s.repo.ListOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	return orders, nil
}

// TaskCounts returns an order's task counts by status
func (s *OrderService) TaskCounts(ctx context.Context, id string) (map[models.TaskStatus]int, error) {
	if _, err := s.repo.GetOrder(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.TaskStatusCounts(ctx, id)
}

// CompleteInstant records full delivery of an instant order
func (s *OrderService) CompleteInstant(ctx context.Context, id string) error {
	if err := s.repo.CompleteInstantOrder(ctx, id, s.clock.Now()); err != nil {
		return err
	}
	s.logger.Info().Str("order_id", id).Msg("instant order completed")
	return nil
}

// Cancel stops an open order. Orders with executing tasks cannot be cancelled.
func (s *OrderService) Cancel(ctx context.Context, id string) error {
	if err := s.repo.CancelOrder(ctx, id, s.clock.Now()); err != nil {
		return err
	}
	s.logger.Info().Str("order_id", id).Msg("order cancelled")
	return nil
}

// ListDeadLetters lists dead-lettered tasks, optionally for one order
func (s *OrderService) ListDeadLetters(ctx context.Context, orderID string) ([]*models.DeadLetter, error) {
	letters, err := s.repo.ListDeadLetters(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return letters, nil
}
