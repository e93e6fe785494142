package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"playdelivery/internal/admission"
	"playdelivery/internal/execution"
	"playdelivery/internal/metrics"
	"playdelivery/internal/models"
	"playdelivery/internal/repository"
	"playdelivery/internal/service"
	"playdelivery/internal/validator"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Orders is the order side of the ops surface
type Orders interface {
	CreateOrder(ctx context.Context, req *models.CreateOrderRequest) (*models.Order, *admission.Decision, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOpen(ctx context.Context) ([]*models.Order, error)
	TaskCounts(ctx context.Context, id string) (map[models.TaskStatus]int, error)
	Cancel(ctx context.Context, id string) error
	ListDeadLetters(ctx context.Context, orderID string) ([]*models.DeadLetter, error)
}

// Checker runs consistency checks
type Checker interface {
	ValidateOrder(ctx context.Context, orderID string) (*validator.ValidationResult, error)
	CheckOrphans(ctx context.Context) (*validator.OrphanResult, error)
}

// ChaosSwitches are the worker's runtime fault switches
type ChaosSwitches interface {
	State() execution.ChaosState
	SetPaused(paused bool)
	Ban(source string)
	Unban(source string)
	SetFailureRate(rate float64)
}

// OrderHandler handles HTTP requests for orders and delivery status
type OrderHandler struct {
	orders    Orders
	checker   Checker
	admission service.Admitter
	metrics   *metrics.Metrics
	chaos     ChaosSwitches
	logger    zerolog.Logger
}

// NewOrderHandler creates a new order handler. metrics may be nil, in which
// case /stats and /metrics are not served.
func NewOrderHandler(orders Orders, checker Checker, admission service.Admitter, metrics *metrics.Metrics, logger zerolog.Logger) *OrderHandler {
	return &OrderHandler{
		orders:    orders,
		checker:   checker,
		admission: admission,
		metrics:   metrics,
		logger:    logger,
	}
}

// WithChaos serves the /chaos routes against c
func (h *OrderHandler) WithChaos(c ChaosSwitches) *OrderHandler {
	h.chaos = c
	return h
}

// Routes builds the router
func (h *OrderHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/", h.ListOpenOrders)
		r.Get("/{id}", h.GetOrder)
		r.Get("/{id}/tasks", h.GetTaskCounts)
		r.Get("/{id}/validate", h.ValidateOrder)
		r.Post("/{id}/cancel", h.CancelOrder)
	})
	r.Get("/orphans", h.GetOrphans)
	r.Get("/dlq", h.GetDeadLetters)
	r.Get("/capacity", h.GetCapacity)

	if h.metrics != nil {
		r.Get("/stats", h.GetStats)
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}
	if h.chaos != nil {
		r.Route("/chaos", func(r chi.Router) {
			r.Get("/", h.GetChaos)
			r.Post("/pause", h.PauseWorker)
			r.Post("/resume", h.ResumeWorker)
			r.Put("/bans/{source}", h.BanSource)
			r.Delete("/bans/{source}", h.UnbanSource)
			r.Put("/failure-rate", h.SetFailureRate)
		})
	}
	return r
}

func (h *OrderHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if r.URL.Path == "/healthz" {
			return
		}
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(started)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request served")
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type createOrderResponse struct {
	Order    *models.Order       `json:"order,omitempty"`
	Decision *admission.Decision `json:"decision,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// CreateOrder handles POST /orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req models.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, decision, err := h.orders.CreateOrder(r.Context(), &req)
	switch {
	case errors.Is(err, admission.ErrRejected):
		writeJSON(w, http.StatusUnprocessableEntity, createOrderResponse{Decision: decision, Error: err.Error()})
		return
	case err != nil:
		h.fail(w, r, err, "order creation failed")
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{Order: order, Decision: decision})
}

// GetOrder handles GET /orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err, "failed to retrieve order")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListOpenOrders handles GET /orders
func (h *OrderHandler) ListOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListOpen(r.Context())
	if err != nil {
		h.fail(w, r, err, "failed to list orders")
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetTaskCounts handles GET /orders/{id}/tasks
func (h *OrderHandler) GetTaskCounts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	counts, err := h.orders.TaskCounts(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "failed to count tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "counts": counts})
}

// ValidateOrder handles GET /orders/{id}/validate
func (h *OrderHandler) ValidateOrder(w http.ResponseWriter, r *http.Request) {
	res, err := h.checker.ValidateOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err, "failed to validate order")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelOrder handles POST /orders/{id}/cancel
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.orders.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err, "failed to cancel order")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetOrphans handles GET /orphans
func (h *OrderHandler) GetOrphans(w http.ResponseWriter, r *http.Request) {
	res, err := h.checker.CheckOrphans(r.Context())
	if err != nil {
		h.fail(w, r, err, "failed to check orphans")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetDeadLetters handles GET /dlq?order_id=
func (h *OrderHandler) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.orders.ListDeadLetters(r.Context(), r.URL.Query().Get("order_id"))
	if err != nil {
		h.fail(w, r, err, "failed to retrieve dead letter queue")
		return
	}
	if letters == nil {
		letters = []*models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

// GetCapacity handles GET /capacity?quantity=
func (h *OrderHandler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	quantity, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "quantity query parameter must be an integer")
		return
	}

	decision, err := h.admission.CanAccept(r.Context(), quantity)
	if err != nil {
		h.fail(w, r, err, "failed to evaluate capacity")
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// GetStats handles GET /stats
func (h *OrderHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.GetSnapshot())
}

// GetChaos handles GET /chaos
func (h *OrderHandler) GetChaos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.chaos.State())
}

// PauseWorker handles POST /chaos/pause
func (h *OrderHandler) PauseWorker(w http.ResponseWriter, r *http.Request) {
	h.chaos.SetPaused(true)
	h.logger.Warn().Msg("worker pause requested")
	writeJSON(w, http.StatusOK, h.chaos.State())
}

// ResumeWorker handles POST /chaos/resume
func (h *OrderHandler) ResumeWorker(w http.ResponseWriter, r *http.Request) {
	h.chaos.SetPaused(false)
	h.logger.Info().Msg("worker resumed")
	writeJSON(w, http.StatusOK, h.chaos.State())
}

// BanSource handles PUT /chaos/bans/{source}
func (h *OrderHandler) BanSource(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	h.chaos.Ban(source)
	h.logger.Warn().Str("source", source).Msg("source banned")
	writeJSON(w, http.StatusOK, h.chaos.State())
}

// UnbanSource handles DELETE /chaos/bans/{source}
func (h *OrderHandler) UnbanSource(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	h.chaos.Unban(source)
	h.logger.Info().Str("source", source).Msg("source unbanned")
	writeJSON(w, http.StatusOK, h.chaos.State())
}

type failureRateRequest struct {
	Rate *float64 `json:"rate"`
}

// SetFailureRate handles PUT /chaos/failure-rate
func (h *OrderHandler) SetFailureRate(w http.ResponseWriter, r *http.Request) {
	var req failureRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Rate == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"rate\": <0..1>}")
		return
	}
	if *req.Rate < 0 || *req.Rate > 1 {
		writeError(w, http.StatusBadRequest, "rate must be in [0, 1]")
		return
	}
	h.chaos.SetFailureRate(*req.Rate)
	h.logger.Warn().Float64("rate", *req.Rate).Msg("failure injection rate set")
	writeJSON(w, http.StatusOK, h.chaos.State())
}

// fail maps err to a status code. Unexpected errors are logged and reported
// as 500 with msg.
func (h *OrderHandler) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, repository.ErrOrderNotFound), errors.Is(err, repository.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidOrder), errors.Is(err, admission.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrOrderNotOpen), errors.Is(err, repository.ErrOrderBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg(msg)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
