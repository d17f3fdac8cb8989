package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"

	"ticket-queue/internal/services"
	"ticket-queue/models"
)

type LockManager interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) error
	Release(ctx context.Context, key, holder string) error
}

type ReservationManager interface {
	Create(ctx context.Context, in services.CreateReservationInput) (*models.Reservation, error)
	Get(ctx context.Context, id string) (*models.Reservation, error)
	Confirm(ctx context.Context, id, paymentRef string, paidAmount decimal.Decimal) (*models.Reservation, error)
	Cancel(ctx context.Context, id, reason string) (*models.Reservation, error)
}

// InternalHandler serves the seat-selection and payment collaborators.
type InternalHandler struct {
	locks        LockManager
	reservations ReservationManager
	logger       *slog.Logger
}

func NewInternalHandler(locks LockManager, reservations ReservationManager, logger *slog.Logger) *InternalHandler {
	return &InternalHandler{locks: locks, reservations: reservations, logger: logger}
}

type lockRequest struct {
	EventID      string `json:"eventId"`
	SeatID       string `json:"seatId"`
	TicketTypeID string `json:"ticketTypeId"`
	HolderID     string `json:"holderId"`
	TTLSeconds   int    `json:"ttlSeconds"`
}

func (r lockRequest) key() string {
	if r.SeatID != "" {
		return models.SeatLockKey(r.EventID, r.SeatID)
	}
	return models.TicketLockKey(r.TicketTypeID)
}

func (r lockRequest) valid() bool {
	if r.HolderID == "" || r.TTLSeconds < 0 {
		return false
	}
	if r.SeatID != "" {
		return r.EventID != ""
	}
	return r.TicketTypeID != ""
}

// AcquireLock - POST /internal/locks/acquire
func (h *InternalHandler) AcquireLock(e *core.RequestEvent) error {
	var req lockRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if !req.valid() {
		return apis.NewBadRequestError("holderId and either eventId+seatId or ticketTypeId are required", nil)
	}

	key := req.key()
	if err := h.locks.Acquire(e.Request.Context(), key, req.HolderID, time.Duration(req.TTLSeconds)*time.Second); err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"acquired": true, "key": key})
}

// ReleaseLock - POST /internal/locks/release
func (h *InternalHandler) ReleaseLock(e *core.RequestEvent) error {
	var req lockRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if !req.valid() {
		return apis.NewBadRequestError("holderId and either eventId+seatId or ticketTypeId are required", nil)
	}

	if err := h.locks.Release(e.Request.Context(), req.key(), req.HolderID); err != nil {
		return respondError(e, h.logger, err)
	}
	return e.NoContent(http.StatusNoContent)
}

// CreateReservation - POST /internal/reservations
func (h *InternalHandler) CreateReservation(e *core.RequestEvent) error {
	var req services.CreateReservationInput
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	r, err := h.reservations.Create(e.Request.Context(), req)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusCreated, r)
}

// GetReservation - GET /internal/reservations/{id}
func (h *InternalHandler) GetReservation(e *core.RequestEvent) error {
	r, err := h.reservations.Get(e.Request.Context(), e.Request.PathValue("id"))
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, r)
}

// ConfirmReservation - POST /internal/reservations/{id}/confirm
func (h *InternalHandler) ConfirmReservation(e *core.RequestEvent) error {
	var req struct {
		PaymentRef string          `json:"paymentRef"`
		Amount     decimal.Decimal `json:"amount"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.PaymentRef == "" {
		return apis.NewBadRequestError("paymentRef is required", nil)
	}

	r, err := h.reservations.Confirm(e.Request.Context(), e.Request.PathValue("id"), req.PaymentRef, req.Amount)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, r)
}

// CancelReservation - POST /internal/reservations/{id}/cancel
func (h *InternalHandler) CancelReservation(e *core.RequestEvent) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	r, err := h.reservations.Cancel(e.Request.Context(), e.Request.PathValue("id"), req.Reason)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, r)
}
