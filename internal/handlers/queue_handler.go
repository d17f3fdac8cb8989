package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase/core"

	"ticket-queue/models"
)

// QueueManager is the admission queue as the HTTP layer sees it.
type QueueManager interface {
	CheckIn(ctx context.Context, eventID, userID string) (*models.CheckInResult, error)
	Leave(ctx context.Context, eventID, userID string) error
	Status(ctx context.Context, eventID, userID string) (*models.QueueStatus, error)
	AdminClear(ctx context.Context, eventID string) error
	Info(ctx context.Context, eventID string) (*models.QueueInfo, error)
}

// Connector serves a user's real-time connection for an event.
type Connector interface {
	Serve(w http.ResponseWriter, r *http.Request, eventID, userID string) error
}

type QueueHandler struct {
	queue  QueueManager
	hub    Connector
	logger *slog.Logger
}

func NewQueueHandler(queue QueueManager, hub Connector, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{
		queue:  queue,
		hub:    hub,
		logger: logger,
	}
}

// CheckIn - POST /queue/check/{eventId}
func (h *QueueHandler) CheckIn(e *core.RequestEvent) error {
	userID, err := authUserID(e)
	if err != nil {
		return err
	}
	eventID, err := requireEventID(e)
	if err != nil {
		return err
	}

	res, err := h.queue.CheckIn(e.Request.Context(), eventID, userID)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, res)
}

// Leave - POST /queue/leave/{eventId}
func (h *QueueHandler) Leave(e *core.RequestEvent) error {
	userID, err := authUserID(e)
	if err != nil {
		return err
	}
	eventID, err := requireEventID(e)
	if err != nil {
		return err
	}

	if err := h.queue.Leave(e.Request.Context(), eventID, userID); err != nil {
		return respondError(e, h.logger, err)
	}
	return e.NoContent(http.StatusNoContent)
}

// Status - GET /queue/status/{eventId}
func (h *QueueHandler) Status(e *core.RequestEvent) error {
	userID, err := authUserID(e)
	if err != nil {
		return err
	}
	eventID, err := requireEventID(e)
	if err != nil {
		return err
	}

	st, err := h.queue.Status(e.Request.Context(), eventID, userID)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, st)
}

// Connect - GET /queue/ws/{eventId}
func (h *QueueHandler) Connect(e *core.RequestEvent) error {
	userID, err := authUserID(e)
	if err != nil {
		return err
	}
	eventID, err := requireEventID(e)
	if err != nil {
		return err
	}

	if err := h.hub.Serve(e.Response, e.Request, eventID, userID); err != nil {
		h.logger.Debug("WebSocket upgrade failed", "event_id", eventID, "user_id", userID, "error", err)
	}
	return nil
}
