package handlers

import (
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type AdminHandler struct {
	queue  QueueManager
	logger *slog.Logger
}

func NewAdminHandler(queue QueueManager, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{queue: queue, logger: logger}
}

// ClearQueue - POST /queue/admin/clear/{eventId}
func (h *AdminHandler) ClearQueue(e *core.RequestEvent) error {
	if !e.HasSuperuserAuth() {
		return apis.NewForbiddenError("Admin access required", nil)
	}
	eventID, err := requireEventID(e)
	if err != nil {
		return err
	}

	if err := h.queue.AdminClear(e.Request.Context(), eventID); err != nil {
		return respondError(e, h.logger, err)
	}

	h.logger.Info("Queue cleared by admin", "event_id", eventID, "admin_id", e.Auth.Id)
	return e.NoContent(http.StatusNoContent)
}

// QueueInfo - GET /queue/admin/{eventId}
func (h *AdminHandler) QueueInfo(e *core.RequestEvent) error {
	if !e.HasSuperuserAuth() {
		return apis.NewForbiddenError("Admin access required", nil)
	}
	eventID, err := requireEventID(e)
	if err != nil {
		return err
	}

	info, err := h.queue.Info(e.Request.Context(), eventID)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, info)
}
