package handlers

import (
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-queue/internal/status"
)

type errorResponse struct {
	Error string      `json:"error"`
	Code  status.Code `json:"code"`
}

// respondError writes domain errors with their status code. Unknown errors are
// logged and hidden behind a generic message.
func respondError(e *core.RequestEvent, logger *slog.Logger, err error) error {
	code := status.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		logger.Error("Request failed", "method", e.Request.Method, "path", e.Request.URL.Path, "error", err)
		msg := "Internal server error"
		if code == http.StatusServiceUnavailable {
			msg = "Service temporarily unavailable"
		}
		return e.JSON(code, errorResponse{Error: msg, Code: status.CodeOf(err)})
	}

	if !status.IsExpected(err) {
		logger.Warn("Request rejected", "method", e.Request.Method, "path", e.Request.URL.Path, "error", err)
	}
	return e.JSON(code, errorResponse{Error: err.Error(), Code: status.CodeOf(err)})
}

func authUserID(e *core.RequestEvent) (string, error) {
	if e.Auth == nil || e.Auth.Id == "" {
		return "", apis.NewUnauthorizedError("Unauthorized", nil)
	}
	return e.Auth.Id, nil
}

func requireEventID(e *core.RequestEvent) (string, error) {
	eventID := e.Request.PathValue("eventId")
	if eventID == "" {
		return "", apis.NewBadRequestError("Event ID required", nil)
	}
	return eventID, nil
}
