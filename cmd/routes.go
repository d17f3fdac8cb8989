package cmd

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-queue/internal/handlers"
	"ticket-queue/utils"
)

func registerRoutes(se *core.ServeEvent, s *server) {
	queueHandler := handlers.NewQueueHandler(s.queue, s.hub, s.logger)
	adminHandler := handlers.NewAdminHandler(s.queue, s.logger)
	internalHandler := handlers.NewInternalHandler(s.locks, s.reservations, s.logger)

	// Queue endpoints
	queue := se.Router.Group("/queue")
	queue.Bind(apis.RequireAuth())
	queue.POST("/check/{eventId}", queueHandler.CheckIn).BindFunc(s.rateLimiter.QueueRateLimit())
	queue.POST("/leave/{eventId}", queueHandler.Leave)
	queue.GET("/status/{eventId}", queueHandler.Status)
	if s.hub != nil {
		queue.GET("/ws/{eventId}", queueHandler.Connect)
	}

	// Admin endpoints
	queue.POST("/admin/clear/{eventId}", adminHandler.ClearQueue).Bind(apis.RequireSuperuserAuth())
	queue.GET("/admin/{eventId}", adminHandler.QueueInfo).Bind(apis.RequireSuperuserAuth())

	// Internal endpoints for the booking and payment collaborators
	internal := se.Router.Group("/internal")
	internal.BindFunc(s.internalAuth.Middleware())
	internal.POST("/locks/acquire", internalHandler.AcquireLock)
	internal.POST("/locks/release", internalHandler.ReleaseLock)
	internal.POST("/reservations", internalHandler.CreateReservation)
	internal.GET("/reservations/{id}", internalHandler.GetReservation)
	internal.POST("/reservations/{id}/confirm", internalHandler.ConfirmReservation)
	internal.POST("/reservations/{id}/cancel", internalHandler.CancelReservation)

	se.Router.GET("/health", s.health)
}

func (s *server) health(e *core.RequestEvent) error {
	breaker := s.store.Breaker().State()

	if err := utils.RedisHealthCheck(e.Request.Context(), s.redis); err != nil {
		return e.JSON(http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"redis":   "unreachable",
			"breaker": breaker.String(),
		})
	}
	if breaker == utils.StateOpen {
		return e.JSON(http.StatusServiceUnavailable, map[string]string{
			"status":  "degraded",
			"redis":   "ok",
			"breaker": breaker.String(),
		})
	}
	return e.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"redis":   "ok",
		"breaker": breaker.String(),
	})
}
