// Package v1 provides the orchestrator's HTTP handlers.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mylo-james/myloware/internal/bus"
	"github.com/mylo-james/myloware/internal/config"
	"github.com/mylo-james/myloware/internal/gateway"
	"github.com/mylo-james/myloware/internal/observability"
	"github.com/mylo-james/myloware/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	svc     *service.Service
	gateway *gateway.Gateway
	bus     *bus.Bus
	config  *config.Config
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service, gw *gateway.Gateway, b *bus.Bus, cfg *config.Config) *Handler {
	return &Handler{svc: svc, gateway: gw, bus: b, config: cfg}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Provider callbacks
	e.POST("/webhooks/:provider", h.ProviderWebhook)

	// Public API
	e.POST("/v1/runs", h.StartRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)
	e.GET("/v1/runs/:run_id/artifacts", h.GetRunArtifacts)

	// HITL approval links (opened from the notification channel)
	e.GET("/hitl/approve/:run_id/:gate_name", h.DecideGate)

	// Dead letter queue
	e.GET("/v1/dlq", h.ListDeadLetters)
	e.POST("/v1/dlq/:id/replay", h.ReplayDeadLetter)

	e.GET("/health", h.Health)
	e.GET("/metrics", echo.WrapHandler(observability.Handler()))
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
