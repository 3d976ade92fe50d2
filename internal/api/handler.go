// Package api provides HTTP handlers for the session service.
package api

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shaket-dev/shaket/internal/config"
	"github.com/shaket-dev/shaket/internal/coordinator"
	"github.com/shaket-dev/shaket/internal/eventlog"
	"github.com/shaket-dev/shaket/internal/messenger"
	"github.com/shaket-dev/shaket/internal/policy"
)

// Handler handles HTTP requests.
type Handler struct {
	state     *eventlog.StateManager
	messenger *messenger.SessionMessenger
	registry  *coordinator.Registry
	guard     *policy.Engine
	config    *config.Config
	logger    *slog.Logger
}

// NewHandler creates a new handler.
func NewHandler(state *eventlog.StateManager, m *messenger.SessionMessenger, registry *coordinator.Registry, guard *policy.Engine, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		state:     state,
		messenger: m,
		registry:  registry,
		guard:     guard,
		config:    cfg,
		logger:    logger.With("component", "api"),
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Session lifecycle
	e.POST("/v1/negotiations", h.StartNegotiation)
	e.POST("/v1/auctions", h.StartAuction)
	e.GET("/v1/sessions", h.ListSessions)
	e.GET("/v1/sessions/:session_id", h.GetSession)
	e.GET("/v1/sessions/:session_id/events", h.GetSessionEvents)
	e.POST("/v1/sessions/:session_id/abort", h.AbortSession)
	e.POST("/v1/sessions/:session_id/archive", h.ArchiveSession)

	// Negotiation actions
	e.POST("/v1/sessions/:session_id/offers", h.SubmitOffer)
	e.POST("/v1/sessions/:session_id/accept", h.AcceptOffer)
	e.POST("/v1/sessions/:session_id/reject", h.RejectOffer)

	// Auction actions
	e.POST("/v1/sessions/:session_id/join", h.JoinAuction)
	e.POST("/v1/sessions/:session_id/responses", h.ReceiveResponse)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
