package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shaket-dev/shaket/internal/coordinator"
	"github.com/shaket-dev/shaket/internal/domain"
)

// ContextSpec describes one participant in a start request.
type ContextSpec struct {
	ContextID string `json:"context_id,omitempty"` // generated when empty
	Role      string `json:"role"`
	Endpoint  string `json:"endpoint"`
	Name      string `json:"name,omitempty"`
}

func (s ContextSpec) toDomain(defaultRole domain.Role) domain.Context {
	id := s.ContextID
	if id == "" {
		id = domain.NewContextID()
	}
	role := domain.Role(s.Role)
	if role == "" {
		role = defaultRole
	}
	return domain.Context{ContextID: id, Role: role, Endpoint: s.Endpoint, Name: s.Name}
}

// NegotiationStartRequest is the request to start a negotiation.
type NegotiationStartRequest struct {
	Initiator      ContextSpec `json:"initiator"`
	Counterparty   ContextSpec `json:"counterparty"`
	MaxRounds      int         `json:"max_rounds,omitempty"`
	TurnDeadlineMS int         `json:"turn_deadline_ms,omitempty"`
}

// StartNegotiation creates a two-party negotiation session.
// POST /v1/negotiations
func (h *Handler) StartNegotiation(c echo.Context) error {
	var req NegotiationStartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Initiator.Endpoint == "" || req.Counterparty.Endpoint == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "initiator and counterparty endpoints are required"})
	}

	cfg := coordinator.NegotiationConfig{
		MaxRounds:    req.MaxRounds,
		TurnDeadline: time.Duration(req.TurnDeadlineMS) * time.Millisecond,
	}
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = h.config.DefaultMaxRounds
	}
	if req.TurnDeadlineMS == 0 {
		cfg.TurnDeadline = h.config.TurnDeadline
	}

	initiator := req.Initiator.toDomain(domain.RoleBuyer)
	counterparty := req.Counterparty.toDomain(domain.RoleSeller)

	neg := coordinator.NewNegotiation(h.state, h.messenger, h.guard, h.logger)
	sessionID, err := neg.Start(c.Request().Context(), initiator, counterparty, cfg)
	if err != nil {
		return h.httpError(c, err)
	}
	h.registry.Add(neg)
	if cfg.TurnDeadline > 0 {
		go neg.Watch(context.Background())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id":      sessionID,
		"initiator_id":    initiator.ContextID,
		"counterparty_id": counterparty.ContextID,
	})
}

// AuctionStartRequest is the request to start a reverse auction.
type AuctionStartRequest struct {
	Initiator       ContextSpec   `json:"initiator"`
	Sellers         []ContextSpec `json:"sellers"`
	MaxRounds       int           `json:"max_rounds,omitempty"`
	RoundDeadlineMS int           `json:"round_deadline_ms,omitempty"`
}

// StartAuction creates a reverse auction session and runs its round loop in
// the background.
// POST /v1/auctions
func (h *Handler) StartAuction(c echo.Context) error {
	var req AuctionStartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Initiator.Endpoint == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "initiator endpoint is required"})
	}
	if len(req.Sellers) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "at least one seller is required"})
	}

	cfg := coordinator.AuctionConfig{
		MaxRounds:     req.MaxRounds,
		RoundDeadline: time.Duration(req.RoundDeadlineMS) * time.Millisecond,
	}
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = h.config.DefaultMaxRounds
	}
	if req.RoundDeadlineMS == 0 {
		cfg.RoundDeadline = h.config.RoundDeadline
	}

	initiator := req.Initiator.toDomain(domain.RoleBuyer)
	sellers := make([]domain.Context, len(req.Sellers))
	sellerIDs := make([]string, len(req.Sellers))
	for i, s := range req.Sellers {
		sellers[i] = s.toDomain(domain.RoleSeller)
		sellerIDs[i] = sellers[i].ContextID
	}

	auc := coordinator.NewReverseAuction(h.state, h.messenger, h.guard, h.logger)
	sessionID, err := auc.Start(c.Request().Context(), initiator, sellers, cfg)
	if err != nil {
		return h.httpError(c, err)
	}
	h.registry.Add(auc)

	go func() {
		if _, err := auc.Run(context.Background()); err != nil {
			h.logger.Error("auction run failed", "session_id", sessionID, "error", err)
		}
	}()

	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id":   sessionID,
		"initiator_id": initiator.ContextID,
		"seller_ids":   sellerIDs,
	})
}

// ListSessions lists all known session ids.
// GET /v1/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	ids, err := h.registry.List(c.Request().Context())
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": ids})
}

// GetSession returns the derived state of a session.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	sessionID := c.Param("session_id")
	exists, err := h.sessionExists(c, sessionID)
	if err != nil {
		return h.httpError(c, err)
	}
	if !exists {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}

	state, err := h.state.DeriveState(c.Request().Context(), sessionID)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

// GetSessionEvents returns the ordered audit trail of a session.
// GET /v1/sessions/:session_id/events
func (h *Handler) GetSessionEvents(c echo.Context) error {
	sessionID := c.Param("session_id")

	events, err := h.state.History(c.Request().Context(), sessionID)
	if err != nil {
		return h.httpError(c, err)
	}
	if len(events) == 0 {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"events":     events,
	})
}

// AbortRequest carries the operator's reason.
type AbortRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AbortSession force-terminates a session.
// POST /v1/sessions/:session_id/abort
func (h *Handler) AbortSession(c echo.Context) error {
	sessionID := c.Param("session_id")
	exists, err := h.sessionExists(c, sessionID)
	if err != nil {
		return h.httpError(c, err)
	}
	if !exists {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}

	var req AbortRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	reason := req.Reason
	if reason == "" {
		reason = "aborted by operator"
	}

	if err := coordinator.AbortSession(c.Request().Context(), h.state, h.messenger, h.logger, sessionID, reason); err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
}

// ArchiveSession drops a terminal session's coordinator. Events are kept.
// POST /v1/sessions/:session_id/archive
func (h *Handler) ArchiveSession(c echo.Context) error {
	sessionID := c.Param("session_id")
	exists, err := h.sessionExists(c, sessionID)
	if err != nil {
		return h.httpError(c, err)
	}
	if !exists {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}

	if err := h.registry.Archive(c.Request().Context(), sessionID); err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
}
