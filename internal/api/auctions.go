package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shaket-dev/shaket/internal/coordinator"
	"github.com/shaket-dev/shaket/internal/domain"
	"github.com/shaket-dev/shaket/internal/transport"
)

// JoinRequest adds a seller to a running auction.
type JoinRequest struct {
	Seller ContextSpec `json:"seller"`
}

// JoinAuction adds a seller before the first round closes.
// POST /v1/sessions/:session_id/join
func (h *Handler) JoinAuction(c echo.Context) error {
	auc, errResp := h.auctionFor(c)
	if auc == nil {
		return errResp
	}

	var req JoinRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Seller.Endpoint == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "seller endpoint is required"})
	}

	seller := req.Seller.toDomain(domain.RoleSeller)
	if err := auc.Join(c.Request().Context(), seller); err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":         true,
		"context_id": seller.ContextID,
	})
}

// ResponseRequest is an asynchronously pushed seller response to an open
// round's bid request.
type ResponseRequest struct {
	ContextID string             `json:"context_id"`
	Round     int                `json:"round"`
	Envelope  transport.Envelope `json:"envelope"`
}

// ReceiveResponse feeds a pushed seller response into the round's fan-in.
// Responses for a closed round are acknowledged and discarded.
// POST /v1/sessions/:session_id/responses
func (h *Handler) ReceiveResponse(c echo.Context) error {
	sessionID := c.Param("session_id")
	exists, err := h.sessionExists(c, sessionID)
	if err != nil {
		return h.httpError(c, err)
	}
	if !exists {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}

	var req ResponseRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.ContextID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "context_id is required"})
	}

	env := req.Envelope
	env.SessionID = sessionID
	h.messenger.Receive(sessionID, req.Round, req.ContextID, &env)
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
}

func (h *Handler) auctionFor(c echo.Context) (*coordinator.ReverseAuctionCoordinator, error) {
	sessionID := c.Param("session_id")
	coord := h.registry.Get(sessionID)
	if coord == nil {
		return nil, c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	auc, ok := coord.(*coordinator.ReverseAuctionCoordinator)
	if !ok {
		return nil, c.JSON(http.StatusBadRequest, map[string]string{"error": "session is not an auction"})
	}
	return auc, nil
}
