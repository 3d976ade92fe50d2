package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shaket-dev/shaket/internal/coordinator"
)

// OfferRequest is a counteroffer from one side of a negotiation.
type OfferRequest struct {
	ContextID string          `json:"context_id"`
	Price     float64         `json:"price"`
	Terms     json.RawMessage `json:"terms,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// SubmitOffer records an offer in a negotiation.
// POST /v1/sessions/:session_id/offers
func (h *Handler) SubmitOffer(c echo.Context) error {
	neg, errResp := h.negotiationFor(c)
	if neg == nil {
		return errResp
	}

	var req OfferRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.ContextID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "context_id is required"})
	}

	state, err := neg.SubmitOffer(c.Request().Context(), req.ContextID, req.Price, req.Terms, req.Message)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

// AcceptRequest accepts a previously received offer.
type AcceptRequest struct {
	ContextID string `json:"context_id"`
	OfferID   string `json:"offer_id"`
	Message   string `json:"message,omitempty"`
}

// AcceptOffer accepts an offer and ends the negotiation.
// POST /v1/sessions/:session_id/accept
func (h *Handler) AcceptOffer(c echo.Context) error {
	neg, errResp := h.negotiationFor(c)
	if neg == nil {
		return errResp
	}

	var req AcceptRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.ContextID == "" || req.OfferID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "context_id and offer_id are required"})
	}

	state, err := neg.Accept(c.Request().Context(), req.ContextID, req.OfferID, req.Message)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

// RejectRequest ends the negotiation without agreement.
type RejectRequest struct {
	ContextID string `json:"context_id"`
	Reason    string `json:"reason,omitempty"`
}

// RejectOffer rejects the negotiation outright.
// POST /v1/sessions/:session_id/reject
func (h *Handler) RejectOffer(c echo.Context) error {
	neg, errResp := h.negotiationFor(c)
	if neg == nil {
		return errResp
	}

	var req RejectRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.ContextID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "context_id is required"})
	}

	state, err := neg.Reject(c.Request().Context(), req.ContextID, req.Reason)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

// negotiationFor resolves the session param to a live negotiation
// coordinator, writing the error response itself when it cannot.
func (h *Handler) negotiationFor(c echo.Context) (*coordinator.NegotiationCoordinator, error) {
	sessionID := c.Param("session_id")
	coord := h.registry.Get(sessionID)
	if coord == nil {
		return nil, c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	neg, ok := coord.(*coordinator.NegotiationCoordinator)
	if !ok {
		return nil, c.JSON(http.StatusBadRequest, map[string]string{"error": "session is not a negotiation"})
	}
	return neg, nil
}
