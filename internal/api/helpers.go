package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shaket-dev/shaket/internal/domain"
)

// httpError maps domain errors onto status codes: rule violations are the
// caller's fault, sequence races are conflicts, everything else is ours.
func (h *Handler) httpError(c echo.Context, err error) error {
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": validation.Reason})
	}
	var conflict *domain.ConcurrencyConflict
	if errors.As(err, &conflict) {
		return c.JSON(http.StatusConflict, map[string]string{"error": conflict.Error()})
	}
	h.logger.Error("request failed", "path", c.Path(), "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

// sessionExists reports whether any events are recorded for the session.
func (h *Handler) sessionExists(c echo.Context, sessionID string) (bool, error) {
	events, err := h.state.History(c.Request().Context(), sessionID)
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}
