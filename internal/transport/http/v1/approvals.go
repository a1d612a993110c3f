package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mylo-james/myloware/internal/domain"
)

// DecideGate applies a gate decision from an approval link. The signed
// token in the query string is the sole credential; the path parameters are
// for readability and are checked against the token's claims by the
// service. GET because the link is clicked from a chat message.
func (h *Handler) DecideGate(c echo.Context) error {
	tok := c.QueryParam("token")
	if tok == "" {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "missing token"})
	}
	decision := c.QueryParam("decision")
	if decision == "" {
		decision = "approve"
	}

	gate, err := h.svc.Decide(c.Request().Context(), tok, decision, c.QueryParam("by"), c.QueryParam("reason"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrExpiredToken):
			return c.JSON(http.StatusForbidden, map[string]string{"error": "token expired"})
		case errors.Is(err, domain.ErrInvalidToken):
			return c.JSON(http.StatusForbidden, map[string]string{"error": "invalid token"})
		case errors.Is(err, domain.ErrAlreadyDecided):
			return c.JSON(http.StatusConflict, map[string]string{"error": "gate already decided"})
		case errors.Is(err, domain.ErrGateNotFound), errors.Is(err, domain.ErrRunNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "gate not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to decide gate"})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"run_id":   gate.RunID,
		"gate":     gate.GateName,
		"decision": string(gate.Decision),
	})
}
