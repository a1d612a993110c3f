package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mylo-james/myloware/internal/service"
)

// ListDeadLetters returns undelivered bus messages, newest first. Pass
// include_replayed=true to see history.
func (h *Handler) ListDeadLetters(c echo.Context) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = n
	}
	includeReplayed := c.QueryParam("include_replayed") == "true"

	letters, err := h.svc.Store().ListDeadLetters(c.Request().Context(), limit, includeReplayed)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list dead letters"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"dead_letters": letters})
}

// ReplayDeadLetter republishes one dead letter onto its original topic.
func (h *Handler) ReplayDeadLetter(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "id must be an integer"})
	}

	dl, err := h.svc.ReplayDeadLetter(c.Request().Context(), h.bus, id)
	if err != nil {
		if errors.Is(err, service.ErrDeadLetterNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "dead letter not found"})
		}
		if errors.Is(err, service.ErrDeadLetterReplayed) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "dead letter already replayed"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to replay dead letter"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"status": "replayed", "id": dl.ID, "topic": dl.Topic})
}
