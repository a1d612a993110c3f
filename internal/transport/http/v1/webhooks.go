package v1

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mylo-james/myloware/internal/domain"
)

// ProviderWebhook receives async job completion callbacks. The signature is
// verified against the provider's shared secret before admission; an
// already-admitted delivery is acknowledged with 200 and duplicate=true so
// provider retry loops terminate.
func (h *Handler) ProviderWebhook(c echo.Context) error {
	provider := c.Param("provider")
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read body"})
	}

	sigStatus, err := h.gateway.VerifyWebhook(provider, body, c.Request().Header)
	if err != nil {
		h.svc.RecordInvalidSignature(ctx, provider, body)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid signature"})
	}

	admitted, err := h.svc.IngestWebhook(ctx, provider, body, sigStatus)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		if admitted {
			// Admitted but not yet applied; a 5xx tells the provider to
			// redeliver and finish the work.
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "accepted",
		"duplicate": !admitted,
	})
}
