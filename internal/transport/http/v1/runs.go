package v1

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mylo-james/myloware/internal/domain"
)

// StartRun creates a run from a registered pipeline or an inline spec and
// starts executing it.
func (h *Handler) StartRun(c echo.Context) error {
	var req domain.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	run, err := h.svc.StartRun(c.Request().Context(), &req)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSpec) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to start run"})
	}

	return c.JSON(http.StatusCreated, domain.StartRunResponse{RunID: run.RunID})
}

// GetRun returns the run with its open gate and ledger shape.
func (h *Handler) GetRun(c echo.Context) error {
	summary, err := h.svc.GetRunSummary(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}
	return c.JSON(http.StatusOK, summary)
}

// CancelRun force-fails a run.
func (h *Handler) CancelRun(c echo.Context) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	err := h.svc.CancelRun(c.Request().Context(), c.Param("run_id"), req.Reason)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to cancel run"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

// GetRunArtifacts returns a page of the run's artifact ledger in append
// order. Supports after_seq, type (comma separated), and limit.
func (h *Handler) GetRunArtifacts(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	if _, err := h.svc.GetRun(ctx, runID); err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}

	var afterSeq int64
	if v := c.QueryParam("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "after_seq must be an integer"})
		}
		afterSeq = n
	}
	limit := 200
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = n
	}
	var types []string
	if v := c.QueryParam("type"); v != "" {
		types = strings.Split(v, ",")
	}

	artifacts, err := h.svc.Store().GetArtifacts(ctx, runID, afterSeq, types, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list artifacts"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":    runID,
		"artifacts": artifacts,
	})
}
