// Package handlers exposes the run control API over echo
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lumenflow/conductor/cmd/conductor/engine"
	"github.com/lumenflow/conductor/cmd/conductor/gateway"
	"github.com/lumenflow/conductor/common/logger"
	"github.com/lumenflow/conductor/common/models"
)

// RunHandler handles run lifecycle requests
type RunHandler struct {
	engine *engine.Engine
	log    *logger.Logger
}

// NewRunHandler creates a run handler
func NewRunHandler(eng *engine.Engine, log *logger.Logger) *RunHandler {
	return &RunHandler{engine: eng, log: log.WithComponent("api")}
}

type startRunRequest struct {
	DefinitionRef     string         `json:"definition_ref"`
	DefinitionVersion string         `json:"definition_version"`
	Input             map[string]any `json:"input"`
}

type cancelRunRequest struct {
	Reason string `json:"reason"`
}

// StartRun starts a new workflow run
// POST /api/v1/runs
func (h *RunHandler) StartRun(c echo.Context) error {
	var req startRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.DefinitionRef == "" || req.DefinitionVersion == "" {
		return echo.NewHTTPError(http.StatusBadRequest,
			"definition_ref and definition_version are required")
	}

	run, err := h.engine.StartRun(c.Request().Context(),
		req.DefinitionRef, req.DefinitionVersion, req.Input)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// GetRun returns the current view of a run
// GET /api/v1/runs/:id
func (h *RunHandler) GetRun(c echo.Context) error {
	run, err := h.engine.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// GetTokens returns a run's committed tokens
// GET /api/v1/runs/:id/tokens
func (h *RunHandler) GetTokens(c echo.Context) error {
	tokens, err := h.engine.GetTokens(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"tokens": tokens})
}

// GetTrace lists a run's trace events
// GET /api/v1/runs/:id/trace?since_sequence=0&type=context.&limit=100
func (h *RunHandler) GetTrace(c echo.Context) error {
	since, _ := strconv.ParseInt(c.QueryParam("since_sequence"), 10, 64)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	events, err := h.engine.Trace(c.Request().Context(),
		c.Param("id"), since, c.QueryParam("type"), limit)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

// CancelRun requests cancellation of a live run
// POST /api/v1/runs/:id/cancel
func (h *RunHandler) CancelRun(c echo.Context) error {
	var req cancelRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	id := c.Param("id")
	if err := h.engine.CancelRun(c.Request().Context(), id, req.Reason); err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"run_id": id, "status": "cancelling"})
}

// DeleteRun removes a finished run
// DELETE /api/v1/runs/:id
func (h *RunHandler) DeleteRun(c echo.Context) error {
	if err := h.engine.DeleteRun(c.Request().Context(), c.Param("id")); err != nil {
		return h.respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *RunHandler) respondError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, engine.ErrRunNotFound), errors.Is(err, gateway.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrRunFinished), errors.Is(err, engine.ErrRunActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	if werr := new(models.WorkflowError); errors.As(err, &werr) {
		switch werr.Kind {
		case models.ErrKindDefinition, models.ErrKindSchemaViolation, models.ErrKindInvalidPath:
			return echo.NewHTTPError(http.StatusBadRequest, werr)
		}
	}

	h.log.Error("request failed", "path", c.Path(), "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
