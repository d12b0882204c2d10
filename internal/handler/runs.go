package handler

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/haatos/vc4-buildbot/internal/store"
	"github.com/labstack/echo/v4"
)

const (
	defaultRunsLimit int64 = 20
	maxRunsLimit     int64 = 200
)

func SetupRunRoutes(e *echo.Echo, runService RunServicer) {
	h := NewRunHandler(runService)
	e.GET("/health", h.GetHealth)
	runsGroup := e.Group("/api/runs")
	runsGroup.GET("", h.GetRuns)
	runsGroup.GET("/:run_id", h.GetRun)
	runsGroup.GET("/:run_id/components", h.GetRunComponents)
}

type RunServicer interface {
	ListRuns(ctx context.Context, limit int64) ([]store.Run, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRunComponents(ctx context.Context, id string) ([]store.RunComponent, error)
}

type ListRunsParams struct {
	Limit int64 `query:"limit"`
}

type RunParams struct {
	RunID string `param:"run_id"`
}

type RunHandler struct {
	runService RunServicer
}

func NewRunHandler(runService RunServicer) *RunHandler {
	return &RunHandler{runService}
}

func (h *RunHandler) GetHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *RunHandler) GetRuns(c echo.Context) error {
	lp := new(ListRunsParams)
	if err := c.Bind(lp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid limit")
	}
	switch {
	case lp.Limit <= 0:
		lp.Limit = defaultRunsLimit
	case lp.Limit > maxRunsLimit:
		lp.Limit = maxRunsLimit
	}

	runs, err := h.runService.ListRuns(c.Request().Context(), lp.Limit)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list runs")
	}
	if runs == nil {
		runs = []store.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *RunHandler) GetRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run id")
	}

	r, err := h.runService.GetRun(c.Request().Context(), rp.RunID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "run not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to get run")
	}
	return c.JSON(http.StatusOK, r)
}

func (h *RunHandler) GetRunComponents(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run id")
	}

	components, err := h.runService.ListRunComponents(c.Request().Context(), rp.RunID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "run not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to list run components")
	}
	if components == nil {
		components = []store.RunComponent{}
	}
	return c.JSON(http.StatusOK, components)
}
