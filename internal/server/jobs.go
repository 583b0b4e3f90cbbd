package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/chubes4/data-machine/internal/dedup"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/labstack/echo/v4"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

type jobResponse struct {
	flow.Job
	StatusLabel string `json:"status_label"`
}

func (s *Server) getJob(c echo.Context) error {
	id := c.Param("id")
	job, ok, err := s.deps.Store.GetJob(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job %s", flow.ErrNotFound, id)
	}
	return c.JSON(http.StatusOK, jobResponse{Job: job, StatusLabel: job.StatusLabel()})
}

func (s *Server) listJobs(c echo.Context) error {
	limit := defaultJobLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxJobLimit)
	}
	jobs, err := s.deps.Store.ListJobs(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return err
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse{Job: j, StatusLabel: j.StatusLabel()})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) listJobSteps(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()
	if _, ok, err := s.deps.Store.GetJob(ctx, id); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: job %s", flow.ErrNotFound, id)
	}
	runs, err := s.deps.Store.ListStepRuns(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) clearProcessed(scope dedup.Scope) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := s.deps.Tracker.Clear(c.Request().Context(), scope, c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{
			"scope":      scope,
			"target_id":  c.Param("id"),
			"flow_steps": n,
		})
	}
}

func (s *Server) countProcessed(c echo.Context) error {
	n, err := s.deps.Tracker.Count(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"flow_step_id": c.Param("id"), "count": n})
}

func (s *Server) deleteProcessed(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	if err := s.deps.Tracker.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
