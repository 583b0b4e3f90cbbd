package server

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/chubes4/data-machine/internal/executor"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/scheduler"
	"github.com/labstack/echo/v4"
)

func (s *Server) listPipelines(c echo.Context) error {
	items, err := s.deps.Store.ListPipelines(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (s *Server) getPipeline(c echo.Context) error {
	id := c.Param("id")
	p, ok, err := s.deps.Store.GetPipeline(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: pipeline %s", flow.ErrNotFound, id)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) listFlows(c echo.Context) error {
	items, err := s.deps.Store.ListFlows(c.Request().Context())
	if err != nil {
		return err
	}
	if pid := c.QueryParam("pipeline_id"); pid != "" {
		kept := items[:0]
		for _, f := range items {
			if f.PipelineID == pid {
				kept = append(kept, f)
			}
		}
		items = kept
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return c.JSON(http.StatusOK, items)
}

func (s *Server) getFlow(c echo.Context) error {
	id := c.Param("id")
	f, ok, err := s.deps.Store.GetFlow(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: flow %s", flow.ErrNotFound, id)
	}
	return c.JSON(http.StatusOK, f)
}

// runFlow runs a flow on demand. Configuration errors surface as 422 before
// any job exists; a job that ran and failed is still returned with 200.
func (s *Server) runFlow(c echo.Context) error {
	job, err := s.deps.Runner.RunFlow(c.Request().Context(), c.Param("id"), executor.TriggerAPI)
	if err != nil && job.ID == "" {
		return err
	}
	code := http.StatusOK
	if job.Status == flow.JobPending {
		code = http.StatusAccepted
	}
	return c.JSON(code, job)
}

func bindSpec(c echo.Context) (scheduler.Spec, error) {
	var spec scheduler.Spec
	if err := c.Bind(&spec); err != nil {
		return spec, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if spec.Interval == "" && spec.Timestamp == nil {
		return spec, echo.NewHTTPError(http.StatusBadRequest, "interval or timestamp required")
	}
	return spec, nil
}

func (s *Server) scheduleFlow(c echo.Context) error {
	spec, err := bindSpec(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	if err := s.deps.Scheduler.Schedule(c.Request().Context(), id, spec); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.registrationFor(scheduler.TargetFlow, id))
}

func (s *Server) unscheduleFlow(c echo.Context) error {
	if err := s.deps.Scheduler.Unschedule(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) schedulePipeline(c echo.Context) error {
	spec, err := bindSpec(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	if err := s.deps.Scheduler.SchedulePipeline(c.Request().Context(), id, spec); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.registrationFor(scheduler.TargetPipeline, id))
}

func (s *Server) unschedulePipeline(c echo.Context) error {
	if err := s.deps.Scheduler.UnschedulePipeline(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type scheduleResponse struct {
	Target     scheduler.Target        `json:"target"`
	ID         string                  `json:"id"`
	Registered bool                    `json:"registered"`
	Entry      *scheduler.Registration `json:"registration,omitempty"`
}

func (s *Server) registrationFor(target scheduler.Target, id string) scheduleResponse {
	resp := scheduleResponse{Target: target, ID: id}
	for _, r := range s.deps.Scheduler.Registrations() {
		if r.Target == target && r.ID == id {
			r := r
			resp.Registered = true
			resp.Entry = &r
			break
		}
	}
	return resp
}

func (s *Server) listSchedules(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Scheduler.Registrations())
}
