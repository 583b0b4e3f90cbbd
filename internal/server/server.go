// Package server exposes the HTTP trigger and inspection API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chubes4/data-machine/internal/dedup"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/logging"
	"github.com/chubes4/data-machine/internal/queue/streams"
	"github.com/chubes4/data-machine/internal/scheduler"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Store is the read side the API serves from.
type Store interface {
	GetFlow(ctx context.Context, id string) (flow.Flow, bool, error)
	ListFlows(ctx context.Context) ([]flow.Flow, error)
	GetPipeline(ctx context.Context, id string) (flow.Pipeline, bool, error)
	ListPipelines(ctx context.Context) ([]flow.Pipeline, error)
	GetJob(ctx context.Context, id string) (flow.Job, bool, error)
	ListJobs(ctx context.Context, flowID string, limit int) ([]flow.Job, error)
	ListStepRuns(ctx context.Context, jobID string) ([]flow.StepRun, error)
}

// Runner starts a flow on demand.
type Runner interface {
	RunFlow(ctx context.Context, flowID, trigger string) (flow.Job, error)
}

// Scheduler manages schedule registrations.
type Scheduler interface {
	Schedule(ctx context.Context, flowID string, spec scheduler.Spec) error
	SchedulePipeline(ctx context.Context, pipelineID string, spec scheduler.Spec) error
	Unschedule(ctx context.Context, flowID string) error
	UnschedulePipeline(ctx context.Context, pipelineID string) error
	Registrations() []scheduler.Registration
}

// Tracker manages processed-item records.
type Tracker interface {
	Clear(ctx context.Context, scope dedup.Scope, targetID string) (int, error)
	Delete(ctx context.Context, recordID int64) error
	Count(ctx context.Context, flowStepID string) (int, error)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Store     Store
	Runner    Runner
	Scheduler Scheduler
	Tracker   Tracker
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Ping reports storage health for /healthz when set.
	Ping func(ctx context.Context) error
	// QueueLag reports run-request backlog for /api/queue when set.
	QueueLag func(ctx context.Context) (streams.LagMetrics, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithCORSOrigins restricts allowed origins. The default allows all.
func WithCORSOrigins(origins []string) Option { return func(s *Server) { s.origins = origins } }

// Server wraps the echo instance.
type Server struct {
	deps    Deps
	echo    *echo.Echo
	logger  *slog.Logger
	origins []string
}

// New builds the echo app and registers routes.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{deps: deps}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger).With(slog.String("component", "http"))
	if len(s.origins) == 0 {
		s.origins = []string{"*"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				slog.String("method", v.Method),
				slog.String("path", v.URIPath),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency))
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))
	e.HTTPErrorHandler = s.handleError
	s.echo = e
	s.routes()
	return s
}

// Echo exposes the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) routes() {
	s.echo.GET("/healthz", s.health)
	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}

	api := s.echo.Group("/api")
	api.GET("/pipelines", s.listPipelines)
	api.GET("/pipelines/:id", s.getPipeline)
	api.PUT("/pipelines/:id/schedule", s.schedulePipeline)
	api.DELETE("/pipelines/:id/schedule", s.unschedulePipeline)
	api.DELETE("/pipelines/:id/processed", s.clearProcessed(dedup.ScopePipeline))

	api.GET("/flows", s.listFlows)
	api.GET("/flows/:id", s.getFlow)
	api.POST("/flows/:id/run", s.runFlow)
	api.PUT("/flows/:id/schedule", s.scheduleFlow)
	api.DELETE("/flows/:id/schedule", s.unscheduleFlow)
	api.DELETE("/flows/:id/processed", s.clearProcessed(dedup.ScopeFlow))
	api.GET("/flows/:id/jobs", s.listJobs)

	api.GET("/jobs/:id", s.getJob)
	api.GET("/jobs/:id/steps", s.listJobSteps)

	api.GET("/schedules", s.listSchedules)
	if s.deps.QueueLag != nil {
		api.GET("/queue", s.queueLag)
	}

	api.GET("/flow-steps/:id/processed", s.countProcessed)
	api.DELETE("/processed/:id", s.deleteProcessed)
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("listening", slog.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
	}
	return c.String(http.StatusOK, "ok")
}

func (s *Server) queueLag(c echo.Context) error {
	lag, err := s.deps.QueueLag(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, lag)
}

// handleError renders every error as {"error", "kind"} JSON with a status
// derived from the error kind.
func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	kind := flow.KindOf(err)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		kind = ""
	} else {
		code = statusFor(kind)
	}

	req := c.Request()
	attrs := []any{
		slog.Int("status", code),
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.String("error", err.Error()),
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", attrs...)
	} else {
		s.logger.Info("request rejected", attrs...)
	}

	if c.Response().Committed {
		return
	}
	body := map[string]any{"error": msg}
	if kind != "" && kind != flow.KindUnknown {
		body["kind"] = kind
	}
	if req.Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, body)
}

func statusFor(kind flow.Kind) int {
	switch kind {
	case flow.KindNotFound:
		return http.StatusNotFound
	case flow.KindConfiguration:
		return http.StatusUnprocessableEntity
	case flow.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
