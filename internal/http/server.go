// Package http serves the repoflow REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repoflow/internal/jobs"
	"github.com/fyrsmithlabs/repoflow/internal/logging"
	"github.com/fyrsmithlabs/repoflow/internal/repohost"
	"github.com/fyrsmithlabs/repoflow/internal/repoops"
	"github.com/fyrsmithlabs/repoflow/internal/workflow"
)

// HeaderCorrelationID lets callers choose the correlation id of a request.
const HeaderCorrelationID = "X-Correlation-ID"

// RepoOps is the phase pipeline behind /api/repoops.
type RepoOps interface {
	Plan(ctx context.Context, req repoops.PlanRequest, rec repoops.Recorder) (*repoops.Plan, error)
	Apply(ctx context.Context, req repoops.ApplyRequest, rec repoops.Recorder) (*repoops.ApplyResult, error)
	Test(ctx context.Context, req repoops.TestRequest, rec repoops.Recorder) (*repoops.TestResult, error)
	OpenPR(ctx context.Context, req repoops.PRRequest, rec repoops.Recorder) (*repohost.PullRequest, error)
	Run(ctx context.Context, req repoops.RunRequest, rec repoops.Recorder) (*repoops.RunResult, error)
}

// Jobs runs pipelines in the background.
type Jobs interface {
	Submit(ctx context.Context, req repoops.RunRequest) (jobs.Job, error)
	Get(id string) (jobs.Job, error)
	Approve(ctx context.Context, id string) (jobs.Job, error)
}

// WorkflowEngine executes workflows and single steps.
type WorkflowEngine interface {
	Run(ctx context.Context, wf *workflow.Workflow, vars map[string]any) (workflow.Run, error)
	TestStep(ctx context.Context, req workflow.TestStepRequest) (*workflow.TestStepResult, error)
}

// RunReader looks up workflow runs.
type RunReader interface {
	Get(id string) (workflow.Run, error)
}

var (
	_ RepoOps        = (*repoops.Pipeline)(nil)
	_ Jobs           = (*jobs.Manager)(nil)
	_ WorkflowEngine = (*workflow.Engine)(nil)
	_ RunReader      = (*workflow.RunStore)(nil)
)

// Deps are the collaborators the handlers call.
type Deps struct {
	RepoOps   RepoOps
	Jobs      Jobs
	Engine    WorkflowEngine
	Workflows workflow.Store
	Runs      RunReader
	Version   string
}

// Config holds HTTP server configuration.
type Config struct {
	Host      string
	Port      int
	BodyLimit string
}

// Server provides the HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *logging.Logger
	config  *Config
	metrics *HTTPMetrics
}

// NewServer builds the server and registers every route.
func NewServer(deps Deps, logger *logging.Logger, cfg *Config) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if deps.RepoOps == nil || deps.Jobs == nil || deps.Engine == nil || deps.Workflows == nil || deps.Runs == nil {
		return nil, fmt.Errorf("repoops, jobs, engine, workflows and runs are required")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8080}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "4M"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger.Named("http"),
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(s.requestContext)
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(s.accessLog)

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api")

	ro := api.Group("/repoops")
	ro.POST("/plan", s.handlePlan)
	ro.POST("/apply", s.handleApply)
	ro.POST("/test", s.handleTest)
	ro.POST("/pr", s.handlePR)
	ro.POST("/run", s.handleRun)
	ro.GET("/status/:job_id", s.handleStatus)
	ro.POST("/jobs/:job_id/approve", s.handleApprove)

	api.GET("/workflows", s.handleListWorkflows)
	api.POST("/workflows/:id/run", s.handleRunWorkflow)
	api.GET("/runs/:id", s.handleGetRun)
	api.POST("/testStep", s.handleTestStep)
}

// ServeHTTP exposes the router, mainly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// requestContext stamps request and correlation ids on the request context.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		reqID := c.Response().Header().Get(echo.HeaderXRequestID)
		corrID := c.Request().Header.Get(HeaderCorrelationID)
		if corrID == "" {
			corrID = reqID
		}
		ctx := logging.WithRequestID(c.Request().Context(), reqID)
		ctx = logging.WithCorrelationID(ctx, corrID)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(HeaderCorrelationID, logging.CorrelationIDFromContext(ctx))
		return next(c)
	}
}

func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.deps.Version})
}

// Start listens until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
