package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/logging"
	"github.com/fyrsmithlabs/repoflow/internal/repoops"
)

func (s *Server) handlePlan(c echo.Context) error {
	var req repoops.PlanRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	ctx := c.Request().Context()
	req.CorrelationID = logging.CorrelationIDFromContext(ctx)

	rec := repoops.NewTrace()
	plan, err := s.deps.RepoOps.Plan(ctx, req, rec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, PlanResponse{OK: true, Plan: plan, Artifacts: rec.Artifacts()})
}

func (s *Server) handleApply(c echo.Context) error {
	var req repoops.ApplyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	ctx := c.Request().Context()
	req.CorrelationID = logging.CorrelationIDFromContext(ctx)

	rec := repoops.NewTrace()
	res, err := s.deps.RepoOps.Apply(ctx, req, rec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ApplyResponse{OK: true, ApplyResult: res, Artifacts: rec.Artifacts()})
}

func (s *Server) handleTest(c echo.Context) error {
	var req repoops.TestRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	ctx := c.Request().Context()
	req.CorrelationID = logging.CorrelationIDFromContext(ctx)

	rec := repoops.NewTrace()
	res, err := s.deps.RepoOps.Test(ctx, req, rec)
	if errors.Is(err, flowerr.ErrSetupFailure) {
		return c.JSON(http.StatusUnprocessableEntity, TestResponse{
			TestResult:    res,
			Artifacts:     rec.Artifacts(),
			Error:         flowerr.WithCorrelation(err, req.CorrelationID),
			CorrelationID: req.CorrelationID,
		})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TestResponse{OK: true, TestResult: res, Artifacts: rec.Artifacts()})
}

func (s *Server) handlePR(c echo.Context) error {
	var req repoops.PRRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	ctx := c.Request().Context()
	req.CorrelationID = logging.CorrelationIDFromContext(ctx)

	rec := repoops.NewTrace()
	pr, err := s.deps.RepoOps.OpenPR(ctx, req, rec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, PRResponse{OK: true, PR: pr, Artifacts: rec.Artifacts()})
}

// handleRun runs the whole pipeline. Synchronous failures that produced a
// partial result return it with the mapped status code.
func (s *Server) handleRun(c echo.Context) error {
	var req repoops.RunRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	ctx := c.Request().Context()
	req.CorrelationID = logging.CorrelationIDFromContext(ctx)

	if req.Async {
		job, err := s.deps.Jobs.Submit(ctx, req)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusAccepted, AsyncRunResponse{
			OK:        true,
			Async:     true,
			JobID:     job.ID,
			Status:    string(job.Status),
			StatusURL: statusURL(job.ID),
		})
	}

	rec := repoops.NewTrace()
	res, err := s.deps.RepoOps.Run(ctx, req, rec)
	if err != nil && res == nil {
		return err
	}
	res.Phases = rec.Phases()
	res.Artifacts = rec.Artifacts()
	status := http.StatusOK
	if err != nil {
		status, _ = classify(err)
	}
	return c.JSON(status, RunResponse{RunResult: res, CorrelationID: req.CorrelationID})
}

func (s *Server) handleStatus(c echo.Context) error {
	job, err := s.deps.Jobs.Get(c.Param("job_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleApprove(c echo.Context) error {
	job, err := s.deps.Jobs.Approve(c.Request().Context(), c.Param("job_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, job)
}
