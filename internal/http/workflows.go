package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/repoflow/internal/workflow"
)

func (s *Server) handleListWorkflows(c echo.Context) error {
	flows, err := s.deps.Workflows.List(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]WorkflowSummary, 0, len(flows))
	for _, wf := range flows {
		out = append(out, WorkflowSummary{ID: wf.ID, Name: wf.Name, Steps: len(wf.Steps)})
	}
	return c.JSON(http.StatusOK, out)
}

// handleRunWorkflow runs a stored workflow synchronously. The Run record is
// returned whatever its terminal status.
func (s *Server) handleRunWorkflow(c echo.Context) error {
	var req RunWorkflowRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(err)
		}
	}
	ctx := c.Request().Context()

	wf, err := s.deps.Workflows.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	run, err := s.deps.Engine.Run(ctx, wf, req.Vars)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.deps.Runs.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleTestStep(c echo.Context) error {
	var req workflow.TestStepRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	res, err := s.deps.Engine.TestStep(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
