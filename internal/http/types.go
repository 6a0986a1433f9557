package http

import (
	"github.com/fyrsmithlabs/repoflow/internal/repohost"
	"github.com/fyrsmithlabs/repoflow/internal/repoops"
)

// PlanResponse is the body of POST /api/repoops/plan.
type PlanResponse struct {
	OK bool `json:"ok"`
	*repoops.Plan
	Artifacts []repoops.Artifact `json:"artifacts"`
}

// ApplyResponse is the body of POST /api/repoops/apply.
type ApplyResponse struct {
	OK bool `json:"ok"`
	*repoops.ApplyResult
	Artifacts []repoops.Artifact `json:"artifacts"`
}

// TestResponse is the body of POST /api/repoops/test. A setup failure is
// returned with status 422, ok=false and the commands that ran.
type TestResponse struct {
	OK bool `json:"ok"`
	*repoops.TestResult
	Artifacts     []repoops.Artifact `json:"artifacts"`
	Error         string             `json:"error,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
}

// PRResponse is the body of POST /api/repoops/pr.
type PRResponse struct {
	OK        bool                  `json:"ok"`
	PR        *repohost.PullRequest `json:"pr"`
	Artifacts []repoops.Artifact    `json:"artifacts"`
}

// RunResponse is the body of a synchronous POST /api/repoops/run.
type RunResponse struct {
	*repoops.RunResult
	CorrelationID string `json:"correlation_id,omitempty"`
}

// AsyncRunResponse is the body of POST /api/repoops/run with async=true.
type AsyncRunResponse struct {
	OK        bool   `json:"ok"`
	Async     bool   `json:"async"`
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

// RunWorkflowRequest is the body of POST /api/workflows/{id}/run.
type RunWorkflowRequest struct {
	Vars map[string]any `json:"vars"`
}

// WorkflowSummary lists one loaded workflow.
type WorkflowSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Steps int    `json:"steps"`
}

func statusURL(jobID string) string {
	return "/api/repoops/status/" + jobID
}
