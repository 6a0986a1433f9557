package workflow

import (
	"context"
	"maps"

	"github.com/fyrsmithlabs/repoflow/internal/prompt"
	"github.com/fyrsmithlabs/repoflow/internal/runner"
)

// TestStepRequest runs or previews a single step while authoring a workflow.
type TestStepRequest struct {
	Step   Step           `json:"step"`
	Vars   map[string]any `json:"vars,omitempty"`
	Chat   *Chat          `json:"chat,omitempty"`
	DryRun bool           `json:"dry_run,omitempty"`
}

// TestStepResult is the outcome of TestStep. In a dry run only Rendered and
// Missing are filled.
type TestStepResult struct {
	OK        bool               `json:"ok"`
	Kind      string             `json:"kind"`
	DryRun    bool               `json:"dry_run,omitempty"`
	Rendered  map[string]string  `json:"rendered"`
	Missing   []string           `json:"missing,omitempty"`
	Output    any                `json:"output,omitempty"`
	Text      string             `json:"text,omitempty"`
	Exec      *runner.ExecResult `json:"exec,omitempty"`
	Exports   map[string]any     `json:"exports,omitempty"`
	Artifacts []Artifact         `json:"artifacts,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// TestStep renders req.Step against req.Vars and, unless DryRun is set,
// executes it with the same policies a workflow run applies. Step failures
// are reported in the result; the error is reserved for invalid steps.
func (e *Engine) TestStep(ctx context.Context, req TestStepRequest) (*TestStepResult, error) {
	step := req.Step
	if step.ID == "" {
		step.ID = "test"
	}
	if err := step.Validate(); err != nil {
		return nil, err
	}

	vars := maps.Clone(req.Vars)
	if vars == nil {
		vars = map[string]any{}
	}
	result := &TestStepResult{
		Kind:     step.Kind(),
		DryRun:   req.DryRun,
		Rendered: renderedFields(&step, vars),
		Missing:  missingVars(&step, vars),
	}
	if req.DryRun {
		result.OK = true
		return result, nil
	}

	var chat Chat
	if req.Chat != nil {
		chat = *req.Chat
	}
	out, err := e.runStep(ctx, chat, &step, vars, "")
	if err == nil && step.ExportAs != "" {
		if err = export(vars, &step, out.Output); err == nil {
			result.Exports = map[string]any{step.ExportAs: vars[step.ExportAs]}
		}
	}

	result.Output = out.Output
	result.Text = out.Text
	result.Exec = out.Exec
	result.Artifacts = out.Artifacts
	result.OK = err == nil && !out.Pending
	if err != nil {
		result.Error = err.Error()
	}
	return result, nil
}

func renderedFields(step *Step, vars map[string]any) map[string]string {
	out := make(map[string]string)
	switch step.Kind() {
	case KindModel:
		out["prompt"] = prompt.Render(step.Prompt, vars)
	case KindExecute:
		out["runner"] = prompt.Render(step.Execute.Runner, vars)
		out["code"] = prompt.Render(step.Execute.Code, vars)
		if step.Execute.Cwd != "" {
			out["cwd"] = prompt.Render(step.Execute.Cwd, vars)
		}
	case KindRepoOps:
		req := renderRepoOps(step.RepoOps, vars)
		out["conn_id"] = req.ConnID
		out["change_request"] = req.ChangeRequest
		if req.BaseBranch != "" {
			out["base_branch"] = req.BaseBranch
		}
		if req.HeadBranch != "" {
			out["head_branch"] = req.HeadBranch
		}
	}
	return out
}

// missingVars lists placeholders with no value in vars.
func missingVars(step *Step, vars map[string]any) []string {
	var templates []string
	switch step.Kind() {
	case KindModel:
		templates = []string{step.Prompt}
	case KindExecute:
		templates = []string{step.Execute.Runner, step.Execute.Code, step.Execute.Cwd}
		for _, v := range step.Execute.Env {
			templates = append(templates, v)
		}
	case KindRepoOps:
		r := step.RepoOps
		templates = []string{r.ConnID, r.BaseBranch, r.HeadBranch, r.ChangeRequest, r.PRTitle}
	}

	seen := make(map[string]bool)
	var missing []string
	for _, tpl := range templates {
		for _, p := range prompt.Placeholders(tpl) {
			if seen[p] {
				continue
			}
			seen[p] = true
			if v, ok := prompt.Lookup(vars, p); !ok || v == nil {
				missing = append(missing, p)
			}
		}
	}
	return missing
}
