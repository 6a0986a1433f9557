// Package workflow defines step-sequenced workflows and the engine that runs
// them synchronously against a shared variable bag.
package workflow

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/repoops"
	"github.com/fyrsmithlabs/repoflow/internal/runner"
)

// Chat is the default model configuration of a workflow.
type Chat struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Exec runs code on a named runner.
type Exec struct {
	Runner    string            `json:"runner"`
	Kind      string            `json:"kind,omitempty"` // bash (default) or python
	Code      string            `json:"code"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

// RepoOpsTest is the optional test phase of a repoops step.
type RepoOpsTest struct {
	Runner        string   `json:"runner"`
	SetupCommands []string `json:"setup_commands,omitempty"`
	Commands      []string `json:"commands"`
	TimeoutMs     int      `json:"timeoutMs,omitempty"`
}

// RepoOps runs the change pipeline as one step. String fields are rendered
// against the variable bag.
type RepoOps struct {
	ConnID          string       `json:"conn_id"`
	BaseBranch      string       `json:"base_branch,omitempty"`
	HeadBranch      string       `json:"head_branch,omitempty"`
	ChangeRequest   string       `json:"change_request"`
	AllowPaths      []string     `json:"allow_paths,omitempty"`
	DenyPaths       []string     `json:"deny_paths,omitempty"`
	LanguageHints   []string     `json:"language_hints,omitempty"`
	Test            *RepoOpsTest `json:"test,omitempty"`
	OpenPR          bool         `json:"open_pr,omitempty"`
	Draft           bool         `json:"draft,omitempty"`
	PRTitle         string       `json:"pr_title,omitempty"`
	RequireApproval bool         `json:"require_approval,omitempty"`
}

// Step is one unit of a workflow. Exactly one of a prompt, Execute or
// RepoOps selects its kind.
type Step struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	Schema      any      `json:"schema,omitempty"` // registered name or inline JSON Schema
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	SystemGuard string   `json:"systemGuard,omitempty"`
	Execute     *Exec    `json:"execute,omitempty"`
	RepoOps     *RepoOps `json:"repoops,omitempty"`

	FailOnRegex       string `json:"failOnRegex,omitempty"`
	FailOnNonZeroExit *bool  `json:"failOnNonZeroExit,omitempty"`
	StopOnFailure     *bool  `json:"stopOnFailure,omitempty"`

	ExportPath string `json:"exportPath,omitempty"`
	ExportAs   string `json:"exportAs,omitempty"`
}

// Step kinds.
const (
	KindModel   = "model"
	KindExecute = "execute"
	KindRepoOps = "repoops"
)

// Kind reports which executor handles the step.
func (s *Step) Kind() string {
	switch {
	case s.RepoOps != nil:
		return KindRepoOps
	case s.Execute != nil:
		return KindExecute
	default:
		return KindModel
	}
}

func (s *Step) stopOnFailure() bool {
	return s.StopOnFailure == nil || *s.StopOnFailure
}

func (s *Step) failOnNonZeroExit() bool {
	return s.FailOnNonZeroExit == nil || *s.FailOnNonZeroExit
}

// schemaRef splits Schema into a registered name or an inline schema.
func (s *Step) schemaRef() (string, *jsonschema.Schema, error) {
	switch v := s.Schema.(type) {
	case nil:
		return "", nil, nil
	case string:
		return v, nil, nil
	case *jsonschema.Schema:
		return "", v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", nil, fmt.Errorf("%w: step %q schema: %v", flowerr.ErrInvalidRequest, s.ID, err)
		}
		var inline jsonschema.Schema
		if err := json.Unmarshal(b, &inline); err != nil {
			return "", nil, fmt.Errorf("%w: step %q schema: %v", flowerr.ErrInvalidRequest, s.ID, err)
		}
		return "", &inline, nil
	}
}

// Validate checks a single step.
func (s *Step) Validate() error {
	kinds := 0
	if s.Prompt != "" {
		kinds++
	}
	if s.Execute != nil {
		kinds++
	}
	if s.RepoOps != nil {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("%w: step %q needs exactly one of prompt, execute or repoops", flowerr.ErrInvalidRequest, s.ID)
	}
	if s.Execute != nil {
		if s.Execute.Runner == "" || s.Execute.Code == "" {
			return fmt.Errorf("%w: step %q execute needs runner and code", flowerr.ErrInvalidRequest, s.ID)
		}
		switch s.Execute.Kind {
		case "", runner.KindBash, runner.KindPython:
		default:
			return fmt.Errorf("%w: step %q execute kind %q", flowerr.ErrInvalidRequest, s.ID, s.Execute.Kind)
		}
	}
	if s.RepoOps != nil && (s.RepoOps.ConnID == "" || s.RepoOps.ChangeRequest == "") {
		return fmt.Errorf("%w: step %q repoops needs conn_id and change_request", flowerr.ErrInvalidRequest, s.ID)
	}
	if s.FailOnRegex != "" {
		if _, err := regexp.Compile(s.FailOnRegex); err != nil {
			return fmt.Errorf("%w: step %q failOnRegex: %v", flowerr.ErrInvalidRequest, s.ID, err)
		}
	}
	if _, _, err := s.schemaRef(); err != nil {
		return err
	}
	return nil
}

// Workflow is an ordered list of steps with default variables.
type Workflow struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Chat     Chat           `json:"chat"`
	Steps    []Step         `json:"steps"`
	Defaults map[string]any `json:"defaults,omitempty"`
}

// Normalize assigns missing step IDs ("step1", "step2", ...).
func (w *Workflow) Normalize() {
	for i := range w.Steps {
		if w.Steps[i].ID == "" {
			w.Steps[i].ID = fmt.Sprintf("step%d", i+1)
		}
	}
}

// Validate checks the workflow and every step. Step IDs must be unique.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("%w: workflow id is required", flowerr.ErrInvalidRequest)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("%w: workflow %q has no steps", flowerr.ErrInvalidRequest, w.ID)
	}
	seen := make(map[string]bool, len(w.Steps))
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.ID == "" {
			return fmt.Errorf("%w: workflow %q step %d has no id", flowerr.ErrInvalidRequest, w.ID, i+1)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: workflow %q repeats step id %q", flowerr.ErrInvalidRequest, w.ID, s.ID)
		}
		seen[s.ID] = true
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunRunning         RunStatus = "running"
	RunOK              RunStatus = "ok"
	RunFailed          RunStatus = "failed"
	RunError           RunStatus = "error"
	RunPendingApproval RunStatus = "pending_approval"
)

// LogEntry is one append-only run log line.
type LogEntry struct {
	At      time.Time `json:"at"`
	StepID  string    `json:"stepId,omitempty"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Artifact is a named output attached to a run by a step.
type Artifact struct {
	StepID      string    `json:"stepId"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Content     any       `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Run is the record of one workflow execution.
type Run struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflowId"`
	ConversationID string         `json:"conversationId"`
	Status         RunStatus      `json:"status"`
	StartedAt      time.Time      `json:"startedAt"`
	FinishedAt     *time.Time     `json:"finishedAt,omitempty"`
	Logs           []LogEntry     `json:"logs"`
	Artifacts      []Artifact     `json:"artifacts"`
	OutputByStep   map[string]any `json:"outputByStep"`
	Error          string         `json:"error,omitempty"`
}

// finish moves a running Run to status. It is a no-op once the run is
// terminal.
func (r *Run) finish(status RunStatus, errMsg string, at time.Time) bool {
	if r.Status != RunRunning || status == RunRunning {
		return false
	}
	r.Status = status
	r.Error = errMsg
	r.FinishedAt = &at
	return true
}

func (r *Run) clone() Run {
	out := *r
	out.Logs = append([]LogEntry{}, r.Logs...)
	out.Artifacts = append([]Artifact{}, r.Artifacts...)
	out.OutputByStep = maps.Clone(r.OutputByStep)
	if out.OutputByStep == nil {
		out.OutputByStep = map[string]any{}
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// repoopsArtifact converts a pipeline artifact into a run artifact.
func repoopsArtifact(stepID string, a repoops.Artifact) Artifact {
	return Artifact{StepID: stepID, Name: a.Name, ContentType: a.ContentType, Content: a.Content, CreatedAt: a.CreatedAt}
}
