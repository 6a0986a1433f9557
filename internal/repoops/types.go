package repoops

import (
	"time"

	"github.com/fyrsmithlabs/repoflow/internal/guardrail"
	"github.com/fyrsmithlabs/repoflow/internal/repohost"
	"github.com/fyrsmithlabs/repoflow/internal/runner"
)

// Phase names a pipeline stage.
type Phase string

const (
	PhaseDiscovery Phase = "discovery"
	PhaseProposal  Phase = "proposal"
	PhaseApproval  Phase = "approval"
	PhaseApply     Phase = "apply"
	PhaseTest      Phase = "test"
	PhasePR        Phase = "pr"
)

// PhaseStatus is the outcome of one phase.
type PhaseStatus string

const (
	PhaseRunning         PhaseStatus = "running"
	PhaseCompleted       PhaseStatus = "completed"
	PhaseFailed          PhaseStatus = "failed"
	PhaseSkipped         PhaseStatus = "skipped"
	PhasePendingApproval PhaseStatus = "pending_approval"
)

// Progress reached when each phase finishes.
var phaseProgress = map[Phase]int{
	PhaseDiscovery: 20,
	PhaseProposal:  40,
	PhaseApproval:  50,
	PhaseApply:     70,
	PhaseTest:      85,
	PhasePR:        100,
}

// ProgressAfter returns the progress value reached when phase finishes.
func ProgressAfter(phase Phase) int {
	return phaseProgress[phase]
}

// PhaseResult records one phase.
type PhaseResult struct {
	Phase       Phase       `json:"phase"`
	Status      PhaseStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Output      any         `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Artifact names.
const (
	ArtifactDiscovery   = "discovery.json"
	ArtifactProposal    = "proposal.json"
	ArtifactDiffSummary = "diff-summary"
	ArtifactTestLog     = "test-log"
	ArtifactPRLink      = "pr-link"
)

// Artifact is a named output of a phase.
type Artifact struct {
	Name        string    `json:"name"`
	Phase       Phase     `json:"phase"`
	ContentType string    `json:"content_type"`
	Content     any       `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// Run statuses.
const (
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusPendingApproval = "pending_approval"
)

// Candidate is a repository file that passed the path policy.
type Candidate struct {
	Path   string `json:"path"`
	Size   int    `json:"size"`
	SHA    string `json:"sha,omitempty"`
	Reason string `json:"reason"`
	Hinted bool   `json:"hinted,omitempty"`
}

// PlanRequest starts discovery and proposal.
type PlanRequest struct {
	ConnID        string   `json:"conn_id"`
	BaseBranch    string   `json:"base_branch"`
	ChangeRequest string   `json:"change_request"`
	AllowPaths    []string `json:"allow_paths,omitempty"`
	DenyPaths     []string `json:"deny_paths,omitempty"`
	LanguageHints []string `json:"language_hints,omitempty"`
	Model         string   `json:"llm_model,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	CorrelationID string   `json:"-"`
}

// Discovery is the output of the discovery phase.
type Discovery struct {
	TotalFiles    int            `json:"total_files"`
	Excluded      map[string]int `json:"excluded"`
	Candidates    []Candidate    `json:"candidates"`
	ContextFiles  []string       `json:"context_files"`
	Files         []string       `json:"files"`
	FilesToCreate []string       `json:"files_to_create"`
	Ignored       []string       `json:"ignored,omitempty"`
	Rationale     string         `json:"rationale,omitempty"`
}

// FileSkip is a file the proposal phase did not read.
type FileSkip struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Proposal skip reasons.
const (
	SkipFileTooLarge    = "file_too_large"
	SkipBudgetExhausted = "proposal_budget_exhausted"
	SkipMissing         = "not_found"
)

// Proposal is the output of the proposal phase.
type Proposal struct {
	Changes       []guardrail.Change `json:"changes"`
	CommitMessage string             `json:"commit_message"`
	Summary       string             `json:"summary,omitempty"`
	FilesRead     []string           `json:"files_read,omitempty"`
	FilesSkipped  []FileSkip         `json:"files_skipped,omitempty"`
	NoOps         []string           `json:"no_ops,omitempty"`
}

// ProposalBudget reports how much content the proposal phase read.
type ProposalBudget struct {
	MaxFileKB       int `json:"max_file_kb"`
	MaxProposalKB   int `json:"max_proposal_kb"`
	UsedBytes       int `json:"used_bytes"`
	MaxChangedFiles int `json:"max_changed_files"`
	MaxTotalKB      int `json:"max_total_kb"`
}

// Plan combines discovery and proposal.
type Plan struct {
	Discovery *Discovery     `json:"discovery"`
	Proposal  *Proposal      `json:"proposed"`
	Budget    ProposalBudget `json:"budget"`
}

// Guardrails overrides the configured apply policy. Nil budget fields keep
// the configured value; zero is a real limit.
type Guardrails struct {
	AllowPaths      []string `json:"allow_paths,omitempty"`
	DenyPaths       []string `json:"deny_paths,omitempty"`
	LanguageHints   []string `json:"language_hints,omitempty"`
	MaxChangedFiles *int     `json:"maxChangedFiles,omitempty"`
	MaxTotalKB      *int     `json:"maxTotalKB,omitempty"`
}

// ApplyPlan is the part of a plan that apply consumes.
type ApplyPlan struct {
	Changes       []guardrail.Change `json:"changes"`
	CommitMessage string             `json:"commit_message"`
	Summary       string             `json:"summary,omitempty"`
}

// ApplyRequest writes a plan to a head branch.
type ApplyRequest struct {
	ConnID        string      `json:"conn_id"`
	BaseBranch    string      `json:"base_branch"`
	HeadBranch    string      `json:"head_branch"`
	Plan          ApplyPlan   `json:"plan"`
	Guardrails    *Guardrails `json:"guardrails,omitempty"`
	CorrelationID string      `json:"-"`
}

// ApplyResult is the output of the apply phase.
type ApplyResult struct {
	HeadBranch    string              `json:"head_branch"`
	BranchCreated bool                `json:"branch_created"`
	CommitSHA     string              `json:"commit_sha,omitempty"`
	Compare       *repohost.Compare   `json:"compare,omitempty"`
	Applied       []guardrail.Change  `json:"applied"`
	Skipped       []guardrail.Skipped `json:"skipped"`
}

// TestRequest runs commands against a head branch on a runner.
type TestRequest struct {
	ConnID        string   `json:"conn_id"`
	HeadBranch    string   `json:"head_branch"`
	Runner        string   `json:"runner"`
	SetupCommands []string `json:"setup_commands,omitempty"`
	Commands      []string `json:"commands"`
	TimeoutMs     int      `json:"timeoutMs,omitempty"`
	CorrelationID string   `json:"-"`
}

// CommandResult is one executed command.
type CommandResult struct {
	Command    string `json:"command"`
	Setup      bool   `json:"setup,omitempty"`
	OK         bool   `json:"ok"`
	ExitCode   int    `json:"exit_code"`
	Killed     bool   `json:"killed"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
}

func newCommandResult(cmd string, setup bool, res *runner.ExecResult) CommandResult {
	return CommandResult{
		Command:    cmd,
		Setup:      setup,
		OK:         res.OK(),
		ExitCode:   res.ExitCode,
		Killed:     res.Killed,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMs: res.DurationMs,
	}
}

// TestResult is the output of the test phase.
type TestResult struct {
	AllPassed bool            `json:"all_passed"`
	Setup     []CommandResult `json:"setup"`
	Results   []CommandResult `json:"results"`
}

// PRRequest opens a pull request.
type PRRequest struct {
	ConnID        string `json:"conn_id"`
	BaseBranch    string `json:"base_branch"`
	HeadBranch    string `json:"head_branch"`
	Title         string `json:"title"`
	Body          string `json:"body,omitempty"`
	Draft         bool   `json:"draft,omitempty"`
	CorrelationID string `json:"-"`
}

// TestSpec configures the optional test phase of a full run.
type TestSpec struct {
	Runner        string   `json:"runner"`
	SetupCommands []string `json:"setup_commands,omitempty"`
	Commands      []string `json:"commands"`
	TimeoutMs     int      `json:"timeoutMs,omitempty"`
}

// RunRequest drives the whole pipeline.
type RunRequest struct {
	PlanRequest
	HeadBranch      string      `json:"head_branch,omitempty"`
	Guardrails      *Guardrails `json:"guardrails,omitempty"`
	Test            *TestSpec   `json:"test,omitempty"`
	OpenPR          bool        `json:"open_pr,omitempty"`
	Draft           bool        `json:"draft,omitempty"`
	PRTitle         string      `json:"pr_title,omitempty"`
	RequireApproval bool        `json:"require_approval,omitempty"`
	Async           bool        `json:"async,omitempty"`
}

// RunResult is the outcome of a full run.
type RunResult struct {
	Status     string                 `json:"status"`
	OK         bool                   `json:"ok"`
	HeadBranch string                 `json:"head_branch,omitempty"`
	Plan       *Plan                  `json:"plan,omitempty"`
	Apply      *ApplyResult           `json:"apply,omitempty"`
	Test       *TestResult            `json:"test,omitempty"`
	PR         *repohost.PullRequest  `json:"pr,omitempty"`
	Phases     map[Phase]*PhaseResult `json:"phases"`
	Artifacts  []Artifact             `json:"artifacts"`
	Error      string                 `json:"error,omitempty"`
}
