package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/llm"
	"github.com/fyrsmithlabs/repoflow/internal/logging"
	"github.com/fyrsmithlabs/repoflow/internal/prompt"
	"github.com/fyrsmithlabs/repoflow/internal/repoops"
	"github.com/fyrsmithlabs/repoflow/internal/runner"
	"github.com/fyrsmithlabs/repoflow/internal/stepexec"
)

const instrumentationName = "github.com/fyrsmithlabs/repoflow/internal/workflow"

var (
	// ErrStepFailed marks a step that completed but tripped a failure policy.
	ErrStepFailed = errors.New("step failed")

	// ErrNoRunner is returned for execute steps when no runner backend is
	// configured.
	ErrNoRunner = errors.New("no runner backend configured")

	// ErrNoPipeline is returned for repoops steps when no pipeline is wired.
	ErrNoPipeline = errors.New("no repoops pipeline configured")
)

// ModelExecutor runs model steps.
type ModelExecutor interface {
	Execute(ctx context.Context, req stepexec.Request) (*stepexec.Result, error)
	Text(ctx context.Context, req stepexec.Request) (*stepexec.Result, error)
}

// Pipeline runs a repoops step.
type Pipeline interface {
	Run(ctx context.Context, req repoops.RunRequest, rec repoops.Recorder) (*repoops.RunResult, error)
}

var (
	_ ModelExecutor = (*stepexec.Executor)(nil)
	_ Pipeline      = (*repoops.Pipeline)(nil)
)

// Config holds engine-wide step defaults.
type Config struct {
	DefaultModel string
	Temperature  float64
	MaxRetries   int
	SystemGuard  string
}

// Engine executes workflows.
type Engine struct {
	cfg      Config
	model    ModelExecutor
	runner   runner.Executor
	pipeline Pipeline
	runs     *RunStore
	logger   *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRunner enables execute steps.
func WithRunner(r runner.Executor) EngineOption {
	return func(e *Engine) { e.runner = r }
}

// WithPipeline enables repoops steps.
func WithPipeline(p Pipeline) EngineOption {
	return func(e *Engine) { e.pipeline = p }
}

// WithTracer sets the tracer used for step spans.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an Engine. runs may be nil for a private store.
func NewEngine(cfg Config, model ModelExecutor, runs *RunStore, logger *logging.Logger, opts ...EngineOption) *Engine {
	if runs == nil {
		runs = NewRunStore()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		model:  model,
		runs:   runs,
		logger: logger.Named("workflow"),
		tracer: otel.Tracer(instrumentationName),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Runs returns the engine's run store.
func (e *Engine) Runs() *RunStore {
	return e.runs
}

// stepOutcome is what one step produced.
type stepOutcome struct {
	Output    any
	Text      string
	Exec      *runner.ExecResult
	Artifacts []Artifact
	Pending   bool
}

// Run executes wf synchronously. vars overlay the workflow defaults. The
// returned Run is terminal unless a repoops step stopped at its approval
// gate. An error is returned only when the workflow itself is invalid.
func (e *Engine) Run(ctx context.Context, wf *Workflow, vars map[string]any) (Run, error) {
	if err := wf.Validate(); err != nil {
		return Run{}, err
	}

	run := &Run{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		ConversationID: uuid.NewString(),
		Status:         RunRunning,
		StartedAt:      e.now(),
		Logs:           []LogEntry{},
		Artifacts:      []Artifact{},
		OutputByStep:   map[string]any{},
	}
	e.runs.Put(run)
	ctx = logging.WithRunID(ctx, run.ID)
	ctx = logging.WithCorrelationID(ctx, run.ConversationID)

	bag := maps.Clone(wf.Defaults)
	if bag == nil {
		bag = map[string]any{}
	}
	maps.Copy(bag, vars)

	e.logger.Info(ctx, "workflow run started", zap.String("workflow_id", wf.ID), zap.Int("steps", len(wf.Steps)))
	e.log(run.ID, "", "info", fmt.Sprintf("run started with %d steps", len(wf.Steps)))

	for i := range wf.Steps {
		step := &wf.Steps[i]
		out, err := e.runStep(ctx, wf.Chat, step, bag, run.ConversationID)

		if err == nil && step.ExportAs != "" {
			err = export(bag, step, out.Output)
		}

		_, _ = e.runs.Update(run.ID, func(r *Run) {
			if out.Output != nil || err == nil {
				r.OutputByStep[step.ID] = out.Output
			}
			r.Artifacts = append(r.Artifacts, out.Artifacts...)
		})

		if err != nil {
			e.log(run.ID, step.ID, "error", err.Error())
			if step.stopOnFailure() {
				return e.finish(ctx, run.ID, statusFor(err), err)
			}
			e.log(run.ID, step.ID, "warn", "continuing after failure (stopOnFailure=false)")
			continue
		}

		if out.Pending {
			e.log(run.ID, step.ID, "info", "waiting for approval")
			return e.finish(ctx, run.ID, RunPendingApproval, nil)
		}
		e.log(run.ID, step.ID, "info", "step completed")
	}

	return e.finish(ctx, run.ID, RunOK, nil)
}

func (e *Engine) finish(ctx context.Context, runID string, status RunStatus, err error) (Run, error) {
	var msg string
	if err != nil {
		msg = flowerr.WithCorrelation(err, logging.CorrelationIDFromContext(ctx))
	}
	run, uerr := e.runs.Update(runID, func(r *Run) {
		r.finish(status, msg, e.now())
	})
	if uerr != nil {
		return Run{}, uerr
	}

	RunsTotal.WithLabelValues(string(run.Status)).Inc()
	fields := []zap.Field{zap.String("status", string(run.Status))}
	if err != nil {
		e.logger.Warn(ctx, "workflow run stopped", append(fields, zap.Error(err))...)
	} else {
		e.logger.Info(ctx, "workflow run finished", fields...)
	}
	return run, nil
}

func (e *Engine) log(runID, stepID, level, msg string) {
	_, _ = e.runs.Update(runID, func(r *Run) {
		r.Logs = append(r.Logs, LogEntry{At: e.now(), StepID: stepID, Level: level, Message: msg})
	})
}

// runStep executes one step and applies its failure policies.
func (e *Engine) runStep(ctx context.Context, chat Chat, step *Step, bag map[string]any, conversationID string) (stepOutcome, error) {
	kind := step.Kind()
	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.kind", kind),
	))
	defer span.End()
	start := time.Now()

	var out stepOutcome
	var err error
	switch kind {
	case KindRepoOps:
		out, err = e.repoopsStep(ctx, step, bag)
	case KindExecute:
		out, err = e.execStep(ctx, step, bag)
	default:
		out, err = e.modelStep(ctx, chat, step, bag, conversationID)
	}
	if err == nil {
		err = checkPolicies(step, out)
	}

	StepDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		e.logger.Warn(ctx, "workflow step failed", zap.String("step_id", step.ID), zap.String("kind", kind), zap.Error(err))
	} else {
		e.logger.Debug(ctx, "workflow step completed", zap.String("step_id", step.ID), zap.String("kind", kind))
	}
	StepsTotal.WithLabelValues(kind, outcome).Inc()
	return out, err
}

func (e *Engine) modelStep(ctx context.Context, chat Chat, step *Step, bag map[string]any, conversationID string) (stepOutcome, error) {
	if e.model == nil {
		return stepOutcome{}, fmt.Errorf("%w: no model executor configured", flowerr.ErrInvalidRequest)
	}
	name, inline, err := step.schemaRef()
	if err != nil {
		return stepOutcome{}, err
	}

	req := stepexec.Request{
		Model:         firstNonEmpty(step.Model, chat.Model, e.cfg.DefaultModel),
		Temperature:   e.temperature(step.Temperature, chat.Temperature),
		Messages:      []llm.Message{{Role: llm.RoleUser, Content: prompt.Render(step.Prompt, bag)}},
		SchemaName:    name,
		Schema:        inline,
		SystemGuard:   firstNonEmpty(step.SystemGuard, e.cfg.SystemGuard),
		CorrelationID: conversationID,
		MaxRetries:    e.cfg.MaxRetries,
	}

	if name == "" && inline == nil {
		res, err := e.model.Text(ctx, req)
		if err != nil {
			return stepOutcome{}, err
		}
		return stepOutcome{Output: res.Raw, Text: res.Raw}, nil
	}
	res, err := e.model.Execute(ctx, req)
	if err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{Output: res.JSON, Text: res.Raw}, nil
}

func (e *Engine) execStep(ctx context.Context, step *Step, bag map[string]any) (stepOutcome, error) {
	if e.runner == nil {
		return stepOutcome{}, fmt.Errorf("%w: %w", flowerr.ErrInvalidRequest, ErrNoRunner)
	}
	x := step.Execute
	kind := x.Kind
	if kind == "" {
		kind = runner.KindBash
	}
	env := make(map[string]string, len(x.Env))
	for k, v := range x.Env {
		env[k] = prompt.Render(v, bag)
	}

	res, err := e.runner.Exec(ctx, runner.ExecRequest{
		Target:    prompt.Render(x.Runner, bag),
		Kind:      kind,
		Code:      prompt.Render(x.Code, bag),
		Cwd:       prompt.Render(x.Cwd, bag),
		Env:       env,
		TimeoutMs: x.TimeoutMs,
	})
	if err != nil {
		return stepOutcome{}, err
	}

	text := res.Stdout
	if res.Stderr != "" {
		text += "\n" + res.Stderr
	}
	return stepOutcome{
		Output: map[string]any{
			"exitCode":   res.ExitCode,
			"killed":     res.Killed,
			"stdout":     res.Stdout,
			"stderr":     res.Stderr,
			"durationMs": res.DurationMs,
		},
		Text: text,
		Exec: res,
	}, nil
}

func (e *Engine) repoopsStep(ctx context.Context, step *Step, bag map[string]any) (stepOutcome, error) {
	if e.pipeline == nil {
		return stepOutcome{}, fmt.Errorf("%w: %w", flowerr.ErrInvalidRequest, ErrNoPipeline)
	}
	req := renderRepoOps(step.RepoOps, bag)
	req.CorrelationID = logging.CorrelationIDFromContext(ctx)

	rec := repoops.NewTrace()
	res, err := e.pipeline.Run(ctx, req, rec)

	out := stepOutcome{}
	for _, a := range rec.Artifacts() {
		out.Artifacts = append(out.Artifacts, repoopsArtifact(step.ID, a))
	}
	if res != nil {
		output := map[string]any{
			"status":      res.Status,
			"ok":          res.OK,
			"head_branch": res.HeadBranch,
			"phases":      rec.Phases(),
		}
		if res.Apply != nil {
			output["commit_sha"] = res.Apply.CommitSHA
		}
		if res.PR != nil {
			output["pr"] = map[string]any{"number": res.PR.Number, "url": res.PR.URL, "title": res.PR.Title}
		}
		out.Output = output
		out.Pending = res.Status == repoops.StatusPendingApproval
	}
	return out, err
}

func renderRepoOps(r *RepoOps, bag map[string]any) repoops.RunRequest {
	render := func(s string) string { return prompt.Render(s, bag) }
	renderAll := func(ss []string) []string {
		if ss == nil {
			return nil
		}
		out := make([]string, len(ss))
		for i, s := range ss {
			out[i] = render(s)
		}
		return out
	}

	req := repoops.RunRequest{
		PlanRequest: repoops.PlanRequest{
			ConnID:        render(r.ConnID),
			BaseBranch:    render(r.BaseBranch),
			ChangeRequest: render(r.ChangeRequest),
			AllowPaths:    renderAll(r.AllowPaths),
			DenyPaths:     renderAll(r.DenyPaths),
			LanguageHints: renderAll(r.LanguageHints),
		},
		HeadBranch:      render(r.HeadBranch),
		OpenPR:          r.OpenPR,
		Draft:           r.Draft,
		PRTitle:         render(r.PRTitle),
		RequireApproval: r.RequireApproval,
	}
	if r.Test != nil {
		req.Test = &repoops.TestSpec{
			Runner:        render(r.Test.Runner),
			SetupCommands: renderAll(r.Test.SetupCommands),
			Commands:      renderAll(r.Test.Commands),
			TimeoutMs:     r.Test.TimeoutMs,
		}
	}
	return req
}

// checkPolicies converts an apparently successful step into a failure:
// a non-zero exit or kill (execute steps, unless failOnNonZeroExit=false)
// or a failOnRegex match against the captured text.
func checkPolicies(step *Step, out stepOutcome) error {
	if out.Exec != nil && step.failOnNonZeroExit() && !out.Exec.OK() {
		if out.Exec.Killed {
			return fmt.Errorf("%w: %s killed after timeout", ErrStepFailed, step.ID)
		}
		return fmt.Errorf("%w: %s exited with code %d", ErrStepFailed, step.ID, out.Exec.ExitCode)
	}
	if step.FailOnRegex != "" {
		re, err := regexp.Compile(step.FailOnRegex)
		if err != nil {
			return fmt.Errorf("%w: failOnRegex: %v", flowerr.ErrInvalidRequest, err)
		}
		if loc := re.FindStringIndex(out.Text); loc != nil {
			return fmt.Errorf("%w: %s output matched failOnRegex %q", ErrStepFailed, step.ID, out.Text[loc[0]:loc[1]])
		}
	}
	return nil
}

// export stores the step output, or the value at ExportPath within it,
// under ExportAs.
func export(bag map[string]any, step *Step, output any) error {
	v, ok := prompt.LookupValue(output, step.ExportPath)
	if !ok {
		return fmt.Errorf("%w: %s exportPath %q not found in output", ErrStepFailed, step.ID, step.ExportPath)
	}
	bag[step.ExportAs] = v
	return nil
}

// statusFor maps a step error to the terminal run status. Transport
// failures are errors; everything else is a failed run.
func statusFor(err error) RunStatus {
	if errors.Is(err, flowerr.ErrUpstream) {
		return RunError
	}
	return RunFailed
}

func (e *Engine) temperature(step, chat *float64) float64 {
	switch {
	case step != nil:
		return *step
	case chat != nil:
		return *chat
	default:
		return e.cfg.Temperature
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
