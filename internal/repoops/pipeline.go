// Package repoops runs the RepoOps pipeline against a hosted repository:
//
//	Discovery → Proposal → [Approval] → Apply → Test? → PR?
//
// Every phase reports to a Recorder, so the same code drives synchronous
// HTTP calls (Trace) and background jobs. Phases run strictly in order; a
// phase's remote side effects are complete before the next phase starts.
package repoops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repoflow/internal/config"
	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/guardrail"
	"github.com/fyrsmithlabs/repoflow/internal/logging"
	"github.com/fyrsmithlabs/repoflow/internal/repohost"
	"github.com/fyrsmithlabs/repoflow/internal/runner"
	"github.com/fyrsmithlabs/repoflow/internal/secrets"
	"github.com/fyrsmithlabs/repoflow/internal/stepexec"
)

const instrumentationName = "github.com/fyrsmithlabs/repoflow/internal/repoops"

const defaultBaseBranch = "main"

// StepExecutor produces schema-validated model output.
type StepExecutor interface {
	Execute(ctx context.Context, req stepexec.Request) (*stepexec.Result, error)
}

// Redactor flags secrets in proposed content and scrubs them from runner
// output.
type Redactor interface {
	guardrail.ContentScanner
	Redact(content string) (string, []secrets.Finding)
}

// Config bounds the pipeline.
type Config struct {
	MaxCandidateFiles int
	MaxDiscoveryFiles int
	MaxFileKB         int
	MaxProposalKB     int
	BranchPrefix      string
	TestTimeoutMs     int
	WorkDir           string

	DefaultModel string
	Temperature  float64
	MaxRetries   int
	SystemGuard  string

	// Policy holds server-wide path rules merged into every request.
	Policy guardrail.PolicySpec
	Budget guardrail.Budget
}

// ConfigFrom derives pipeline settings from service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxCandidateFiles: cfg.RepoOps.MaxCandidateFiles,
		MaxDiscoveryFiles: cfg.RepoOps.MaxDiscoveryFiles,
		MaxFileKB:         cfg.RepoOps.MaxFileKB,
		MaxProposalKB:     cfg.RepoOps.MaxProposalKB,
		BranchPrefix:      cfg.RepoOps.BranchPrefix,
		TestTimeoutMs:     cfg.RepoOps.TestTimeoutMs,
		WorkDir:           cfg.RepoOps.WorkDir,
		DefaultModel:      cfg.Model.DefaultModel,
		Temperature:       cfg.Model.Temperature,
		MaxRetries:        cfg.Model.MaxRetries,
		SystemGuard:       cfg.Model.SystemGuard,
		Policy: guardrail.PolicySpec{
			AllowGlobs: cfg.Guardrails.AllowPaths,
			DenyGlobs:  cfg.Guardrails.DenyPaths,
		},
		Budget: guardrail.Budget{
			MaxChangedFiles: cfg.Guardrails.MaxChangedFiles,
			MaxTotalKB:      cfg.Guardrails.MaxTotalKB,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.MaxCandidateFiles <= 0 {
		c.MaxCandidateFiles = 400
	}
	if c.MaxDiscoveryFiles <= 0 {
		c.MaxDiscoveryFiles = 12
	}
	if c.MaxFileKB <= 0 {
		c.MaxFileKB = 64
	}
	if c.MaxProposalKB <= 0 {
		c.MaxProposalKB = 256
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "repoops/"
	}
	if c.TestTimeoutMs <= 0 {
		c.TestTimeoutMs = 600000
	}
	if c.WorkDir == "" {
		c.WorkDir = "/tmp/repoflow"
	}
	if c.Budget == (guardrail.Budget{}) {
		c.Budget = guardrail.Budget{MaxChangedFiles: 20, MaxTotalKB: 256}
	}
	return c
}

// Pipeline executes RepoOps phases.
type Pipeline struct {
	cfg     Config
	host    repohost.Host
	steps   StepExecutor
	runner  runner.Executor
	scanner Redactor
	logger  *logging.Logger
	tracer  trace.Tracer
	metrics *metrics
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	tracer trace.Tracer
	meter  metric.Meter
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithMeter overrides the global meter.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// New creates a Pipeline. exec may be nil when no test phase will run;
// scanner may be nil to disable secret checks.
func New(cfg Config, host repohost.Host, steps StepExecutor, exec runner.Executor, scanner Redactor, logger *logging.Logger, opts ...Option) (*Pipeline, error) {
	if host == nil {
		return nil, errors.New("repository host is required")
	}
	if steps == nil {
		return nil, errors.New("step executor is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	o := options{
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	m, err := newMetrics(o.meter)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:     cfg.withDefaults(),
		host:    host,
		steps:   steps,
		runner:  exec,
		scanner: scanner,
		logger:  logger.Named("repoops"),
		tracer:  o.tracer,
		metrics: m,
	}, nil
}

// Prepare fills request defaults (base branch, head branch, model,
// correlation id). It is idempotent, so a job can prepare once at
// submission and the head branch stays stable across approval.
func (p *Pipeline) Prepare(req RunRequest) RunRequest {
	if req.BaseBranch == "" {
		req.BaseBranch = defaultBaseBranch
	}
	if req.HeadBranch == "" {
		req.HeadBranch = p.cfg.BranchPrefix + uuid.NewString()[:8]
	}
	if req.Model == "" {
		req.Model = p.cfg.DefaultModel
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	return req
}

// Run executes the whole pipeline. With RequireApproval it stops after the
// proposal with status pending_approval; call Resume to continue.
func (p *Pipeline) Run(ctx context.Context, req RunRequest, rec Recorder) (*RunResult, error) {
	req = p.Prepare(req)
	ctx = logging.WithCorrelationID(ctx, req.CorrelationID)

	result := &RunResult{HeadBranch: req.HeadBranch}
	plan, err := p.Plan(ctx, req.PlanRequest, rec)
	if err != nil {
		return p.fail(result, req, err)
	}
	result.Plan = plan

	if req.RequireApproval {
		now := time.Now().UTC()
		rec.PhaseFinished(PhaseResult{
			Phase:     PhaseApproval,
			Status:    PhasePendingApproval,
			StartedAt: now,
			Output:    map[string]any{"head_branch": req.HeadBranch, "changes": len(plan.Proposal.Changes)},
		}, ProgressAfter(PhaseApproval))
		p.logger.Info(ctx, "pipeline waiting for approval", zap.String("head_branch", req.HeadBranch))
		result.Status = StatusPendingApproval
		return result, nil
	}

	return p.continueRun(ctx, req, plan, rec, result)
}

// Resume continues an approved run from the apply phase.
func (p *Pipeline) Resume(ctx context.Context, req RunRequest, plan *Plan, rec Recorder) (*RunResult, error) {
	if plan == nil || plan.Proposal == nil {
		return nil, fmt.Errorf("%w: nothing to resume", flowerr.ErrInvalidRequest)
	}
	req = p.Prepare(req)
	ctx = logging.WithCorrelationID(ctx, req.CorrelationID)

	now := time.Now().UTC()
	rec.PhaseFinished(PhaseResult{
		Phase:       PhaseApproval,
		Status:      PhaseCompleted,
		StartedAt:   now,
		CompletedAt: &now,
	}, ProgressAfter(PhaseApproval))

	return p.continueRun(ctx, req, plan, rec, &RunResult{HeadBranch: req.HeadBranch, Plan: plan})
}

func (p *Pipeline) continueRun(ctx context.Context, req RunRequest, plan *Plan, rec Recorder, result *RunResult) (*RunResult, error) {
	applied, err := p.Apply(ctx, ApplyRequest{
		ConnID:     req.ConnID,
		BaseBranch: req.BaseBranch,
		HeadBranch: req.HeadBranch,
		Plan: ApplyPlan{
			Changes:       plan.Proposal.Changes,
			CommitMessage: plan.Proposal.CommitMessage,
			Summary:       plan.Proposal.Summary,
		},
		Guardrails:    runGuardrails(req),
		CorrelationID: req.CorrelationID,
	}, rec)
	if err != nil {
		return p.fail(result, req, err)
	}
	result.Apply = applied
	result.OK = true

	nothingApplied := applied.CommitSHA == "" && len(applied.Applied) == 0
	if req.Test != nil {
		if nothingApplied {
			p.skipPhase(rec, PhaseTest, "no changes applied")
		} else {
			tested, err := p.Test(ctx, TestRequest{
				ConnID:        req.ConnID,
				HeadBranch:    req.HeadBranch,
				Runner:        req.Test.Runner,
				SetupCommands: req.Test.SetupCommands,
				Commands:      req.Test.Commands,
				TimeoutMs:     req.Test.TimeoutMs,
				CorrelationID: req.CorrelationID,
			}, rec)
			result.Test = tested
			if err != nil {
				return p.fail(result, req, err)
			}
			result.OK = tested.AllPassed
		}
	}

	if req.OpenPR {
		if nothingApplied {
			p.skipPhase(rec, PhasePR, "no changes applied")
		} else {
			pr, err := p.OpenPR(ctx, PRRequest{
				ConnID:        req.ConnID,
				BaseBranch:    req.BaseBranch,
				HeadBranch:    req.HeadBranch,
				Title:         prTitle(req, plan),
				Body:          prBody(req, plan, applied, result.Test),
				Draft:         req.Draft,
				CorrelationID: req.CorrelationID,
			}, rec)
			if err != nil {
				return p.fail(result, req, err)
			}
			result.PR = pr
		}
	}

	result.Status = StatusCompleted
	p.logger.Info(ctx, "pipeline completed",
		zap.String("head_branch", req.HeadBranch),
		zap.String("commit_sha", applied.CommitSHA),
		zap.Bool("ok", result.OK),
	)
	return result, nil
}

func (p *Pipeline) fail(result *RunResult, req RunRequest, err error) (*RunResult, error) {
	result.Status = StatusFailed
	result.OK = false
	result.Error = flowerr.WithCorrelation(err, req.CorrelationID)
	return result, err
}

func (p *Pipeline) skipPhase(rec Recorder, phase Phase, reason string) {
	now := time.Now().UTC()
	rec.PhaseFinished(PhaseResult{
		Phase:       phase,
		Status:      PhaseSkipped,
		StartedAt:   now,
		CompletedAt: &now,
		Output:      map[string]string{"reason": reason},
	}, ProgressAfter(phase))
}

// runPhase wraps fn with a span, metrics and recorder events.
func runPhase[T any](ctx context.Context, p *Pipeline, rec Recorder, phase Phase, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := p.tracer.Start(ctx, "repoops."+string(phase), trace.WithAttributes(
		attribute.String("correlation_id", logging.CorrelationIDFromContext(ctx)),
	))
	defer span.End()

	start := time.Now().UTC()
	rec.PhaseStarted(phase, start)

	out, err := fn(ctx)
	done := time.Now().UTC()
	result := PhaseResult{Phase: phase, StartedAt: start, CompletedAt: &done, Output: out}

	if err != nil {
		result.Status = PhaseFailed
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "phase failed")
		p.metrics.phase(ctx, phase, PhaseFailed, done.Sub(start))
		p.logger.Warn(ctx, "phase failed", zap.String("phase", string(phase)), zap.Error(err))
		rec.PhaseFinished(result, 0)
		return out, err
	}

	result.Status = PhaseCompleted
	p.metrics.phase(ctx, phase, PhaseCompleted, done.Sub(start))
	p.logger.Debug(ctx, "phase completed",
		zap.String("phase", string(phase)),
		zap.Duration("elapsed", done.Sub(start)),
	)
	rec.PhaseFinished(result, ProgressAfter(phase))
	return out, nil
}

func (p *Pipeline) artifact(rec Recorder, phase Phase, name, contentType string, content any) {
	rec.Artifact(Artifact{
		Name:        name,
		Phase:       phase,
		ContentType: contentType,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	})
}

// policyFor merges the server-wide policy with request rules. A request
// allow list replaces the server one; deny lists accumulate.
func (p *Pipeline) policyFor(allow, deny, hints []string) (*guardrail.Policy, error) {
	spec := guardrail.PolicySpec{
		AllowGlobs:    p.cfg.Policy.AllowGlobs,
		DenyGlobs:     append(append([]string{}, p.cfg.Policy.DenyGlobs...), deny...),
		LanguageHints: append(append([]string{}, p.cfg.Policy.LanguageHints...), hints...),
	}
	if len(allow) > 0 {
		spec.AllowGlobs = allow
	}
	policy, err := guardrail.Compile(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flowerr.ErrInvalidRequest, err)
	}
	return policy, nil
}

func (p *Pipeline) redact(s string) string {
	if p.scanner == nil || s == "" {
		return s
	}
	out, _ := p.scanner.Redact(s)
	return out
}

func (p *Pipeline) temperature(t *float64) float64 {
	if t != nil {
		return *t
	}
	return p.cfg.Temperature
}

func runGuardrails(req RunRequest) *Guardrails {
	g := &Guardrails{
		AllowPaths:    req.AllowPaths,
		DenyPaths:     req.DenyPaths,
		LanguageHints: req.LanguageHints,
	}
	if req.Guardrails != nil {
		g.AllowPaths = append(append([]string{}, g.AllowPaths...), req.Guardrails.AllowPaths...)
		g.DenyPaths = append(append([]string{}, g.DenyPaths...), req.Guardrails.DenyPaths...)
		g.LanguageHints = append(append([]string{}, g.LanguageHints...), req.Guardrails.LanguageHints...)
		g.MaxChangedFiles = req.Guardrails.MaxChangedFiles
		g.MaxTotalKB = req.Guardrails.MaxTotalKB
	}
	return g
}

// decode converts a validated JSON value into T.
func decode[T any](v any) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("failed to re-encode model output: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("failed to decode model output: %w", err)
	}
	return out, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
