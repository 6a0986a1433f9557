package repoops

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/guardrail"
	"github.com/fyrsmithlabs/repoflow/internal/repohost"
)

const defaultCommitMessage = "chore: apply repoops changes"

// DiffSummary is the diff-summary artifact.
type DiffSummary struct {
	BaseBranch string              `json:"base_branch"`
	HeadBranch string              `json:"head_branch"`
	CommitSHA  string              `json:"commit_sha,omitempty"`
	Applied    []string            `json:"applied"`
	Skipped    []guardrail.Skipped `json:"skipped"`
	Compare    *repohost.Compare   `json:"compare,omitempty"`
}

// Apply writes a plan to the head branch under the guardrail policy.
func (p *Pipeline) Apply(ctx context.Context, req ApplyRequest, rec Recorder) (*ApplyResult, error) {
	if req.ConnID == "" {
		return nil, fmt.Errorf("%w: conn_id is required", flowerr.ErrInvalidRequest)
	}
	if req.BaseBranch == "" {
		req.BaseBranch = defaultBaseBranch
	}
	if req.HeadBranch == "" {
		req.HeadBranch = p.Prepare(RunRequest{}).HeadBranch
	}
	if req.HeadBranch == req.BaseBranch {
		return nil, fmt.Errorf("%w: head_branch must differ from base_branch", flowerr.ErrInvalidRequest)
	}

	repo, err := p.host.Connection(ctx, req.ConnID)
	if err != nil {
		return nil, err
	}

	var g Guardrails
	if req.Guardrails != nil {
		g = *req.Guardrails
	}
	policy, err := p.policyFor(g.AllowPaths, g.DenyPaths, g.LanguageHints)
	if err != nil {
		return nil, err
	}
	budget := p.cfg.Budget
	if g.MaxChangedFiles != nil {
		budget.MaxChangedFiles = *g.MaxChangedFiles
	}
	if g.MaxTotalKB != nil {
		budget.MaxTotalKB = *g.MaxTotalKB
	}

	var scanner guardrail.ContentScanner
	if p.scanner != nil {
		scanner = p.scanner
	}
	enforcer := guardrail.NewEnforcer(policy, budget, scanner)

	result, err := runPhase(ctx, p, rec, PhaseApply, func(ctx context.Context) (*ApplyResult, error) {
		return p.apply(ctx, repo, req, enforcer)
	})
	if err != nil {
		return nil, err
	}

	summary := DiffSummary{
		BaseBranch: req.BaseBranch,
		HeadBranch: result.HeadBranch,
		CommitSHA:  result.CommitSHA,
		Applied:    make([]string, 0, len(result.Applied)),
		Skipped:    result.Skipped,
		Compare:    result.Compare,
	}
	for _, ch := range result.Applied {
		summary.Applied = append(summary.Applied, ch.Operation+" "+ch.Path)
	}
	p.artifact(rec, PhaseApply, ArtifactDiffSummary, "application/json", summary)
	return result, nil
}

func (p *Pipeline) apply(ctx context.Context, repo repohost.Repo, req ApplyRequest, enforcer *guardrail.Enforcer) (*ApplyResult, error) {
	created, err := p.host.CreateBranch(ctx, repo, req.BaseBranch, req.HeadBranch)
	if err != nil {
		return nil, flowerr.New("apply.branch", flowerr.SeverityFatal, err, req.HeadBranch)
	}

	part := enforcer.Partition(req.Plan.Changes)
	result := &ApplyResult{
		HeadBranch:    req.HeadBranch,
		BranchCreated: created,
		Applied:       []guardrail.Change{},
		Skipped:       part.Skipped,
	}
	if result.Skipped == nil {
		result.Skipped = []guardrail.Skipped{}
	}

	message := req.Plan.CommitMessage
	if message == "" {
		message = defaultCommitMessage
	}

	var writes []repohost.FileChange
	var deletes []guardrail.Change
	for _, ch := range part.Applied {
		if ch.Operation == guardrail.OpDelete {
			deletes = append(deletes, ch)
			continue
		}
		if p.unchanged(ctx, repo, req.HeadBranch, ch) {
			result.Skipped = append(result.Skipped, guardrail.Skipped{Path: ch.Path, Reason: guardrail.ReasonNoChange})
			continue
		}
		writes = append(writes, repohost.FileChange{Path: ch.Path, Content: ch.Content})
		result.Applied = append(result.Applied, ch)
	}

	if len(writes) > 0 {
		sha, err := p.host.CommitFiles(ctx, repo, req.HeadBranch, message, writes)
		if err != nil {
			return nil, flowerr.New("apply.commit", flowerr.SeverityFatal, err, req.HeadBranch)
		}
		result.CommitSHA = sha
	}

	for _, ch := range deletes {
		sha, err := p.deleteFile(ctx, repo, req.HeadBranch, ch.Path, message)
		if err != nil {
			p.logger.Warn(ctx, "delete skipped", zap.String("path", ch.Path), zap.Error(err))
			result.Skipped = append(result.Skipped, guardrail.Skipped{
				Path:   ch.Path,
				Reason: guardrail.ReasonDeleteFailed,
				Detail: err.Error(),
			})
			continue
		}
		result.CommitSHA = sha
		result.Applied = append(result.Applied, ch)
	}

	for _, s := range result.Skipped {
		p.metrics.skip(ctx, s.Reason)
	}

	cmp, err := p.host.Compare(ctx, repo, req.BaseBranch, req.HeadBranch)
	if err != nil {
		return nil, flowerr.New("apply.compare", flowerr.SeverityFatal, err, req.HeadBranch)
	}
	result.Compare = cmp

	p.logger.Info(ctx, "changes applied",
		zap.String("head_branch", req.HeadBranch),
		zap.Bool("branch_created", created),
		zap.String("commit_sha", result.CommitSHA),
		zap.Int("applied", len(result.Applied)),
		zap.Int("skipped", len(result.Skipped)),
	)
	return result, nil
}

func (p *Pipeline) deleteFile(ctx context.Context, repo repohost.Repo, branch, path, message string) (string, error) {
	f, err := p.host.GetFile(ctx, repo, path, branch)
	if err != nil {
		return "", err
	}
	return p.host.DeleteFile(ctx, repo, branch, path, f.SHA, message)
}

// unchanged reports whether the branch already holds ch.Content at ch.Path,
// comparing git blob ids. Lookup errors count as changed.
func (p *Pipeline) unchanged(ctx context.Context, repo repohost.Repo, branch string, ch guardrail.Change) bool {
	if ch.Operation != guardrail.OpUpdate {
		return false
	}
	f, err := p.host.GetFile(ctx, repo, ch.Path, branch)
	if err != nil {
		return false
	}
	return f.SHA == repohost.BlobSHA(ch.Content)
}
