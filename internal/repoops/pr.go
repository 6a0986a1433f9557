package repoops

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/repohost"
)

// OpenPR opens a pull request from head into base.
func (p *Pipeline) OpenPR(ctx context.Context, req PRRequest, rec Recorder) (*repohost.PullRequest, error) {
	if req.ConnID == "" || req.HeadBranch == "" || strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: conn_id, head_branch and title are required", flowerr.ErrInvalidRequest)
	}
	if req.BaseBranch == "" {
		req.BaseBranch = defaultBaseBranch
	}

	repo, err := p.host.Connection(ctx, req.ConnID)
	if err != nil {
		return nil, err
	}

	pr, err := runPhase(ctx, p, rec, PhasePR, func(ctx context.Context) (*repohost.PullRequest, error) {
		return p.host.CreatePullRequest(ctx, repo, repohost.PullRequestOptions{
			Title: req.Title,
			Body:  req.Body,
			Head:  req.HeadBranch,
			Base:  req.BaseBranch,
			Draft: req.Draft,
		})
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info(ctx, "pull request opened", zap.Int("number", pr.Number), zap.String("url", pr.URL))
	p.artifact(rec, PhasePR, ArtifactPRLink, "application/json", pr)
	return pr, nil
}

func prTitle(req RunRequest, plan *Plan) string {
	if req.PRTitle != "" {
		return req.PRTitle
	}
	if t := firstLine(plan.Proposal.CommitMessage); t != "" {
		return t
	}
	return firstLine(req.ChangeRequest)
}

// prBody summarizes the request, the applied changes, the commit and the
// test outcome.
func prBody(req RunRequest, plan *Plan, applied *ApplyResult, tested *TestResult) string {
	var b strings.Builder

	b.WriteString("## Summary\n\n")
	if s := strings.TrimSpace(plan.Proposal.Summary); s != "" {
		b.WriteString(s + "\n\n")
	}
	b.WriteString("> " + strings.ReplaceAll(strings.TrimSpace(req.ChangeRequest), "\n", "\n> ") + "\n\n")

	b.WriteString("## Changes\n\n")
	for _, ch := range applied.Applied {
		line := fmt.Sprintf("- `%s` %s", ch.Path, ch.Operation)
		if ch.Rationale != "" {
			line += ": " + ch.Rationale
		}
		b.WriteString(line + "\n")
	}
	if len(applied.Skipped) > 0 {
		b.WriteString("\nSkipped by guardrails:\n\n")
		for _, s := range applied.Skipped {
			fmt.Fprintf(&b, "- `%s` (%s)\n", s.Path, s.Reason)
		}
	}

	if applied.CommitSHA != "" {
		fmt.Fprintf(&b, "\nCommit: %s\n", applied.CommitSHA)
	}

	b.WriteString("\n## Tests\n\n")
	switch {
	case tested == nil:
		b.WriteString("Not run.\n")
	case tested.AllPassed:
		fmt.Fprintf(&b, "All %d command(s) passed.\n", len(tested.Results))
	default:
		for _, r := range tested.Results {
			mark := "passed"
			if !r.OK {
				mark = fmt.Sprintf("failed (exit %d)", r.ExitCode)
				if r.Killed {
					mark = "killed on timeout"
				}
			}
			fmt.Fprintf(&b, "- `%s`: %s\n", r.Command, mark)
		}
	}

	b.WriteString("\n---\nGenerated by repoflow")
	if req.CorrelationID != "" {
		b.WriteString(" (correlation_id=" + req.CorrelationID + ")")
	}
	b.WriteString(".\n")
	return b.String()
}
