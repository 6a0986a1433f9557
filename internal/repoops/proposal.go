package repoops

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/guardrail"
	"github.com/fyrsmithlabs/repoflow/internal/llm"
	"github.com/fyrsmithlabs/repoflow/internal/prompt"
	"github.com/fyrsmithlabs/repoflow/internal/repohost"
	"github.com/fyrsmithlabs/repoflow/internal/schema"
	"github.com/fyrsmithlabs/repoflow/internal/stepexec"
)

const proposalTemplate = `Change request:
{{change_request}}

Current file contents:
{{files}}
Files that may be created:
{{files_to_create}}

Return full-file replacements, not patches. Use "update" for the existing files above, "create" for new files and "delete" to remove a file (omit content for deletes). Only touch the files listed above.
The commit_message must follow the Conventional Commits format, for example "feat(api): add pagination".`

func (p *Pipeline) propose(ctx context.Context, repo repohost.Repo, req PlanRequest, disc *Discovery) (*Proposal, int, error) {
	sizes := make(map[string]int, len(disc.Candidates))
	for _, c := range disc.Candidates {
		sizes[c.Path] = c.Size
	}

	prop := &Proposal{Changes: []guardrail.Change{}}
	current := make(map[string]string)
	maxFile := p.cfg.MaxFileKB * 1024
	maxTotal := p.cfg.MaxProposalKB * 1024
	used := 0

	var files strings.Builder
	for i, path := range disc.Files {
		if sizes[path] > maxFile {
			prop.FilesSkipped = append(prop.FilesSkipped, FileSkip{Path: path, Reason: SkipFileTooLarge})
			continue
		}
		if used+sizes[path] > maxTotal {
			for _, rest := range disc.Files[i:] {
				prop.FilesSkipped = append(prop.FilesSkipped, FileSkip{Path: rest, Reason: SkipBudgetExhausted})
			}
			break
		}

		f, err := p.host.GetFile(ctx, repo, path, req.BaseBranch)
		if errors.Is(err, flowerr.ErrNotFound) {
			prop.FilesSkipped = append(prop.FilesSkipped, FileSkip{Path: path, Reason: SkipMissing})
			continue
		}
		if err != nil {
			return nil, used, err
		}

		used += len(f.Content)
		current[path] = f.SHA
		prop.FilesRead = append(prop.FilesRead, path)
		fmt.Fprintf(&files, "=== %s ===\n%s\n=== end %s ===\n", path, f.Content, path)
	}
	if len(prop.FilesRead) == 0 {
		files.WriteString("(none)\n")
	}

	toCreate := "(none)"
	if len(disc.FilesToCreate) > 0 {
		toCreate = "- " + strings.Join(disc.FilesToCreate, "\n- ")
	}

	userPrompt := prompt.Render(proposalTemplate, map[string]any{
		"change_request":  req.ChangeRequest,
		"files":           files.String(),
		"files_to_create": toCreate,
	})

	res, err := p.steps.Execute(ctx, stepexec.Request{
		Model:         req.Model,
		Temperature:   p.temperature(req.Temperature),
		Messages:      []llm.Message{{Role: llm.RoleUser, Content: userPrompt}},
		SchemaName:    schema.CodeChangesV1,
		SystemGuard:   p.cfg.SystemGuard,
		CorrelationID: req.CorrelationID,
		MaxRetries:    p.cfg.MaxRetries,
	})
	if err != nil {
		return nil, used, err
	}

	doc, err := decode[ApplyPlan](res.JSON)
	if err != nil {
		return nil, used, err
	}
	prop.CommitMessage = strings.TrimSpace(doc.CommitMessage)
	prop.Summary = doc.Summary

	for _, ch := range doc.Changes {
		ch.Path = guardrail.Normalize(ch.Path)
		if ch.Operation == guardrail.OpUpdate {
			if sha, ok := current[ch.Path]; ok && repohost.BlobSHA(ch.Content) == sha {
				prop.NoOps = append(prop.NoOps, ch.Path)
				continue
			}
		}
		prop.Changes = append(prop.Changes, ch)
	}

	p.logger.Info(ctx, "proposal generated",
		zap.Int("files_read", len(prop.FilesRead)),
		zap.Int("files_skipped", len(prop.FilesSkipped)),
		zap.Int("changes", len(prop.Changes)),
		zap.Int("no_ops", len(prop.NoOps)),
		zap.Int("bytes_read", used),
	)
	return prop, used, nil
}
