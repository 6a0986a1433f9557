package repoops

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/guardrail"
	"github.com/fyrsmithlabs/repoflow/internal/llm"
	"github.com/fyrsmithlabs/repoflow/internal/prompt"
	"github.com/fyrsmithlabs/repoflow/internal/repohost"
	"github.com/fyrsmithlabs/repoflow/internal/schema"
	"github.com/fyrsmithlabs/repoflow/internal/stepexec"
)

const (
	maxContextFiles     = 3
	contextSnippetBytes = 4096
)

// contextFileNames are read for orientation, in preference order.
var contextFileNames = []string{
	"README.md", "README", "README.rst",
	"package.json", "go.mod", "pyproject.toml", "Cargo.toml",
	"requirements.txt", "pom.xml", "build.gradle", "composer.json", "Gemfile",
}

const discoveryTemplate = `Change request:
{{change_request}}

Repository files (path and size in bytes), most relevant first:
{{candidates}}
{{context}}
Select at most {{max_files}} existing files from the list above that must be read or modified to implement the change request, plus any new files that must be created.
Reply with {"files": [...], "files_to_create": [...], "rationale": "..."}.`

// Plan runs discovery and proposal.
func (p *Pipeline) Plan(ctx context.Context, req PlanRequest, rec Recorder) (*Plan, error) {
	if strings.TrimSpace(req.ChangeRequest) == "" {
		return nil, fmt.Errorf("%w: change_request is required", flowerr.ErrInvalidRequest)
	}
	if req.ConnID == "" {
		return nil, fmt.Errorf("%w: conn_id is required", flowerr.ErrInvalidRequest)
	}
	if req.BaseBranch == "" {
		req.BaseBranch = defaultBaseBranch
	}
	if req.Model == "" {
		req.Model = p.cfg.DefaultModel
	}

	repo, err := p.host.Connection(ctx, req.ConnID)
	if err != nil {
		return nil, err
	}
	policy, err := p.policyFor(req.AllowPaths, req.DenyPaths, req.LanguageHints)
	if err != nil {
		return nil, err
	}

	disc, err := runPhase(ctx, p, rec, PhaseDiscovery, func(ctx context.Context) (*Discovery, error) {
		return p.discover(ctx, repo, policy, req)
	})
	if err != nil {
		return nil, err
	}
	p.artifact(rec, PhaseDiscovery, ArtifactDiscovery, "application/json", disc)

	var used int
	prop, err := runPhase(ctx, p, rec, PhaseProposal, func(ctx context.Context) (*Proposal, error) {
		var perr error
		var out *Proposal
		out, used, perr = p.propose(ctx, repo, req, disc)
		return out, perr
	})
	if err != nil {
		return nil, err
	}
	p.artifact(rec, PhaseProposal, ArtifactProposal, "application/json", prop)

	return &Plan{
		Discovery: disc,
		Proposal:  prop,
		Budget: ProposalBudget{
			MaxFileKB:       p.cfg.MaxFileKB,
			MaxProposalKB:   p.cfg.MaxProposalKB,
			UsedBytes:       used,
			MaxChangedFiles: p.cfg.Budget.MaxChangedFiles,
			MaxTotalKB:      p.cfg.Budget.MaxTotalKB,
		},
	}, nil
}

// Candidates filters and ranks a tree listing: language-hint matches first,
// then ascending size, then path.
func Candidates(tree []repohost.TreeEntry, policy *guardrail.Policy) ([]Candidate, map[string]int) {
	excluded := make(map[string]int)
	out := make([]Candidate, 0, len(tree))
	for _, e := range tree {
		d := policy.ShouldInclude(e.Path)
		if !d.Include {
			excluded[d.Reason]++
			continue
		}
		out = append(out, Candidate{
			Path:   guardrail.Normalize(e.Path),
			Size:   e.Size,
			SHA:    e.SHA,
			Reason: d.Reason,
			Hinted: policy.MatchesHint(e.Path),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Hinted != out[j].Hinted {
			return out[i].Hinted
		}
		if out[i].Size != out[j].Size {
			return out[i].Size < out[j].Size
		}
		return out[i].Path < out[j].Path
	})
	return out, excluded
}

func (p *Pipeline) discover(ctx context.Context, repo repohost.Repo, policy *guardrail.Policy, req PlanRequest) (*Discovery, error) {
	tree, err := p.host.ListTree(ctx, repo, req.BaseBranch)
	if err != nil {
		return nil, err
	}

	candidates, excluded := Candidates(tree, policy)
	if len(candidates) > p.cfg.MaxCandidateFiles {
		excluded["candidate_cap"] += len(candidates) - p.cfg.MaxCandidateFiles
		candidates = candidates[:p.cfg.MaxCandidateFiles]
	}

	contextFiles, contextText := p.contextFiles(ctx, repo, req.BaseBranch, tree, policy)

	var list strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&list, "- %s (%d)\n", c.Path, c.Size)
	}
	if len(candidates) == 0 {
		list.WriteString("(no existing files are eligible)\n")
	}

	userPrompt := prompt.Render(discoveryTemplate, map[string]any{
		"change_request": req.ChangeRequest,
		"candidates":     list.String(),
		"context":        contextText,
		"max_files":      p.cfg.MaxDiscoveryFiles,
	})

	res, err := p.steps.Execute(ctx, stepexec.Request{
		Model:         req.Model,
		Temperature:   p.temperature(req.Temperature),
		Messages:      []llm.Message{{Role: llm.RoleUser, Content: userPrompt}},
		SchemaName:    schema.RelevantFilesV1,
		SystemGuard:   p.cfg.SystemGuard,
		CorrelationID: req.CorrelationID,
		MaxRetries:    p.cfg.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	doc, err := decode[struct {
		Files         []string `json:"files"`
		FilesToCreate []string `json:"files_to_create"`
		Rationale     string   `json:"rationale"`
	}](res.JSON)
	if err != nil {
		return nil, err
	}

	disc := &Discovery{
		TotalFiles:    len(tree),
		Excluded:      excluded,
		Candidates:    candidates,
		ContextFiles:  contextFiles,
		Files:         []string{},
		FilesToCreate: []string{},
		Rationale:     doc.Rationale,
	}

	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.Path] = true
	}
	inTree := make(map[string]bool, len(tree))
	for _, e := range tree {
		inTree[guardrail.Normalize(e.Path)] = true
	}

	seen := make(map[string]bool)
	for _, f := range doc.Files {
		f = guardrail.Normalize(f)
		switch {
		case seen[f]:
		case !known[f] || len(disc.Files) >= p.cfg.MaxDiscoveryFiles:
			disc.Ignored = append(disc.Ignored, f)
		default:
			disc.Files = append(disc.Files, f)
		}
		seen[f] = true
	}
	for _, f := range doc.FilesToCreate {
		f = guardrail.Normalize(f)
		switch {
		case seen[f]:
		case inTree[f] || !policy.ShouldInclude(f).Include || len(disc.FilesToCreate) >= p.cfg.MaxDiscoveryFiles:
			disc.Ignored = append(disc.Ignored, f)
		default:
			disc.FilesToCreate = append(disc.FilesToCreate, f)
		}
		seen[f] = true
	}

	p.logger.Info(ctx, "discovery selected files",
		zap.Int("tree", len(tree)),
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", len(disc.Files)),
		zap.Int("to_create", len(disc.FilesToCreate)),
		zap.Int("ignored", len(disc.Ignored)),
	)
	return disc, nil
}

// contextFiles fetches up to three root-level README/manifest files. Files
// excluded only by the allow list are still read; denied files never are.
func (p *Pipeline) contextFiles(ctx context.Context, repo repohost.Repo, ref string, tree []repohost.TreeEntry, policy *guardrail.Policy) ([]string, string) {
	byName := make(map[string]repohost.TreeEntry)
	for _, e := range tree {
		if strings.Contains(e.Path, "/") {
			continue
		}
		byName[path.Base(e.Path)] = e
	}

	var names []string
	var b strings.Builder
	for _, name := range contextFileNames {
		if len(names) == maxContextFiles {
			break
		}
		e, ok := byName[name]
		if !ok || e.Size > p.cfg.MaxFileKB*1024 {
			continue
		}
		if d := policy.ShouldInclude(e.Path); !d.Include && d.Reason != guardrail.ReasonNotInAllowList {
			continue
		}

		f, err := p.host.GetFile(ctx, repo, e.Path, ref)
		if err != nil {
			if !errors.Is(err, flowerr.ErrNotFound) {
				p.logger.Warn(ctx, "context file unavailable", zap.String("path", e.Path), zap.Error(err))
			}
			continue
		}
		content := snippet(f.Content, contextSnippetBytes)
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", e.Path, content)
		names = append(names, e.Path)
	}

	if b.Len() == 0 {
		return names, ""
	}
	return names, "\nProject context:" + b.String()
}

// snippet cuts s to at most limit bytes on a rune boundary.
func snippet(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n..."
}
