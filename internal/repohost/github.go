package repohost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/repoflow/internal/config"
	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/logging"
)

const blobMode = "100644"

// NewGitHubClient creates a GitHub client authenticated with token. An empty
// baseURL targets github.com; anything else is treated as a GitHub
// Enterprise API root.
func NewGitHubClient(ctx context.Context, token config.Secret, baseURL string) (*github.Client, error) {
	var httpClient *http.Client
	if token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
		httpClient = oauth2.NewClient(ctx, ts)
	}

	client := github.NewClient(httpClient)
	if baseURL == "" {
		return client, nil
	}
	client, err := client.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid github base url: %w", err)
	}
	return client, nil
}

// GitHub implements Host over the GitHub REST API.
type GitHub struct {
	conns   *Connections
	baseURL string
	retry   RetryConfig
	logger  *logging.Logger

	mu      sync.Mutex
	clients map[string]*github.Client
}

// GitHubOption configures a GitHub host.
type GitHubOption func(*GitHub)

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(cfg RetryConfig) GitHubOption {
	return func(g *GitHub) { g.retry = cfg }
}

// NewGitHub creates a GitHub host from configuration.
func NewGitHub(cfg config.GitHubConfig, logger *logging.Logger, opts ...GitHubOption) *GitHub {
	if logger == nil {
		logger = logging.NewNop()
	}
	retry := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	g := &GitHub{
		conns:   NewConnections(cfg),
		baseURL: cfg.BaseURL,
		retry:   retry,
		logger:  logger.Named("repohost"),
		clients: make(map[string]*github.Client),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GitHub) client(ctx context.Context, repo Repo) (*github.Client, error) {
	key := repo.ConnID
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[key]; ok {
		return c, nil
	}
	c, err := NewGitHubClient(context.WithoutCancel(ctx), repo.token, g.baseURL)
	if err != nil {
		return nil, err
	}
	g.clients[key] = c
	return c, nil
}

// Connection resolves connID.
func (g *GitHub) Connection(_ context.Context, connID string) (Repo, error) {
	return g.conns.Resolve(connID)
}

// ListTree returns every blob reachable from ref.
func (g *GitHub) ListTree(ctx context.Context, repo Repo, ref string) ([]TreeEntry, error) {
	client, err := g.client(ctx, repo)
	if err != nil {
		return nil, err
	}

	var tree *github.Tree
	_, err = withRetry(ctx, g.retry, g.logger, "list_tree", func() (*github.Response, error) {
		var resp *github.Response
		var callErr error
		tree, resp, callErr = client.Git.GetTree(ctx, repo.Owner, repo.Name, ref, true)
		return resp, callErr
	})
	if err != nil {
		return nil, err
	}

	if tree.GetTruncated() {
		g.logger.Warn(ctx, "tree listing truncated by host")
	}

	entries := make([]TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.GetType() != "blob" {
			continue
		}
		entries = append(entries, TreeEntry{Path: e.GetPath(), Size: e.GetSize(), SHA: e.GetSHA()})
	}
	return entries, nil
}

// GetFile fetches one file at ref.
func (g *GitHub) GetFile(ctx context.Context, repo Repo, path, ref string) (*File, error) {
	client, err := g.client(ctx, repo)
	if err != nil {
		return nil, err
	}

	var content *github.RepositoryContent
	_, err = withRetry(ctx, g.retry, g.logger, "get_file", func() (*github.Response, error) {
		var resp *github.Response
		var callErr error
		content, _, resp, callErr = client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path,
			&github.RepositoryContentGetOptions{Ref: ref})
		return resp, callErr
	})
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, fmt.Errorf("%w: %s is not a file", flowerr.ErrNotFound, path)
	}

	text, err := content.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &File{Path: path, Content: text, SHA: content.GetSHA()}, nil
}

// CreateBranch creates head pointing at the tip of base.
func (g *GitHub) CreateBranch(ctx context.Context, repo Repo, base, head string) (bool, error) {
	client, err := g.client(ctx, repo)
	if err != nil {
		return false, err
	}

	baseSHA, err := g.refSHA(ctx, client, repo, base)
	if err != nil {
		return false, err
	}

	_, err = withRetry(ctx, g.retry, g.logger, "create_branch", func() (*github.Response, error) {
		_, resp, callErr := client.Git.CreateRef(ctx, repo.Owner, repo.Name, &github.Reference{
			Ref:    github.String("refs/heads/" + head),
			Object: &github.GitObject{SHA: github.String(baseSHA)},
		})
		return resp, callErr
	})
	if err == nil {
		return true, nil
	}
	if isBranchExists(err) {
		return false, nil
	}
	return false, err
}

// CommitFiles writes changes to branch as one commit via the git data API.
func (g *GitHub) CommitFiles(ctx context.Context, repo Repo, branch, message string, changes []FileChange) (string, error) {
	if len(changes) == 0 {
		return "", fmt.Errorf("%w: no files to commit", flowerr.ErrInvalidRequest)
	}
	client, err := g.client(ctx, repo)
	if err != nil {
		return "", err
	}

	parentSHA, err := g.refSHA(ctx, client, repo, branch)
	if err != nil {
		return "", err
	}

	var parent *github.Commit
	if _, err := withRetry(ctx, g.retry, g.logger, "get_commit", func() (*github.Response, error) {
		var resp *github.Response
		var callErr error
		parent, resp, callErr = client.Git.GetCommit(ctx, repo.Owner, repo.Name, parentSHA)
		return resp, callErr
	}); err != nil {
		return "", err
	}

	entries := make([]*github.TreeEntry, 0, len(changes))
	for _, ch := range changes {
		entries = append(entries, &github.TreeEntry{
			Path:    github.String(ch.Path),
			Mode:    github.String(blobMode),
			Type:    github.String("blob"),
			Content: github.String(ch.Content),
		})
	}

	var tree *github.Tree
	if _, err := withRetry(ctx, g.retry, g.logger, "create_tree", func() (*github.Response, error) {
		var resp *github.Response
		var callErr error
		tree, resp, callErr = client.Git.CreateTree(ctx, repo.Owner, repo.Name, parent.GetTree().GetSHA(), entries)
		return resp, callErr
	}); err != nil {
		return "", err
	}

	var commit *github.Commit
	if _, err := withRetry(ctx, g.retry, g.logger, "create_commit", func() (*github.Response, error) {
		var resp *github.Response
		var callErr error
		commit, resp, callErr = client.Git.CreateCommit(ctx, repo.Owner, repo.Name, &github.Commit{
			Message: github.String(message),
			Tree:    &github.Tree{SHA: tree.SHA},
			Parents: []*github.Commit{{SHA: github.String(parentSHA)}},
		}, nil)
		return resp, callErr
	}); err != nil {
		return "", err
	}

	if _, err := withRetry(ctx, g.retry, g.logger, "update_ref", func() (*github.Response, error) {
		_, resp, callErr := client.Git.UpdateRef(ctx, repo.Owner, repo.Name, &github.Reference{
			Ref:    github.String("refs/heads/" + branch),
			Object: &github.GitObject{SHA: commit.SHA},
		}, false)
		return resp, callErr
	}); err != nil {
		return "", err
	}

	return commit.GetSHA(), nil
}

// DeleteFile removes path from branch.
func (g *GitHub) DeleteFile(ctx context.Context, repo Repo, branch, path, sha, message string) (string, error) {
	client, err := g.client(ctx, repo)
	if err != nil {
		return "", err
	}

	var res *github.RepositoryContentResponse
	if _, err := withRetry(ctx, g.retry, g.logger, "delete_file", func() (*github.Response, error) {
		var resp *github.Response
		var callErr error
		res, resp, callErr = client.Repositories.DeleteFile(ctx, repo.Owner, repo.Name, path,
			&github.RepositoryContentFileOptions{
				Message: github.String(message),
				SHA:     github.String(sha),
				Branch:  github.String(branch),
			})
		return resp, callErr
	}); err != nil {
		return "", err
	}
	if res == nil {
		return "", nil
	}
	return res.Commit.GetSHA(), nil
}

// Compare summarizes head relative to base.
func (g *GitHub) Compare(ctx context.Context, repo Repo, base, head string) (*Compare, error) {
	client, err := g.client(ctx, repo)
	if err != nil {
		return nil, err
	}

	var cmp *github.CommitsComparison
	if _, err := withRetry(ctx, g.retry, g.logger, "compare", func() (*github.Response, error) {
		var resp *github.Response
		var callErr error
		cmp, resp, callErr = client.Repositories.CompareCommits(ctx, repo.Owner, repo.Name, base, head, nil)
		return resp, callErr
	}); err != nil {
		return nil, err
	}

	out := &Compare{
		Status:       cmp.GetStatus(),
		AheadBy:      cmp.GetAheadBy(),
		BehindBy:     cmp.GetBehindBy(),
		TotalCommits: cmp.GetTotalCommits(),
		URL:          cmp.GetHTMLURL(),
		Files:        make([]CompareFile, 0, len(cmp.Files)),
	}
	for _, f := range cmp.Files {
		out.Files = append(out.Files, CompareFile{
			Filename:  f.GetFilename(),
			Status:    f.GetStatus(),
			Additions: f.GetAdditions(),
			Deletions: f.GetDeletions(),
		})
	}
	return out, nil
}

// CreatePullRequest opens a pull request.
func (g *GitHub) CreatePullRequest(ctx context.Context, repo Repo, opts PullRequestOptions) (*PullRequest, error) {
	client, err := g.client(ctx, repo)
	if err != nil {
		return nil, err
	}

	var pr *github.PullRequest
	if _, err := withRetry(ctx, g.retry, g.logger, "create_pull_request", func() (*github.Response, error) {
		var resp *github.Response
		var callErr error
		pr, resp, callErr = client.PullRequests.Create(ctx, repo.Owner, repo.Name, &github.NewPullRequest{
			Title: github.String(opts.Title),
			Head:  github.String(opts.Head),
			Base:  github.String(opts.Base),
			Body:  github.String(opts.Body),
			Draft: github.Bool(opts.Draft),
		})
		return resp, callErr
	}); err != nil {
		return nil, err
	}

	return &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), Title: pr.GetTitle()}, nil
}

// CloneURL returns the https remote for repo.
func (g *GitHub) CloneURL(repo Repo) string {
	host := "https://github.com"
	if g.baseURL != "" {
		if u, err := url.Parse(g.baseURL); err == nil && u.Host != "" {
			host = u.Scheme + "://" + u.Host
		}
	}
	return fmt.Sprintf("%s/%s/%s.git", host, repo.Owner, repo.Name)
}

func (g *GitHub) refSHA(ctx context.Context, client *github.Client, repo Repo, branch string) (string, error) {
	var ref *github.Reference
	if _, err := withRetry(ctx, g.retry, g.logger, "get_ref", func() (*github.Response, error) {
		var resp *github.Response
		var callErr error
		ref, resp, callErr = client.Git.GetRef(ctx, repo.Owner, repo.Name, "refs/heads/"+branch)
		return resp, callErr
	}); err != nil {
		return "", err
	}
	return ref.GetObject().GetSHA(), nil
}

func isBranchExists(err error) bool {
	if errors.Is(err, ErrBranchExists) {
		return true
	}
	var up *flowerr.UpstreamError
	if !errors.As(err, &up) || up.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	return strings.Contains(strings.ToLower(up.Err.Error()), "already exists")
}

var _ Host = (*GitHub)(nil)
