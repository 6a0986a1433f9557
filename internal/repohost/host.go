// Package repohost is the remote repository boundary used by the RepoOps
// pipeline: connection lookup, tree listing, file fetch, batch commits,
// deletes, branches, compares and pull requests.
package repohost

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/repoflow/internal/config"
)

// ErrBranchExists is returned by hosts that report a duplicate ref. Callers
// of CreateBranch never see it; it is folded into created=false.
var ErrBranchExists = errors.New("branch already exists")

// Repo identifies a resolved connection.
type Repo struct {
	ConnID string `json:"conn_id"`
	Owner  string `json:"owner"`
	Name   string `json:"repo"`

	token config.Secret
}

// FullName returns "owner/repo".
func (r Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

// Token returns the credential used for this repository.
func (r Repo) Token() config.Secret {
	return r.token
}

// TreeEntry is one blob in a recursive tree listing.
type TreeEntry struct {
	Path string `json:"path"`
	Size int    `json:"size"`
	SHA  string `json:"sha"`
}

// File is the decoded content of one blob.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	SHA     string `json:"sha"`
}

// FileChange is one create or update written by CommitFiles.
type FileChange struct {
	Path    string
	Content string
}

// CompareFile summarizes one changed path.
type CompareFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// Compare is the summary between two refs.
type Compare struct {
	Status       string        `json:"status"`
	AheadBy      int           `json:"ahead_by"`
	BehindBy     int           `json:"behind_by"`
	TotalCommits int           `json:"total_commits"`
	Files        []CompareFile `json:"files"`
	URL          string        `json:"url,omitempty"`
}

// PullRequestOptions describes a pull request to open.
type PullRequestOptions struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// PullRequest is an opened pull request.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
}

// Host is the repository hosting API consumed by the pipeline.
type Host interface {
	// Connection resolves a connection id to a repository.
	Connection(ctx context.Context, connID string) (Repo, error)

	// ListTree returns every blob reachable from ref.
	ListTree(ctx context.Context, repo Repo, ref string) ([]TreeEntry, error)

	// GetFile fetches one file at ref. Missing files wrap flowerr.ErrNotFound.
	GetFile(ctx context.Context, repo Repo, path, ref string) (*File, error)

	// CreateBranch creates head from base. An existing head is not an error.
	CreateBranch(ctx context.Context, repo Repo, base, head string) (created bool, err error)

	// CommitFiles writes every change to branch in a single commit and
	// returns the new commit sha.
	CommitFiles(ctx context.Context, repo Repo, branch, message string, changes []FileChange) (string, error)

	// DeleteFile removes path from branch; sha is the current blob id.
	DeleteFile(ctx context.Context, repo Repo, branch, path, sha, message string) (string, error)

	// Compare summarizes head relative to base.
	Compare(ctx context.Context, repo Repo, base, head string) (*Compare, error)

	// CreatePullRequest opens a pull request.
	CreatePullRequest(ctx context.Context, repo Repo, opts PullRequestOptions) (*PullRequest, error)

	// CloneURL returns the https remote used by runners to fetch repo.
	CloneURL(repo Repo) string
}
