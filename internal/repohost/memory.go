package repohost

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
)

// BlobSHA returns the git blob id of content.
func BlobSHA(content string) string {
	return plumbing.ComputeHash(plumbing.BlobObject, []byte(content)).String()
}

// Memory is an in-process Host holding branches as path→content maps. It
// backs local dry runs and tests.
type Memory struct {
	mu    sync.Mutex
	repos map[string]*memRepo
}

type memRepo struct {
	repo      Repo
	branches  map[string]map[string]string
	forkPoint map[string]int
	commits   map[string]int
	prs       []PullRequest
	writes    int
	failPaths map[string]error
}

// NewMemory creates an empty in-memory host.
func NewMemory() *Memory {
	return &Memory{repos: make(map[string]*memRepo)}
}

// AddRepo registers connID with one branch seeded with files.
func (m *Memory) AddRepo(connID, owner, name, branch string, files map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.repos[connID] = &memRepo{
		repo:      Repo{ConnID: connID, Owner: owner, Name: name},
		branches:  map[string]map[string]string{branch: maps.Clone(files)},
		forkPoint: map[string]int{},
		commits:   map[string]int{branch: 0},
		failPaths: map[string]error{},
	}
}

// FailOn makes any write touching path fail with err.
func (m *Memory) FailOn(connID, path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.repos[connID]; ok {
		r.failPaths[path] = err
	}
}

// Files returns a copy of branch's files.
func (m *Memory) Files(connID, branch string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[connID]
	if !ok {
		return nil
	}
	return maps.Clone(r.branches[branch])
}

// Branches lists branch names.
func (m *Memory) Branches(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[connID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(r.branches))
	for name := range r.branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Writes counts mutating calls (branches, commits, deletes, pull requests).
func (m *Memory) Writes(connID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.repos[connID]; ok {
		return r.writes
	}
	return 0
}

// PullRequests returns opened pull requests.
func (m *Memory) PullRequests(connID string) []PullRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.repos[connID]; ok {
		return append([]PullRequest(nil), r.prs...)
	}
	return nil
}

func (m *Memory) lookup(connID string) (*memRepo, error) {
	r, ok := m.repos[connID]
	if !ok {
		return nil, fmt.Errorf("%w: connection %q", flowerr.ErrNotFound, connID)
	}
	return r, nil
}

func (r *memRepo) branch(name string) (map[string]string, error) {
	files, ok := r.branches[name]
	if !ok {
		return nil, flowerr.Upstream(serviceName, "get_ref", 404, false, fmt.Errorf("%w: branch %q", flowerr.ErrNotFound, name))
	}
	return files, nil
}

func (m *Memory) Connection(_ context.Context, connID string) (Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(connID)
	if err != nil {
		return Repo{}, err
	}
	return r.repo, nil
}

func (m *Memory) ListTree(_ context.Context, repo Repo, ref string) ([]TreeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(repo.ConnID)
	if err != nil {
		return nil, err
	}
	files, err := r.branch(ref)
	if err != nil {
		return nil, err
	}

	entries := make([]TreeEntry, 0, len(files))
	for path, content := range files {
		entries = append(entries, TreeEntry{Path: path, Size: len(content), SHA: BlobSHA(content)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (m *Memory) GetFile(_ context.Context, repo Repo, path, ref string) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(repo.ConnID)
	if err != nil {
		return nil, err
	}
	files, err := r.branch(ref)
	if err != nil {
		return nil, err
	}
	content, ok := files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", flowerr.ErrNotFound, path, ref)
	}
	return &File{Path: path, Content: content, SHA: BlobSHA(content)}, nil
}

func (m *Memory) CreateBranch(_ context.Context, repo Repo, base, head string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(repo.ConnID)
	if err != nil {
		return false, err
	}
	if _, ok := r.branches[head]; ok {
		return false, nil
	}
	files, err := r.branch(base)
	if err != nil {
		return false, err
	}
	r.branches[head] = maps.Clone(files)
	r.commits[head] = r.commits[base]
	r.forkPoint[head] = r.commits[base]
	r.writes++
	return true, nil
}

func (m *Memory) CommitFiles(_ context.Context, repo Repo, branch, message string, changes []FileChange) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(repo.ConnID)
	if err != nil {
		return "", err
	}
	files, err := r.branch(branch)
	if err != nil {
		return "", err
	}
	if len(changes) == 0 {
		return "", fmt.Errorf("%w: no files to commit", flowerr.ErrInvalidRequest)
	}
	for _, ch := range changes {
		if failErr, ok := r.failPaths[ch.Path]; ok {
			return "", flowerr.Upstream(serviceName, "create_tree", 422, false, failErr)
		}
	}
	for _, ch := range changes {
		files[ch.Path] = ch.Content
	}
	r.commits[branch]++
	r.writes++
	return commitSHA(branch, message, r.commits[branch]), nil
}

func (m *Memory) DeleteFile(_ context.Context, repo Repo, branch, path, sha, message string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(repo.ConnID)
	if err != nil {
		return "", err
	}
	files, err := r.branch(branch)
	if err != nil {
		return "", err
	}
	if failErr, ok := r.failPaths[path]; ok {
		return "", flowerr.Upstream(serviceName, "delete_file", 409, false, failErr)
	}
	content, ok := files[path]
	if !ok {
		return "", fmt.Errorf("%w: %s@%s", flowerr.ErrNotFound, path, branch)
	}
	if BlobSHA(content) != sha {
		return "", flowerr.Upstream(serviceName, "delete_file", 409, false, fmt.Errorf("sha mismatch for %s", path))
	}
	delete(files, path)
	r.commits[branch]++
	r.writes++
	return commitSHA(branch, message, r.commits[branch]), nil
}

func (m *Memory) Compare(_ context.Context, repo Repo, base, head string) (*Compare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(repo.ConnID)
	if err != nil {
		return nil, err
	}
	baseFiles, err := r.branch(base)
	if err != nil {
		return nil, err
	}
	headFiles, err := r.branch(head)
	if err != nil {
		return nil, err
	}

	cmp := &Compare{Status: "identical", Files: []CompareFile{}}
	for path, content := range headFiles {
		old, ok := baseFiles[path]
		switch {
		case !ok:
			cmp.Files = append(cmp.Files, CompareFile{Filename: path, Status: "added", Additions: lineCount(content)})
		case old != content:
			cmp.Files = append(cmp.Files, CompareFile{Filename: path, Status: "modified",
				Additions: lineCount(content), Deletions: lineCount(old)})
		}
	}
	for path, old := range baseFiles {
		if _, ok := headFiles[path]; !ok {
			cmp.Files = append(cmp.Files, CompareFile{Filename: path, Status: "removed", Deletions: lineCount(old)})
		}
	}
	sort.Slice(cmp.Files, func(i, j int) bool { return cmp.Files[i].Filename < cmp.Files[j].Filename })

	cmp.AheadBy = r.commits[head] - r.forkPoint[head]
	cmp.TotalCommits = cmp.AheadBy
	if cmp.AheadBy > 0 {
		cmp.Status = "ahead"
	}
	return cmp, nil
}

func (m *Memory) CreatePullRequest(_ context.Context, repo Repo, opts PullRequestOptions) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(repo.ConnID)
	if err != nil {
		return nil, err
	}
	if _, err := r.branch(opts.Head); err != nil {
		return nil, err
	}
	pr := PullRequest{
		Number: len(r.prs) + 1,
		URL:    fmt.Sprintf("memory://%s/pull/%d", r.repo.FullName(), len(r.prs)+1),
		Title:  opts.Title,
	}
	r.prs = append(r.prs, pr)
	r.writes++
	return &pr, nil
}

func (m *Memory) CloneURL(repo Repo) string {
	return fmt.Sprintf("memory://%s.git", repo.FullName())
}

func commitSHA(branch, message string, n int) string {
	return BlobSHA(fmt.Sprintf("%s\x00%s\x00%d", branch, message, n))
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(s, "\n"), "\n") + 1
}

var _ Host = (*Memory)(nil)
