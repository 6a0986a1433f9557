package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
)

// RunStore keeps Run records in memory. Mutations are atomic per call and
// readers receive copies.
type RunStore struct {
	mu   sync.Mutex
	runs map[string]*Run
}

// NewRunStore creates an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*Run)}
}

// Put inserts or replaces a run.
func (s *RunStore) Put(run *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := run.clone()
	s.runs[run.ID] = &c
}

// Get returns a snapshot of run id.
func (s *RunStore) Get(id string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: run %q", flowerr.ErrNotFound, id)
	}
	return r.clone(), nil
}

// Update applies fn to run id under the store lock.
func (s *RunStore) Update(id string, fn func(*Run)) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: run %q", flowerr.ErrNotFound, id)
	}
	fn(r)
	return r.clone(), nil
}

// List returns snapshots of the runs of workflowID (all runs when empty),
// newest first.
func (s *RunStore) List(workflowID string) []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		if workflowID == "" || r.WorkflowID == workflowID {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
