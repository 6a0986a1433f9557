package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
)

// Store is an in-memory keyed Job store. Every mutation runs under the store
// lock and readers only ever see copies.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Put inserts job, replacing any record with the same ID.
func (s *Store) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := job.clone()
	s.jobs[job.ID] = &c
}

// Get returns a snapshot of the job.
func (s *Store) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: job %q", flowerr.ErrNotFound, id)
	}
	return j.clone(), nil
}

// Update applies fn to the stored job atomically. Progress never moves
// backwards: a lower value set by fn is clamped to the previous one.
func (s *Store) Update(id string, fn func(*Job)) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: job %q", flowerr.ErrNotFound, id)
	}

	prev := j.Progress
	fn(j)
	j.Progress = min(max(j.Progress, prev), 100)
	j.UpdatedAt = s.now()
	return j.clone(), nil
}

// List returns snapshots of every job.
func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.clone())
	}
	return out
}
