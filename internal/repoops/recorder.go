package repoops

import (
	"sync"
	"time"
)

// Recorder receives phase transitions and artifacts while a pipeline runs.
// Implementations must be safe for concurrent readers.
type Recorder interface {
	PhaseStarted(phase Phase, at time.Time)
	PhaseFinished(result PhaseResult, progress int)
	Artifact(a Artifact)
}

// Trace is an in-memory Recorder for synchronous calls.
type Trace struct {
	mu        sync.Mutex
	phases    map[Phase]*PhaseResult
	artifacts []Artifact
	progress  int
}

// NewTrace creates an empty Trace.
func NewTrace() *Trace {
	return &Trace{phases: make(map[Phase]*PhaseResult)}
}

func (t *Trace) PhaseStarted(phase Phase, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phases[phase] = &PhaseResult{Phase: phase, Status: PhaseRunning, StartedAt: at}
}

func (t *Trace) PhaseFinished(result PhaseResult, progress int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := result
	t.phases[result.Phase] = &r
	t.progress = max(t.progress, progress)
}

func (t *Trace) Artifact(a Artifact) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.artifacts = append(t.artifacts, a)
}

// Phases returns a copy of the recorded phases.
func (t *Trace) Phases() map[Phase]*PhaseResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Phase]*PhaseResult, len(t.phases))
	for k, v := range t.phases {
		r := *v
		out[k] = &r
	}
	return out
}

// Artifacts returns a copy of the recorded artifacts.
func (t *Trace) Artifacts() []Artifact {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Artifact{}, t.artifacts...)
}

// Progress returns the highest progress reported.
func (t *Trace) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

var _ Recorder = (*Trace)(nil)
