package runner

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/repoflow/internal/config"
	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
)

// Runner is a registered execution agent.
type Runner struct {
	Name       string        `json:"name"`
	Endpoint   string        `json:"endpoint"`
	Token      config.Secret `json:"-"`
	DefaultCwd string        `json:"default_cwd,omitempty"`
}

// Registry holds runners by name.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register adds or replaces a runner.
func (r *Registry) Register(rn Runner) error {
	if rn.Name == "" || rn.Endpoint == "" {
		return errors.New("runner name and endpoint are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[rn.Name] = rn
	return nil
}

// Get looks up a runner by name.
func (r *Registry) Get(name string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[name]
	if !ok {
		return Runner{}, fmt.Errorf("runner %q: %w", name, flowerr.ErrNotFound)
	}
	return rn, nil
}

// Names returns registered runner names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runners))
	for n := range r.runners {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
