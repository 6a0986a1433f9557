package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/logging"
)

// ErrWatcherFailed indicates the definition directory watcher could not start.
var ErrWatcherFailed = errors.New("failed to initialize workflow watcher")

// Store resolves workflow definitions by ID.
type Store interface {
	Get(ctx context.Context, id string) (*Workflow, error)
	List(ctx context.Context) ([]*Workflow, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
)

// MemoryStore holds workflow definitions registered at runtime.
type MemoryStore struct {
	mu    sync.RWMutex
	flows map[string]*Workflow
}

// NewMemoryStore creates a MemoryStore seeded with flows.
func NewMemoryStore(flows ...*Workflow) (*MemoryStore, error) {
	s := &MemoryStore{flows: make(map[string]*Workflow)}
	for _, wf := range flows {
		if err := s.Put(wf); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put normalizes, validates and registers wf, replacing any previous
// definition with the same ID.
func (s *MemoryStore) Put(wf *Workflow) error {
	c := wf.copy()
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.flows[c.ID] = c
	s.mu.Unlock()
	return nil
}

// Get returns a copy of workflow id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.flows[id]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %q", flowerr.ErrNotFound, id)
	}
	return wf.copy(), nil
}

// List returns copies of all workflows ordered by ID.
func (s *MemoryStore) List(_ context.Context) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Workflow, 0, len(s.flows))
	for _, wf := range s.flows {
		out = append(out, wf.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) replace(flows map[string]*Workflow) {
	s.mu.Lock()
	s.flows = flows
	s.mu.Unlock()
}

// FileStore loads workflow definitions from a directory. Files ending in
// .yaml, .yml, .json or .toml are parsed; a definition without an id takes
// the file name without its extension.
type FileStore struct {
	dir    string
	mem    *MemoryStore
	logger *logging.Logger
}

// NewFileStore loads every definition under dir.
func NewFileStore(dir string, logger *logging.Logger) (*FileStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &FileStore{
		dir:    dir,
		mem:    &MemoryStore{flows: make(map[string]*Workflow)},
		logger: logger.Named("workflow.store"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns workflow id.
func (s *FileStore) Get(ctx context.Context, id string) (*Workflow, error) {
	return s.mem.Get(ctx, id)
}

// List returns all loaded workflows.
func (s *FileStore) List(ctx context.Context) ([]*Workflow, error) {
	return s.mem.List(ctx)
}

// Reload re-reads the directory. The previous set stays active if any file
// fails to load.
func (s *FileStore) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading workflow dir %s: %w", s.dir, err)
	}

	flows := make(map[string]*Workflow)
	for _, entry := range entries {
		if entry.IsDir() || !isDefinition(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		wf, err := LoadFile(path)
		if err != nil {
			return err
		}
		if _, dup := flows[wf.ID]; dup {
			return fmt.Errorf("%w: workflow %q defined twice (%s)", flowerr.ErrInvalidRequest, wf.ID, path)
		}
		flows[wf.ID] = wf
	}
	s.mem.replace(flows)
	s.logger.Info(context.Background(), "workflows loaded", zap.String("dir", s.dir), zap.Int("count", len(flows)))
	return nil
}

// Watch reloads the directory whenever a definition file changes, until ctx
// is cancelled. Reload errors are logged and the previous set is kept.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isDefinition(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warn(ctx, "workflow reload failed", zap.String("file", event.Name), zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn(ctx, "workflow watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func isDefinition(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json", ".toml":
		return true
	}
	return false
}

// LoadFile parses one workflow definition file.
func LoadFile(path string) (*Workflow, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow %s: %w", path, err)
	}

	var wf Workflow
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".toml":
		err = decodeTOML(content, &wf)
	default:
		// YAML is a superset of JSON, so one parser covers both.
		err = decodeYAML(content, &wf)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: workflow %s: %v", flowerr.ErrInvalidRequest, path, err)
	}

	if wf.ID == "" {
		wf.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	wf.Normalize()
	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &wf, nil
}

func decodeYAML(content []byte, wf *Workflow) error {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return err
	}
	// Round-trip through JSON so the json tags and the Schema/Defaults
	// free-form fields decode exactly as they do over HTTP.
	b, err := json.Marshal(k.Raw())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, wf)
}

func decodeTOML(content []byte, wf *Workflow) error {
	var raw map[string]any
	if _, err := toml.Decode(string(content), &raw); err != nil {
		return err
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, wf)
}

// copy returns a deep enough copy of w for callers to mutate steps and
// defaults without affecting the stored definition.
func (w *Workflow) copy() *Workflow {
	b, err := json.Marshal(w)
	if err != nil {
		c := *w
		c.Steps = append([]Step(nil), w.Steps...)
		return &c
	}
	var c Workflow
	if err := json.Unmarshal(b, &c); err != nil {
		c = *w
	}
	return &c
}
