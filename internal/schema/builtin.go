package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Built-in schema names.
const (
	RelevantFilesV1 = "relevant_files.v1"
	CodeChangesV1   = "code_changes.v1"
)

// CommitMessagePattern accepts conventional-commit subjects such as
// "feat(api): add endpoint" or "fix!: drop legacy flag".
const CommitMessagePattern = `^(feat|fix|docs|style|refactor|perf|test|build|ci|chore|revert)(\([^()\s]+\))?!?: \S`

// MaxRelevantFiles caps the discovery selection accepted by relevant_files.v1.
const MaxRelevantFiles = 25

// MaxProposedChanges caps the change list accepted by code_changes.v1.
const MaxProposedChanges = 50

var (
	ErrSchemaExists   = errors.New("schema already registered")
	ErrSchemaNotFound = errors.New("schema not found")
)

// Registry maps schema names to immutable schemas.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*jsonschema.Schema)}
}

// Builtins returns a registry holding relevant_files.v1 and code_changes.v1.
func Builtins() *Registry {
	r := NewRegistry()
	_ = r.Register(RelevantFilesV1, RelevantFiles())
	_ = r.Register(CodeChangesV1, CodeChanges())
	return r
}

// Register adds a schema under name. Names are versioned and never replaced.
func (r *Registry) Register(name string, s *jsonschema.Schema) error {
	if name == "" || s == nil {
		return fmt.Errorf("schema name and body are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[name]; ok {
		return fmt.Errorf("%w: %s", ErrSchemaExists, name)
	}
	r.schemas[name] = s
	return nil
}

// Get returns the schema registered under name.
func (r *Registry) Get(name string) (*jsonschema.Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, name)
	}
	return s, nil
}

// Names lists registered schema names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for n := range r.schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Parse decodes an inline JSON schema document.
func Parse(raw []byte) (*jsonschema.Schema, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return &s, nil
}

// Describe renders s as indented JSON for inclusion in prompts.
func Describe(s *jsonschema.Schema) string {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// RelevantFiles is the discovery contract: the files worth reading for a
// change request plus any files the change needs to create.
func RelevantFiles() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"files"},
		Properties: map[string]*jsonschema.Schema{
			"files": {
				Type:     "array",
				MaxItems: intPtr(MaxRelevantFiles),
				Items:    &jsonschema.Schema{Type: "string", MinLength: intPtr(1)},
			},
			"files_to_create": {
				Type:     "array",
				MaxItems: intPtr(MaxRelevantFiles),
				Items:    &jsonschema.Schema{Type: "string", MinLength: intPtr(1)},
			},
			"rationale": {Type: "string"},
		},
	}
}

// CodeChanges is the proposal contract: full-file replacements plus commit
// metadata. content is required only for create and update operations.
func CodeChanges() *jsonschema.Schema {
	change := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"path", "operation"},
		Properties: map[string]*jsonschema.Schema{
			"path": {
				Type:      "string",
				MinLength: intPtr(1),
				MaxLength: intPtr(512),
				Pattern:   `^[^/\s]`,
			},
			"operation": {
				Type: "string",
				Enum: []any{"create", "update", "delete"},
			},
			"content":   {Type: "string"},
			"rationale": {Type: "string"},
		},
		If: &jsonschema.Schema{
			Required: []string{"operation"},
			Properties: map[string]*jsonschema.Schema{
				"operation": {Enum: []any{"create", "update"}},
			},
		},
		Then: &jsonschema.Schema{Required: []string{"content"}},
	}

	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"changes", "commit_message"},
		Properties: map[string]*jsonschema.Schema{
			"changes": {
				Type:     "array",
				MinItems: intPtr(1),
				MaxItems: intPtr(MaxProposedChanges),
				Items:    change,
			},
			"commit_message": {
				Type:      "string",
				MaxLength: intPtr(2000),
				Pattern:   CommitMessagePattern,
			},
			"summary": {Type: "string"},
		},
	}
}

func intPtr(n int) *int {
	return &n
}
