package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	vars := map[string]any{
		"repo": map[string]any{
			"name":  "api",
			"stars": 12,
			"tags":  []any{"go", "http"},
		},
		"request": "add a health endpoint",
		"flag":    true,
		"nothing": nil,
		"files":   []any{map[string]any{"path": "a.go"}},
	}

	tests := []struct {
		name string
		tpl  string
		want string
	}{
		{"plain", "no placeholders", "no placeholders"},
		{"string", "Do: {{request}}", "Do: add a health endpoint"},
		{"nested", "{{repo.name}} has {{ repo.stars }} stars", "api has 12 stars"},
		{"array as json", "tags={{repo.tags}}", `tags=["go","http"]`},
		{"array index", "first={{files.0.path}}", "first=a.go"},
		{"bool", "flag={{flag}}", "flag=true"},
		{"null", "[{{nothing}}]", "[]"},
		{"missing", "[{{repo.owner.name}}]", "[]"},
		{"object", "{{files.0}}", `{"path":"a.go"}`},
		{"wildcard chars are literal", "[{{repo.*}}]", "[]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.tpl, vars))
		})
	}
}

func TestRender_NilVars(t *testing.T) {
	assert.Equal(t, "hello ", Render("hello {{name}}", nil))
}

func TestLookup(t *testing.T) {
	vars := map[string]any{"out": map[string]any{"files": []any{"a.go", "b.go"}}}

	v, ok := Lookup(vars, "out.files.1")
	require.True(t, ok)
	assert.Equal(t, "b.go", v)

	v, ok = Lookup(vars, "out.files")
	require.True(t, ok)
	assert.Equal(t, []any{"a.go", "b.go"}, v)

	_, ok = Lookup(vars, "out.missing")
	assert.False(t, ok)

	whole, ok := Lookup(vars, "")
	require.True(t, ok)
	assert.Equal(t, vars, whole)
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("{{a}} {{ b.c }} {{a}}")
	assert.Equal(t, []string{"a", "b.c"}, got)
}
