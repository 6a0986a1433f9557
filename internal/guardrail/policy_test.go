package guardrail

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldInclude_Precedence(t *testing.T) {
	p, err := Compile(PolicySpec{
		AllowGlobs:    []string{"src/**", "docs/**", "node_modules/**"},
		DenyGlobs:     []string{"src/secret/**", "**/*.pem"},
		LanguageHints: []string{"typescript"},
	})
	require.NoError(t, err)

	tests := []struct {
		path string
		want Decision
	}{
		{"src/secret/key.ts", Decision{false, ReasonDenyList}},
		{"src/certs/server.pem", Decision{false, ReasonDenyList}},
		{"lib/util.ts", Decision{false, ReasonNotInAllowList}},
		{"node_modules/x/index.ts", Decision{false, ReasonBuildArtifact}},
		{"src/a.ts", Decision{true, ReasonLanguageHint}},
		{"src/a.go", Decision{true, ReasonHeuristic}},
		{"docs/guide.txt", Decision{true, ReasonDefault}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldInclude(tt.path))
		})
	}
}

func TestShouldInclude_DenyWinsOverAllow(t *testing.T) {
	paths := []string{"a.ts", "src/a.ts", "src/deep/nested/b.go", "config/app.yaml"}
	p := MustCompile(PolicySpec{
		AllowGlobs: []string{"**"},
		DenyGlobs:  []string{"**"},
	})
	for _, path := range paths {
		d := p.ShouldInclude(path)
		assert.False(t, d.Include, path)
		assert.Equal(t, ReasonDenyList, d.Reason, path)
	}
}

func TestShouldInclude_DiscoveryScenario(t *testing.T) {
	p := MustCompile(PolicySpec{DenyGlobs: []string{"secrets/**", "node_modules/**"}})

	var included []string
	for _, path := range []string{"src/a.ts", "node_modules/x.js", "secrets/key.txt"} {
		if p.ShouldInclude(path).Include {
			included = append(included, path)
		}
	}
	assert.Equal(t, []string{"src/a.ts"}, included)
}

func TestShouldInclude_BuildArtifacts(t *testing.T) {
	p := MustCompile(PolicySpec{})
	excluded := []string{
		"node_modules/react/index.js",
		"packages/web/node_modules/x.js",
		"dist/bundle.js",
		"vendor/github.com/pkg/errors/errors.go",
		"assets/logo.png",
		"release.tar.gz",
		"package-lock.json",
		"go.sum",
		"web/app.min.js",
		".git/config",
	}
	for _, path := range excluded {
		assert.Equal(t, Decision{false, ReasonBuildArtifact}, p.ShouldInclude(path), path)
	}
}

func TestShouldInclude_Heuristic(t *testing.T) {
	p := MustCompile(PolicySpec{})
	for _, path := range []string{"src/index.ts", "cmd/app/main.go", "services/api/internal/x.go", "package.json", "README.md", "tests/a_test.py"} {
		assert.Equal(t, Decision{true, ReasonHeuristic}, p.ShouldInclude(path), path)
	}
	assert.Equal(t, Decision{true, ReasonDefault}, p.ShouldInclude("scripts/deploy.sh"))
}

func TestShouldInclude_PathForms(t *testing.T) {
	p := MustCompile(PolicySpec{DenyGlobs: []string{"secrets/"}})
	for _, path := range []string{"secrets/key.txt", "/secrets/key.txt", "./secrets/key.txt", `secrets\key.txt`} {
		assert.False(t, p.ShouldInclude(path).Include, path)
	}
}

func TestLanguageHints(t *testing.T) {
	tests := []struct {
		hint string
		path string
		want bool
	}{
		{"go", "pkg/x.go", true},
		{"Go", "main.go", true},
		{".py", "tools/gen.py", true},
		{"*.proto", "api.proto", true},
		{"**/*.proto", "api/v1/api.proto", true},
		{"python", "main.go", false},
		{"elixir", "lib/app.elixir", true},
	}
	for _, tt := range tests {
		p := MustCompile(PolicySpec{LanguageHints: []string{tt.hint}})
		assert.Equal(t, tt.want, p.MatchesHint(tt.path), "%s ~ %s", tt.hint, tt.path)
	}
}

func TestCompile_InvalidGlob(t *testing.T) {
	_, err := Compile(PolicySpec{DenyGlobs: []string{"src/[a-"}})
	assert.Error(t, err)
}
