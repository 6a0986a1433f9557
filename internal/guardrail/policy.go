// Package guardrail decides which repository paths a change pipeline may
// read or write, and bounds how much an apply may change.
package guardrail

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// Decision reasons.
const (
	ReasonDenyList       = "deny_list"
	ReasonNotInAllowList = "not_in_allow_list"
	ReasonBuildArtifact  = "build_artifact"
	ReasonLanguageHint   = "language_hint"
	ReasonHeuristic      = "heuristic"
	ReasonDefault        = "default"
)

// PolicySpec is the uncompiled policy.
type PolicySpec struct {
	AllowGlobs    []string `json:"allow_paths,omitempty"`
	DenyGlobs     []string `json:"deny_paths,omitempty"`
	LanguageHints []string `json:"language_hints,omitempty"`
}

// Decision is the outcome of ShouldInclude.
type Decision struct {
	Include bool   `json:"include"`
	Reason  string `json:"reason"`
}

// Policy is a compiled PolicySpec. It is immutable and safe for concurrent use.
type Policy struct {
	spec  PolicySpec
	allow matcher
	deny  matcher
	hints matcher
}

var (
	artifacts = mustCompileAll(buildArtifactGlobs)
	heuristic = mustCompileAll(heuristicGlobs)
)

// Compile precompiles every glob in spec.
func Compile(spec PolicySpec) (*Policy, error) {
	allow, err := compileAll(spec.AllowGlobs)
	if err != nil {
		return nil, fmt.Errorf("allow_paths: %w", err)
	}
	deny, err := compileAll(spec.DenyGlobs)
	if err != nil {
		return nil, fmt.Errorf("deny_paths: %w", err)
	}
	var hintPatterns []string
	for _, h := range spec.LanguageHints {
		hintPatterns = append(hintPatterns, hintGlobs(h)...)
	}
	hints, err := compileAll(hintPatterns)
	if err != nil {
		return nil, fmt.Errorf("language_hints: %w", err)
	}
	return &Policy{spec: spec, allow: allow, deny: deny, hints: hints}, nil
}

// MustCompile is Compile for static policies; it panics on a bad glob.
func MustCompile(spec PolicySpec) *Policy {
	p, err := Compile(spec)
	if err != nil {
		panic(err)
	}
	return p
}

// Spec returns the policy source.
func (p *Policy) Spec() PolicySpec {
	return p.spec
}

// ShouldInclude applies, in order: deny list, allow list, build-artifact
// exclusion, language hints, heuristic include list, default include.
func (p *Policy) ShouldInclude(filePath string) Decision {
	fp := Normalize(filePath)
	switch {
	case p.deny.match(fp):
		return Decision{Include: false, Reason: ReasonDenyList}
	case len(p.allow) > 0 && !p.allow.match(fp):
		return Decision{Include: false, Reason: ReasonNotInAllowList}
	case artifacts.match(fp):
		return Decision{Include: false, Reason: ReasonBuildArtifact}
	case p.hints.match(fp):
		return Decision{Include: true, Reason: ReasonLanguageHint}
	case heuristic.match(fp):
		return Decision{Include: true, Reason: ReasonHeuristic}
	default:
		return Decision{Include: true, Reason: ReasonDefault}
	}
}

// MatchesHint reports whether filePath matches a language hint.
func (p *Policy) MatchesHint(filePath string) bool {
	return p.hints.match(Normalize(filePath))
}

// Normalize converts a path to the slash-separated, root-relative form
// globs are matched against.
func Normalize(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean(p), "./")
}

type matcher []glob.Glob

func (m matcher) match(p string) bool {
	for _, g := range m {
		if g.Match(p) {
			return true
		}
	}
	return false
}

// compileAll compiles patterns with '/' as the separator. A trailing slash
// means the whole directory, and a leading "**/" also matches at the root.
func compileAll(patterns []string) (matcher, error) {
	m := make(matcher, 0, len(patterns))
	for _, raw := range patterns {
		pat := Normalize(raw)
		if strings.HasSuffix(strings.TrimSpace(raw), "/") {
			pat += "/**"
		}
		if pat == "" {
			continue
		}
		variants := []string{pat}
		if rest, ok := strings.CutPrefix(pat, "**/"); ok {
			variants = append(variants, rest)
		}
		for _, v := range variants {
			g, err := glob.Compile(v, '/')
			if err != nil {
				return nil, fmt.Errorf("invalid glob %q: %w", raw, err)
			}
			m = append(m, g)
		}
	}
	return m, nil
}

func mustCompileAll(patterns []string) matcher {
	m, err := compileAll(patterns)
	if err != nil {
		panic(err)
	}
	return m
}
