// Package secrets detects credentials in proposed file content and redacts
// them from runner output, using the gitleaks default rule set.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one detected secret. Secret is never serialized.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
	Secret      string `json:"-"`
}

// Scanner wraps a gitleaks detector built once at startup.
type Scanner struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewScanner builds a scanner from the gitleaks defaults plus allow.
func NewScanner(allow *Allowlist) (*Scanner, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create secret detector: %w", err)
	}
	if !allow.empty() {
		if err := allow.validate(); err != nil {
			return nil, err
		}
		applyAllowlist(&detector.Config, allow)
	}
	return &Scanner{detector: detector}, nil
}

// Scan returns the secrets found in content. path may be empty; when set it
// is matched against allowlisted paths.
func (s *Scanner) Scan(path, content string) []Finding {
	if content == "" {
		return nil
	}
	s.mu.Lock()
	found := s.detector.Detect(detect.Fragment{Raw: content, FilePath: path})
	s.mu.Unlock()

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			Secret:      f.Secret,
		})
	}
	return out
}

// ContainsSecret reports the first rule that matched content.
func (s *Scanner) ContainsSecret(path, content string) (string, bool) {
	findings := s.Scan(path, content)
	if len(findings) == 0 {
		return "", false
	}
	return findings[0].RuleID, true
}

// Redact replaces every detected secret with [REDACTED:<rule-id>].
func (s *Scanner) Redact(content string) (string, []Finding) {
	findings := s.Scan("", content)
	return replaceFindings(content, findings), findings
}

// replaceFindings substitutes the longest secrets first so a secret that
// contains another is replaced whole.
func replaceFindings(content string, findings []Finding) string {
	if len(findings) == 0 {
		return content
	}
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Secret) > len(sorted[j].Secret)
	})
	for _, f := range sorted {
		content = strings.ReplaceAll(content, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return content
}

func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) {
	global := &gitleaksConfig.Allowlist{Description: "repoflow allowlist"}
	for _, p := range allow.Paths {
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(regexp.MustCompile(p)))
	}
	for _, p := range allow.Regexes {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(p)))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}
