package guardrail

import (
	"fmt"
	"strings"
)

// Change operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Skip reasons beyond the policy decision reasons.
const (
	ReasonInvalidChange      = "invalid_change"
	ReasonSecretDetected     = "secret_detected"
	ReasonMaxFilesExceeded   = "max_files_exceeded"
	ReasonSizeBudgetExceeded = "size_budget_exceeded"
	ReasonDeleteFailed       = "delete_failed"
	ReasonNoChange           = "no_change"
)

// Change is one proposed full-file operation.
type Change struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
	Content   string `json:"content,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// Skipped is a change that was not applied, with a machine-readable reason.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Partition splits proposed changes into those safe to apply and those skipped.
type Partition struct {
	Applied    []Change  `json:"applied"`
	Skipped    []Skipped `json:"skipped"`
	TotalBytes int       `json:"total_bytes"`
}

// Budget bounds a single apply. Zero values are real limits.
type Budget struct {
	MaxChangedFiles int `json:"max_changed_files"`
	MaxTotalKB      int `json:"max_total_kb"`
}

// ContentScanner flags content that must never be committed.
type ContentScanner interface {
	ContainsSecret(path, content string) (ruleID string, found bool)
}

// Enforcer applies a policy, a budget and an optional scanner to changes.
type Enforcer struct {
	policy  *Policy
	budget  Budget
	scanner ContentScanner
}

// NewEnforcer creates an Enforcer. scanner may be nil.
func NewEnforcer(policy *Policy, budget Budget, scanner ContentScanner) *Enforcer {
	if policy == nil {
		policy = MustCompile(PolicySpec{})
	}
	return &Enforcer{policy: policy, budget: budget, scanner: scanner}
}

// Partition evaluates changes in order and never stops early: every change
// lands in exactly one of Applied or Skipped. Once the file budget is
// reached every later change is skipped.
func (e *Enforcer) Partition(changes []Change) Partition {
	out := Partition{Applied: []Change{}, Skipped: []Skipped{}}
	maxBytes := e.budget.MaxTotalKB * 1024
	seen := make(map[string]bool, len(changes))

	for _, ch := range changes {
		ch.Path = Normalize(ch.Path)

		if reason := validate(ch); reason != "" {
			out.Skipped = append(out.Skipped, Skipped{Path: ch.Path, Reason: ReasonInvalidChange, Detail: reason})
			continue
		}
		if seen[ch.Path] {
			out.Skipped = append(out.Skipped, Skipped{Path: ch.Path, Reason: ReasonInvalidChange, Detail: "duplicate path"})
			continue
		}
		if d := e.policy.ShouldInclude(ch.Path); !d.Include {
			out.Skipped = append(out.Skipped, Skipped{Path: ch.Path, Reason: d.Reason})
			continue
		}
		if e.scanner != nil && ch.Operation != OpDelete {
			if rule, found := e.scanner.ContainsSecret(ch.Path, ch.Content); found {
				out.Skipped = append(out.Skipped, Skipped{Path: ch.Path, Reason: ReasonSecretDetected, Detail: rule})
				continue
			}
		}
		if len(out.Applied)+1 > e.budget.MaxChangedFiles {
			out.Skipped = append(out.Skipped, Skipped{Path: ch.Path, Reason: ReasonMaxFilesExceeded})
			continue
		}
		size := 0
		if ch.Operation != OpDelete {
			size = len(ch.Content)
		}
		if out.TotalBytes+size > maxBytes {
			out.Skipped = append(out.Skipped, Skipped{Path: ch.Path, Reason: ReasonSizeBudgetExceeded,
				Detail: fmt.Sprintf("%d bytes over a %d KB budget", out.TotalBytes+size, e.budget.MaxTotalKB)})
			continue
		}

		seen[ch.Path] = true
		out.TotalBytes += size
		out.Applied = append(out.Applied, ch)
	}
	return out
}

func validate(ch Change) string {
	switch {
	case ch.Path == "" || ch.Path == ".":
		return "empty path"
	case ch.Path == ".." || strings.HasPrefix(ch.Path, "../"):
		return "path escapes repository root"
	}
	switch ch.Operation {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Sprintf("unknown operation %q", ch.Operation)
	}
	return ""
}
