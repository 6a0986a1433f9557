package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	ErrInvalidRegex = errors.New("invalid regex pattern")
	ErrInvalidTOML  = errors.New("invalid TOML format")
)

// Allowlist excludes file paths and content patterns from detection.
type Allowlist struct {
	Paths   []string // path regexes
	Regexes []string // content regexes
}

// LoadAllowlist reads a gitleaks-style [allowlist] table from path. A
// missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return &Allowlist{}, nil
	}

	var doc struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	al := &Allowlist{Paths: doc.Allowlist.Paths, Regexes: doc.Allowlist.Regexes}
	if err := al.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return al, nil
}

func (a *Allowlist) validate() error {
	for _, p := range a.Paths {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: path pattern %q: %v", ErrInvalidRegex, p, err)
		}
	}
	for _, p := range a.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: content pattern %q: %v", ErrInvalidRegex, p, err)
		}
	}
	return nil
}

func (a *Allowlist) empty() bool {
	return a == nil || (len(a.Paths) == 0 && len(a.Regexes) == 0)
}
