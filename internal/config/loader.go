// Package config loads repoflowd configuration from a YAML file overlaid with
// environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// sections lists the top-level keys environment variables may target.
// Anything else in the environment (PATH, HOME, ...) is ignored.
var sections = map[string]bool{
	"server":        true,
	"log":           true,
	"observability": true,
	"model":         true,
	"github":        true,
	"runner":        true,
	"guardrails":    true,
	"repoops":       true,
	"jobs":          true,
	"workflows":     true,
}

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (GITHUB_TOKEN, MODEL_BASE_URL, RUNNER_MODE, ...)
//  2. YAML config file (~/.config/repoflow/config.yaml by default)
//  3. Defaults
//
// The file must live under ~/.config/repoflow/ or /etc/repoflow/, be at most
// 1MB, and have 0600 or 0400 permissions. A missing file is not an error.
//
// Environment variables split on the first underscore only:
//
//	GITHUB_TOKEN        -> github.token
//	MODEL_BASE_URL      -> model.base_url
//	REPOOPS_MAX_FILE_KB -> repoops.max_file_kb
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "repoflow", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Validate through the open descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps SECTION_FIELD_NAME to section.field_name. Returning "" makes
// koanf skip the variable.
func envKey(s string) string {
	lower := strings.ToLower(s)
	section, field, ok := strings.Cut(lower, "_")
	if !ok || field == "" || !sections[section] {
		return ""
	}
	return section + "." + field
}

// validateConfigPath checks that path is in an allowed directory. It runs
// even if the file does not exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	for _, dir := range []string{filepath.Join(home, ".config", "repoflow"), "/etc/repoflow"} {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/repoflow/ or /etc/repoflow/")
}

// validateConfigFileProperties checks permissions and size of an open file.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
