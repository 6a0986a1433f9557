// Package runner dispatches shell and python snippets to remote execution
// agents, either directly or through a controller service.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/repoflow/internal/config"
)

// Kinds of code a runner executes.
const (
	KindBash   = "bash"
	KindPython = "python"
)

// ExecRequest is one remote execution.
type ExecRequest struct {
	Target    string            `json:"runner"`
	Kind      string            `json:"type"`
	Code      string            `json:"code"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

// ExecResult is the normalized reply. Killed means the callee terminated the
// process on timeout; it is independent of ExitCode.
type ExecResult struct {
	ExitCode   int    `json:"exitCode"`
	Killed     bool   `json:"killed"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
}

// OK reports a zero exit without a kill.
func (r *ExecResult) OK() bool {
	return r != nil && r.ExitCode == 0 && !r.Killed
}

// Executor runs code on a named target.
type Executor interface {
	Exec(ctx context.Context, req ExecRequest) (*ExecResult, error)
	Health(ctx context.Context, target string) error
}

// New builds the executor selected by cfg.Mode.
func New(cfg config.RunnerConfig) (Executor, error) {
	opts := Options{
		TimeoutSlack:   cfg.TimeoutSlack.Duration(),
		DefaultTimeout: cfg.DefaultTimeout.Duration(),
	}
	switch cfg.Mode {
	case config.RunnerModeDirect, "":
		reg := NewRegistry()
		for _, r := range cfg.Runners {
			if err := reg.Register(Runner{Name: r.Name, Endpoint: r.Endpoint, Token: r.Token, DefaultCwd: r.DefaultCwd}); err != nil {
				return nil, err
			}
		}
		return NewDirect(reg, opts), nil
	case config.RunnerModeController:
		return NewController(cfg.ControllerURL, cfg.ControllerToken, opts)
	default:
		return nil, fmt.Errorf("unknown runner mode %q", cfg.Mode)
	}
}

// Options tunes client-side timeouts.
type Options struct {
	// TimeoutSlack is added to the callee's timeout for the HTTP deadline.
	TimeoutSlack time.Duration
	// DefaultTimeout applies when a request sets no TimeoutMs.
	DefaultTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.TimeoutSlack <= 0 {
		o.TimeoutSlack = 5 * time.Second
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 10 * time.Minute
	}
	return o
}

// requestTimeout is the callee's budget for req.
func (o Options) requestTimeout(req ExecRequest) time.Duration {
	if req.TimeoutMs > 0 {
		return time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return o.DefaultTimeout
}
