// Package flowerr defines the error taxonomy shared by the step executor,
// the RepoOps pipeline and the workflow/job state machine.
package flowerr

import (
	"errors"
	"fmt"
)

// Taxonomy sentinels. Use errors.Is against these; concrete types below
// carry the details.
var (
	ErrValidationExhausted = errors.New("structured output failed validation after retries")
	ErrUpstream            = errors.New("upstream service failure")
	ErrPolicyViolation     = errors.New("change rejected by guardrail policy")
	ErrSetupFailure        = errors.New("test setup failed")
	ErrApprovalPending     = errors.New("approval pending")
)

// Lookup and request errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
)

// Severity describes how an error affects the enclosing run.
type Severity string

const (
	// SeverityFatal terminates the run or job.
	SeverityFatal Severity = "fatal"
	// SeveritySkip is recorded against one item and processing continues.
	SeveritySkip Severity = "skip"
	// SeverityPause stops the run in a resumable state.
	SeverityPause Severity = "pause"
)

// OpError is a structured failure of a named operation.
type OpError struct {
	Op       string   // e.g. "apply.commit", "test.setup"
	Severity Severity // effect on the run
	Err      error    // underlying error
	Context  string   // optional detail such as a path or command
}

func (e *OpError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s failed: %v (%s)", e.Op, e.Err, e.Context)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// New creates an OpError.
func New(op string, severity Severity, err error, context string) *OpError {
	return &OpError{Op: op, Severity: severity, Err: err, Context: context}
}

// SetupFailure wraps a fatal test-setup error.
func SetupFailure(command string, exitCode int, killed bool) *OpError {
	reason := fmt.Errorf("%w: exit code %d", ErrSetupFailure, exitCode)
	if killed {
		reason = fmt.Errorf("%w: killed after timeout", ErrSetupFailure)
	}
	return New("test.setup", SeverityFatal, reason, command)
}

// UpstreamError reports a transport failure talking to the model, the repo
// host or a runner.
type UpstreamError struct {
	Service    string // "model", "repohost", "runner"
	Op         string
	StatusCode int // 0 when no HTTP response was received
	Retryable  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Service, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is reports ErrUpstream for every UpstreamError.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// Upstream builds an UpstreamError.
func Upstream(service, op string, status int, retryable bool, err error) *UpstreamError {
	return &UpstreamError{Service: service, Op: op, StatusCode: status, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err is an upstream error marked retryable.
func IsRetryable(err error) bool {
	var up *UpstreamError
	return errors.As(err, &up) && up.Retryable
}

// WithCorrelation formats err for user-visible output.
func WithCorrelation(err error, correlationID string) string {
	if err == nil {
		return ""
	}
	if correlationID == "" {
		return err.Error()
	}
	return fmt.Sprintf("%v (correlation_id=%s)", err, correlationID)
}
