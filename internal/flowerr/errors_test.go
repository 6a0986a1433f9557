package flowerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpError(t *testing.T) {
	err := New("apply.commit", SeverityFatal, errors.New("boom"), "src/a.ts")
	assert.Equal(t, "apply.commit failed: boom (src/a.ts)", err.Error())

	bare := New("apply.commit", SeverityFatal, errors.New("boom"), "")
	assert.Equal(t, "apply.commit failed: boom", bare.Error())
}

func TestSetupFailure(t *testing.T) {
	err := SetupFailure("npm ci", 1, false)
	assert.True(t, errors.Is(err, ErrSetupFailure))
	assert.Contains(t, err.Error(), "exit code 1")
	assert.Contains(t, err.Error(), "npm ci")

	killed := SetupFailure("git fetch", -1, true)
	assert.Contains(t, killed.Error(), "killed")
}

func TestUpstreamError(t *testing.T) {
	base := Upstream("runner", "exec", 502, true, errors.New("bad gateway"))
	wrapped := fmt.Errorf("test phase: %w", base)

	assert.True(t, errors.Is(wrapped, ErrUpstream))
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, "runner exec: status 502: bad gateway", base.Error())

	noStatus := Upstream("model", "complete", 0, false, errors.New("connection refused"))
	assert.False(t, IsRetryable(noStatus))
	assert.Equal(t, "model complete: connection refused", noStatus.Error())
}

func TestWithCorrelation(t *testing.T) {
	assert.Equal(t, "", WithCorrelation(nil, "abc"))
	assert.Equal(t, "boom", WithCorrelation(errors.New("boom"), ""))
	assert.Equal(t, "boom (correlation_id=abc)", WithCorrelation(errors.New("boom"), "abc"))
}
