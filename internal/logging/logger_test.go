package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/repoflow/internal/config"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad format", func(c *Config) { c.Format = "xml" }, true},
		{"no outputs", func(c *Config) { c.Output = OutputConfig{} }, true},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, true},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }, true},
		{"empty field value", func(c *Config) { c.Fields["env"] = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
	assert.NoError(t, logger.Sync())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "yaml"
	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithJobID(ctx, "job-9")

	tl.Info(ctx, "step completed", zap.String("step", "plan"))

	tl.AssertLogged(t, zapcore.InfoLevel, "step completed")
	tl.AssertField(t, "step completed", KeyRunID, "run-1")
	tl.AssertField(t, "step completed", KeyJobID, "job-9")
	tl.AssertField(t, "step completed", "step", "plan")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "step completed")
}

func TestLogger_WithAndNamed(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("jobs").With(zap.String("component", "manager"))
	child.Warn(context.Background(), "queue full")

	entries := tl.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "jobs", entries[0].LoggerName)
	assert.Equal(t, "manager", entries[0].ContextMap()["component"])
}

func TestRedactingEncoder(t *testing.T) {
	cfg := NewDefaultConfig().Redaction
	enc, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), cfg)
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "calling with Bearer abc123"}, []zapcore.Field{
		zap.String("runner_token", "tok-secret"),
		zap.String("header", "Authorization: Bearer xyz789"),
		zap.String("repo", "acme/widgets"),
	})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out))
	assert.Equal(t, redacted, out["runner_token"])
	assert.NotContains(t, out["header"], "xyz789")
	assert.Equal(t, "acme/widgets", out["repo"])
	assert.NotContains(t, out["msg"], "abc123")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	enc, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), RedactionConfig{})
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m"}, []zapcore.Field{zap.String("token", "t")})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"token":"t"`)
}

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "configured", Secret("api_key", config.Secret("sk-live-123")), RedactedString("pat", "ghp_x"))

	tl.AssertNoSubstring(t, "sk-live-123")
	tl.AssertField(t, "configured", "pat", "[REDACTED:5]")
}
