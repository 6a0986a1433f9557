package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"controller without url", func(c *Config) { c.Runner.Mode = RunnerModeController }, "controller_url"},
		{"runner without endpoint", func(c *Config) {
			c.Runner.Runners = []RunnerEndpoint{{Name: "ci"}}
		}, "needs name and endpoint"},
		{"duplicate runner", func(c *Config) {
			c.Runner.Runners = []RunnerEndpoint{{Name: "ci", Endpoint: "a"}, {Name: "ci", Endpoint: "b"}}
		}, "duplicate name"},
		{"duplicate connection", func(c *Config) {
			c.GitHub.Connections = []ConnectionConfig{
				{ID: "w", Owner: "o", Repo: "r"},
				{ID: "w", Owner: "o", Repo: "r2"},
			}
		}, "duplicate id"},
		{"negative budget", func(c *Config) { c.Guardrails.MaxTotalKB = -1 }, "budgets"},
		{"bad protocol", func(c *Config) { c.Observability.OTLPProtocol = "udp" }, "otlp_protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_NeverLeaks(t *testing.T) {
	s := Secret("ghp_supersecret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "supersecret")

	b, err := json.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "supersecret")

	assert.Equal(t, "ghp_supersecret", s.Value())
	assert.True(t, s.IsSet())
	assert.Equal(t, "", Secret("").String())
}

func TestSecret_Or(t *testing.T) {
	assert.Equal(t, Secret("a"), Secret("a").Or("b"))
	assert.Equal(t, Secret("b"), Secret("").Or("b"))
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
