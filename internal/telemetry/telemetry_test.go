package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/repoflow/internal/config"
)

func TestFromConfig_Defaults(t *testing.T) {
	cfg := FromConfig(config.ObservabilityConfig{}, "")

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "repoflow", cfg.ServiceName)
	assert.Equal(t, "dev", cfg.ServiceVersion)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		return FromConfig(config.ObservabilityConfig{
			Enabled:      true,
			OTLPEndpoint: "localhost:4317",
			OTLPInsecure: true,
			SampleRate:   1,
		}, "1.0.0")
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid local insecure", func(*Config) {}, ""},
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }, "otlp_endpoint"},
		{"bad protocol", func(c *Config) { c.Protocol = "udp" }, "otlp_protocol"},
		{"insecure remote", func(c *Config) { c.Endpoint = "collector.example.com:4317" }, "insecure export"},
		{"insecure loopback ip", func(c *Config) { c.Endpoint = "http://127.0.0.1:4318" }, ""},
		{"insecure ipv6 loopback", func(c *Config) { c.Endpoint = "[::1]:4317" }, ""},
		{"secure remote", func(c *Config) { c.Endpoint = "collector.example.com:4317"; c.Insecure = false }, ""},
		{"sample rate too high", func(c *Config) { c.SampleRate = 1.5 }, "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
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

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), FromConfig(config.ObservabilityConfig{}, "1.0.0"))
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.Equal(t, HealthStatus{}, tel.Health())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), &Config{Enabled: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Enabled)
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tel := NewTestTelemetry()
	_, span := tel.Tracer("test").Start(context.Background(), "repoops.phase",
		oteltrace.WithAttributes(attribute.String("phase", "discovery")))
	span.End()

	require.Len(t, tel.SpansNamed("repoops.phase"), 1)
	tel.AssertSpanAttribute(t, "repoops.phase", "phase", "discovery")
}
