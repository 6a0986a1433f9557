package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the repoflowd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Log           LogConfig           `koanf:"log"`
	Observability ObservabilityConfig `koanf:"observability"`
	Model         ModelConfig         `koanf:"model"`
	GitHub        GitHubConfig        `koanf:"github"`
	Runner        RunnerConfig        `koanf:"runner"`
	Guardrails    GuardrailsConfig    `koanf:"guardrails"`
	RepoOps       RepoOpsConfig       `koanf:"repoops"`
	Jobs          JobsConfig          `koanf:"jobs"`
	Workflows     WorkflowsConfig     `koanf:"workflows"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	BodyLimit       string   `koanf:"body_limit"`
}

// LogConfig selects the level and encoding of the process logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OTEL export settings.
type ObservabilityConfig struct {
	Enabled      bool    `koanf:"enabled"`
	ServiceName  string  `koanf:"service_name"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	OTLPProtocol string  `koanf:"otlp_protocol"`
	OTLPInsecure bool    `koanf:"otlp_insecure"`
	SampleRate   float64 `koanf:"sample_rate"`
}

// ModelConfig configures the chat-completion transport and step executor.
type ModelConfig struct {
	BaseURL      string   `koanf:"base_url"`
	Path         string   `koanf:"path"`
	APIKey       Secret   `koanf:"api_key"`
	DefaultModel string   `koanf:"default_model"`
	Temperature  float64  `koanf:"temperature"`
	Timeout      Duration `koanf:"timeout"`
	RateLimit    float64  `koanf:"rate_limit"`
	Burst        int      `koanf:"burst"`

	// TransportRetries bounds retries of throttled (429/503) replies.
	TransportRetries int `koanf:"transport_retries"`

	// MaxRetries bounds corrective retries after schema validation failures.
	MaxRetries int `koanf:"max_retries"`

	// SystemGuard is appended to the JSON-only system instruction.
	SystemGuard string `koanf:"system_guard"`
}

// GitHubConfig configures the repository host.
type GitHubConfig struct {
	Token       Secret             `koanf:"token"`
	BaseURL     string             `koanf:"base_url"`
	MaxRetries  int                `koanf:"max_retries"`
	Connections []ConnectionConfig `koanf:"connections"`
}

// ConnectionConfig names a repository. Token overrides GitHubConfig.Token.
type ConnectionConfig struct {
	ID    string `koanf:"id"`
	Owner string `koanf:"owner"`
	Repo  string `koanf:"repo"`
	Token Secret `koanf:"token"`
}

// Runner modes.
const (
	RunnerModeDirect     = "direct"
	RunnerModeController = "controller"
)

// RunnerConfig configures remote command execution.
type RunnerConfig struct {
	Mode            string           `koanf:"mode"`
	ControllerURL   string           `koanf:"controller_url"`
	ControllerToken Secret           `koanf:"controller_token"`
	TimeoutSlack    Duration         `koanf:"timeout_slack"`
	DefaultTimeout  Duration         `koanf:"default_timeout"`
	Runners         []RunnerEndpoint `koanf:"runners"`
}

// RunnerEndpoint registers a named runner for direct mode.
type RunnerEndpoint struct {
	Name       string `koanf:"name"`
	Endpoint   string `koanf:"endpoint"`
	Token      Secret `koanf:"token"`
	DefaultCwd string `koanf:"default_cwd"`
}

// GuardrailsConfig holds server-wide defaults for path policy and budgets.
type GuardrailsConfig struct {
	AllowPaths      []string `koanf:"allow_paths"`
	DenyPaths       []string `koanf:"deny_paths"`
	MaxChangedFiles int      `koanf:"max_changed_files"`
	MaxTotalKB      int      `koanf:"max_total_kb"`
	SkipSecretScan  bool     `koanf:"skip_secret_scan"`
	SecretAllowlist string   `koanf:"secret_allowlist"`
}

// RepoOpsConfig bounds the discovery and proposal phases.
type RepoOpsConfig struct {
	MaxCandidateFiles int    `koanf:"max_candidate_files"`
	MaxDiscoveryFiles int    `koanf:"max_discovery_files"`
	MaxFileKB         int    `koanf:"max_file_kb"`
	MaxProposalKB     int    `koanf:"max_proposal_kb"`
	BranchPrefix      string `koanf:"branch_prefix"`
	TestTimeoutMs     int    `koanf:"test_timeout_ms"`
	WorkDir           string `koanf:"work_dir"`
}

// JobsConfig bounds background job execution.
type JobsConfig struct {
	MaxConcurrent   int      `koanf:"max_concurrent"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// WorkflowsConfig locates workflow definition files.
type WorkflowsConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8088
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.BodyLimit == "" {
		cfg.Server.BodyLimit = "4M"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "repoflow"
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}

	if cfg.Model.DefaultModel == "" {
		cfg.Model.DefaultModel = "gpt-4o-mini"
	}
	if cfg.Model.Timeout == 0 {
		cfg.Model.Timeout = Duration(120 * time.Second)
	}
	if cfg.Model.RateLimit == 0 {
		cfg.Model.RateLimit = 1
	}
	if cfg.Model.Burst == 0 {
		cfg.Model.Burst = 5
	}
	if cfg.Model.TransportRetries == 0 {
		cfg.Model.TransportRetries = 2
	}
	if cfg.Model.MaxRetries == 0 {
		cfg.Model.MaxRetries = 2
	}

	if cfg.GitHub.MaxRetries == 0 {
		cfg.GitHub.MaxRetries = 3
	}

	if cfg.Runner.Mode == "" {
		cfg.Runner.Mode = RunnerModeDirect
	}
	if cfg.Runner.TimeoutSlack == 0 {
		cfg.Runner.TimeoutSlack = Duration(5 * time.Second)
	}
	if cfg.Runner.DefaultTimeout == 0 {
		cfg.Runner.DefaultTimeout = Duration(10 * time.Minute)
	}

	if cfg.Guardrails.MaxChangedFiles == 0 {
		cfg.Guardrails.MaxChangedFiles = 20
	}
	if cfg.Guardrails.MaxTotalKB == 0 {
		cfg.Guardrails.MaxTotalKB = 256
	}

	if cfg.RepoOps.MaxCandidateFiles == 0 {
		cfg.RepoOps.MaxCandidateFiles = 400
	}
	if cfg.RepoOps.MaxDiscoveryFiles == 0 {
		cfg.RepoOps.MaxDiscoveryFiles = 12
	}
	if cfg.RepoOps.MaxFileKB == 0 {
		cfg.RepoOps.MaxFileKB = 64
	}
	if cfg.RepoOps.MaxProposalKB == 0 {
		cfg.RepoOps.MaxProposalKB = 256
	}
	if cfg.RepoOps.BranchPrefix == "" {
		cfg.RepoOps.BranchPrefix = "repoops/"
	}
	if cfg.RepoOps.TestTimeoutMs == 0 {
		cfg.RepoOps.TestTimeoutMs = 600000
	}
	if cfg.RepoOps.WorkDir == "" {
		cfg.RepoOps.WorkDir = "/tmp/repoflow"
	}

	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = 4
	}
	if cfg.Jobs.ShutdownTimeout == 0 {
		cfg.Jobs.ShutdownTimeout = Duration(30 * time.Second)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	switch c.Observability.OTLPProtocol {
	case "grpc", "http/protobuf":
	default:
		errs = append(errs, fmt.Errorf("observability.otlp_protocol must be grpc or http/protobuf, got %q", c.Observability.OTLPProtocol))
	}
	if c.Model.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("model.max_retries must be >= 0"))
	}

	switch c.Runner.Mode {
	case RunnerModeDirect:
		seen := make(map[string]bool, len(c.Runner.Runners))
		for i, r := range c.Runner.Runners {
			if r.Name == "" || r.Endpoint == "" {
				errs = append(errs, fmt.Errorf("runner.runners[%d] needs name and endpoint", i))
			}
			if seen[r.Name] {
				errs = append(errs, fmt.Errorf("runner.runners: duplicate name %q", r.Name))
			}
			seen[r.Name] = true
		}
	case RunnerModeController:
		if c.Runner.ControllerURL == "" {
			errs = append(errs, fmt.Errorf("runner.controller_url required in controller mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("runner.mode must be %q or %q, got %q", RunnerModeDirect, RunnerModeController, c.Runner.Mode))
	}

	seen := make(map[string]bool, len(c.GitHub.Connections))
	for i, conn := range c.GitHub.Connections {
		if conn.ID == "" || conn.Owner == "" || conn.Repo == "" {
			errs = append(errs, fmt.Errorf("github.connections[%d] needs id, owner and repo", i))
		}
		if strings.Contains(conn.ID, " ") {
			errs = append(errs, fmt.Errorf("github.connections[%d]: id %q contains spaces", i, conn.ID))
		}
		if seen[conn.ID] {
			errs = append(errs, fmt.Errorf("github.connections: duplicate id %q", conn.ID))
		}
		seen[conn.ID] = true
	}

	if c.Guardrails.MaxChangedFiles < 0 || c.Guardrails.MaxTotalKB < 0 {
		errs = append(errs, fmt.Errorf("guardrails budgets must be >= 0"))
	}
	if c.Jobs.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("jobs.max_concurrent must be >= 1"))
	}

	return errors.Join(errs...)
}
