// Repoflowd serves the repoflow HTTP API: RepoOps pipeline runs, background
// jobs with an approval gate, and stored workflow execution.
//
// Configuration is loaded from ~/.config/repoflow/config.yaml (or -config)
// overlaid with environment variables. See internal/config for details.
//
// Usage:
//
//	# Start server with defaults
//	repoflowd
//
//	# Configure via environment
//	SERVER_PORT=9090 MODEL_BASE_URL=http://localhost:11434 repoflowd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repoflow/internal/config"
	rfhttp "github.com/fyrsmithlabs/repoflow/internal/http"
	"github.com/fyrsmithlabs/repoflow/internal/jobs"
	"github.com/fyrsmithlabs/repoflow/internal/llm"
	"github.com/fyrsmithlabs/repoflow/internal/logging"
	"github.com/fyrsmithlabs/repoflow/internal/repohost"
	"github.com/fyrsmithlabs/repoflow/internal/repoops"
	"github.com/fyrsmithlabs/repoflow/internal/runner"
	"github.com/fyrsmithlabs/repoflow/internal/schema"
	"github.com/fyrsmithlabs/repoflow/internal/secrets"
	"github.com/fyrsmithlabs/repoflow/internal/stepexec"
	"github.com/fyrsmithlabs/repoflow/internal/telemetry"
	"github.com/fyrsmithlabs/repoflow/internal/workflow"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  repoflowd [-config path]   Start the repoflow daemon\n")
			fmt.Fprintf(os.Stderr, "  repoflowd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func printVersion() {
	fmt.Printf("repoflowd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every collaborator from cfg, serves HTTP and blocks until ctx is
// cancelled. Shutdown order: HTTP listener, background jobs, telemetry.
func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if h := tel.Health(); h.Degraded {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", h.Reason))
	}

	logger.Info(ctx, "starting repoflowd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("runner_mode", cfg.Runner.Mode),
		zap.Bool("telemetry", cfg.Observability.Enabled))

	deps, err := initServices(cfg, logger)
	if err != nil {
		return err
	}

	if fs, ok := deps.Workflows.(*workflow.FileStore); ok && cfg.Workflows.Watch {
		go func() {
			if err := fs.Watch(ctx); err != nil {
				logger.Error(ctx, "workflow watcher stopped", zap.Error(err))
			}
		}()
	}

	srv, err := rfhttp.NewServer(deps.Deps, logger, &rfhttp.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		BodyLimit: cfg.Server.BodyLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := deps.jobs.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("jobs shutdown: %w", err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}

	logger.Info(context.Background(), "repoflowd stopped")
	return errors.Join(errs...)
}

// initLogger maps the log section onto the logging package defaults.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	lc.Level = level
	lc.Format = cfg.Log.Format
	return logging.NewLogger(lc, nil)
}

// services holds the wired collaborators.
type services struct {
	rfhttp.Deps
	jobs *jobs.Manager
}

// initServices builds the model transport, repository host, runner, secret
// scanner, pipeline, job manager and workflow engine.
func initServices(cfg *config.Config, logger *logging.Logger) (*services, error) {
	client, err := llm.NewHTTPClient(llm.Config{
		BaseURL:    cfg.Model.BaseURL,
		Path:       cfg.Model.Path,
		APIKey:     cfg.Model.APIKey,
		Timeout:    cfg.Model.Timeout.Duration(),
		RateLimit:  cfg.Model.RateLimit,
		Burst:      cfg.Model.Burst,
		MaxRetries: cfg.Model.TransportRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	steps, err := stepexec.NewExecutor(client, schema.NewRegistry(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create step executor: %w", err)
	}

	exec, err := runner.New(cfg.Runner)
	if err != nil {
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}

	var redactor repoops.Redactor
	if !cfg.Guardrails.SkipSecretScan {
		allow, err := secrets.LoadAllowlist(cfg.Guardrails.SecretAllowlist)
		if err != nil {
			return nil, fmt.Errorf("failed to load secret allowlist: %w", err)
		}
		scanner, err := secrets.NewScanner(allow)
		if err != nil {
			return nil, err
		}
		redactor = scanner
	}

	host := repohost.NewGitHub(cfg.GitHub, logger)

	pipeline, err := repoops.New(repoops.ConfigFrom(cfg), host, steps, exec, redactor, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	manager := jobs.NewManager(pipeline, nil, jobs.Config{
		MaxConcurrent:   cfg.Jobs.MaxConcurrent,
		ShutdownTimeout: cfg.Jobs.ShutdownTimeout.Duration(),
	}, logger)

	engine := workflow.NewEngine(workflow.Config{
		DefaultModel: cfg.Model.DefaultModel,
		Temperature:  cfg.Model.Temperature,
		MaxRetries:   cfg.Model.MaxRetries,
		SystemGuard:  cfg.Model.SystemGuard,
	}, steps, nil, logger, workflow.WithRunner(exec), workflow.WithPipeline(pipeline))

	flows, err := initWorkflowStore(cfg.Workflows, logger)
	if err != nil {
		return nil, err
	}

	return &services{
		Deps: rfhttp.Deps{
			RepoOps:   pipeline,
			Jobs:      manager,
			Engine:    engine,
			Workflows: flows,
			Runs:      engine.Runs(),
			Version:   version,
		},
		jobs: manager,
	}, nil
}

// initWorkflowStore loads definitions from dir, or serves an empty store
// when no directory is configured.
func initWorkflowStore(cfg config.WorkflowsConfig, logger *logging.Logger) (workflow.Store, error) {
	if cfg.Dir == "" {
		return workflow.NewMemoryStore()
	}
	fs, err := workflow.NewFileStore(cfg.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflows from %s: %w", cfg.Dir, err)
	}
	return fs, nil
}
