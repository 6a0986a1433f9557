package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	rfhttp "github.com/fyrsmithlabs/repoflow/internal/http"
	"github.com/fyrsmithlabs/repoflow/internal/jobs"
	"github.com/fyrsmithlabs/repoflow/internal/repoops"
)

var (
	runConnID          string
	runBaseBranch      string
	runAllowPaths      []string
	runDenyPaths       []string
	runLanguageHints   []string
	runTestRunner      string
	runSetupCommands   []string
	runTestCommands    []string
	runOpenPR          bool
	runDraft           bool
	runPRTitle         string
	runRequireApproval bool
	runAsync           bool
	runWait            bool
	pollInterval       time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(approveCmd)

	f := runCmd.Flags()
	f.StringVar(&runConnID, "conn", "", "connection id or owner/repo (required)")
	f.StringVar(&runBaseBranch, "base", "", "base branch (default main)")
	f.StringSliceVar(&runAllowPaths, "allow", nil, "allowed path globs")
	f.StringSliceVar(&runDenyPaths, "deny", nil, "denied path globs")
	f.StringSliceVar(&runLanguageHints, "lang", nil, "language hints such as go or ts")
	f.StringVar(&runTestRunner, "test-runner", "", "runner for the test phase")
	f.StringArrayVar(&runSetupCommands, "setup", nil, "setup command (repeatable)")
	f.StringArrayVar(&runTestCommands, "test", nil, "test command (repeatable)")
	f.BoolVar(&runOpenPR, "open-pr", false, "open a pull request")
	f.BoolVar(&runDraft, "draft", false, "open the pull request as a draft")
	f.StringVar(&runPRTitle, "pr-title", "", "pull request title")
	f.BoolVar(&runRequireApproval, "require-approval", false, "stop for approval before applying")
	f.BoolVar(&runAsync, "async", false, "run as a background job")
	f.BoolVar(&runWait, "wait", false, "with --async, poll until the job settles")
	_ = runCmd.MarkFlagRequired("conn")

	for _, c := range []*cobra.Command{runCmd, approveCmd, statusCmd} {
		c.Flags().DurationVar(&pollInterval, "interval", 2*time.Second, "polling interval for --wait")
	}
	approveCmd.Flags().BoolVar(&runWait, "wait", false, "poll until the job settles")
	statusCmd.Flags().BoolVar(&runWait, "wait", false, "poll until the job settles")
}

var runCmd = &cobra.Command{
	Use:   "run <change request>",
	Short: "Run the RepoOps pipeline",
	Long: `Run discovery, proposal, apply, test and PR phases against a repository.

Examples:
  # Synchronous run with tests and a PR
  rfctl run --conn acme/api --test-runner ci --test "go test ./..." --open-pr "Add request logging"

  # Background run that stops for approval
  rfctl run --conn acme/api --async --require-approval --wait "Bump the Go version"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := buildRunRequest(args[0])
		c := newClient()
		out := cmd.OutOrStdout()

		if !req.Async {
			var resp rfhttp.RunResponse
			_, err := c.do(cmd.Context(), http.MethodPost, "/api/repoops/run", req, &resp)
			if resp.RunResult != nil {
				fmt.Fprint(out, renderRunResult(resp.RunResult))
			}
			return err
		}

		var accepted rfhttp.AsyncRunResponse
		if _, err := c.do(cmd.Context(), http.MethodPost, "/api/repoops/run", req, &accepted); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("job:"), accepted.JobID)
		if !runWait {
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("status:"), accepted.StatusURL)
			return nil
		}
		job, err := waitForJob(cmd.Context(), c, accepted.JobID, pollInterval)
		if err != nil {
			return err
		}
		fmt.Fprint(out, renderJob(job))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job id>",
	Short: "Show a background job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		var (
			job jobs.Job
			err error
		)
		if runWait {
			job, err = waitForJob(cmd.Context(), c, args[0], pollInterval)
		} else {
			job, err = getJob(cmd.Context(), c, args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), renderJob(job))
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <job id>",
	Short: "Approve a job pending approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		var job jobs.Job
		if _, err := c.do(cmd.Context(), http.MethodPost, "/api/repoops/jobs/"+args[0]+"/approve", nil, &job); err != nil {
			return err
		}
		if runWait {
			var err error
			if job, err = waitForJob(cmd.Context(), c, args[0], pollInterval); err != nil {
				return err
			}
		}
		fmt.Fprint(cmd.OutOrStdout(), renderJob(job))
		return nil
	},
}

func buildRunRequest(change string) repoops.RunRequest {
	req := repoops.RunRequest{
		PlanRequest: repoops.PlanRequest{
			ConnID:        runConnID,
			BaseBranch:    runBaseBranch,
			ChangeRequest: change,
			AllowPaths:    runAllowPaths,
			DenyPaths:     runDenyPaths,
			LanguageHints: runLanguageHints,
		},
		OpenPR:          runOpenPR,
		Draft:           runDraft,
		PRTitle:         runPRTitle,
		RequireApproval: runRequireApproval,
		Async:           runAsync,
	}
	if len(runTestCommands) > 0 {
		req.Test = &repoops.TestSpec{
			Runner:        runTestRunner,
			SetupCommands: runSetupCommands,
			Commands:      runTestCommands,
		}
	}
	return req
}

func getJob(ctx context.Context, c *client, id string) (jobs.Job, error) {
	var job jobs.Job
	_, err := c.do(ctx, http.MethodGet, "/api/repoops/status/"+id, nil, &job)
	return job, err
}

// waitForJob polls until the job leaves queued/running. A job parked at
// the approval gate counts as settled.
func waitForJob(ctx context.Context, c *client, id string, interval time.Duration) (jobs.Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := getJob(ctx, c, id)
		if err != nil {
			return job, err
		}
		if job.Status != jobs.StatusQueued && job.Status != jobs.StatusRunning {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
