package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	rfhttp "github.com/fyrsmithlabs/repoflow/internal/http"
	"github.com/fyrsmithlabs/repoflow/internal/workflow"
)

var (
	workflowVars     []string
	workflowVarsFile string
)

func init() {
	rootCmd.AddCommand(workflowCmd)
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowRunCmd)
	workflowCmd.AddCommand(workflowGetRunCmd)

	workflowRunCmd.Flags().StringArrayVar(&workflowVars, "var", nil, "variable as key=value (repeatable)")
	workflowRunCmd.Flags().StringVar(&workflowVarsFile, "vars-file", "", "JSON file with variables")
}

var workflowCmd = &cobra.Command{
	Use:     "workflow",
	Aliases: []string{"wf"},
	Short:   "List and run stored workflows",
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		var flows []rfhttp.WorkflowSummary
		if _, err := newClient().do(cmd.Context(), http.MethodGet, "/api/workflows", nil, &flows); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(flows) == 0 {
			fmt.Fprintln(out, dimStyle.Render("no workflows loaded"))
			return nil
		}
		for _, wf := range flows {
			fmt.Fprintf(out, "%s  %s %s\n",
				valueStyle.Render(wf.ID), wf.Name, dimStyle.Render(fmt.Sprintf("(%d steps)", wf.Steps)))
		}
		return nil
	},
}

var workflowRunCmd = &cobra.Command{
	Use:   "run <workflow id>",
	Short: "Run a stored workflow",
	Long: `Run a stored workflow synchronously and print its run record.

Examples:
  rfctl workflow run release --var branch=main --var dry=true
  rfctl workflow run triage --vars-file vars.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vars, err := parseVars(workflowVars, workflowVarsFile)
		if err != nil {
			return err
		}
		var run workflow.Run
		path := "/api/workflows/" + url.PathEscape(args[0]) + "/run"
		if _, err := newClient().do(cmd.Context(), http.MethodPost, path, rfhttp.RunWorkflowRequest{Vars: vars}, &run); err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), renderWorkflowRun(run))
		if run.Status != workflow.RunOK {
			return fmt.Errorf("workflow run %s finished %s", run.ID, run.Status)
		}
		return nil
	},
}

var workflowGetRunCmd = &cobra.Command{
	Use:   "get-run <run id>",
	Short: "Show a workflow run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var run workflow.Run
		if _, err := newClient().do(cmd.Context(), http.MethodGet, "/api/runs/"+url.PathEscape(args[0]), nil, &run); err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), renderWorkflowRun(run))
		return nil
	},
}

// parseVars merges a JSON vars file with key=value pairs; pairs win. Values
// that parse as JSON (numbers, booleans, objects) keep their type.
func parseVars(pairs []string, file string) (map[string]any, error) {
	vars := make(map[string]any)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read vars file %s: %w", file, err)
		}
		if err := json.Unmarshal(data, &vars); err != nil {
			return nil, fmt.Errorf("vars file %s: %w", file, err)
		}
	}
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q, want key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		vars[key] = v
	}
	return vars, nil
}
