package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/repoflow/internal/jobs"
	"github.com/fyrsmithlabs/repoflow/internal/repoops"
	"github.com/fyrsmithlabs/repoflow/internal/workflow"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("46")).
		Bold(true)

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// phaseOrder is the display order of pipeline phases.
var phaseOrder = []repoops.Phase{
	repoops.PhaseDiscovery,
	repoops.PhaseProposal,
	repoops.PhaseApproval,
	repoops.PhaseApply,
	repoops.PhaseTest,
	repoops.PhasePR,
}

// statusStyle colors job, phase and run statuses, which share their
// completed/pending_approval/running spellings.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(jobs.StatusCompleted), string(workflow.RunOK):
		return okStyle
	case string(jobs.StatusPendingApproval), string(jobs.StatusQueued), string(jobs.StatusRunning):
		return pendingStyle
	case string(repoops.PhaseSkipped):
		return dimStyle
	default:
		return failStyle
	}
}

func field(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", label)), value)
}

func renderPhases(b *strings.Builder, phases map[repoops.Phase]*repoops.PhaseResult) {
	for _, p := range phaseOrder {
		pr, ok := phases[p]
		if !ok || pr == nil {
			continue
		}
		line := fmt.Sprintf("  %-10s %s", p, statusStyle(string(pr.Status)).Render(string(pr.Status)))
		if pr.Error != "" {
			line += " " + dimStyle.Render(pr.Error)
		}
		b.WriteString(line + "\n")
	}
}

// renderJob formats a background job.
func renderJob(job jobs.Job) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("job "+job.ID) + "\n")
	field(&b, "status", statusStyle(string(job.Status)).Render(string(job.Status)))
	field(&b, "phase", string(job.Phase))
	field(&b, "progress", fmt.Sprintf("%d%%", job.Progress))
	field(&b, "branch", job.HeadBranch)
	field(&b, "correlation", job.CorrelationID)
	if job.Result != nil && job.Result.PR != nil {
		field(&b, "pull request", job.Result.PR.URL)
	}
	field(&b, "error", job.Error)
	renderPhases(&b, job.Phases)
	if job.Status == jobs.StatusPendingApproval {
		b.WriteString(dimStyle.Render(fmt.Sprintf("approve with: rfctl approve %s", job.ID)) + "\n")
	}
	return b.String()
}

// renderRunResult formats a synchronous pipeline run.
func renderRunResult(res *repoops.RunResult) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("repoops run") + "\n")
	field(&b, "status", statusStyle(res.Status).Render(res.Status))
	field(&b, "branch", res.HeadBranch)
	if res.Test != nil {
		field(&b, "tests", fmt.Sprintf("all passed: %t", res.Test.AllPassed))
	}
	if res.PR != nil {
		field(&b, "pull request", res.PR.URL)
	}
	field(&b, "error", res.Error)
	renderPhases(&b, res.Phases)
	return b.String()
}

// renderWorkflowRun formats a workflow run record.
func renderWorkflowRun(run workflow.Run) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("run "+run.ID) + "\n")
	field(&b, "workflow", run.WorkflowID)
	field(&b, "status", statusStyle(string(run.Status)).Render(string(run.Status)))
	field(&b, "error", run.Error)
	for _, entry := range run.Logs {
		level := entry.Level
		if level == "error" {
			level = failStyle.Render(level)
		} else {
			level = dimStyle.Render(level)
		}
		step := entry.StepID
		if step == "" {
			step = "-"
		}
		fmt.Fprintf(&b, "  %s %-12s %s\n", level, step, entry.Message)
	}
	for _, a := range run.Artifacts {
		fmt.Fprintf(&b, "  %s %s/%s\n", labelStyle.Render("artifact"), a.StepID, a.Name)
	}
	return b.String()
}
