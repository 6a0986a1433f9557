package http

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/repoflow/internal/guardrail"
	"github.com/fyrsmithlabs/repoflow/internal/logging"
	"github.com/fyrsmithlabs/repoflow/internal/repohost"
	"github.com/fyrsmithlabs/repoflow/internal/repoops"
	"github.com/fyrsmithlabs/repoflow/internal/schema"
	"github.com/fyrsmithlabs/repoflow/internal/stepexec"
)

// cannedSteps answers each structured step with a fixed document.
type cannedSteps map[string]any

func (c cannedSteps) Execute(_ context.Context, req stepexec.Request) (*stepexec.Result, error) {
	return &stepexec.Result{JSON: c[req.SchemaName], Attempts: 1}, nil
}

func TestHandleRun_SyncReturnsRecordedPhasesAndArtifacts(t *testing.T) {
	host := repohost.NewMemory()
	host.AddRepo("gh", "acme", "web", "main", map[string]string{"src/a.ts": "a\n"})

	steps := cannedSteps{
		schema.RelevantFilesV1: map[string]any{
			"files":     []any{"src/a.ts"},
			"rationale": "touches a",
		},
		schema.CodeChangesV1: map[string]any{
			"changes": []any{
				map[string]any{"path": "src/a.ts", "operation": "update", "content": "b\n"},
			},
			"commit_message": "feat: b",
			"summary":        "swap a for b",
		},
	}
	pipeline, err := repoops.New(repoops.Config{
		MaxDiscoveryFiles: 5,
		MaxFileKB:         8,
		MaxProposalKB:     16,
		MaxRetries:        1,
		Budget:            guardrail.Budget{MaxChangedFiles: 10, MaxTotalKB: 64},
	}, host, steps, nil, nil, logging.NewNop())
	require.NoError(t, err)

	f := newFixture(t)
	f.server, err = NewServer(Deps{
		RepoOps:   pipeline,
		Jobs:      f.jobs,
		Engine:    f.engine,
		Workflows: f.flows,
		Runs:      f.runs,
		Version:   "1.2.3",
	}, f.logs.Logger, nil)
	require.NoError(t, err)

	rec := f.post(t, "/api/repoops/run", map[string]any{
		"conn_id":        "gh",
		"change_request": "use b",
		"open_pr":        true,
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[RunResponse](t, rec)
	require.NotNil(t, resp.RunResult)
	assert.True(t, resp.OK)
	assert.Equal(t, repoops.StatusCompleted, resp.Status)

	for _, phase := range []repoops.Phase{repoops.PhaseDiscovery, repoops.PhaseProposal, repoops.PhaseApply, repoops.PhasePR} {
		require.Contains(t, resp.Phases, phase)
		assert.Equal(t, repoops.PhaseCompleted, resp.Phases[phase].Status, phase)
	}
	names := make([]string, 0, len(resp.Artifacts))
	for _, a := range resp.Artifacts {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{
		repoops.ArtifactDiscovery,
		repoops.ArtifactProposal,
		repoops.ArtifactDiffSummary,
		repoops.ArtifactPRLink,
	}, names)
	assert.Equal(t, "b\n", host.Files("gh", resp.HeadBranch)["src/a.ts"])
}
