package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rfhttp "github.com/fyrsmithlabs/repoflow/internal/http"
	"github.com/fyrsmithlabs/repoflow/internal/jobs"
	"github.com/fyrsmithlabs/repoflow/internal/repoops"
	"github.com/fyrsmithlabs/repoflow/internal/workflow"
)

func useServer(t *testing.T, h http.Handler) *client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	prev := serverURL
	serverURL = srv.URL
	requestTimeout = 5 * time.Second
	t.Cleanup(func() { serverURL = prev })
	return newClient()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHealthCommand(t *testing.T) {
	useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeJSON(w, http.StatusOK, rfhttp.HealthResponse{Status: "ok", Version: "1.2.3"})
	}))

	var out bytes.Buffer
	healthCmd.SetOut(&out)
	require.NoError(t, healthCmd.RunE(healthCmd, nil))
	assert.Contains(t, out.String(), "Server Status: ok (version 1.2.3)")
}

func TestClientDo_ErrorResponse(t *testing.T) {
	c := useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, rfhttp.ErrorResponse{Error: "job not found", Kind: rfhttp.KindNotFound})
	}))

	status, err := c.do(context.Background(), http.MethodGet, "/api/repoops/status/x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, err.Error(), "(not_found): job not found")
}

func TestClientDo_PartialResultDecoded(t *testing.T) {
	c := useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, rfhttp.RunResponse{
			RunResult: &repoops.RunResult{Status: repoops.StatusFailed, Error: "model unavailable"},
		})
	}))

	var resp rfhttp.RunResponse
	_, err := c.do(context.Background(), http.MethodPost, "/api/repoops/run", repoops.RunRequest{}, &resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")
	require.NotNil(t, resp.RunResult)
	assert.Equal(t, repoops.StatusFailed, resp.Status)
}

func TestClientDo_NonJSONError(t *testing.T) {
	c := useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))

	_, err := c.do(context.Background(), http.MethodGet, "/health", nil, nil)
	assert.ErrorContains(t, err, "server returned status 502: bad gateway")
}

func TestWaitForJob(t *testing.T) {
	var calls atomic.Int32
	c := useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/repoops/status/j1", r.URL.Path)
		status := jobs.StatusRunning
		if calls.Add(1) >= 3 {
			status = jobs.StatusPendingApproval
		}
		writeJSON(w, http.StatusOK, jobs.Job{ID: "j1", Status: status})
	}))

	job, err := waitForJob(context.Background(), c, "j1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPendingApproval, job.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitForJob_ContextCancelled(t *testing.T) {
	c := useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, jobs.Job{ID: "j1", Status: jobs.StatusQueued})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := waitForJob(ctx, c, "j1", 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuildRunRequest(t *testing.T) {
	runConnID, runOpenPR, runAsync = "acme/api", true, true
	runTestRunner = "ci"
	runTestCommands = []string{"go test ./..."}
	t.Cleanup(func() {
		runConnID, runOpenPR, runAsync = "", false, false
		runTestRunner, runTestCommands = "", nil
	})

	req := buildRunRequest("Add logging")
	assert.Equal(t, "acme/api", req.ConnID)
	assert.Equal(t, "Add logging", req.ChangeRequest)
	assert.True(t, req.OpenPR)
	assert.True(t, req.Async)
	require.NotNil(t, req.Test)
	assert.Equal(t, "ci", req.Test.Runner)
	assert.Equal(t, []string{"go test ./..."}, req.Test.Commands)

	runTestCommands = nil
	assert.Nil(t, buildRunRequest("x").Test)
}

func TestParseVars(t *testing.T) {
	file := filepath.Join(t.TempDir(), "vars.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"branch":"dev","count":1}`), 0o600))

	vars, err := parseVars([]string{"branch=main", "dry=true", "note=hello world"}, file)
	require.NoError(t, err)
	assert.Equal(t, "main", vars["branch"])
	assert.Equal(t, true, vars["dry"])
	assert.Equal(t, float64(1), vars["count"])
	assert.Equal(t, "hello world", vars["note"])

	_, err = parseVars([]string{"novalue"}, "")
	assert.ErrorContains(t, err, "want key=value")
}

func TestRenderJob(t *testing.T) {
	out := renderJob(jobs.Job{
		ID:         "j1",
		Status:     jobs.StatusPendingApproval,
		Phase:      repoops.PhaseApproval,
		Progress:   40,
		HeadBranch: "repoops/abcd1234",
		Phases: map[repoops.Phase]*repoops.PhaseResult{
			repoops.PhaseDiscovery: {Phase: repoops.PhaseDiscovery, Status: repoops.PhaseCompleted},
			repoops.PhaseApproval:  {Phase: repoops.PhaseApproval, Status: repoops.PhasePendingApproval},
		},
	})
	assert.Contains(t, out, "pending_approval")
	assert.Contains(t, out, "40%")
	assert.Contains(t, out, "repoops/abcd1234")
	assert.Contains(t, out, "rfctl approve j1")
	assert.Less(t, bytes.Index([]byte(out), []byte("discovery")), bytes.Index([]byte(out), []byte("approval ")))
}

func TestRenderWorkflowRun(t *testing.T) {
	out := renderWorkflowRun(workflow.Run{
		ID:         "r1",
		WorkflowID: "release",
		Status:     workflow.RunFailed,
		Error:      "step build failed",
		Logs:       []workflow.LogEntry{{StepID: "build", Level: "error", Message: "exit code 2"}},
		Artifacts:  []workflow.Artifact{{StepID: "build", Name: "stdout"}},
	})
	assert.Contains(t, out, "release")
	assert.Contains(t, out, "step build failed")
	assert.Contains(t, out, "exit code 2")
	assert.Contains(t, out, "build/stdout")
}
