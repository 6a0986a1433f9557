package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/repoflow/internal/jobs"
	"github.com/fyrsmithlabs/repoflow/internal/logging"
	"github.com/fyrsmithlabs/repoflow/internal/repohost"
	"github.com/fyrsmithlabs/repoflow/internal/repoops"
	"github.com/fyrsmithlabs/repoflow/internal/workflow"
)

// MockRepoOps is a testify mock of RepoOps.
type MockRepoOps struct {
	mock.Mock
}

func (m *MockRepoOps) Plan(ctx context.Context, req repoops.PlanRequest, rec repoops.Recorder) (*repoops.Plan, error) {
	args := m.Called(ctx, req, rec)
	res, _ := args.Get(0).(*repoops.Plan)
	return res, args.Error(1)
}

func (m *MockRepoOps) Apply(ctx context.Context, req repoops.ApplyRequest, rec repoops.Recorder) (*repoops.ApplyResult, error) {
	args := m.Called(ctx, req, rec)
	res, _ := args.Get(0).(*repoops.ApplyResult)
	return res, args.Error(1)
}

func (m *MockRepoOps) Test(ctx context.Context, req repoops.TestRequest, rec repoops.Recorder) (*repoops.TestResult, error) {
	args := m.Called(ctx, req, rec)
	res, _ := args.Get(0).(*repoops.TestResult)
	return res, args.Error(1)
}

func (m *MockRepoOps) OpenPR(ctx context.Context, req repoops.PRRequest, rec repoops.Recorder) (*repohost.PullRequest, error) {
	args := m.Called(ctx, req, rec)
	res, _ := args.Get(0).(*repohost.PullRequest)
	return res, args.Error(1)
}

func (m *MockRepoOps) Run(ctx context.Context, req repoops.RunRequest, rec repoops.Recorder) (*repoops.RunResult, error) {
	args := m.Called(ctx, req, rec)
	res, _ := args.Get(0).(*repoops.RunResult)
	return res, args.Error(1)
}

// MockJobs is a testify mock of Jobs.
type MockJobs struct {
	mock.Mock
}

func (m *MockJobs) Submit(ctx context.Context, req repoops.RunRequest) (jobs.Job, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(jobs.Job), args.Error(1)
}

func (m *MockJobs) Get(id string) (jobs.Job, error) {
	args := m.Called(id)
	return args.Get(0).(jobs.Job), args.Error(1)
}

func (m *MockJobs) Approve(ctx context.Context, id string) (jobs.Job, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(jobs.Job), args.Error(1)
}

// MockEngine is a testify mock of WorkflowEngine.
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Run(ctx context.Context, wf *workflow.Workflow, vars map[string]any) (workflow.Run, error) {
	args := m.Called(ctx, wf, vars)
	return args.Get(0).(workflow.Run), args.Error(1)
}

func (m *MockEngine) TestStep(ctx context.Context, req workflow.TestStepRequest) (*workflow.TestStepResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*workflow.TestStepResult)
	return res, args.Error(1)
}

var (
	_ RepoOps        = (*MockRepoOps)(nil)
	_ Jobs           = (*MockJobs)(nil)
	_ WorkflowEngine = (*MockEngine)(nil)
)

type fixture struct {
	repoops *MockRepoOps
	jobs    *MockJobs
	engine  *MockEngine
	flows   *workflow.MemoryStore
	runs    *workflow.RunStore
	logs    *logging.TestLogger
	server  *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	flows, err := workflow.NewMemoryStore(&workflow.Workflow{
		ID:    "release",
		Name:  "Release",
		Steps: []workflow.Step{{Prompt: "Summarize {{branch}}"}},
	})
	require.NoError(t, err)

	f := &fixture{
		repoops: &MockRepoOps{},
		jobs:    &MockJobs{},
		engine:  &MockEngine{},
		flows:   flows,
		runs:    workflow.NewRunStore(),
		logs:    logging.NewTestLogger(),
	}
	f.server, err = NewServer(Deps{
		RepoOps:   f.repoops,
		Jobs:      f.jobs,
		Engine:    f.engine,
		Workflows: f.flows,
		Runs:      f.runs,
		Version:   "1.2.3",
	}, f.logs.Logger, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		f.repoops.AssertExpectations(t)
		f.jobs.AssertExpectations(t)
		f.engine.AssertExpectations(t)
	})
	return f
}

// do sends body (marshaled to JSON unless nil) and returns the recorder.
func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// post is a shorthand for JSON POSTs.
func (f *fixture) post(t *testing.T, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodPost, path, body, headers...)
}

// doRaw sends an unencoded body.
func (f *fixture) doRaw(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}
