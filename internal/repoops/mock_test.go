package repoops

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/repoflow/internal/guardrail"
	"github.com/fyrsmithlabs/repoflow/internal/logging"
	"github.com/fyrsmithlabs/repoflow/internal/repohost"
	"github.com/fyrsmithlabs/repoflow/internal/runner"
	"github.com/fyrsmithlabs/repoflow/internal/schema"
	"github.com/fyrsmithlabs/repoflow/internal/stepexec"
)

// MockSteps is a testify mock of StepExecutor.
type MockSteps struct {
	mock.Mock
}

func (m *MockSteps) Execute(ctx context.Context, req stepexec.Request) (*stepexec.Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*stepexec.Result)
	return res, args.Error(1)
}

// MockRunner is a testify mock of runner.Executor.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Exec(ctx context.Context, req runner.ExecRequest) (*runner.ExecResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*runner.ExecResult)
	return res, args.Error(1)
}

func (m *MockRunner) Health(ctx context.Context, target string) error {
	return m.Called(ctx, target).Error(0)
}

var (
	_ StepExecutor    = (*MockSteps)(nil)
	_ runner.Executor = (*MockRunner)(nil)
)

func bySchema(name string) any {
	return mock.MatchedBy(func(r stepexec.Request) bool { return r.SchemaName == name })
}

func byCode(code string) any {
	return mock.MatchedBy(func(r runner.ExecRequest) bool { return r.Code == code })
}

func byCodePrefix(prefix string) any {
	return mock.MatchedBy(func(r runner.ExecRequest) bool { return strings.HasPrefix(r.Code, prefix) })
}

func ok(stdout string) *runner.ExecResult {
	return &runner.ExecResult{ExitCode: 0, Stdout: stdout}
}

func exit(code int, stderr string) *runner.ExecResult {
	return &runner.ExecResult{ExitCode: code, Stderr: stderr}
}

func relevantFiles(files, create []string) *stepexec.Result {
	return &stepexec.Result{JSON: map[string]any{
		"files":           toAny(files),
		"files_to_create": toAny(create),
		"rationale":       "needed for the change",
	}}
}

func codeChanges(msg string, changes ...guardrail.Change) *stepexec.Result {
	list := make([]any, 0, len(changes))
	for _, ch := range changes {
		item := map[string]any{"path": ch.Path, "operation": ch.Operation}
		if ch.Operation != guardrail.OpDelete {
			item["content"] = ch.Content
		}
		list = append(list, item)
	}
	return &stepexec.Result{JSON: map[string]any{
		"changes":        list,
		"commit_message": msg,
		"summary":        "adds things",
	}}
}

func toAny(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

type fixture struct {
	host     *repohost.Memory
	steps    *MockSteps
	runner   *MockRunner
	pipeline *Pipeline
}

func newFixture(t *testing.T, files map[string]string, scanner Redactor) *fixture {
	t.Helper()
	host := repohost.NewMemory()
	host.AddRepo("web", "acme", "web", "main", files)

	f := &fixture{host: host, steps: &MockSteps{}, runner: &MockRunner{}}
	p, err := New(Config{
		MaxDiscoveryFiles: 5,
		MaxFileKB:         8,
		MaxProposalKB:     16,
		WorkDir:           "/tmp/rf",
		DefaultModel:      "gpt-test",
		MaxRetries:        2,
		Budget:            guardrail.Budget{MaxChangedFiles: 10, MaxTotalKB: 64},
	}, host, f.steps, f.runner, scanner, logging.NewNop())
	require.NoError(t, err)
	f.pipeline = p
	return f
}

func (f *fixture) expectPlan(files, create []string, msg string, changes ...guardrail.Change) {
	f.steps.On("Execute", mock.Anything, bySchema(schema.RelevantFilesV1)).
		Return(relevantFiles(files, create), nil).Once()
	f.steps.On("Execute", mock.Anything, bySchema(schema.CodeChangesV1)).
		Return(codeChanges(msg, changes...), nil).Once()
}
