package repoops

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/repohost"
	"github.com/fyrsmithlabs/repoflow/internal/runner"
)

// gitTokenEnv carries the repository token into the fetch command only.
const gitTokenEnv = "REPOFLOW_GIT_TOKEN"

var unsafeDirChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type setupStep struct {
	cmd string
	cwd string
	env map[string]string
}

// Test clones the head branch on a runner and runs each command in order.
// Setup failures abort with flowerr.ErrSetupFailure; a failing test command
// only clears AllPassed.
func (p *Pipeline) Test(ctx context.Context, req TestRequest, rec Recorder) (*TestResult, error) {
	if p.runner == nil {
		return nil, fmt.Errorf("%w: no runner backend configured", flowerr.ErrInvalidRequest)
	}
	if req.Runner == "" || req.HeadBranch == "" || len(req.Commands) == 0 {
		return nil, fmt.Errorf("%w: runner, head_branch and commands are required", flowerr.ErrInvalidRequest)
	}
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = p.cfg.TestTimeoutMs
	}

	repo, err := p.host.Connection(ctx, req.ConnID)
	if err != nil {
		return nil, err
	}

	result, err := runPhase(ctx, p, rec, PhaseTest, func(ctx context.Context) (*TestResult, error) {
		return p.test(ctx, repo, req)
	})
	if result != nil {
		p.artifact(rec, PhaseTest, ArtifactTestLog, "text/plain", testLog(result))
	}
	return result, err
}

func (p *Pipeline) test(ctx context.Context, repo repohost.Repo, req TestRequest) (*TestResult, error) {
	result := &TestResult{AllPassed: true, Setup: []CommandResult{}, Results: []CommandResult{}}

	dir := path.Join(p.cfg.WorkDir, unsafeDirChars.ReplaceAllString(
		fmt.Sprintf("%s-%s-%s", repo.Owner, repo.Name, uuid.NewString()[:8]), "-"))

	for _, step := range p.setupSteps(repo, req, dir) {
		res, err := p.exec(ctx, req, step.cmd, step.cwd, step.env)
		if err != nil {
			result.AllPassed = false
			return result, flowerr.New("test.setup", flowerr.SeverityFatal, err, step.cmd)
		}
		cr := p.commandResult(step.cmd, true, res)
		result.Setup = append(result.Setup, cr)
		if !cr.OK {
			result.AllPassed = false
			p.logger.Warn(ctx, "test setup failed",
				zap.String("command", step.cmd),
				zap.Int("exit_code", cr.ExitCode),
				zap.Bool("killed", cr.Killed),
			)
			return result, flowerr.SetupFailure(step.cmd, cr.ExitCode, cr.Killed)
		}
	}

	for _, cmd := range req.Commands {
		res, err := p.exec(ctx, req, cmd, dir, nil)
		if err != nil {
			result.AllPassed = false
			return result, flowerr.New("test.command", flowerr.SeverityFatal, err, cmd)
		}
		cr := p.commandResult(cmd, false, res)
		result.Results = append(result.Results, cr)
		if !cr.OK {
			result.AllPassed = false
			p.logger.Info(ctx, "test command failed",
				zap.String("command", cmd),
				zap.Int("exit_code", cr.ExitCode),
				zap.Bool("killed", cr.Killed),
			)
		}
	}
	return result, nil
}

// setupSteps clones the head branch into dir: mkdir, init, remote,
// shallow fetch, checkout, then caller setup commands.
func (p *Pipeline) setupSteps(repo repohost.Repo, req TestRequest, dir string) []setupStep {
	head := shellQuote(req.HeadBranch)
	fetch := setupStep{cmd: "git fetch -q --depth 1 origin " + head, cwd: dir}
	if token := repo.Token(); token.IsSet() {
		fetch.cmd = `git -c http.extraHeader="Authorization: Basic $(printf 'x-access-token:%s' "$` + gitTokenEnv +
			`" | base64 | tr -d '\n')" fetch -q --depth 1 origin ` + head
		fetch.env = map[string]string{gitTokenEnv: token.Value()}
	}

	steps := []setupStep{
		{cmd: "mkdir -p " + shellQuote(dir)},
		{cmd: "git init -q", cwd: dir},
		{cmd: "git remote add origin " + shellQuote(p.host.CloneURL(repo)), cwd: dir},
		fetch,
		{cmd: "git checkout -q -B " + head + " FETCH_HEAD", cwd: dir},
	}
	for _, cmd := range req.SetupCommands {
		steps = append(steps, setupStep{cmd: cmd, cwd: dir})
	}
	return steps
}

func (p *Pipeline) exec(ctx context.Context, req TestRequest, cmd, cwd string, env map[string]string) (*runner.ExecResult, error) {
	return p.runner.Exec(ctx, runner.ExecRequest{
		Target:    req.Runner,
		Kind:      runner.KindBash,
		Code:      cmd,
		Cwd:       cwd,
		Env:       env,
		TimeoutMs: req.TimeoutMs,
	})
}

func (p *Pipeline) commandResult(cmd string, setup bool, res *runner.ExecResult) CommandResult {
	cr := newCommandResult(cmd, setup, res)
	cr.Stdout = p.redact(cr.Stdout)
	cr.Stderr = p.redact(cr.Stderr)
	return cr
}

// IsSetupFailure reports whether err aborted a test phase during setup.
func IsSetupFailure(err error) bool {
	return errors.Is(err, flowerr.ErrSetupFailure)
}

func testLog(r *TestResult) string {
	var b strings.Builder
	write := func(cr CommandResult) {
		tag := ""
		if cr.Setup {
			tag = " [setup]"
		}
		fmt.Fprintf(&b, "$ %s%s\nexit=%d killed=%t duration=%dms\n", cr.Command, tag, cr.ExitCode, cr.Killed, cr.DurationMs)
		if cr.Stdout != "" {
			b.WriteString(strings.TrimRight(cr.Stdout, "\n"))
			b.WriteByte('\n')
		}
		if cr.Stderr != "" {
			b.WriteString("[stderr]\n")
			b.WriteString(strings.TrimRight(cr.Stderr, "\n"))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	for _, cr := range r.Setup {
		write(cr)
	}
	for _, cr := range r.Results {
		write(cr)
	}
	fmt.Fprintf(&b, "all_passed=%t\n", r.AllPassed)
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
