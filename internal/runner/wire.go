package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fyrsmithlabs/repoflow/internal/config"
	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
)

const (
	serviceName      = "runner"
	maxResponseBytes = 16 << 20
)

// execBody is the wire request. bash sends cmd, python sends script.
type execBody struct {
	Type      string            `json:"type"`
	Cmd       string            `json:"cmd,omitempty"`
	Script    string            `json:"script,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int               `json:"timeoutMs"`
}

func newExecBody(req ExecRequest, cwd string, timeout time.Duration) (execBody, error) {
	b := execBody{
		Type:      req.Kind,
		Cwd:       cwd,
		Env:       req.Env,
		TimeoutMs: int(timeout / time.Millisecond),
	}
	switch req.Kind {
	case KindBash, "":
		b.Type = KindBash
		b.Cmd = req.Code
	case KindPython:
		b.Script = req.Code
	default:
		return execBody{}, fmt.Errorf("%w: unsupported exec type %q", flowerr.ErrInvalidRequest, req.Kind)
	}
	return b, nil
}

// post sends body to url and normalizes the reply. The client-side deadline
// is the callee's timeout plus slack; hitting it yields a killed result
// rather than an error.
func post(ctx context.Context, client *http.Client, url string, token config.Secret, body execBody, deadline time.Duration) (*ExecResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal exec request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create exec request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token.IsSet() {
		req.Header.Set("Authorization", "Bearer "+token.Value())
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if clientTimedOut(ctx, callCtx) {
			return killedResult(deadline, start), nil
		}
		return nil, flowerr.Upstream(serviceName, "exec", 0, false, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if clientTimedOut(ctx, callCtx) {
			return killedResult(deadline, start), nil
		}
		return nil, flowerr.Upstream(serviceName, "exec", resp.StatusCode, false, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, flowerr.Upstream(serviceName, "exec", resp.StatusCode, retryable, errors.New(errorText(raw)))
	}
	if !gjson.ValidBytes(raw) {
		return nil, flowerr.Upstream(serviceName, "exec", resp.StatusCode, false, errors.New("runner returned a non-JSON body"))
	}

	res := normalize(gjson.ParseBytes(raw))
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	return res, nil
}

// clientTimedOut reports whether the call hit its own deadline while the
// caller's context is still live.
func clientTimedOut(parent, call context.Context) bool {
	return parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded)
}

// killedResult stands in for a runner that never answered: the command is
// treated as killed, not as a transport failure.
func killedResult(deadline time.Duration, start time.Time) *ExecResult {
	return &ExecResult{
		ExitCode:   -1,
		Killed:     true,
		Stderr:     fmt.Sprintf("client timeout after %s", deadline),
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// normalize accepts the reply shapes agents and controllers use, with the
// fields either at the top level or under "result".
func normalize(doc gjson.Result) *ExecResult {
	if inner := doc.Get("result"); inner.IsObject() {
		doc = inner
	}
	res := &ExecResult{
		ExitCode:   int(first(doc, "exitCode", "exit_code", "code").Int()),
		Killed:     first(doc, "killed", "timedOut", "timed_out").Bool(),
		Stdout:     doc.Get("stdout").String(),
		Stderr:     doc.Get("stderr").String(),
		DurationMs: first(doc, "durationMs", "duration_ms").Int(),
	}
	return res
}

func first(doc gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := doc.Get(p); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

func errorText(raw []byte) string {
	if msg := first(gjson.ParseBytes(raw), "error.message", "error", "message"); msg.Exists() && msg.String() != "" {
		return msg.String()
	}
	s := string(bytes.TrimSpace(raw))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}

func health(ctx context.Context, client *http.Client, url string, token config.Secret) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	if token.IsSet() {
		req.Header.Set("Authorization", "Bearer "+token.Value())
	}
	resp, err := client.Do(req)
	if err != nil {
		return flowerr.Upstream(serviceName, "health", 0, true, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return flowerr.Upstream(serviceName, "health", resp.StatusCode, resp.StatusCode >= 500, errors.New("runner unhealthy"))
	}
	return nil
}
