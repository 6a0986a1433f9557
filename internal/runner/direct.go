package runner

import (
	"context"
	"net/http"
	"strings"
)

// Direct calls a registered runner's /exec endpoint with its bearer token.
type Direct struct {
	registry *Registry
	client   *http.Client
	opts     Options
}

// NewDirect creates a Direct executor over registry.
func NewDirect(registry *Registry, opts Options) *Direct {
	return &Direct{registry: registry, client: &http.Client{}, opts: opts.withDefaults()}
}

// Registry exposes the runner registry.
func (d *Direct) Registry() *Registry {
	return d.registry
}

func (d *Direct) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	rn, err := d.registry.Get(req.Target)
	if err != nil {
		return nil, err
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = rn.DefaultCwd
	}
	timeout := d.opts.requestTimeout(req)
	body, err := newExecBody(req, cwd, timeout)
	if err != nil {
		return nil, err
	}
	return post(ctx, d.client, strings.TrimRight(rn.Endpoint, "/")+"/exec", rn.Token, body, timeout+d.opts.TimeoutSlack)
}

func (d *Direct) Health(ctx context.Context, target string) error {
	rn, err := d.registry.Get(target)
	if err != nil {
		return err
	}
	return health(ctx, d.client, strings.TrimRight(rn.Endpoint, "/")+"/health", rn.Token)
}

var _ Executor = (*Direct)(nil)
