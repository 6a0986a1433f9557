package runner

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/fyrsmithlabs/repoflow/internal/config"
	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
)

// Controller proxies execution through a controller service that resolves
// the target to an agent. Agent credentials never pass through here.
type Controller struct {
	baseURL string
	token   config.Secret
	client  *http.Client
	opts    Options
}

// NewController creates a Controller executor.
func NewController(baseURL string, token config.Secret, opts Options) (*Controller, error) {
	if baseURL == "" {
		return nil, errors.New("controller URL is required")
	}
	return &Controller{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
		opts:    opts.withDefaults(),
	}, nil
}

func (c *Controller) runnerURL(target, action string) (string, error) {
	if target == "" {
		return "", errors.Join(flowerr.ErrInvalidRequest, errors.New("runner name is required"))
	}
	return c.baseURL + "/api/runners/" + url.PathEscape(target) + "/" + action, nil
}

func (c *Controller) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	u, err := c.runnerURL(req.Target, "exec")
	if err != nil {
		return nil, err
	}
	timeout := c.opts.requestTimeout(req)
	body, err := newExecBody(req, req.Cwd, timeout)
	if err != nil {
		return nil, err
	}
	res, err := post(ctx, c.client, u, c.token, body, timeout+c.opts.TimeoutSlack)
	var up *flowerr.UpstreamError
	if errors.As(err, &up) && up.StatusCode == http.StatusNotFound {
		return nil, errors.Join(flowerr.ErrNotFound, err)
	}
	return res, err
}

func (c *Controller) Health(ctx context.Context, target string) error {
	u, err := c.runnerURL(target, "health")
	if err != nil {
		return err
	}
	return health(ctx, c.client, u, c.token)
}

var _ Executor = (*Controller)(nil)
