package repohost

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/repoflow/internal/config"
	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
)

// Connections resolves connection ids from configuration. Ids that are not
// configured but look like "owner/repo" resolve with the default token.
type Connections struct {
	defaultToken config.Secret
	byID         map[string]Repo
}

// NewConnections builds the registry from GitHub configuration.
func NewConnections(cfg config.GitHubConfig) *Connections {
	c := &Connections{
		defaultToken: cfg.Token,
		byID:         make(map[string]Repo, len(cfg.Connections)),
	}
	for _, conn := range cfg.Connections {
		c.byID[conn.ID] = Repo{
			ConnID: conn.ID,
			Owner:  conn.Owner,
			Name:   conn.Repo,
			token:  conn.Token.Or(cfg.Token),
		}
	}
	return c
}

// Resolve returns the repository for connID.
func (c *Connections) Resolve(connID string) (Repo, error) {
	if repo, ok := c.byID[connID]; ok {
		return repo, nil
	}
	owner, name, ok := strings.Cut(connID, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repo{}, fmt.Errorf("%w: connection %q", flowerr.ErrNotFound, connID)
	}
	return Repo{ConnID: connID, Owner: owner, Name: name, token: c.defaultToken}, nil
}

// NewRepo builds a Repo directly. Useful for hosts that are not configured
// through Connections.
func NewRepo(connID, owner, name string, token config.Secret) Repo {
	return Repo{ConnID: connID, Owner: owner, Name: name, token: token}
}
