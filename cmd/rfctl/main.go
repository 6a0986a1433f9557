// Package main implements rfctl, a CLI for manual operations against a
// repoflowd server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	rfhttp "github.com/fyrsmithlabs/repoflow/internal/http"
)

var (
	// serverURL is the base URL for the repoflowd HTTP server
	serverURL string
	// requestTimeout bounds each HTTP call
	requestTimeout time.Duration
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rfctl",
	Short: "CLI for repoflowd server operations",
	Long: `rfctl is a command-line interface for the repoflowd HTTP server.
It starts RepoOps runs, follows background jobs, approves pending changes
and runs stored workflows.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8088", "repoflowd server URL")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 15*time.Minute, "per-request timeout")
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check repoflowd server health",
	Long: `Check the health status of the repoflowd HTTP server.

Examples:
  rfctl health
  rfctl health --server http://localhost:9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp rfhttp.HealthResponse
		if _, err := newClient().do(cmd.Context(), http.MethodGet, "/health", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s (version %s)\n", resp.Status, resp.Version)
		return nil
	},
}

// client is a thin JSON client for the repoflowd API.
type client struct {
	base string
	http *http.Client
}

func newClient() *client {
	return &client{
		base: strings.TrimRight(serverURL, "/"),
		http: &http.Client{Timeout: requestTimeout},
	}
}

// do sends body as JSON and decodes the reply into out. Replies outside
// 2xx become errors carrying the server's message; out is still decoded so
// callers can render partial results. The status code is returned either way.
func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	url := c.base + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e rfhttp.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			if out != nil {
				_ = json.Unmarshal(raw, out)
			}
			if e.Kind == "" {
				return resp.StatusCode, fmt.Errorf("server returned status %d: %s", resp.StatusCode, e.Error)
			}
			return resp.StatusCode, fmt.Errorf("server returned status %d (%s): %s", resp.StatusCode, e.Kind, e.Error)
		}
		return resp.StatusCode, fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
