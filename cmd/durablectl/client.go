package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

// adminClient is a minimal HTTP client for admin.Server's route table.
// durablectl never talks to Postgres directly except for migrate: every
// other subcommand goes through the admin surface so it works the same
// way whether it's run next to the worker process or from an operator's
// laptop against a remote deployment.
type adminClient struct {
	baseURL string
	http    *http.Client
}

func newAdminClient(cmd *cobra.Command) *adminClient {
	base, _ := cmd.Flags().GetString("admin-addr")
	return &adminClient{baseURL: base, http: http.DefaultClient}
}

func (c *adminClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("durablectl: encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("durablectl: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("durablectl: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("durablectl: %s %s: %s: %s", method, path, resp.Status, errBody["error"])
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("durablectl: decode response: %w", err)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
