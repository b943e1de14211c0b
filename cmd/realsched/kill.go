package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/flexinfer/realsched/internal/auth"
)

func newKillCmd(a *app) *cobra.Command {
	var (
		server      string
		longRunning bool
		minimum     int
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "kill <ensemble_id>",
		Short: "Kill a running ensemble on a realsched server",
		Long: "Kill asks the server to kill every outstanding realization of the ensemble. " +
			"With --long-running only realizations running far longer than the completed ones are killed. " +
			"When OIDC_CLIENT_ID is set a token is obtained with the client-credentials flow.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := a.apiClient(ctx)
			if err != nil {
				return err
			}

			id := args[0]
			path := "/api/v1/ensembles/" + id + "/kill"
			var body interface{}
			if longRunning {
				path = "/api/v1/ensembles/" + id + "/stop-long-running"
				body = map[string]int{"minimum": minimum}
			}

			var resp map[string]interface{}
			if err := postJSON(ctx, client, strings.TrimRight(server, "/")+path, body, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if longRunning {
				killed, _ := resp["killed"].([]interface{})
				fmt.Fprintf(out, "Ensemble %s: killed %d long-running realization(s) %v\n", id, len(killed), killed)
				return nil
			}
			fmt.Fprintf(out, "Ensemble %s: %v\n", id, resp["status"])
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", envOr("REALSCHED_SERVER", "http://localhost:7070"), "realsched server URL (or REALSCHED_SERVER env)")
	cmd.Flags().BoolVar(&longRunning, "long-running", false, "Only kill realizations that run much longer than completed ones")
	cmd.Flags().IntVar(&minimum, "minimum", 1, "Completed realizations required before --long-running kills anything")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	return cmd
}

// apiClient returns an HTTP client that authenticates with client
// credentials when an OIDC client is configured.
func (a *app) apiClient(ctx context.Context) (*http.Client, error) {
	if a.cfg.OIDCClientID == "" || a.cfg.OIDCIssuer == "" {
		return http.DefaultClient, nil
	}
	ts, err := auth.ClientCredentials(ctx, &auth.Config{
		Issuer:       a.cfg.OIDCIssuer,
		ClientID:     a.cfg.OIDCClientID,
		ClientSecret: a.cfg.OIDCClientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("client credentials: %w", err)
	}
	return oauth2.NewClient(ctx, ts), nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s (%s, status %d)", apiErr.Message, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}
