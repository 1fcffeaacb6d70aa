package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/taskhook/internal/auth"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger [task_name]",
	Short: "Run a cron task now",
	Long: `POST to the server's cron endpoint with the X-CloudScheduler header set,
the same request Cloud Scheduler sends on each tick.

Examples:
  taskctl trigger reports.nightly
  taskctl trigger reports.nightly --server https://worker.example --token s3cret`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		status, body, err := trigger(ctx, httpClient(), serverAddr, handlerPrefix, schedulerToken, args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]any{"task": args[0], "status": status})
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Triggered %s: HTTP %d\n", args[0], status)
		}
		if status != http.StatusOK {
			return fmt.Errorf("cron trigger failed: HTTP %d %s", status, strings.TrimSpace(body))
		}
		return nil
	},
}

func trigger(ctx context.Context, client *http.Client, server, prefix, token, name string) (int, string, error) {
	u := endpoint(server, prefix, "/crons/"+url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(auth.SchedulerHeader, token)

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(b), nil
}

func init() {
	rootCmd.AddCommand(triggerCmd)
}
