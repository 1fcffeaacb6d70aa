package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/taskhook/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a taskhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		st, code, err := checkHealth(ctx, httpClient(), serverAddr)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), st)
			return nil
		}
		if code == http.StatusOK {
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Service is healthy (mode=%s, tasks=%d)\n", st.Mode, st.Tasks)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "✗ Service is unhealthy (HTTP %d): %s\n", code, st.Message)
		}
		return nil
	},
}

func checkHealth(ctx context.Context, client *http.Client, server string) (health.Status, int, error) {
	var st health.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(server, "", "/healthz"), nil)
	if err != nil {
		return st, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return st, 0, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, resp.StatusCode, fmt.Errorf("unexpected health response: %w", err)
	}
	return st, resp.StatusCode, nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
