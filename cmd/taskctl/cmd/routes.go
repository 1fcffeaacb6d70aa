package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/taskhook/internal/app"
	"github.com/austindbirch/taskhook/internal/config"
	"github.com/austindbirch/taskhook/internal/task"
)

type routeRow struct {
	Priority  string `json:"priority"`
	Queue     string `json:"queue"`
	QueuePath string `json:"queue_path"`
	TaskURL   string `json:"task_url"`
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Show the priority routing table",
	Long:  `Show where each priority is routed, as configured by TASK_ROUTES.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rows, err := routeRows(config.FromEnv())
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), rows)
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PRIORITY\tQUEUE\tTASK URL")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Priority, r.QueuePath, r.TaskURL)
		}
		return tw.Flush()
	},
}

func routeRows(cfg config.Config) ([]routeRow, error) {
	router, err := app.NewRouter(cfg)
	if err != nil {
		return nil, err
	}
	prefix := app.DispatchConfig(cfg).HandlerPathPrefix
	var rows []routeRow
	for _, p := range router.Priorities() {
		r, err := router.Resolve(p)
		if err != nil {
			return nil, err
		}
		rows = append(rows, routeRow{
			Priority:  string(p),
			Queue:     r.Queue,
			QueuePath: task.QueuePath(cfg.Tasks.Project, cfg.Tasks.Region, r.Queue),
			TaskURL:   r.BaseURL + prefix + "{task_name}",
		})
	}
	return rows, nil
}

func init() {
	rootCmd.AddCommand(routesCmd)
}
