package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/taskhook/internal/app"
	"github.com/austindbirch/taskhook/internal/broker"
	"github.com/austindbirch/taskhook/internal/config"
	"github.com/austindbirch/taskhook/internal/dispatch"
	"github.com/austindbirch/taskhook/internal/logging"
	"github.com/austindbirch/taskhook/internal/task"
)

type enqueuer interface {
	Enqueue(ctx context.Context, fn any, kwargs map[string]any, opts ...dispatch.Option) (*broker.Ack, error)
}

type enqueueResult struct {
	Task         string    `json:"task"`
	Queue        string    `json:"queue"`
	BrokerTask   string    `json:"broker_task"`
	ScheduleTime time.Time `json:"schedule_time"`
}

var (
	enqueueKwargs   string
	enqueueDelay    int
	enqueuePriority string
	enqueueVerbose  bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [task_name]",
	Short: "Enqueue a task on the configured broker",
	Long: `Enqueue a registered task by name. The task is routed by priority using
TASK_ROUTES and submitted to the broker named by BROKER, exactly as the
server's dispatcher would.

Examples:
  taskctl enqueue mail.send_email --kwargs '{"user_id": 42}'
  taskctl enqueue reports.rebuild --delay 300 --priority async`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kwargs, err := parseKwargs(enqueueKwargs)
		if err != nil {
			return err
		}

		cfg := config.FromEnv()
		if cfg.Tasks.Local {
			return errors.New("enqueue needs a broker; unset DEBUG to leave local mode")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		d, closeBroker, err := newDispatcher(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeBroker()

		res, err := runEnqueue(ctx, d, args[0], kwargs, enqueueDelay, task.Priority(enqueuePriority))
		if err != nil {
			return err
		}
		res.Queue = queueFor(cfg, task.Priority(enqueuePriority))
		if outputJSON {
			printOutput(cmd.OutOrStdout(), res)
		} else {
			printEnqueueResult(cmd.OutOrStdout(), res)
		}
		return nil
	},
}

func newDispatcher(ctx context.Context, cfg config.Config) (*dispatch.Dispatcher, func(), error) {
	logger := logging.New("taskctl")
	logger.SetOutput(os.Stderr)
	if !enqueueVerbose {
		logger.SetLevel(logging.LevelWarn)
	}

	router, err := app.NewRouter(cfg)
	if err != nil {
		return nil, nil, err
	}
	b, err := app.NewBroker(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	// names are sent as-is; taskctl has no registry of its own
	d := dispatch.New(app.DispatchConfig(cfg), router, nil, b, nil, logger)
	return d, func() { _ = b.Close() }, nil
}

func runEnqueue(ctx context.Context, d enqueuer, name string, kwargs map[string]any, delay int, priority task.Priority) (enqueueResult, error) {
	opts := []dispatch.Option{dispatch.WithDelay(delay)}
	if priority != "" {
		opts = append(opts, dispatch.WithPriority(priority))
	}
	ack, err := d.Enqueue(ctx, name, kwargs, opts...)
	if err != nil {
		return enqueueResult{}, fmt.Errorf("enqueue failed: %w", err)
	}
	res := enqueueResult{Task: name}
	if ack != nil {
		res.BrokerTask = ack.Name
		res.ScheduleTime = ack.ScheduleTime
	}
	return res, nil
}

func queueFor(cfg config.Config, p task.Priority) string {
	if p == "" {
		p = task.PriorityAsync
	}
	routes, err := cfg.Routes()
	if err != nil {
		return ""
	}
	return routes[p].Queue
}

func printEnqueueResult(w io.Writer, res enqueueResult) {
	fmt.Fprintf(w, "Enqueued %s\n", res.Task)
	if res.Queue != "" {
		fmt.Fprintf(w, "  Queue: %s\n", res.Queue)
	}
	fmt.Fprintf(w, "  Broker task: %s\n", res.BrokerTask)
	if !res.ScheduleTime.IsZero() {
		fmt.Fprintf(w, "  Scheduled: %s\n", res.ScheduleTime.Format(time.RFC3339))
	}
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	enqueueCmd.Flags().StringVar(&enqueueKwargs, "kwargs", "", "task keyword arguments as a JSON object")
	enqueueCmd.Flags().IntVar(&enqueueDelay, "delay", 0, "seconds to wait before the task is dispatched")
	enqueueCmd.Flags().StringVar(&enqueuePriority, "priority", string(task.PriorityAsync), "routing priority")
	enqueueCmd.Flags().BoolVarP(&enqueueVerbose, "verbose", "v", false, "log dispatcher activity to stderr")
}
