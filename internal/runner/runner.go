// Package runner is the single execution path for task functions: inbound
// handlers, the local cron scheduler and the dispatcher's local bypass all
// call Run.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/taskhook/internal/journal"
	"github.com/austindbirch/taskhook/internal/logging"
	"github.com/austindbirch/taskhook/internal/metrics"
	"github.com/austindbirch/taskhook/internal/task"
	"github.com/austindbirch/taskhook/internal/tracing"
)

// Kind is how an execution was triggered.
type Kind string

const (
	KindCron  Kind = "cron"
	KindAsync Kind = "async"
	KindLocal Kind = "local"
)

// Execution is one task run.
type Execution struct {
	Kind   Kind
	TaskID string // empty for cron triggers
	Name   string
	Queue  string
	Fn     task.Func
	Kwargs map[string]any
}

type Runner struct {
	logger  *logging.Logger
	journal journal.Recorder
	now     func() time.Time
}

// New returns a Runner. rec may be nil when no journal is configured.
func New(logger *logging.Logger, rec journal.Recorder) *Runner {
	return &Runner{logger: logger, journal: rec, now: time.Now}
}

// Run executes ex.Fn and returns its wall-clock duration. The task's error is
// returned unchanged.
func (r *Runner) Run(ctx context.Context, ex Execution) (time.Duration, error) {
	if ex.Fn == nil {
		return 0, fmt.Errorf("%w: %q has no function", task.ErrUnresolvableTask, ex.Name)
	}

	ctx, span := tracing.StartSpan(ctx, "runner.Run",
		attribute.String("task.name", ex.Name),
		attribute.String("task.id", ex.TaskID),
		attribute.String("task.kind", string(ex.Kind)),
	)
	defer span.End()

	log := r.logger.WithContext(ctx).WithTask(ex.TaskID).WithTaskName(ex.Name).WithQueue(ex.Queue).
		WithField("kind", string(ex.Kind))
	log.Info("Running task")

	kwargs := ex.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	started := r.now()
	err := ex.Fn(ctx, kwargs)
	elapsed := r.now().Sub(started)

	status := "ok"
	if err != nil {
		status = "error"
		tracing.SetSpanError(ctx, err)
		log.WithError(err).WithField("duration_ms", elapsed.Milliseconds()).Error("Task failed")
	} else {
		log.WithField("duration_ms", elapsed.Milliseconds()).Infof("Task %s finished in %s", ex.Name, elapsed)
	}
	metrics.RecordTaskRun(string(ex.Kind), status, elapsed)
	span.SetAttributes(attribute.Int64("task.duration_ms", elapsed.Milliseconds()))

	if r.journal != nil {
		entry := journal.Entry{
			TaskID:    ex.TaskID,
			TaskName:  ex.Name,
			Kind:      string(ex.Kind),
			Status:    status,
			Duration:  elapsed,
			StartedAt: started,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		if jerr := r.journal.Record(context.WithoutCancel(ctx), entry); jerr != nil {
			log.WithError(jerr).Warn("Failed to record task run")
		}
	}

	return elapsed, err
}
