// Package scheduler triggers cron tasks in-process when no external
// scheduler is available (local mode).
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/austindbirch/taskhook/internal/logging"
	"github.com/austindbirch/taskhook/internal/runner"
	"github.com/austindbirch/taskhook/internal/task"
)

type Scheduler struct {
	cron     *cron.Cron
	registry *task.Registry
	runner   *runner.Runner
	logger   *logging.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New returns a Scheduler using standard five-field cron specs and
// descriptors such as @hourly or @every 5m. A task still running when its
// next tick arrives is skipped for that tick.
func New(registry *task.Registry, run *runner.Runner, logger *logging.Logger) *Scheduler {
	cl := cronLogger{logger}
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		registry: registry,
		runner:   run,
		logger:   logger,
		entries:  make(map[string]cron.EntryID),
	}
}

// Add schedules the registered task name on spec. Unknown names and bad
// specs fail here rather than at the first tick.
func (s *Scheduler) Add(spec, name string) error {
	fn, err := s.registry.Resolve(name)
	if err != nil {
		return err
	}
	key := spec + "=" + name

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return fmt.Errorf("cron %q already scheduled", key)
	}
	id, err := s.cron.AddFunc(spec, func() { s.trigger(name, fn) })
	if err != nil {
		return fmt.Errorf("cron %q: %w", key, err)
	}
	s.entries[key] = id
	return nil
}

func (s *Scheduler) trigger(name string, fn task.Func) {
	// runner already logs and counts failures
	_, _ = s.runner.Run(context.Background(), runner.Execution{
		Kind: runner.KindCron,
		Name: name,
		Fn:   fn,
	})
}

// Entries lists scheduled "spec=task" keys.
func (s *Scheduler) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Plain().WithField("entries", len(s.entries)).Info("Local cron scheduler started")
}

// Stop stops scheduling and waits for running tasks until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Plain().WithFields(kv(keysAndValues)).Debug("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Plain().WithFields(kv(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func kv(keysAndValues []interface{}) map[string]any {
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
