// Package tasks holds the tasks every taskhook server registers.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/austindbirch/taskhook/internal/broker"
	"github.com/austindbirch/taskhook/internal/dispatch"
	"github.com/austindbirch/taskhook/internal/logging"
	"github.com/austindbirch/taskhook/internal/task"
)

const (
	Ping    = "system.ping"
	Enqueue = "system.enqueue"
)

// ErrBadArguments is returned when a builtin receives kwargs it cannot use.
var ErrBadArguments = errors.New("tasks: bad arguments")

// Enqueuer is satisfied by *dispatch.Dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, fn any, kwargs map[string]any, opts ...dispatch.Option) (*broker.Ack, error)
}

// Register adds the builtin tasks to reg. system.enqueue lets a cron entry
// fan work out to the async queue.
func Register(reg *task.Registry, enq Enqueuer, logger *logging.Logger) error {
	if _, err := reg.Register(Ping, ping(logger)); err != nil {
		return err
	}
	if _, err := reg.Register(Enqueue, enqueue(enq, logger)); err != nil {
		return err
	}
	return nil
}

func ping(logger *logging.Logger) task.Func {
	return func(ctx context.Context, kwargs map[string]any) error {
		logger.WithContext(ctx).WithTaskName(Ping).WithFields(kwargs).Info("pong")
		return nil
	}
}

// enqueue expects {"task": name, "kwargs": {...}, "delay": seconds, "priority": p}.
func enqueue(enq Enqueuer, logger *logging.Logger) task.Func {
	return func(ctx context.Context, kwargs map[string]any) error {
		name, _ := kwargs["task"].(string)
		if name == "" {
			return fmt.Errorf("%w: %s needs a task name", ErrBadArguments, Enqueue)
		}

		var args map[string]any
		if v, ok := kwargs["kwargs"]; ok && v != nil {
			if args, ok = v.(map[string]any); !ok {
				return fmt.Errorf("%w: kwargs must be a map, got %T", ErrBadArguments, v)
			}
		}

		var opts []dispatch.Option
		if v, ok := kwargs["delay"]; ok {
			delay, err := seconds(v)
			if err != nil {
				return err
			}
			opts = append(opts, dispatch.WithDelay(delay))
		}
		if p, ok := kwargs["priority"].(string); ok && p != "" {
			opts = append(opts, dispatch.WithPriority(task.Priority(p)))
		}

		ack, err := enq.Enqueue(ctx, name, args, opts...)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", name, err)
		}
		if ack != nil {
			logger.WithContext(ctx).WithTaskName(name).WithField("broker_task", ack.Name).Debug("Fanned out task")
		}
		return nil
	}
}

func seconds(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: delay must be whole seconds, got %v", ErrBadArguments, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: delay must be a number, got %T", ErrBadArguments, v)
	}
}
