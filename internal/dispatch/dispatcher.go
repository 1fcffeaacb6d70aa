// Package dispatch is the producer side: it turns a task reference and its
// keyword arguments into a broker task, or runs it inline in local mode.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/austindbirch/taskhook/internal/broker"
	"github.com/austindbirch/taskhook/internal/logging"
	"github.com/austindbirch/taskhook/internal/metrics"
	"github.com/austindbirch/taskhook/internal/runner"
	"github.com/austindbirch/taskhook/internal/task"
	"github.com/austindbirch/taskhook/internal/tracing"
)

// ErrInvalidDelay is returned for a negative delay.
var ErrInvalidDelay = errors.New("dispatch: delay must not be negative")

const (
	DefaultHandlerPathPrefix = "/api/tasks/async/"
	DefaultDispatchDeadline  = 30 * time.Minute
)

type Config struct {
	Project            string
	Region             string
	HandlerPathPrefix  string        // joined between the route's base URL and the task name
	DispatchDeadline   time.Duration // how long the broker waits for the handler
	SubmitTimeout      time.Duration // per CreateTask attempt; 0 uses the caller's context
	Local              bool          // run tasks inline, never touch the broker
	OIDCServiceAccount string
	OIDCAudience       string // defaults to the task URL
}

type options struct {
	delay    int
	priority task.Priority
}

// Option customizes a single Enqueue call.
type Option func(*options)

// WithDelay asks the broker not to dispatch before now+seconds.
func WithDelay(seconds int) Option {
	return func(o *options) { o.delay = seconds }
}

// WithPriority selects the queue. The default is task.PriorityAsync.
func WithPriority(p task.Priority) Option {
	return func(o *options) { o.priority = p }
}

type Dispatcher struct {
	cfg      Config
	router   *task.Router
	registry *task.Registry
	broker   broker.Broker
	runner   *runner.Runner
	logger   *logging.Logger
	now      func() time.Time
}

// New builds a Dispatcher. b may be nil when cfg.Local is set.
func New(cfg Config, router *task.Router, registry *task.Registry, b broker.Broker, run *runner.Runner, logger *logging.Logger) *Dispatcher {
	if cfg.HandlerPathPrefix == "" {
		cfg.HandlerPathPrefix = DefaultHandlerPathPrefix
	}
	if !strings.HasPrefix(cfg.HandlerPathPrefix, "/") {
		cfg.HandlerPathPrefix = "/" + cfg.HandlerPathPrefix
	}
	if !strings.HasSuffix(cfg.HandlerPathPrefix, "/") {
		cfg.HandlerPathPrefix += "/"
	}
	if cfg.DispatchDeadline <= 0 {
		cfg.DispatchDeadline = DefaultDispatchDeadline
	}
	return &Dispatcher{
		cfg:      cfg,
		router:   router,
		registry: registry,
		broker:   b,
		runner:   run,
		logger:   logger,
		now:      time.Now,
	}
}

// Enqueue submits fn for asynchronous execution with kwargs. fn is a task
// name, a registered task.Func or a *task.Definition. The returned Ack is nil
// in local mode, where the task has already run by the time Enqueue returns
// and its error is returned directly.
func (d *Dispatcher) Enqueue(ctx context.Context, fn any, kwargs map[string]any, opts ...Option) (*broker.Ack, error) {
	o := options{priority: task.PriorityAsync}
	for _, opt := range opts {
		opt(&o)
	}
	if o.delay < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDelay, o.delay)
	}

	name, taskFn, err := d.resolve(fn)
	if err != nil {
		metrics.RecordEnqueueFailure("unresolvable")
		return nil, err
	}
	taskID := task.NewTaskID()

	ctx, span := tracing.StartSpan(ctx, "dispatch.Enqueue",
		attribute.String("task.name", name),
		attribute.String("task.id", taskID),
		attribute.String("task.priority", string(o.priority)),
		attribute.Int("task.delay_seconds", o.delay),
	)
	defer span.End()

	if d.cfg.Local {
		return nil, d.runLocal(ctx, taskID, name, taskFn, kwargs, o.priority)
	}

	ack, err := d.submit(ctx, taskID, name, kwargs, o)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	return ack, nil
}

// resolve returns the task name and, when fn carries one, its body.
func (d *Dispatcher) resolve(fn any) (string, task.Func, error) {
	switch v := fn.(type) {
	case string:
		if v == "" {
			return "", nil, fmt.Errorf("%w: empty task name", task.ErrUnresolvableTask)
		}
		return v, nil, nil
	case *task.Definition:
		if v == nil {
			return "", nil, fmt.Errorf("%w: nil definition", task.ErrUnresolvableTask)
		}
		return v.Name, v.Fn, nil
	case task.Func:
		return d.nameOf(v)
	case func(context.Context, map[string]any) error:
		return d.nameOf(v)
	default:
		return "", nil, fmt.Errorf("%w: unsupported task reference %T", task.ErrUnresolvableTask, fn)
	}
}

func (d *Dispatcher) nameOf(fn task.Func) (string, task.Func, error) {
	if d.registry == nil {
		return "", nil, fmt.Errorf("%w: no registry to name a function reference", task.ErrUnresolvableTask)
	}
	name, err := d.registry.NameOf(fn)
	if err != nil {
		return "", nil, err
	}
	return name, fn, nil
}

func (d *Dispatcher) runLocal(ctx context.Context, taskID, name string, fn task.Func, kwargs map[string]any, priority task.Priority) error {
	if fn == nil {
		if d.registry == nil {
			return fmt.Errorf("%w: %q", task.ErrUnresolvableTask, name)
		}
		var err error
		if fn, err = d.registry.Resolve(name); err != nil {
			metrics.RecordEnqueueFailure("unresolvable")
			return err
		}
	}

	// kwargs round-trip through the codec exactly as a broker payload does
	body, err := task.Encode(task.Invocation{TaskID: taskID, Name: name, Kwargs: kwargs})
	if err != nil {
		metrics.RecordEnqueueFailure("encode")
		return fmt.Errorf("encode task %s: %w", name, err)
	}
	inv, err := task.Decode(body)
	if err != nil {
		metrics.RecordEnqueueFailure("encode")
		return fmt.Errorf("decode task %s: %w", name, err)
	}

	d.logger.WithContext(ctx).WithTask(taskID).WithTaskName(name).Debug("Running task inline")
	metrics.RecordEnqueued(string(priority), "local")
	_, err = d.runner.Run(ctx, runner.Execution{
		Kind:   runner.KindLocal,
		TaskID: taskID,
		Name:   name,
		Fn:     fn,
		Kwargs: inv.Kwargs,
	})
	if err != nil {
		metrics.RecordEnqueueFailure("task")
	}
	return err
}

func (d *Dispatcher) submit(ctx context.Context, taskID, name string, kwargs map[string]any, o options) (*broker.Ack, error) {
	route, err := d.router.Resolve(o.priority)
	if err != nil {
		metrics.RecordEnqueueFailure("configuration")
		return nil, err
	}
	if d.broker == nil {
		metrics.RecordEnqueueFailure("configuration")
		return nil, fmt.Errorf("%w: no broker configured", task.ErrConfiguration)
	}

	body, err := task.Encode(task.Invocation{
		TaskID:       taskID,
		Name:         name,
		Kwargs:       kwargs,
		TraceHeaders: tracing.PropagateTrace(ctx),
	})
	if err != nil {
		metrics.RecordEnqueueFailure("encode")
		return nil, fmt.Errorf("encode task %s: %w", name, err)
	}

	req := broker.Request{
		Name:               taskID,
		URL:                strings.TrimSuffix(route.BaseURL, "/") + d.cfg.HandlerPathPrefix + name,
		Method:             http.MethodPost,
		Headers:            map[string]string{"Content-Type": "application/octet-stream"},
		Body:               body,
		DispatchDeadline:   d.cfg.DispatchDeadline,
		OIDCServiceAccount: d.cfg.OIDCServiceAccount,
		OIDCAudience:       d.cfg.OIDCAudience,
	}
	if o.delay > 0 {
		at := d.now().Add(time.Duration(o.delay) * time.Second)
		req.ScheduleTime = &at
	}
	queuePath := task.QueuePath(d.cfg.Project, d.cfg.Region, route.Queue)

	log := d.logger.WithContext(ctx).WithTask(taskID).WithTaskName(name).WithQueue(route.Queue)
	log.Infof("Publishing task_id=%s to task queue", taskID)

	ack, err := d.createTask(ctx, queuePath, req)
	if broker.IsDeadlineExceeded(err) {
		metrics.RecordEnqueueRetry()
		tracing.AddSpanEvent(ctx, "retry", attribute.String("reason", "deadline_exceeded"))
		log.WithError(err).Warn("Task submission hit a deadline, retrying once")
		ack, err = d.createTask(ctx, queuePath, req)
		if status.Code(err) == codes.AlreadyExists {
			// the first attempt was created server-side before the deadline hit
			log.Info("Task already created by the first attempt")
			ack, err = &broker.Ack{Name: queuePath + "/tasks/" + taskID, CreatedAt: d.now()}, nil
			if req.ScheduleTime != nil {
				ack.ScheduleTime = *req.ScheduleTime
			}
		}
	}
	if err != nil {
		reason := "broker"
		if broker.IsDeadlineExceeded(err) {
			reason = "deadline"
		}
		metrics.RecordEnqueueFailure(reason)
		log.WithError(err).Error("Failed to publish task")
		return nil, fmt.Errorf("create task %s on %s: %w", name, route.Queue, err)
	}

	metrics.RecordEnqueued(route.Queue, "broker")
	return ack, nil
}

func (d *Dispatcher) createTask(ctx context.Context, queuePath string, req broker.Request) (*broker.Ack, error) {
	if d.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.SubmitTimeout)
		defer cancel()
	}
	return d.broker.CreateTask(ctx, queuePath, req)
}
