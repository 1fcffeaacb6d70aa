// Package handler serves the consumer side: the cron trigger and async task
// endpoints called by the scheduler and the task broker.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/taskhook/internal/auth"
	"github.com/austindbirch/taskhook/internal/broker"
	"github.com/austindbirch/taskhook/internal/logging"
	"github.com/austindbirch/taskhook/internal/metrics"
	"github.com/austindbirch/taskhook/internal/runner"
	"github.com/austindbirch/taskhook/internal/task"
	"github.com/austindbirch/taskhook/internal/tracing"
)

// MaxBodyBytes bounds an async request body.
const MaxBodyBytes = 10 << 20

type Config struct {
	Prefix         string // e.g. /api/tasks
	SchedulerToken string // exact X-CloudScheduler value
}

// TokenVerifier checks the bearer token of an async request.
type TokenVerifier interface {
	VerifyRequest(r *http.Request) (*auth.Claims, error)
}

type Handler struct {
	cfg      Config
	registry *task.Registry
	runner   *runner.Runner
	verifier TokenVerifier
	logger   *logging.Logger
}

type Option func(*Handler)

// WithVerifier additionally requires a valid OIDC token on async requests.
func WithVerifier(v TokenVerifier) Option {
	return func(h *Handler) { h.verifier = v }
}

func New(cfg Config, registry *task.Registry, run *runner.Runner, logger *logging.Logger, opts ...Option) *Handler {
	cfg.Prefix = "/" + strings.Trim(cfg.Prefix, "/")
	h := &Handler{cfg: cfg, registry: registry, runner: run, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns a chi router serving both endpoints under the prefix.
// Panics inside a task become 500 responses; trailing slashes are ignored.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route(h.cfg.Prefix, func(r chi.Router) {
		r.Post("/crons/{task_name}", h.handleCron)
		r.Post("/async/{task_name}", h.handleAsync)
	})
	return r
}

func (h *Handler) handleCron(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "task_name")
	ctx := tracing.ExtractHTTP(r.Context(), r.Header)

	if !auth.IsTrustedScheduler(r, h.cfg.SchedulerToken) {
		h.reject(ctx, w, "cron", name)
		return
	}

	ctx, span := tracing.StartSpan(ctx, "handler.cron", attribute.String("task.name", name))
	defer span.End()

	fn, err := h.registry.Resolve(name)
	if err != nil {
		h.fail(ctx, w, name, "", err)
		return
	}
	if _, err := h.runner.Run(ctx, runner.Execution{Kind: runner.KindCron, Name: name, Fn: fn}); err != nil {
		h.fail(ctx, w, name, "", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleAsync(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "task_name")
	ctx := r.Context()

	if !auth.IsTrustedBroker(r) {
		h.reject(ctx, w, "async", name)
		return
	}
	if h.verifier != nil {
		if _, err := h.verifier.VerifyRequest(r); err != nil {
			h.logger.WithContext(ctx).WithTaskName(name).WithError(err).Warn("Rejected async task: invalid token")
			h.reject(ctx, w, "async", name)
			return
		}
	}

	queue := r.Header.Get(auth.BrokerHeader)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		h.fail(ctx, w, name, "", err)
		return
	}
	inv, err := task.Decode(body)
	if err != nil {
		h.fail(ctx, w, name, "", err)
		return
	}

	ctx = tracing.ExtractTrace(ctx, inv.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "handler.async",
		attribute.String("task.name", name),
		attribute.String("task.id", inv.TaskID),
		attribute.String("task.queue", queue),
	)
	defer span.End()

	log := h.logger.WithContext(ctx).WithTask(inv.TaskID).WithTaskName(name).WithQueue(queue)
	if retries := r.Header.Get(broker.RetryCountHeader); retries != "" && retries != "0" {
		log.WithField("retry_count", retries).Info("Task redelivered")
	}
	if inv.Name != "" && inv.Name != name {
		log.WithField("payload_task_name", inv.Name).Warn("Task name in payload differs from URL, using URL")
	}

	fn, err := h.registry.Resolve(name)
	if err != nil {
		h.fail(ctx, w, name, inv.TaskID, err)
		return
	}
	_, err = h.runner.Run(ctx, runner.Execution{
		Kind:   runner.KindAsync,
		TaskID: inv.TaskID,
		Name:   name,
		Queue:  queue,
		Fn:     fn,
		Kwargs: inv.Kwargs,
	})
	if err != nil {
		h.fail(ctx, w, name, inv.TaskID, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) reject(ctx context.Context, w http.ResponseWriter, kind, name string) {
	metrics.RecordRejection(kind)
	h.logger.WithContext(ctx).WithTaskName(name).WithField("kind", kind).Warn("Rejected untrusted task request")
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
}

// fail answers 500 so the caller's own retry policy applies.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, name, taskID string, err error) {
	tracing.SetSpanError(ctx, err)
	log := h.logger.WithContext(ctx).WithTask(taskID).WithTaskName(name).WithError(err)
	switch {
	case errors.Is(err, task.ErrMalformedPayload):
		log.Error("Failed to decode task payload")
	case errors.Is(err, task.ErrUnresolvableTask):
		log.Error("Failed to resolve task")
	default:
		log.Error("Task raised an error")
	}
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}
