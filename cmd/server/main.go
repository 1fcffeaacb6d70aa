// Command server hosts the task handlers. It also owns the dispatcher used by
// the builtin fan-out task and, in local mode, the in-process cron scheduler.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/taskhook/internal/app"
	"github.com/austindbirch/taskhook/internal/auth"
	"github.com/austindbirch/taskhook/internal/config"
	"github.com/austindbirch/taskhook/internal/db"
	"github.com/austindbirch/taskhook/internal/dispatch"
	"github.com/austindbirch/taskhook/internal/handler"
	"github.com/austindbirch/taskhook/internal/health"
	"github.com/austindbirch/taskhook/internal/journal"
	"github.com/austindbirch/taskhook/internal/logging"
	"github.com/austindbirch/taskhook/internal/metrics"
	"github.com/austindbirch/taskhook/internal/runner"
	"github.com/austindbirch/taskhook/internal/scheduler"
	"github.com/austindbirch/taskhook/internal/task"
	"github.com/austindbirch/taskhook/internal/tasks"
	"github.com/austindbirch/taskhook/internal/tracing"
)

// newVerifier returns nil when OIDC verification is not configured.
func newVerifier(ctx context.Context, cfg config.Config) (handler.TokenVerifier, error) {
	if !cfg.AuthEnabled() {
		return nil, nil
	}
	if cfg.Auth.OIDCPublicKey != "" {
		return auth.NewTokenVerifier(cfg.Auth.OIDCPublicKey, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCAudience, cfg.Auth.OIDCEmail)
	}
	return auth.NewJWKSVerifier(ctx, cfg.Auth.OIDCJWKSURL, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCAudience, cfg.Auth.OIDCEmail)
}

func newMux(h *handler.Handler, reg *prometheus.Registry, hopts health.Options) chi.Router {
	r := h.Router()
	r.Get("/healthz", health.HTTPHandler(hopts))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

// newScheduler returns nil outside local mode or when no crons are configured.
func newScheduler(cfg config.Config, registry *task.Registry, run *runner.Runner, logger *logging.Logger) (*scheduler.Scheduler, error) {
	crons, err := cfg.Crons()
	if err != nil {
		return nil, err
	}
	if len(crons) == 0 {
		return nil, nil
	}
	if !cfg.Tasks.Local {
		logger.Plain().WithField("crons", len(crons)).Warn("LOCAL_CRONS ignored outside local mode")
		return nil, nil
	}
	s := scheduler.New(registry, run, logger)
	for _, c := range crons {
		if err := s.Add(c.Spec, c.Task); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New(cfg.AppName)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetDefaultService(cfg.AppName)
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("Invalid configuration")
	}

	shutdownTracing, err := tracing.InitTracing(ctx, tracing.Options{
		ServiceName:    cfg.AppName,
		ServiceVersion: cfg.Version,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	var rec journal.Recorder
	var pinger health.Pinger
	if cfg.JournalEnabled() {
		pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			logger.Plain().WithError(err).Fatal("db connect failed")
		}
		defer pool.Close()
		store := journal.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Plain().WithError(err).Fatal("journal schema failed")
		}
		rec, pinger = store, pool
	}

	b, err := app.NewBroker(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize task broker")
	}
	if b != nil {
		defer b.Close()
	}

	router, err := app.NewRouter(cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to build task routes")
	}

	registry := task.NewRegistry()
	run := runner.New(logger, rec)
	dispatcher := dispatch.New(app.DispatchConfig(cfg), router, registry, b, run, logger)
	if err := tasks.Register(registry, dispatcher, logger); err != nil {
		logger.Plain().WithError(err).Fatal("Failed to register builtin tasks")
	}

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize OIDC verifier")
	}
	var hopts []handler.Option
	if verifier != nil {
		hopts = append(hopts, handler.WithVerifier(verifier))
	}
	h := handler.New(handler.Config{
		Prefix:         cfg.Server.HandlerPrefix,
		SchedulerToken: cfg.Tasks.SchedulerToken,
	}, registry, run, logger, hopts...)

	mux := newMux(h, reg, health.Options{DB: pinger, Mode: app.Mode(cfg), Tasks: len(registry.Names())})

	sched, err := newScheduler(cfg, registry, run, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to schedule local crons")
	}
	if sched != nil {
		sched.Start()
	}

	httpSrv := &http.Server{
		Addr:         cfg.Server.HTTPPort,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":  httpSrv.Addr,
			"mode":  app.Mode(cfg),
			"tasks": registry.Names(),
		}).Info("taskhook server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down taskhook server")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Plain().WithError(err).Warn("cron jobs still running at shutdown")
		}
	}
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("taskhook server stopped")
}
