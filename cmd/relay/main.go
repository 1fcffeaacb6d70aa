// Command relay consumes NSQ task topics and delivers each task to its HTTP
// handler, standing in for Cloud Tasks when BROKER=nsq.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/taskhook/internal/auth"
	"github.com/austindbirch/taskhook/internal/config"
	"github.com/austindbirch/taskhook/internal/health"
	"github.com/austindbirch/taskhook/internal/logging"
	"github.com/austindbirch/taskhook/internal/metrics"
	"github.com/austindbirch/taskhook/internal/relay"
	"github.com/austindbirch/taskhook/internal/tracing"
)

func relayConfig(cfg config.Config) relay.Config {
	return relay.Config{
		MaxAttempts:     cfg.Relay.MaxAttempts,
		Backoff:         cfg.Relay.BackoffSchedule,
		JitterPct:       cfg.Relay.JitterPercent,
		PublishDLQ:      cfg.Relay.PublishDLQ,
		DLQTopic:        cfg.NSQ.DLQTopic,
		MaxDefer:        cfg.NSQ.MaxDefer,
		DefaultDeadline: cfg.Tasks.DispatchDeadline,
	}
}

// loadSigner uses RELAY_SIGNING_KEY, or a throwaway key whose public half is
// only available from this process's JWKS endpoint.
func loadSigner(cfg config.Config) (*auth.Signer, error) {
	kid := cfg.AppName + "-relay"
	if cfg.Relay.SigningKey != "" {
		return auth.NewSigner(cfg.Relay.SigningKey, cfg.Relay.TokenIssuer, kid)
	}
	return auth.GenerateSigner(cfg.Relay.TokenIssuer, kid)
}

func newMux(reg *prometheus.Registry, signer *auth.Signer) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", health.HTTPHandler(health.Options{Mode: "nsq"}))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get(auth.JWKSPath, signer.JWKSHandler())
	return r
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New(cfg.AppName + "-relay")
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("Invalid configuration")
	}

	shutdownTracing, err := tracing.InitTracing(ctx, tracing.Options{
		ServiceName:    cfg.AppName + "-relay",
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

	signer, err := loadSigner(cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to load signing key")
	}

	httpSrv := &http.Server{Addr: cfg.Relay.HTTPPort, Handler: newMux(reg, signer)}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("relay HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("relay HTTP server failed")
		}
	}()

	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	topics, err := cfg.RelayTopics()
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to resolve relay topics")
	}

	rl := relay.New(relayConfig(cfg), producer, &http.Client{}, logger, relay.WithSigner(signer))

	var consumers []*nsq.Consumer
	for _, topic := range topics {
		conf := nsq.NewConfig()
		conf.MaxInFlight = cfg.Relay.MaxInFlight
		// the relay re-publishes retries itself, so nsqd must never give up first
		conf.MaxAttempts = 0
		consumer, err := nsq.NewConsumer(topic, cfg.NSQ.RelayChannel, conf)
		if err != nil {
			logger.Plain().WithQueue(topic).WithError(err).Fatal("nsq consumer creation failed")
		}
		consumer.AddConcurrentHandlers(rl.Handler(topic), cfg.Relay.MaxInFlight)

		// Connecting directly to NSQD forces channel creation
		if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
			logger.Plain().WithQueue(topic).WithError(err).Fatal("connect to nsqd failed")
		}
		if cfg.NSQ.LookupHTTPAddr != "" {
			if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
				logger.Plain().WithQueue(topic).WithError(err).Fatal("connect to lookupd failed")
			}
		}
		consumers = append(consumers, consumer)
	}

	monitor := relay.NewMonitor(cfg.NSQ.NsqdHTTPAddr, topics, cfg.NSQ.RelayChannel, cfg.Relay.BacklogPollInterval, logger)
	go monitor.Run(ctx)

	logger.Plain().WithField("topics", topics).Info("relay service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down relay service")
	cancel()
	for _, c := range consumers {
		c.Stop()
	}
	for _, c := range consumers {
		<-c.StopChan
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("relay service stopped")
}
