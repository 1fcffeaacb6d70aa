// Package relay delivers tasks queued on NSQ to their HTTP handlers, playing
// the part a managed broker plays in production: it honours schedule times,
// applies the dispatch deadline per attempt, retries with jittered backoff
// and dead-letters tasks that keep failing.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/taskhook/internal/auth"
	"github.com/austindbirch/taskhook/internal/broker"
	"github.com/austindbirch/taskhook/internal/logging"
	"github.com/austindbirch/taskhook/internal/metrics"
	"github.com/austindbirch/taskhook/internal/tracing"
)

type Config struct {
	MaxAttempts     int
	Backoff         []time.Duration
	JitterPct       float64
	PublishDLQ      bool
	DLQTopic        string
	MaxDefer        time.Duration // longest single DeferredPublish nsqd accepts
	DefaultDeadline time.Duration // per-attempt timeout when the envelope has none
}

// publisher is the subset of *nsq.Producer used here.
type publisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

// responder is the subset of *nsq.Message used here.
type responder interface {
	Finish()
	Requeue(delay time.Duration)
}

type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Relay struct {
	cfg    Config
	pub    publisher
	client doer
	signer *auth.Signer
	logger *logging.Logger
	now    func() time.Time
}

type Option func(*Relay)

// WithSigner attaches a bearer token to callbacks of tasks that name an
// OIDC service account.
func WithSigner(s *auth.Signer) Option {
	return func(r *Relay) { r.signer = s }
}

func New(cfg Config, pub publisher, client doer, logger *logging.Logger, opts ...Option) *Relay {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{10 * time.Second}
	}
	if cfg.MaxDefer <= 0 {
		cfg.MaxDefer = time.Hour
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 30 * time.Minute
	}
	r := &Relay{cfg: cfg, pub: pub, client: client, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handler returns the NSQ handler for one topic.
func (r *Relay) Handler(topic string) nsq.Handler {
	return nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse() // we manually requeue or finish
		r.handle(context.Background(), topic, m.Body, m)
		if !m.HasResponded() {
			r.logger.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
		return nil
	})
}

func (r *Relay) handle(ctx context.Context, topic string, body []byte, m responder) {
	var env broker.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		r.logger.Plain().WithQueue(topic).WithError(err).Error("bad task envelope")
		metrics.RecordRelayDelivery("malformed", 0)
		m.Finish() // terminal: don't retry bad envelopes
		return
	}

	if due := env.Due(); due.After(r.now()) {
		r.defer_(ctx, topic, env, due.Sub(r.now()), m)
		return
	}

	ctx = tracing.ExtractTrace(ctx, env.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "relay.delivery",
		attribute.String("task.id", env.TaskID),
		attribute.String("task.queue", env.Queue),
		attribute.String("task.url", env.URL),
		attribute.Int("attempt", env.Attempt),
	)
	defer span.End()
	log := r.logger.WithContext(ctx).WithTask(env.TaskID).WithQueue(env.Queue)

	start := r.now()
	status, doErr := r.deliver(ctx, env)
	latency := r.now().Sub(start)
	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	if doErr == nil && status >= 200 && status < 300 {
		tracing.AddSpanEvent(ctx, "delivery.success")
		metrics.RecordRelayDelivery("delivered", latency)
		log.WithField("status", status).WithField("latency_ms", latency.Milliseconds()).Debug("task delivered")
		m.Finish()
		return
	}

	reason := classifyReason(doErr, status)
	attempt := env.Attempt + 1
	span.SetAttributes(attribute.String("failure_reason", reason))
	tracing.AddSpanEvent(ctx, "delivery.failed")
	if doErr != nil {
		tracing.SetSpanError(ctx, doErr)
	}
	metrics.RecordRelayDelivery("failed", latency)
	metrics.RecordRelayRetry(reason)

	if attempt >= r.cfg.MaxAttempts {
		r.deadLetter(ctx, env, attempt, status, doErr, log)
		m.Finish() // drop from main topic
		return
	}

	delay := min(computeDelay(attempt, r.cfg.Backoff, r.cfg.JitterPct), r.cfg.MaxDefer)
	tracing.AddSpanEvent(ctx, "delivery.requeue",
		attribute.Int("attempt", attempt),
		attribute.String("delay", delay.String()),
	)
	log.WithFields(map[string]any{
		"attempt": attempt,
		"delay":   delay.String(),
		"status":  status,
		"reason":  reason,
	}).Info("requeue task")

	env.Attempt = attempt
	env.ScheduleTime = ""
	if err := r.republish(topic, env, delay); err != nil {
		// the original message keeps its old attempt count
		log.WithError(err).Warn("republish failed, requeueing original message")
		m.Requeue(delay)
		return
	}
	m.Finish()
}

// defer_ holds a message until its schedule time, one MaxDefer hop at a time.
func (r *Relay) defer_(ctx context.Context, topic string, env broker.Envelope, wait time.Duration, m responder) {
	delay := min(wait, r.cfg.MaxDefer)
	r.logger.WithContext(ctx).WithTask(env.TaskID).WithQueue(topic).
		WithField("delay", delay.String()).Debug("task not due yet")
	if err := r.republish(topic, env, delay); err != nil {
		m.Requeue(delay)
		return
	}
	metrics.RecordRelayDelivery("deferred", 0)
	m.Finish()
}

func (r *Relay) republish(topic string, env broker.Envelope, delay time.Duration) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.pub.DeferredPublish(topic, delay, b)
}

func (r *Relay) deliver(ctx context.Context, env broker.Envelope) (int, error) {
	deadline := env.DispatchDeadline()
	if deadline <= 0 {
		deadline = r.cfg.DefaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	method := env.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, env.URL, bytes.NewReader(env.Body))
	if err != nil {
		return 0, err
	}
	for k, v := range env.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(broker.QueueNameHeader, env.Queue)
	req.Header.Set(broker.TaskNameHeader, env.TaskID)
	req.Header.Set(broker.RetryCountHeader, strconv.Itoa(env.Attempt))
	tracing.InjectHTTP(ctx, req.Header)

	if r.signer != nil && env.OIDCServiceAccount != "" {
		aud := env.OIDCAudience
		if aud == "" {
			aud = env.URL
		}
		token, err := r.signer.Sign(aud, env.OIDCServiceAccount, 5*time.Minute)
		if err != nil {
			return 0, fmt.Errorf("sign callback token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func (r *Relay) deadLetter(ctx context.Context, env broker.Envelope, attempt, status int, doErr error, log *logging.LogEntry) {
	reason := fmt.Sprintf("max attempts reached (%d)", attempt)
	tracing.AddSpanEvent(ctx, "delivery.dlq", attribute.Int("attempt", attempt))
	metrics.RecordRelayDLQ()
	log.WithFields(map[string]any{
		"attempt": attempt,
		"status":  status,
	}).WithError(doErr).Error("task dead-lettered")

	if !r.cfg.PublishDLQ || r.cfg.DLQTopic == "" {
		return
	}
	b, err := json.Marshal(broker.NewDeadLetter(env, attempt, status, errString(doErr), reason))
	if err != nil {
		log.WithError(err).Error("dlq marshal failed")
		return
	}
	if err := r.pub.Publish(r.cfg.DLQTopic, b); err != nil {
		log.WithError(err).Error("dlq publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", r.cfg.DLQTopic))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var randFloat = rand.Float64

func computeDelay(attempt int, schedule []time.Duration, jitterPct float64) time.Duration {
	// attempt is 1-based after increment; map to schedule index
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	// jitter: +/- jitterPct
	j := 1 + (randFloat()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
