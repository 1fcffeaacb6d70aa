package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhook_tasks_enqueued_total",
			Help: "Total number of tasks enqueued by queue and mode.",
		},
		[]string{"queue", "mode"}, // mode: broker, local
	)

	EnqueueRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhook_enqueue_retries_total",
			Help: "Total number of broker submissions retried after a deadline error.",
		},
	)

	EnqueueFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhook_enqueue_failures_total",
			Help: "Total number of failed enqueue calls by reason.",
		},
		[]string{"reason"}, // configuration, encode, deadline, broker, task
	)

	TaskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhook_task_runs_total",
			Help: "Total number of task executions by kind and status.",
		},
		[]string{"kind", "status"}, // kind: cron, async, local
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskhook_task_duration_seconds",
			Help:    "Wall-clock duration of task executions.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"kind"},
	)

	HandlerRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhook_handler_rejections_total",
			Help: "Total number of inbound task requests rejected as untrusted.",
		},
		[]string{"kind"},
	)

	RelayDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhook_relay_deliveries_total",
			Help: "Total number of relay callback attempts by status.",
		},
		[]string{"status"}, // delivered, failed, deferred
	)

	RelayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskhook_relay_latency_seconds",
			Help:    "Latency of relay callbacks to task handlers.",
			Buckets: prometheus.DefBuckets,
		},
	)

	RelayRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhook_relay_retries_total",
			Help: "Total number of relay retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	RelayDLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhook_relay_dlq_total",
			Help: "Total number of tasks moved to the dead letter topic.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskhook_nsq_topic_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

// MustRegister registers every collector on reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		TasksEnqueuedTotal,
		EnqueueRetriesTotal,
		EnqueueFailuresTotal,
		TaskRunsTotal,
		TaskDuration,
		HandlerRejectionsTotal,
		RelayDeliveriesTotal,
		RelayLatency,
		RelayRetriesTotal,
		RelayDLQTotal,
		NSQTopicDepth,
	)
}

func RecordEnqueued(queue, mode string) {
	TasksEnqueuedTotal.WithLabelValues(queue, mode).Inc()
}

func RecordEnqueueRetry() {
	EnqueueRetriesTotal.Inc()
}

func RecordEnqueueFailure(reason string) {
	EnqueueFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordTaskRun records one execution; status is "ok" or "error".
func RecordTaskRun(kind, status string, d time.Duration) {
	TaskRunsTotal.WithLabelValues(kind, status).Inc()
	TaskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func RecordRejection(kind string) {
	HandlerRejectionsTotal.WithLabelValues(kind).Inc()
}

func RecordRelayDelivery(status string, latency time.Duration) {
	RelayDeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		RelayLatency.Observe(latency.Seconds())
	}
}

func RecordRelayRetry(reason string) {
	RelayRetriesTotal.WithLabelValues(reason).Inc()
}

func RecordRelayDLQ() {
	RelayDLQTotal.Inc()
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
