package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhook_tasks_total",
			Help: "Total number of tasks dispatched by delivery mode.",
		},
		[]string{"mode"}, // blocking, non_blocking
	)

	TaskEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhook_task_events_total",
			Help: "Total number of task events durably recorded, by kind and writer.",
		},
		[]string{"kind", "source"}, // kind: accepted|progress|completed|failed; source: executor|receiver
	)

	DuplicateEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhook_duplicate_events_total",
			Help: "Total number of event writes suppressed by the idempotency guard.",
		},
		[]string{"kind", "source"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayhook_dispatch_duration_seconds",
			Help:    "Duration of task dispatch from resolution to return, by mode.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	ForwardFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhook_forward_failures_total",
			Help: "Total number of forwarding failures by classified reason.",
		},
		[]string{"reason"}, // e.g. transport, rejection, timeout, resolution
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhook_webhook_deliveries_total",
			Help: "Total number of inbound webhook deliveries by disposition.",
		},
		[]string{"disposition"}, // recorded, duplicate, ignored, rejected, unknown
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhook_notifications_total",
			Help: "Total number of caller notification deliveries by status.",
		},
		[]string{"status"}, // delivered, failed, dead, skipped
	)

	NotificationLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relayhook_notification_latency_seconds",
			Help:    "Latency of caller notification HTTP deliveries.",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhook_retries_total",
			Help: "Total number of notification retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhook_dlq_total",
			Help: "Total number of notifications moved to DLQ by reason.",
		},
		[]string{"reason"},
	)

	NotifierBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayhook_notifier_backlog",
			Help: "Notifications currently in flight in this notifier process.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayhook_nsq_topic_depth",
			Help: "Queued message depth per NSQ topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		TasksTotal,
		TaskEventsTotal,
		DuplicateEventsTotal,
		DispatchDuration,
		ForwardFailuresTotal,
		WebhookDeliveriesTotal,
		NotificationsTotal,
		NotificationLatencySeconds,
		RetriesTotal,
		DLQTotal,
		NotifierBacklog,
		NSQTopicDepth,
	)
}

// RecordTask counts a dispatched task by mode.
func RecordTask(mode string) {
	TasksTotal.WithLabelValues(mode).Inc()
}

// RecordTaskEvent counts a durably recorded event.
func RecordTaskEvent(kind, source string) {
	TaskEventsTotal.WithLabelValues(kind, source).Inc()
}

// RecordDuplicateEvent counts a write suppressed by the idempotency guard.
func RecordDuplicateEvent(kind, source string) {
	DuplicateEventsTotal.WithLabelValues(kind, source).Inc()
}

// ObserveDispatch records how long a dispatch took.
func ObserveDispatch(mode string, d time.Duration) {
	DispatchDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordForwardFailure counts a forwarding failure by classified reason.
func RecordForwardFailure(reason string) {
	ForwardFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordWebhookDelivery counts an inbound webhook delivery by disposition.
func RecordWebhookDelivery(disposition string) {
	WebhookDeliveriesTotal.WithLabelValues(disposition).Inc()
}

// RecordNotification counts a caller notification outcome and its latency.
func RecordNotification(status string, d time.Duration) {
	NotificationsTotal.WithLabelValues(status).Inc()
	NotificationLatencySeconds.Observe(d.Seconds())
}

// RecordRetry counts a notification retry by reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDLQ counts a notification moved to the DLQ.
func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

// UpdateNotifierBacklog sets the in-flight notification gauge.
func UpdateNotifierBacklog(count float64) {
	NotifierBacklog.Set(count)
}

// UpdateNSQTopicDepth sets the queued depth gauge for a topic/channel pair.
func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
