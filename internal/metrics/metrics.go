package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	EventsReceived    prometheus.Counter
	EventsDuplicate   prometheus.Counter
	RepliesSent       prometheus.Counter
	RepliesFailed     prometheus.Counter
	FallbackReplies   prometheus.Counter
	AIRetries         prometheus.Counter
	AIKeyRotations    prometheus.Counter
	AttachmentRetries prometheus.Counter
	ProcessingTime    prometheus.Histogram
	ActivePages       prometheus.Gauge
	ActiveRules       prometheus.Gauge
}

// NewMetrics creates new Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		EventsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auto_reply_events_received",
			Help: "Total number of inbound webhook events parsed",
		}),
		EventsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auto_reply_events_duplicate",
			Help: "Total number of redelivered events skipped by dedup",
		}),
		RepliesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auto_reply_replies_sent",
			Help: "Total number of replies delivered to the platform",
		}),
		RepliesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auto_reply_replies_failed",
			Help: "Total number of events that ended in failed status",
		}),
		FallbackReplies: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auto_reply_fallback_replies",
			Help: "Total number of replies served from rules or the generic template",
		}),
		AIRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auto_reply_ai_retries",
			Help: "Total number of retried AI provider calls",
		}),
		AIKeyRotations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auto_reply_ai_key_rotations",
			Help: "Total number of credential pool cursor advances",
		}),
		AttachmentRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auto_reply_attachment_retries",
			Help: "Total number of comment deliveries retried text-only after an attachment failure",
		}),
		ProcessingTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "auto_reply_processing_duration_seconds",
			Help:    "Time spent processing a single inbound event",
			Buckets: prometheus.DefBuckets,
		}),
		ActivePages: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "auto_reply_active_pages",
			Help: "Number of currently connected active pages",
		}),
		ActiveRules: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "auto_reply_active_rules",
			Help: "Number of currently active auto-reply rules",
		}),
	}
}
