package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "loghive",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// EventsIngestedTotal counts events accepted by the ingest front.
var EventsIngestedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loghive",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Ingested events by outcome (accepted, rejected, backpressure).",
	},
	[]string{"outcome"},
)

// QueueDepth samples the per-project queue depth seen by the storage worker.
var QueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "loghive",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Total queued log events across projects at last worker sweep.",
	},
)

// WorkerFlushDuration tracks storage worker flush latency.
var WorkerFlushDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "loghive",
		Subsystem: "storage",
		Name:      "flush_duration_seconds",
		Help:      "Storage worker batch flush duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
)

// WorkerEventsTotal counts events by persistence outcome.
var WorkerEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loghive",
		Subsystem: "storage",
		Name:      "events_total",
		Help:      "Events handled by the storage worker (persisted, dead_letter, decode_failed).",
	},
	[]string{"outcome"},
)

// NotificationsDroppedTotal counts SSE notifications dropped on full client buffers.
var NotificationsDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "loghive",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notifications dropped because a subscriber buffer was full.",
	},
)

// RateLimitedTotal counts rejected requests per window kind.
var RateLimitedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loghive",
		Subsystem: "gate",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	},
	[]string{"window"},
)

// NewMetricsRegistry creates a Prometheus registry with default and custom collectors.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
		EventsIngestedTotal,
		QueueDepth,
		WorkerFlushDuration,
		WorkerEventsTotal,
		NotificationsDroppedTotal,
		RateLimitedTotal,
	)
	return reg
}
