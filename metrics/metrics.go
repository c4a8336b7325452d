// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var LeadsScoredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "leads_scored_total",
		Help: "Total number of tracked sessions scored, by alert tier",
	},
	[]string{"tier"},
)

var LeadScore = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "lead_score",
		Help:    "Distribution of lead scores",
		Buckets: []float64{20, 40, 60, 80, 100},
	},
)

var NotificationsAttemptedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notifications_attempted_total",
		Help: "Total number of notifications attempted",
	},
	[]string{"channel", "status", "provider"},
)

var NotificationSendDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "notification_send_duration_seconds",
		Help:    "Time taken to send notifications via external providers",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"provider", "channel"},
)

var NotificationRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notification_retries_total",
		Help: "Total number of notification retries",
	},
	[]string{"reason", "channel"},
)

var NotificationDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notification_dropped_total",
		Help: "Total number of notifications abandoned without delivery",
	},
	[]string{"reason", "channel"},
)

var RetryQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "notification_retry_queue_depth",
		Help: "Notifications waiting for redelivery",
	},
)

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var HTTPRateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "http_rate_limit_rejections_total",
		Help: "Total number of HTTP requests rejected due to rate limiting",
	},
)

// Init registers every collector with the default registry. Call it once from main.
func Init() {
	prometheus.MustRegister(
		LeadsScoredTotal,
		LeadScore,
		NotificationsAttemptedTotal,
		NotificationSendDuration,
		NotificationRetriesTotal,
		NotificationDroppedTotal,
		RetryQueueDepth,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPRateLimitRejectionsTotal,
	)
}
