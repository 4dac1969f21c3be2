package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_requests_latency_seconds",
			Help:    "Latency of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Import
	ImportRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_import_rows_total",
			Help: "Imported spreadsheet rows by result",
		},
		[]string{"result"}, // success|failure
	)

	// Reviews
	ReviewsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_evidence_reviews_total",
			Help: "Evidence reviews by outcome",
		},
		[]string{"evidence_status"},
	)

	// Notification outbox
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_notifications_total",
			Help: "Notification delivery attempts by kind and result",
		},
		[]string{"kind", "result"}, // sent|failed|dead
	)
	NotificationBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_notification_backlog",
			Help: "Notifications claimed in the last dispatcher batch",
		},
	)
)

// Handler serves /metrics.
var Handler = promhttp.Handler

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestLatency)
	prometheus.MustRegister(ImportRowsTotal)
	prometheus.MustRegister(ReviewsTotal)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(NotificationBacklog)
}
