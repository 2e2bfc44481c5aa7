// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdh_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdh_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Realtime metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sdh_ws_connections",
			Help: "Open websocket connections",
		},
	)

	PresentUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sdh_present_users",
			Help: "Users with at least one live connection",
		},
	)

	PresenceBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdh_presence_broadcasts_total",
			Help: "Presence change notifications issued",
		},
		[]string{"state"},
	)

	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdh_submissions_total",
			Help: "Message submissions by outcome",
		},
		[]string{"outcome"}, // "ok", "duplicate", "validation", "not_found", "persistence"
	)

	Deliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sdh_deliveries_total",
			Help: "Envelopes enqueued to live connections",
		},
	)

	DroppedDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sdh_dropped_deliveries_total",
			Help: "Envelopes dropped because a connection queue was full or closing",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdh_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"surface"}, // "ws" or "http"
	)
)
