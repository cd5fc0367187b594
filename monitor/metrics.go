package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmbridge_requests_total",
			Help: "Total number of completion requests",
		},
		[]string{"model", "mode", "outcome"},
	)

	metricRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lmbridge_request_duration_seconds",
			Help:    "Completion request latency in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"model", "mode"},
	)

	metricActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lmbridge_active_requests",
			Help: "Number of requests currently in flight",
		},
	)

	metricTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmbridge_tokens_total",
			Help: "Total tokens processed",
		},
		[]string{"model", "direction"},
	)

	// MetricConnectedTabs tracks how many browser tabs currently hold an
	// open bridge socket. The websocket handler owns this gauge.
	MetricConnectedTabs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lmbridge_connected_tabs",
			Help: "Number of connected browser tabs",
		},
	)

	// MetricQueuedRequests tracks requests parked while no tab is
	// available.
	MetricQueuedRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lmbridge_queued_requests",
			Help: "Number of requests waiting for a tab to connect",
		},
	)
)
