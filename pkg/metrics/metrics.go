// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks local API request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncd_request_duration_seconds",
			Help:    "Local API request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total local API requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_requests_total",
			Help: "Total local API requests",
		},
		[]string{"method", "path", "status"},
	)

	// FetchTotal counts REST fetches by resource and outcome.
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_fetch_total",
			Help: "REST fetches issued by the synchronizers",
		},
		[]string{"resource", "outcome"},
	)

	// FetchDuration tracks REST call latency.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_fetch_duration_seconds",
			Help:    "REST call duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
		},
		[]string{"resource"},
	)

	// PushEventsTotal counts push events received over the duplex channel.
	PushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_push_events_total",
			Help: "Push events delivered by the remote channel",
		},
		[]string{"event"},
	)

	// ChannelReconnects counts reconnect attempts.
	ChannelReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_channel_reconnects_total",
			Help: "Remote channel reconnect attempts",
		},
	)

	// ChannelState is 0 disconnected, 1 connecting, 2 connected.
	ChannelState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_channel_state",
			Help: "Remote channel connection state",
		},
	)

	// PollTicks counts polling callbacks that actually ran.
	PollTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_poll_ticks_total",
			Help: "Polling callbacks executed",
		},
		[]string{"resource"},
	)

	// UnreadNotifications mirrors the notification badge.
	UnreadNotifications = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_unread_notifications",
			Help: "Unread notifications in the authoritative list",
		},
	)

	// OptimisticRollbacks counts optimistic mutations undone after a server failure.
	OptimisticRollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_optimistic_rollbacks_total",
			Help: "Optimistic local mutations rolled back",
		},
		[]string{"op"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

// RecordRequest records metrics for a local API request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordFetch records the outcome and latency of one REST call.
func RecordFetch(resource, outcome string, duration float64) {
	FetchTotal.WithLabelValues(resource, outcome).Inc()
	FetchDuration.WithLabelValues(resource).Observe(duration)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
