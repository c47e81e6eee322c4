// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gochat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gochat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Realtime metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gochat_connections_active",
			Help: "Live realtime connections",
		},
	)

	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gochat_users_online",
			Help: "Users holding at least one live connection",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gochat_auth_failures_total",
			Help: "Connections rejected during identity verification",
		},
	)

	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gochat_inbound_events_total",
			Help: "Client events received, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gochat_events_delivered_total",
			Help: "Events accepted by a connection send buffer",
		},
		[]string{"kind"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gochat_events_dropped_total",
			Help: "Events not accepted by a stale or saturated connection",
		},
		[]string{"kind"},
	)

	// Durable write path
	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gochat_persist_failures_total",
			Help: "Messages delivered in realtime but not stored",
		},
	)

	PersistLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gochat_persist_latency_seconds",
			Help:    "Durable append latency",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	ResolverFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gochat_resolver_failures_total",
			Help: "Membership lookups that failed and degraded to an empty target set",
		},
	)
)
