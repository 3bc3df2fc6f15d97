// ABOUTME: Prometheus collectors for the gateway
// ABOUTME: Connections, registrations, breaker state, event delivery, and handshake rejections

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netra_connections_active",
		Help: "WebSocket connections currently held by this instance",
	})

	Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netra_registrations_total",
		Help: "Connection registrations by outcome",
	}, []string{"outcome"})

	RegistryCASRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netra_registry_cas_retries_total",
		Help: "Compare-and-swap conflicts retried by the registry",
	})

	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netra_registry_breaker_state",
		Help: "Registry circuit breaker state (0 closed, 1 half-open, 2 open)",
	})

	StoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netra_store_operation_duration_seconds",
		Help:    "Backing store call latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
	}, []string{"op"})

	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netra_events_total",
		Help: "Agent events by kind and delivery result",
	}, []string{"kind", "result"})

	DeliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netra_delivery_retries_total",
		Help: "Event send attempts retried after a transient failure",
	})

	HandshakeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netra_handshake_rejections_total",
		Help: "Rejected handshakes by classification",
	}, []string{"classification"})
)
