// ABOUTME: Tests for the Prometheus collectors
// ABOUTME: Checks registration with the default gatherer

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegistered(t *testing.T) {
	Events.WithLabelValues("agent_started", "delivered").Inc()
	Registrations.WithLabelValues("installed").Inc()
	HandshakeRejections.WithLabelValues("missing").Inc()
	StoreDuration.WithLabelValues("get").Observe(0.002)

	for _, name := range []string{
		"netra_connections_active",
		"netra_registrations_total",
		"netra_registry_breaker_state",
		"netra_store_operation_duration_seconds",
		"netra_events_total",
		"netra_handshake_rejections_total",
	} {
		n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, name)
		require.NoError(t, err, name)
		assert.Positive(t, n, name)
	}
}

func TestEventsCounter(t *testing.T) {
	c := Events.WithLabelValues("agent_thinking", "rate_limited")
	before := testutil.ToFloat64(c)
	c.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}
