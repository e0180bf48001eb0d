package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Registered("orders")
	m.Registered("orders")
	m.Expired("orders")
	m.HealthCheck("http", false, 20*time.Millisecond)
	m.Selection("orders", "round_robin")
	m.SetInstanceCounts(map[string]int{"healthy": 3, "starting": 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.registrations.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.expirations.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.healthChecks.WithLabelValues("http", "failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.instances.WithLabelValues("healthy")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Registered("a")
		m.Deregistered("a")
		m.Heartbeat()
		m.HealthCheck("tcp", true, time.Millisecond)
		m.HealthTransition("healthy")
		m.CircuitTransition("open")
		m.Selection("a", "random")
		m.Discovery("ok")
		m.CacheHit()
		m.CacheMiss()
		m.SetMonitored(1)
		m.SetInstanceCounts(nil)
	}, "nil指标不应panic")
}
