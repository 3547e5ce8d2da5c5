package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HansOlavAarvik/BCH-server/errors"
)

func TestNewRegistryPreRegistersIngestMetrics(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.Ingest)

	// Core vectors must be usable immediately
	r.Ingest.MalformedPackets.WithLabelValues("truncated").Inc()
	r.Ingest.SequenceGaps.WithLabelValues("stm001", "vibration").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.Ingest.MalformedPackets.WithLabelValues("truncated")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.Ingest.SequenceGaps.WithLabelValues("stm001", "vibration")))
}

func TestRegisterCounterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_a"})
	require.NoError(t, r.RegisterCounter("udp_input", "test", c1))

	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_b"})
	err := r.RegisterCounter("udp_input", "test", c2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegisterRejectsPrometheusConflict(t *testing.T) {
	r := NewRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "conflicting_name"})
	require.NoError(t, r.RegisterCounter("a", "first", c1))

	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "conflicting_name"})
	err := r.RegisterCounter("b", "second", c2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge"})
	require.NoError(t, r.RegisterGauge("reassembler", "depth", g))

	assert.True(t, r.Unregister("reassembler", "depth"))
	assert.False(t, r.Unregister("reassembler", "depth"))

	// Name is free again after unregistration
	g2 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge"})
	assert.NoError(t, r.RegisterGauge("reassembler", "depth", g2))
}

func TestIsolatedRegistries(t *testing.T) {
	r1 := NewRegistry()
	r2 := NewRegistry()

	r1.Ingest.ActiveDevices.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(r1.Ingest.ActiveDevices))
	assert.Equal(t, 0.0, testutil.ToFloat64(r2.Ingest.ActiveDevices))
}
