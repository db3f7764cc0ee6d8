package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

func newTestMetrics(t *testing.T) types.MetricsManager {
	t.Helper()

	m, err := NewMetricsManager(logger.NewNopLogger(), &types.MetricsConfig{
		Enabled: true,
		Type:    "prometheus",
		Config: map[string]interface{}{
			"namespace":         "test_cache",
			"enable_go_metrics": false,
		},
	})
	require.NoError(t, err)
	require.NoError(t, m.Start())

	t.Cleanup(func() {
		if m.IsRunning() {
			require.NoError(t, m.Stop())
		}
	})

	return m
}

func TestMetricsManagerDisabled(t *testing.T) {
	_, err := NewMetricsManager(logger.NewNopLogger(), nil)
	assert.ErrorIs(t, err, types.ErrMetricsIsDisabled)

	_, err = NewMetricsManager(logger.NewNopLogger(), &types.MetricsConfig{Enabled: false})
	assert.ErrorIs(t, err, types.ErrMetricsIsDisabled)
}

func TestMetricsManagerUnknownType(t *testing.T) {
	_, err := NewMetricsManager(logger.NewNopLogger(), &types.MetricsConfig{Enabled: true, Type: "statsd"})
	assert.ErrorIs(t, err, types.ErrMetricsTypeUnknown)
}

func TestMetricsCounter(t *testing.T) {
	m := newTestMetrics(t)

	c := m.Counter("requests_total", map[string]string{"operation": "get"})
	c.Inc()
	c.Add(2)

	// The same name with different labels shares the vector.
	m.Counter("requests_total", map[string]string{"operation": "set"}).Inc()

	exposed, err := m.Expose()
	require.NoError(t, err)
	text := string(exposed)
	assert.Contains(t, text, `test_cache_requests_total{operation="get"} 3`)
	assert.Contains(t, text, `test_cache_requests_total{operation="set"} 1`)
}

func TestMetricsGauge(t *testing.T) {
	m := newTestMetrics(t)

	g := m.Gauge("queue_depth", map[string]string{"queue": "events"})
	g.Set(10)
	g.Inc()
	g.Dec()

	exposed, err := m.Expose()
	require.NoError(t, err)
	assert.Contains(t, string(exposed), `test_cache_queue_depth{queue="events"} 10`)
}

func TestMetricsHistogram(t *testing.T) {
	m := newTestMetrics(t)

	h := m.Histogram("op_duration_seconds", []float64{0.01, 0.1, 1}, map[string]string{"operation": "get"})
	h.Observe(0.005)
	h.Observe(0.5)

	exposed, err := m.Expose()
	require.NoError(t, err)
	text := string(exposed)
	assert.Contains(t, text, "test_cache_op_duration_seconds_bucket")
	assert.Contains(t, text, `test_cache_op_duration_seconds_count{operation="get"} 2`)
}

func TestMetricsJSONSnapshot(t *testing.T) {
	m := newTestMetrics(t)

	m.Counter("snapshot_total", map[string]string{"kind": "a"}).Inc()

	raw, err := m.GetMetrics()
	require.NoError(t, err)

	var snapshot []map[string]interface{}
	require.NoError(t, utils.Unmarshal(raw, &snapshot))

	found := false
	for _, family := range snapshot {
		if name, ok := family["name"].(string); ok && strings.Contains(name, "snapshot_total") {
			found = true
		}
	}
	assert.True(t, found, "snapshot must contain the registered metric family")
}
