package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/types"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	return NewMonitor(newTestManager(t), nil)
}

func TestMonitorCountsHitsAndMisses(t *testing.T) {
	mo := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, mo.Set(ctx, "m:1", "v", fixedPolicy(time.Minute), nil))

	for i := 0; i < 3; i++ {
		_, found, err := mo.Get(ctx, "m:1", nil)
		require.NoError(t, err)
		require.True(t, found)
	}
	_, found, err := mo.Get(ctx, "m:absent", nil)
	require.NoError(t, err)
	require.False(t, found)

	metrics := mo.GetMetrics()
	assert.EqualValues(t, 3, metrics.Hits)
	assert.EqualValues(t, 1, metrics.Misses)
	assert.EqualValues(t, 0, metrics.Errors)
	assert.EqualValues(t, 5, metrics.Operations, "the write counts as an operation too")
	assert.InDelta(t, 0.75, metrics.HitRate, 0.001)
	assert.GreaterOrEqual(t, metrics.MaxLatency, metrics.AvgLatency)
}

func TestMonitorCountsErrors(t *testing.T) {
	mo := newTestMonitor(t)
	ctx := context.Background()

	_, _, err := mo.Get(ctx, "", nil)
	require.Error(t, err)
	_, err = mo.Clear(ctx, "")
	require.Error(t, err)

	metrics := mo.GetMetrics()
	assert.EqualValues(t, 2, metrics.Errors)
	assert.EqualValues(t, 0, metrics.Hits)
	assert.EqualValues(t, 0, metrics.Misses)
}

func TestMonitorDetailedMetrics(t *testing.T) {
	mo := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, mo.Set(ctx, "hot", "v", fixedPolicy(time.Minute), nil))
	for i := 0; i < 8; i++ {
		_, _, err := mo.Get(ctx, "hot", nil)
		require.NoError(t, err)
	}

	// A key that is requested often but almost never hits.
	require.NoError(t, mo.Set(ctx, "cold", "v", fixedPolicy(time.Minute), nil))
	_, _, err := mo.Get(ctx, "cold", nil)
	require.NoError(t, err)
	_, err = mo.Delete(ctx, "cold")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, _, err := mo.Get(ctx, "cold", nil)
		require.NoError(t, err)
	}

	detailed := mo.GetDetailedMetrics()

	require.NotEmpty(t, detailed.HotKeys)
	assert.Equal(t, "hot", detailed.HotKeys[0].Key)
	assert.EqualValues(t, 8, detailed.HotKeys[0].Hits)

	require.Len(t, detailed.ColdKeys, 1)
	assert.Equal(t, "cold", detailed.ColdKeys[0].Key)
	assert.LessOrEqual(t, detailed.ColdKeys[0].HitRate, 0.2)

	km, ok := detailed.Keys["hot"]
	require.True(t, ok)
	assert.EqualValues(t, 8, km.Hits)
	assert.False(t, km.LastHit.IsZero())

	assert.Contains(t, detailed.Providers, "memory")
}

func TestMonitorReset(t *testing.T) {
	mo := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, mo.Set(ctx, "r:1", "v", fixedPolicy(time.Minute), nil))
	_, _, err := mo.Get(ctx, "r:1", nil)
	require.NoError(t, err)

	mo.ResetMetrics()

	metrics := mo.GetMetrics()
	assert.Zero(t, metrics.Hits)
	assert.Zero(t, metrics.Operations)
	assert.Empty(t, mo.GetDetailedMetrics().Keys)

	// Resetting observation does not touch cached data.
	_, found, err := mo.Get(ctx, "r:1", nil)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMonitorDelegatesBehavior(t *testing.T) {
	mo := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, mo.Set(ctx, "d:1", "v", fixedPolicy(time.Minute), &types.SetOptions{Tags: []string{"dt"}}))

	count, err := mo.InvalidateByTag(ctx, "dt")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	removed, err := mo.Delete(ctx, "d:1")
	require.NoError(t, err)
	assert.False(t, removed)

	assert.True(t, mo.IsRunning())
	assert.Contains(t, mo.GetStats().Providers, "memory")
}
