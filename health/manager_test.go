package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/types"
)

func newTestHealth(t *testing.T, config *types.HealthConfig) *Manager {
	t.Helper()

	hm := NewManager(logger.NewNopLogger(), "test-service", "1.0.0", config)
	require.NoError(t, hm.Start())
	t.Cleanup(func() {
		if hm.IsRunning() {
			require.NoError(t, hm.Stop())
		}
	})
	return hm
}

func healthyChecker(name string) types.HealthChecker {
	return func(_ context.Context) types.HealthCheck {
		return types.HealthCheck{Name: name, Status: types.StatusHealthy}
	}
}

func TestHealthAllHealthy(t *testing.T) {
	hm := newTestHealth(t, nil)
	hm.RegisterChecker("a", healthyChecker("a"))
	hm.RegisterChecker("b", healthyChecker("b"))

	report := hm.Check(context.Background())

	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Equal(t, 2, report.Summary.Total)
	assert.Equal(t, 2, report.Summary.Healthy)
	assert.Equal(t, "test-service", report.Service.Name)
	assert.Equal(t, "1.0.0", report.Service.Version)
	assert.Len(t, report.Checks, 2)

	check := report.Checks["a"]
	assert.Equal(t, "a", check.Name)
	assert.False(t, check.LastCheck.IsZero())
}

func TestHealthUnhealthyDominates(t *testing.T) {
	hm := newTestHealth(t, nil)
	hm.RegisterChecker("ok", healthyChecker("ok"))
	hm.RegisterChecker("broken", func(_ context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnhealthy, Message: "connection refused"}
	})
	hm.RegisterChecker("odd", func(_ context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnknown}
	})

	report := hm.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, 1, report.Summary.Healthy)
	assert.Equal(t, 1, report.Summary.Unhealthy)
	assert.Equal(t, 1, report.Summary.Unknown)
}

func TestHealthUnknownWithoutUnhealthy(t *testing.T) {
	hm := newTestHealth(t, nil)
	hm.RegisterChecker("ok", healthyChecker("ok"))
	hm.RegisterChecker("odd", func(_ context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnknown}
	})

	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusUnknown, report.Status)
}

func TestHealthSlowCheckerTimesOut(t *testing.T) {
	hm := newTestHealth(t, &types.HealthConfig{Enabled: true, Timeout: 50 * time.Millisecond})
	hm.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	start := time.Now()
	report := hm.Check(context.Background())

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, types.StatusUnknown, report.Status)
	assert.Equal(t, types.ErrHealthCheckTimeout.Error(), report.Checks["slow"].Message)
}

func TestHealthPanickingChecker(t *testing.T) {
	hm := newTestHealth(t, nil)
	hm.RegisterChecker("panics", func(_ context.Context) types.HealthCheck {
		panic("boom")
	})
	hm.RegisterChecker("ok", healthyChecker("ok"))

	report := hm.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, "checker panicked", report.Checks["panics"].Message)
	assert.Equal(t, types.StatusHealthy, report.Checks["ok"].Status)
}

func TestHealthNoCheckers(t *testing.T) {
	hm := newTestHealth(t, nil)

	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Zero(t, report.Summary.Total)
}

func TestHealthLifecycle(t *testing.T) {
	hm := NewManager(logger.NewNopLogger(), "svc", "1", nil)

	assert.False(t, hm.IsRunning())
	require.NoError(t, hm.Start())
	assert.ErrorIs(t, hm.Start(), types.ErrComponentAlreadyRunning)
	require.NoError(t, hm.Stop())
	assert.ErrorIs(t, hm.Stop(), types.ErrComponentNotRunning)
}
