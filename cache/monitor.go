package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/saiset-co/sai-cache/types"
)

const (
	monitorTopKeys     = 10
	coldKeyMinRequests = 5
	coldKeyHitRate     = 0.2
)

var latencyBuckets = []float64{0.0001, 0.001, 0.01, 0.1, 1.0}

// Monitor wraps a CacheManager and observes every operation passing through
// it. Counters go both to the process-wide metrics manager (prometheus) and
// to a local per-key table backing GetDetailedMetrics.
type Monitor struct {
	impl    types.CacheManager
	metrics types.MetricsManager

	mu     sync.Mutex
	hits   uint64
	misses uint64
	errors uint64
	ops    uint64
	latSum time.Duration
	latMax time.Duration
	perKey map[string]*keyCounters
}

type keyCounters struct {
	hits    uint64
	misses  uint64
	lastHit time.Time
}

func NewMonitor(impl types.CacheManager, metrics types.MetricsManager) *Monitor {
	return &Monitor{
		impl:    impl,
		metrics: metrics,
		perKey:  make(map[string]*keyCounters),
	}
}

func (mo *Monitor) Get(ctx context.Context, key string, opts *types.GetOptions) (interface{}, bool, error) {
	start := time.Now()
	value, found, err := mo.impl.Get(ctx, key, opts)
	mo.record("get", key, time.Since(start), found, err)
	return value, found, err
}

func (mo *Monitor) Set(ctx context.Context, key string, value interface{}, pol types.Policy, opts *types.SetOptions) error {
	start := time.Now()
	err := mo.impl.Set(ctx, key, value, pol, opts)
	mo.recordWrite("set", time.Since(start), err)
	return err
}

func (mo *Monitor) Delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	removed, err := mo.impl.Delete(ctx, key)
	mo.recordWrite("delete", time.Since(start), err)
	return removed, err
}

func (mo *Monitor) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	start := time.Now()
	count, err := mo.impl.InvalidateByTag(ctx, tag)
	mo.recordWrite("invalidate_tag", time.Since(start), err)
	return count, err
}

func (mo *Monitor) InvalidateByDependency(ctx context.Context, dependency string) (int, error) {
	start := time.Now()
	count, err := mo.impl.InvalidateByDependency(ctx, dependency)
	mo.recordWrite("invalidate_dependency", time.Since(start), err)
	return count, err
}

func (mo *Monitor) Clear(ctx context.Context, pattern string) (int, error) {
	start := time.Now()
	count, err := mo.impl.Clear(ctx, pattern)
	mo.recordWrite("clear", time.Since(start), err)
	return count, err
}

func (mo *Monitor) GetStats() types.CacheStats {
	return mo.impl.GetStats()
}

func (mo *Monitor) Start() error    { return mo.impl.Start() }
func (mo *Monitor) Stop() error     { return mo.impl.Stop() }
func (mo *Monitor) IsRunning() bool { return mo.impl.IsRunning() }

func (mo *Monitor) GetMetrics() types.MonitorMetrics {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	return mo.summaryLocked()
}

func (mo *Monitor) GetDetailedMetrics() types.DetailedMetrics {
	mo.mu.Lock()
	defer mo.mu.Unlock()

	keys := make(map[string]types.KeyMetrics, len(mo.perKey))
	all := make([]types.KeyMetrics, 0, len(mo.perKey))
	for key, kc := range mo.perKey {
		km := types.KeyMetrics{
			Key:     key,
			Hits:    kc.hits,
			Misses:  kc.misses,
			LastHit: kc.lastHit,
		}
		if total := kc.hits + kc.misses; total > 0 {
			km.HitRate = float64(kc.hits) / float64(total)
		}
		keys[key] = km
		all = append(all, km)
	}

	return types.DetailedMetrics{
		Summary:   mo.summaryLocked(),
		Keys:      keys,
		HotKeys:   hotKeys(all),
		ColdKeys:  coldKeys(all),
		Providers: mo.impl.GetStats().Providers,
	}
}

func (mo *Monitor) ResetMetrics() {
	mo.mu.Lock()
	defer mo.mu.Unlock()

	mo.hits, mo.misses, mo.errors, mo.ops = 0, 0, 0, 0
	mo.latSum, mo.latMax = 0, 0
	mo.perKey = make(map[string]*keyCounters)
}

func (mo *Monitor) record(operation, key string, elapsed time.Duration, found bool, err error) {
	result := "hit"
	switch {
	case err != nil:
		result = "error"
	case !found:
		result = "miss"
	}

	mo.observe(operation, result, elapsed)

	mo.mu.Lock()
	defer mo.mu.Unlock()

	mo.ops++
	mo.latSum += elapsed
	if elapsed > mo.latMax {
		mo.latMax = elapsed
	}

	kc := mo.perKey[key]
	if kc == nil {
		kc = &keyCounters{}
		mo.perKey[key] = kc
	}

	switch result {
	case "hit":
		mo.hits++
		kc.hits++
		kc.lastHit = time.Now()
	case "miss":
		mo.misses++
		kc.misses++
	case "error":
		mo.errors++
	}
}

func (mo *Monitor) recordWrite(operation string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}

	mo.observe(operation, result, elapsed)

	mo.mu.Lock()
	defer mo.mu.Unlock()

	mo.ops++
	mo.latSum += elapsed
	if elapsed > mo.latMax {
		mo.latMax = elapsed
	}
	if err != nil {
		mo.errors++
	}
}

func (mo *Monitor) observe(operation, result string, elapsed time.Duration) {
	if mo.metrics == nil {
		return
	}

	mo.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	mo.metrics.Histogram("cache_operation_duration_seconds", latencyBuckets, map[string]string{
		"operation": operation,
	}).Observe(elapsed.Seconds())
}

func (mo *Monitor) summaryLocked() types.MonitorMetrics {
	summary := types.MonitorMetrics{
		Hits:       mo.hits,
		Misses:     mo.misses,
		Errors:     mo.errors,
		Operations: mo.ops,
		MaxLatency: mo.latMax,
	}
	if lookups := mo.hits + mo.misses; lookups > 0 {
		summary.HitRate = float64(mo.hits) / float64(lookups)
	}
	if mo.ops > 0 {
		summary.AvgLatency = mo.latSum / time.Duration(mo.ops)
	}
	return summary
}

func hotKeys(all []types.KeyMetrics) []types.KeyMetrics {
	sorted := append([]types.KeyMetrics(nil), all...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Hits > sorted[j].Hits
	})
	if len(sorted) > monitorTopKeys {
		sorted = sorted[:monitorTopKeys]
	}
	return sorted
}

func coldKeys(all []types.KeyMetrics) []types.KeyMetrics {
	cold := make([]types.KeyMetrics, 0)
	for _, km := range all {
		if km.Hits+km.Misses >= coldKeyMinRequests && km.HitRate <= coldKeyHitRate {
			cold = append(cold, km)
		}
	}
	sort.Slice(cold, func(i, j int) bool {
		return cold[i].HitRate < cold[j].HitRate
	})
	if len(cold) > monitorTopKeys {
		cold = cold[:monitorTopKeys]
	}
	return cold
}
