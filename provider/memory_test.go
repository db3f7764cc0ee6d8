package provider

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/types"
)

func newMemory(t *testing.T, config map[string]interface{}) types.CacheProvider {
	t.Helper()

	p, err := NewMemoryProvider(context.Background(), logger.NewNopLogger(), &types.TierConfig{
		Type:   "memory",
		Config: config,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start())

	t.Cleanup(func() {
		if p.IsRunning() {
			require.NoError(t, p.Stop())
		}
	})

	return p
}

func memEntry(key string, ttl time.Duration) *types.CacheEntry {
	return types.Policy{TTL: ttl}.NewEntry(key, "value:"+key, time.Now())
}

func TestMemorySetGet(t *testing.T) {
	p := newMemory(t, nil)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, memEntry("a", time.Minute)))

	entry, found, err := p.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "value:a", entry.Value)

	_, found, err = p.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemorySetRejectsEmptyKey(t *testing.T) {
	p := newMemory(t, nil)

	err := p.Set(context.Background(), &types.CacheEntry{})
	assert.ErrorIs(t, err, types.ErrCacheKeyEmpty)
}

func TestMemoryExpiry(t *testing.T) {
	p := newMemory(t, nil)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, memEntry("short", 40*time.Millisecond)))

	_, found, err := p.Get(ctx, "short")
	require.NoError(t, err)
	require.True(t, found)

	time.Sleep(60 * time.Millisecond)

	// Expired entries are removed lazily on read.
	_, found, err = p.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemorySetIgnoresDeadEntries(t *testing.T) {
	p := newMemory(t, nil)
	ctx := context.Background()

	expired := types.Policy{TTL: time.Minute}.NewEntry("dead", "v", time.Now().Add(-2*time.Minute))
	require.NoError(t, p.Set(ctx, expired))

	_, found, err := p.Get(ctx, "dead")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStaleEntriesHeldThroughWindow(t *testing.T) {
	p := newMemory(t, nil)
	ctx := context.Background()

	pol := types.Policy{
		TTL:                  20 * time.Millisecond,
		StaleWhileRevalidate: true,
		StaleTTL:             10 * time.Second,
	}
	require.NoError(t, p.Set(ctx, pol.NewEntry("stale", "v", time.Now())))

	time.Sleep(40 * time.Millisecond)

	// Past ExpiresAt but inside the stale window: the tier must keep it.
	entry, found, err := p.Get(ctx, "stale")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, entry.IsFresh(time.Now()))
	assert.True(t, entry.IsStaleServable(time.Now()))
}

func TestMemoryLRUEviction(t *testing.T) {
	p := newMemory(t, map[string]interface{}{"max_entries": 3})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, p.Set(ctx, memEntry(fmt.Sprintf("k%d", i), time.Minute)))
	}

	// Touch k1 so k2 becomes the least recently used.
	_, found, err := p.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, p.Set(ctx, memEntry("k4", time.Minute)))

	_, found, err = p.Get(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, found, "least recently used entry must be evicted")

	for _, key := range []string{"k1", "k3", "k4"} {
		_, found, err = p.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found, "%s must survive eviction", key)
	}
}

func TestMemoryDeleteIdempotent(t *testing.T) {
	p := newMemory(t, nil)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, memEntry("a", time.Minute)))

	removed, err := p.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = p.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestMemoryClearAndKeys(t *testing.T) {
	p := newMemory(t, nil)
	ctx := context.Background()

	for _, key := range []string{"user:1", "user:2", "order:1"} {
		require.NoError(t, p.Set(ctx, memEntry(key, time.Minute)))
	}

	keys, err := p.Keys(ctx, "user:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:1", "user:2"}, keys)

	removed, err := p.Clear(ctx, "user:*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	keys, err = p.Keys(ctx, "*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"order:1"}, keys)

	_, err = p.Keys(ctx, "")
	assert.ErrorIs(t, err, types.ErrInvalidPattern)
	_, err = p.Clear(ctx, "")
	assert.ErrorIs(t, err, types.ErrInvalidPattern)
}

func TestMemoryClearCountsOnlyLiveEntries(t *testing.T) {
	p := newMemory(t, nil)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, memEntry("user:live", time.Minute)))
	require.NoError(t, p.Set(ctx, memEntry("user:dead", 20*time.Millisecond)))

	time.Sleep(40 * time.Millisecond)

	// The expired entry is dropped with the sweep but not counted, matching
	// what Keys reports for the same pattern.
	removed, err := p.Clear(ctx, "user:*")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	keys, err := p.Keys(ctx, "user:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryCleanup(t *testing.T) {
	p := newMemory(t, nil).(*MemoryProvider)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, memEntry("keep", time.Minute)))
	require.NoError(t, p.Set(ctx, memEntry("drop1", 20*time.Millisecond)))
	require.NoError(t, p.Set(ctx, memEntry("drop2", 20*time.Millisecond)))

	time.Sleep(40 * time.Millisecond)

	assert.Equal(t, 2, p.Cleanup())
	assert.Zero(t, p.Cleanup())

	_, found, err := p.Get(ctx, "keep")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMemoryLifecycle(t *testing.T) {
	p, err := NewMemoryProvider(context.Background(), logger.NewNopLogger(), &types.TierConfig{Type: "memory"}, nil)
	require.NoError(t, err)

	assert.False(t, p.IsRunning())
	require.NoError(t, p.Start())
	assert.True(t, p.IsRunning())
	assert.ErrorIs(t, p.Start(), types.ErrComponentAlreadyRunning)

	require.NoError(t, p.Set(context.Background(), memEntry("a", time.Minute)))

	require.NoError(t, p.Stop())
	assert.False(t, p.IsRunning())
	assert.ErrorIs(t, p.Stop(), types.ErrComponentNotRunning)

	// Stop drops all entries.
	_, found, err := p.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, found)
}
