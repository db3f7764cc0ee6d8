package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/types"
)

func TestRegistryPresets(t *testing.T) {
	r := NewRegistry()

	static, err := r.Get(PolicyStatic)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, static.TTL)
	assert.False(t, static.StaleWhileRevalidate)

	dynamic, err := r.Get(PolicyDynamic)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, dynamic.TTL)
	assert.True(t, dynamic.StaleWhileRevalidate)
	assert.True(t, dynamic.BackgroundRefresh)

	entity, err := r.Get(PolicyEntity)
	require.NoError(t, err)
	assert.True(t, entity.EntityTag)

	micro, err := r.Get(PolicyMicro)
	require.NoError(t, err)
	assert.True(t, micro.HardTTL)
	assert.Equal(t, 10*time.Second, micro.TTL)

	// The dynamic preset is the initial fallback.
	assert.Equal(t, PolicyDynamic, r.Default().Name)
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("nope")
	assert.ErrorIs(t, err, types.ErrUnknownPolicy)
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	custom := types.Policy{TTL: time.Minute, HardTTL: true}
	require.NoError(t, r.Register("sessions", custom))

	got, err := r.Get("sessions")
	require.NoError(t, err)
	assert.Equal(t, "sessions", got.Name)
	assert.Equal(t, time.Minute, got.TTL)

	assert.ErrorIs(t, r.Register("sessions", custom), types.ErrPolicyExists)
	assert.ErrorIs(t, r.Register(PolicyStatic, custom), types.ErrPolicyExists)
	assert.ErrorIs(t, r.Register("", custom), types.ErrUnknownPolicy)
}

func TestRegistryCustomOverrides(t *testing.T) {
	r := NewRegistry()

	ttl := 42 * time.Second
	hard := true
	p := r.Custom(types.PolicyOverrides{TTL: &ttl, HardTTL: &hard})

	assert.Empty(t, p.Name)
	assert.Equal(t, ttl, p.TTL)
	assert.True(t, p.HardTTL)
	// Untouched fields keep the fallback's values.
	assert.True(t, p.StaleWhileRevalidate)
	assert.Equal(t, 5*time.Minute, p.StaleTTL)
}

func TestRegistrySetDefault(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.SetDefault(PolicyStatic))
	assert.Equal(t, PolicyStatic, r.Default().Name)

	assert.ErrorIs(t, r.SetDefault("missing"), types.ErrUnknownPolicy)
	assert.Equal(t, PolicyStatic, r.Default().Name)
}

func TestRegistryFromConfig(t *testing.T) {
	r := NewRegistry()

	err := r.FromConfig(&types.CacheConfig{
		DefaultPolicy: "catalog",
		Policies: map[string]*types.PolicyConfig{
			"catalog": {
				TTL:                  time.Hour,
				StaleWhileRevalidate: true,
				StaleTTL:             10 * time.Minute,
			},
		},
	})
	require.NoError(t, err)

	got, err := r.Get("catalog")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, got.TTL)

	assert.Equal(t, "catalog", r.Default().Name)
}

func TestRegistryFromConfigRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	err := r.FromConfig(&types.CacheConfig{
		Policies: map[string]*types.PolicyConfig{
			PolicyUser: {TTL: time.Minute},
		},
	})
	assert.ErrorIs(t, err, types.ErrPolicyExists)
}

func TestPolicyNewEntry(t *testing.T) {
	now := time.Now()

	p := types.Policy{
		TTL:                  time.Minute,
		StaleWhileRevalidate: true,
		StaleTTL:             30 * time.Second,
	}
	entry := p.NewEntry("k", "v", now)

	assert.Equal(t, now.Add(time.Minute), entry.ExpiresAt)
	assert.Equal(t, now.Add(90*time.Second), entry.StaleUntil)
	assert.True(t, entry.IsFresh(now))
	assert.False(t, entry.IsFresh(now.Add(2*time.Minute)))
	assert.True(t, entry.IsStaleServable(now.Add(70*time.Second)))
	assert.False(t, entry.IsStaleServable(now.Add(2*time.Minute)))
	assert.Equal(t, entry.StaleUntil, entry.StorageDeadline())
}

func TestPolicyNewEntryHardTTL(t *testing.T) {
	now := time.Now()

	p := types.Policy{
		TTL:                  time.Minute,
		HardTTL:              true,
		StaleWhileRevalidate: true,
		StaleTTL:             time.Hour,
	}
	entry := p.NewEntry("k", "v", now)

	// Hard TTL suppresses the stale window entirely.
	assert.True(t, entry.StaleUntil.IsZero())
	assert.False(t, entry.IsStaleServable(now.Add(61*time.Second)))
	assert.Equal(t, entry.ExpiresAt, entry.StorageDeadline())
	assert.Equal(t, time.Duration(0), entry.RemainingTTL(now.Add(2*time.Minute)))
	assert.Equal(t, 30*time.Second, entry.RemainingTTL(now.Add(30*time.Second)))
}
