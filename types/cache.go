package types

import (
	"context"
	"time"
)

// CacheProvider is a single storage tier. Providers own raw entry storage
// only; tag/dependency bookkeeping and miss coalescing live in the manager.
type CacheProvider interface {
	LifecycleManager
	Name() string
	Get(ctx context.Context, key string) (*CacheEntry, bool, error)
	Set(ctx context.Context, entry *CacheEntry) error
	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, pattern string) (int, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}

type CacheProviderCreator func(config interface{}) (CacheProvider, error)

// CacheManager composes an ordered list of providers (fastest first) into
// one logical cache with read-through, write-through and batch invalidation.
type CacheManager interface {
	LifecycleManager
	Get(ctx context.Context, key string, opts *GetOptions) (interface{}, bool, error)
	Set(ctx context.Context, key string, value interface{}, policy Policy, opts *SetOptions) error
	Delete(ctx context.Context, key string) (bool, error)
	InvalidateByTag(ctx context.Context, tag string) (int, error)
	InvalidateByDependency(ctx context.Context, dependency string) (int, error)
	Clear(ctx context.Context, pattern string) (int, error)
	GetStats() CacheStats
}

// FetchFunc loads the value for a key on a cache miss. It is invoked at most
// once per miss episode regardless of how many callers are waiting.
type FetchFunc func(ctx context.Context) (interface{}, error)

type GetOptions struct {
	Fetch        FetchFunc
	FetchTimeout time.Duration
	Policy       *Policy
	PolicyName   string
	Tags         []string
	Dependencies []string
}

type SetOptions struct {
	Tags         []string
	Dependencies []string
}

type CacheEntry struct {
	Key          string      `json:"key"`
	Value        interface{} `json:"value"`
	Tags         []string    `json:"tags,omitempty"`
	Dependencies []string    `json:"dependencies,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
	StaleUntil   time.Time   `json:"stale_until,omitempty"`
	HardTTL      bool        `json:"hard_ttl"`
}

func (e *CacheEntry) IsFresh(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.Before(e.ExpiresAt)
}

// IsStaleServable reports whether an expired entry may still be served
// under stale-while-revalidate. Hard-TTL entries are never servable stale.
func (e *CacheEntry) IsStaleServable(now time.Time) bool {
	if e.HardTTL || e.StaleUntil.IsZero() {
		return false
	}
	return !now.Before(e.ExpiresAt) && !now.After(e.StaleUntil)
}

// StorageDeadline is the point at which a tier must stop holding the entry:
// the hard expiry for hard-TTL entries, otherwise the end of the stale window.
func (e *CacheEntry) StorageDeadline() time.Time {
	if !e.HardTTL && !e.StaleUntil.IsZero() {
		return e.StaleUntil
	}
	return e.ExpiresAt
}

// RemainingTTL is the storage TTL left on the entry, used when backfilling
// faster tiers so every tier drops its copy at the same moment.
func (e *CacheEntry) RemainingTTL(now time.Time) time.Duration {
	d := e.StorageDeadline().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Policy is an immutable TTL/staleness bundle attached to entries at write
// time. Applying a policy never has side effects beyond expiry computation
// and background refresh scheduling.
type Policy struct {
	Name                 string        `json:"name,omitempty"`
	TTL                  time.Duration `json:"ttl"`
	HardTTL              bool          `json:"hard_ttl"`
	StaleWhileRevalidate bool          `json:"stale_while_revalidate"`
	BackgroundRefresh    bool          `json:"background_refresh"`
	StaleTTL             time.Duration `json:"stale_ttl"`
	EntityTag            bool          `json:"entity_tag"`
}

// NewEntry stamps a fresh entry from the policy. StaleUntil is only set when
// the policy allows serving past ExpiresAt.
func (p Policy) NewEntry(key string, value interface{}, now time.Time) *CacheEntry {
	entry := &CacheEntry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(p.TTL),
		HardTTL:   p.HardTTL,
	}
	if p.StaleWhileRevalidate && !p.HardTTL && p.StaleTTL > 0 {
		entry.StaleUntil = entry.ExpiresAt.Add(p.StaleTTL)
	}
	return entry
}

type PolicyRegistry interface {
	Get(name string) (Policy, error)
	Register(name string, policy Policy) error
	Custom(overrides PolicyOverrides) Policy
}

// PolicyOverrides builds an ad-hoc policy on top of the registry default.
// Nil fields keep the default's value.
type PolicyOverrides struct {
	TTL                  *time.Duration
	HardTTL              *bool
	StaleWhileRevalidate *bool
	BackgroundRefresh    *bool
	StaleTTL             *time.Duration
}

type CacheStats struct {
	Hits      uint64                   `json:"hits"`
	Misses    uint64                   `json:"misses"`
	Errors    uint64                   `json:"errors"`
	Size      int                      `json:"size"`
	Providers map[string]ProviderStats `json:"providers"`
}

type ProviderStats struct {
	Hits           uint64        `json:"hits"`
	Misses         uint64        `json:"misses"`
	Errors         uint64        `json:"errors"`
	TotalLatency   time.Duration `json:"total_latency"`
	AverageLatency time.Duration `json:"average_latency"`
}

// CacheMonitor decorates a CacheManager with per-key and per-provider
// observation without changing cache behavior.
type CacheMonitor interface {
	CacheManager
	GetMetrics() MonitorMetrics
	GetDetailedMetrics() DetailedMetrics
	ResetMetrics()
}

type MonitorMetrics struct {
	Hits       uint64        `json:"hits"`
	Misses     uint64        `json:"misses"`
	Errors     uint64        `json:"errors"`
	HitRate    float64       `json:"hit_rate"`
	Operations uint64        `json:"operations"`
	AvgLatency time.Duration `json:"avg_latency"`
	MaxLatency time.Duration `json:"max_latency"`
}

type DetailedMetrics struct {
	Summary   MonitorMetrics           `json:"summary"`
	Keys      map[string]KeyMetrics    `json:"keys"`
	HotKeys   []KeyMetrics             `json:"hot_keys"`
	ColdKeys  []KeyMetrics             `json:"cold_keys"`
	Providers map[string]ProviderStats `json:"providers"`
}

type KeyMetrics struct {
	Key     string    `json:"key"`
	Hits    uint64    `json:"hits"`
	Misses  uint64    `json:"misses"`
	HitRate float64   `json:"hit_rate"`
	LastHit time.Time `json:"last_hit"`
}
