package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-cache/policy"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type ManagerState int32

const (
	ManagerStateStopped ManagerState = iota
	ManagerStateStarting
	ManagerStateRunning
	ManagerStateStopping
)

const DefaultFetchTimeout = 10 * time.Second

// Manager composes the ordered provider tiers into one logical cache.
// It owns the invalidation index and the in-flight table; providers own
// only raw entry storage.
type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	config          *types.CacheConfig
	providers       []types.CacheProvider
	timeouts        []time.Duration
	policies        *policy.Registry
	index           *invalidationIndex
	fetches         inflight
	refreshes       inflight
	events          types.EventBroker
	hits            uint64
	misses          uint64
	errors          uint64
	tierStats       []*tierCounters
	state           atomic.Value
	background      sync.WaitGroup
	shutdownTimeout time.Duration
}

type tierCounters struct {
	hits         uint64
	misses       uint64
	errors       uint64
	ops          uint64
	latencyNanos uint64
}

func NewManager(ctx context.Context, logger types.Logger, config *types.CacheConfig, providers []types.CacheProvider, policies *policy.Registry, events types.EventBroker) (*Manager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}
	if !config.Enabled {
		return nil, types.ErrCacheIsDisabled
	}
	if len(providers) == 0 {
		return nil, types.ErrNoProviders
	}

	managerCtx, cancel := context.WithCancel(ctx)

	timeouts := make([]time.Duration, len(providers))
	for i := range providers {
		if i < len(config.Tiers) {
			timeouts[i] = config.Tiers[i].Timeout
		}
	}

	tierStats := make([]*tierCounters, len(providers))
	for i := range tierStats {
		tierStats[i] = &tierCounters{}
	}

	m := &Manager{
		ctx:             managerCtx,
		cancel:          cancel,
		logger:          logger,
		config:          config,
		providers:       providers,
		timeouts:        timeouts,
		policies:        policies,
		index:           newInvalidationIndex(),
		events:          events,
		tierStats:       tierStats,
		shutdownTimeout: 10 * time.Second,
	}

	m.state.Store(ManagerStateStopped)

	return m, nil
}

// Get walks the tiers fastest first. A hit in a slower tier backfills the
// faster ones with the TTL remaining; a stale-servable hit returns the old
// value and triggers at most one detached refresh; a full miss invokes the
// fetch exactly once no matter how many callers race on the key.
func (m *Manager) Get(ctx context.Context, key string, opts *types.GetOptions) (interface{}, bool, error) {
	if key == "" {
		return nil, false, types.ErrCacheKeyEmpty
	}

	pol, err := m.resolvePolicy(opts)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	tiersFailed := 0

	for i := range m.providers {
		entry, found, tierErr := m.tierGet(ctx, i, key)
		if tierErr != nil {
			tiersFailed++
			continue
		}
		if !found {
			continue
		}

		if entry.IsFresh(now) {
			atomic.AddUint64(&m.hits, 1)
			m.backfill(i, entry)
			return entry.Value, true, nil
		}

		if entry.IsStaleServable(now) {
			atomic.AddUint64(&m.hits, 1)
			// Stale entries backfill too; until the refresh lands, every
			// request would otherwise re-read the slow tier.
			m.backfill(i, entry)
			if opts != nil && opts.Fetch != nil {
				m.triggerRefresh(key, pol, opts)
			}
			return entry.Value, true, nil
		}
		// Past the stale window in this tier; a deeper tier may still hold
		// a servable copy.
	}

	atomic.AddUint64(&m.misses, 1)

	if opts == nil || opts.Fetch == nil {
		if tiersFailed == len(m.providers) {
			return nil, false, types.ErrCacheUnavailable
		}
		return nil, false, nil
	}

	value, err := m.fetches.Do(m.ctx, key, m.fetchTimeout(opts), func(fetchCtx context.Context) (interface{}, error) {
		result, fetchErr := opts.Fetch(fetchCtx)
		if fetchErr != nil {
			return nil, fetchErr
		}

		entry := m.buildEntry(key, result, pol, opts.Tags, opts.Dependencies)
		if writeErr := m.writeThrough(entry); writeErr != nil {
			m.logger.Error("Failed to populate cache after fetch",
				zap.String("key", key), zap.Error(writeErr))
		}

		return result, nil
	})
	if err != nil {
		return nil, false, err
	}

	return value, true, nil
}

// Set writes through every tier and updates the invalidation index. Any
// pending in-flight outcome for the key is superseded.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, pol types.Policy, opts *types.SetOptions) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	var tags, deps []string
	if opts != nil {
		tags, deps = opts.Tags, opts.Dependencies
	}

	entry := m.buildEntry(key, value, pol, tags, deps)
	if err := m.writeThrough(entry); err != nil {
		return err
	}

	m.fetches.Forget(key)
	return nil
}

func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, types.ErrCacheKeyEmpty
	}

	removed := m.deleteEverywhere(ctx, key)
	m.index.RemoveKey(key)
	m.fetches.Forget(key)

	if removed {
		m.publish(types.EventInvalidateKey, &types.InvalidationEvent{
			Kind: "key", Subject: key, Keys: []string{key}, Count: 1,
		})
	}

	return removed, nil
}

// InvalidateByTag deletes every member of the tag bucket from all tiers.
// An unknown tag is not an error and yields zero.
func (m *Manager) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	keys := m.index.TakeTag(tag)
	for _, key := range keys {
		m.deleteEverywhere(ctx, key)
		m.fetches.Forget(key)
	}

	if len(keys) > 0 {
		m.publish(types.EventInvalidateTag, &types.InvalidationEvent{
			Kind: "tag", Subject: tag, Keys: keys, Count: len(keys),
		})
	}

	return len(keys), nil
}

func (m *Manager) InvalidateByDependency(ctx context.Context, dependency string) (int, error) {
	keys := m.index.TakeDependency(dependency)
	for _, key := range keys {
		m.deleteEverywhere(ctx, key)
		m.fetches.Forget(key)
	}

	if len(keys) > 0 {
		m.publish(types.EventInvalidateDependency, &types.InvalidationEvent{
			Kind: "dependency", Subject: dependency, Keys: keys, Count: len(keys),
		})
	}

	return len(keys), nil
}

// Clear removes every key matching the glob pattern from all tiers and
// returns the number of distinct keys removed.
func (m *Manager) Clear(ctx context.Context, pattern string) (int, error) {
	matcher, err := utils.CompilePattern(pattern)
	if err != nil {
		return 0, err
	}

	removed := make(map[string]struct{})
	for i, p := range m.providers {
		tierCtx, cancel := m.tierContext(ctx, i)
		keys, keysErr := p.Keys(tierCtx, pattern)
		cancel()
		if keysErr != nil {
			m.recordTierError(i, keysErr, "keys")
			continue
		}
		for _, key := range keys {
			removed[key] = struct{}{}
		}

		tierCtx, cancel = m.tierContext(ctx, i)
		_, clearErr := p.Clear(tierCtx, pattern)
		cancel()
		if clearErr != nil {
			m.recordTierError(i, clearErr, "clear")
		}
	}

	for _, key := range m.index.RemoveMatched(matcher) {
		removed[key] = struct{}{}
		m.fetches.Forget(key)
	}

	if len(removed) > 0 {
		m.publish(types.EventClearPattern, &types.InvalidationEvent{
			Kind: "pattern", Subject: pattern, Count: len(removed),
		})
	}

	return len(removed), nil
}

// ApplyRemoteInvalidation applies an invalidation that originated on a
// peer instance. It mirrors Delete/InvalidateByTag/InvalidateByDependency/
// Clear but never republishes, so peers do not echo events back and forth.
func (m *Manager) ApplyRemoteInvalidation(ctx context.Context, event *types.InvalidationEvent) error {
	switch event.Kind {
	case "key":
		m.deleteEverywhere(ctx, event.Subject)
		m.index.RemoveKey(event.Subject)
		m.fetches.Forget(event.Subject)
	case "tag":
		for _, key := range m.index.TakeTag(event.Subject) {
			m.deleteEverywhere(ctx, key)
			m.fetches.Forget(key)
		}
	case "dependency":
		for _, key := range m.index.TakeDependency(event.Subject) {
			m.deleteEverywhere(ctx, key)
			m.fetches.Forget(key)
		}
	case "pattern":
		matcher, err := utils.CompilePattern(event.Subject)
		if err != nil {
			return err
		}
		for i, p := range m.providers {
			tierCtx, cancel := m.tierContext(ctx, i)
			_, clearErr := p.Clear(tierCtx, event.Subject)
			cancel()
			if clearErr != nil {
				m.recordTierError(i, clearErr, "clear")
			}
		}
		for _, key := range m.index.RemoveMatched(matcher) {
			m.fetches.Forget(key)
		}
	default:
		return types.NewErrorf("unknown invalidation kind: %s", event.Kind)
	}

	return nil
}

func (m *Manager) GetStats() types.CacheStats {
	stats := types.CacheStats{
		Hits:      atomic.LoadUint64(&m.hits),
		Misses:    atomic.LoadUint64(&m.misses),
		Errors:    atomic.LoadUint64(&m.errors),
		Size:      m.index.Size(),
		Providers: make(map[string]types.ProviderStats, len(m.providers)),
	}

	for i, p := range m.providers {
		tc := m.tierStats[i]
		ps := types.ProviderStats{
			Hits:         atomic.LoadUint64(&tc.hits),
			Misses:       atomic.LoadUint64(&tc.misses),
			Errors:       atomic.LoadUint64(&tc.errors),
			TotalLatency: time.Duration(atomic.LoadUint64(&tc.latencyNanos)),
		}
		if ops := atomic.LoadUint64(&tc.ops); ops > 0 {
			ps.AverageLatency = ps.TotalLatency / time.Duration(ops)
		}
		stats.Providers[p.Name()] = ps
	}

	return stats
}

// PruneIndex drops index bookkeeping for keys no longer present in any
// tier. Wired to the maintenance scheduler.
func (m *Manager) PruneIndex(ctx context.Context) int {
	live := make(map[string]struct{})
	for i, p := range m.providers {
		tierCtx, cancel := m.tierContext(ctx, i)
		keys, err := p.Keys(tierCtx, "*")
		cancel()
		if err != nil {
			m.recordTierError(i, err, "keys")
			// Without a full key listing from every tier, pruning could
			// drop bookkeeping for live entries.
			return 0
		}
		for _, key := range keys {
			live[key] = struct{}{}
		}
	}

	pruned := m.index.Retain(live)
	if pruned > 0 {
		m.logger.Debug("Invalidation index pruned", zap.Int("keys", pruned))
	}
	return pruned
}

func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(ManagerStateStopped, ManagerStateStarting) {
		return types.ErrComponentAlreadyRunning
	}

	for i, p := range m.providers {
		if err := p.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := m.providers[j].Stop(); stopErr != nil {
					m.logger.Error("Failed to stop provider during rollback",
						zap.String("provider", m.providers[j].Name()), zap.Error(stopErr))
				}
			}
			m.state.Store(ManagerStateStopped)
			return types.WrapError(err, "failed to start provider "+p.Name())
		}
	}

	m.state.Store(ManagerStateRunning)
	m.logger.Info("Cache manager started", zap.Int("tiers", len(m.providers)))
	return nil
}

// Stop closes providers in reverse tier order after draining background
// backfills and refreshes.
func (m *Manager) Stop() error {
	if !m.state.CompareAndSwap(ManagerStateRunning, ManagerStateStopping) {
		return types.ErrComponentNotRunning
	}

	defer func() {
		m.state.Store(ManagerStateStopped)
	}()

	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			m.background.Wait()
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-gCtx.Done():
			return gCtx.Err()
		}
	})

	if err := g.Wait(); err != nil {
		m.logger.Warn("Background cache work did not drain before shutdown")
	}

	var stopErr error
	for i := len(m.providers) - 1; i >= 0; i-- {
		if err := m.providers[i].Stop(); err != nil {
			m.logger.Error("Failed to stop provider",
				zap.String("provider", m.providers[i].Name()), zap.Error(err))
			stopErr = err
		}
	}

	m.logger.Info("Cache manager stopped")
	return stopErr
}

func (m *Manager) IsRunning() bool {
	return m.state.Load().(ManagerState) == ManagerStateRunning
}

func (m *Manager) resolvePolicy(opts *types.GetOptions) (types.Policy, error) {
	if opts != nil {
		if opts.Policy != nil {
			return *opts.Policy, nil
		}
		if opts.PolicyName != "" {
			return m.policies.Get(opts.PolicyName)
		}
	}
	return m.policies.Default(), nil
}

func (m *Manager) fetchTimeout(opts *types.GetOptions) time.Duration {
	if opts != nil && opts.FetchTimeout > 0 {
		return opts.FetchTimeout
	}
	if m.config.FetchTimeout > 0 {
		return m.config.FetchTimeout
	}
	return DefaultFetchTimeout
}

func (m *Manager) buildEntry(key string, value interface{}, pol types.Policy, tags, deps []string) *types.CacheEntry {
	entry := pol.NewEntry(key, value, time.Now())

	if pol.EntityTag && strings.Contains(key, ":") {
		tags = append(append([]string(nil), tags...), "entity:"+key)
	}

	entry.Tags = tags
	entry.Dependencies = deps
	return entry
}

// writeThrough stores the entry in every tier and pairs the write with the
// index update. It fails only when no tier accepted the entry.
func (m *Manager) writeThrough(entry *types.CacheEntry) error {
	m.index.Track(entry.Key, entry.Tags, entry.Dependencies)

	stored := 0
	for i, p := range m.providers {
		tierCtx, cancel := m.tierContext(m.ctx, i)
		err := p.Set(tierCtx, entry)
		cancel()
		if err != nil {
			m.recordTierError(i, err, "set")
			continue
		}
		stored++
	}

	if stored == 0 {
		m.index.RemoveKey(entry.Key)
		return types.ErrCacheUnavailable
	}

	return nil
}

func (m *Manager) tierGet(ctx context.Context, i int, key string) (*types.CacheEntry, bool, error) {
	p := m.providers[i]
	tc := m.tierStats[i]

	tierCtx, cancel := m.tierContext(ctx, i)
	defer cancel()

	start := time.Now()
	entry, found, err := p.Get(tierCtx, key)
	elapsed := time.Since(start)

	atomic.AddUint64(&tc.ops, 1)
	atomic.AddUint64(&tc.latencyNanos, uint64(elapsed))

	if err != nil {
		// A failing tier degrades to a miss; the walk continues below it.
		m.recordTierError(i, err, "get")
		return nil, false, err
	}

	if found {
		atomic.AddUint64(&tc.hits, 1)
	} else {
		atomic.AddUint64(&tc.misses, 1)
	}

	return entry, found, nil
}

// backfill copies a slower-tier hit into all faster tiers, detached from
// the caller. The entry keeps its deadlines so every tier expires together.
func (m *Manager) backfill(hitTier int, entry *types.CacheEntry) {
	if hitTier == 0 {
		return
	}

	m.background.Add(1)
	go func() {
		defer m.background.Done()

		for i := 0; i < hitTier; i++ {
			tierCtx, cancel := m.tierContext(m.ctx, i)
			err := m.providers[i].Set(tierCtx, entry)
			cancel()
			if err != nil {
				m.recordTierError(i, err, "backfill")
			}
		}
	}()
}

// triggerRefresh starts a detached refresh for a stale-servable key. The
// refresh group guarantees at most one per key; a failed refresh leaves the
// stale entry in place until its window ends.
func (m *Manager) triggerRefresh(key string, pol types.Policy, opts *types.GetOptions) {
	if !pol.BackgroundRefresh && !pol.StaleWhileRevalidate {
		return
	}

	fetch := opts.Fetch
	tags := opts.Tags
	deps := opts.Dependencies
	timeout := m.fetchTimeout(opts)

	m.background.Add(1)
	go func() {
		defer m.background.Done()

		_, err := m.refreshes.Do(m.ctx, key, timeout, func(fetchCtx context.Context) (interface{}, error) {
			result, fetchErr := fetch(fetchCtx)
			if fetchErr != nil {
				return nil, fetchErr
			}

			entry := m.buildEntry(key, result, pol, tags, deps)
			return result, m.writeThrough(entry)
		})
		if err != nil {
			m.logger.Warn("Background refresh failed",
				zap.String("key", key), zap.Error(err))
		}
	}()
}

func (m *Manager) deleteEverywhere(ctx context.Context, key string) bool {
	removed := false
	for i, p := range m.providers {
		tierCtx, cancel := m.tierContext(ctx, i)
		ok, err := p.Delete(tierCtx, key)
		cancel()
		if err != nil {
			m.recordTierError(i, err, "delete")
			continue
		}
		removed = removed || ok
	}
	return removed
}

func (m *Manager) tierContext(ctx context.Context, i int) (context.Context, context.CancelFunc) {
	if m.timeouts[i] > 0 {
		return context.WithTimeout(ctx, m.timeouts[i])
	}
	return context.WithCancel(ctx)
}

func (m *Manager) recordTierError(i int, err error, operation string) {
	atomic.AddUint64(&m.errors, 1)
	atomic.AddUint64(&m.tierStats[i].errors, 1)
	m.logger.Warn("Cache provider operation failed",
		zap.String("provider", m.providers[i].Name()),
		zap.String("operation", operation),
		zap.Error(err))
}

func (m *Manager) publish(event string, payload *types.InvalidationEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(event, payload); err != nil {
		m.logger.Warn("Failed to publish cache event",
			zap.String("event", event), zap.Error(err))
	}
}
