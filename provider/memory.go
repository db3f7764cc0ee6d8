package provider

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

type MemoryConfig struct {
	MaxEntries      int    `json:"max_entries"`
	MaxMemory       uint64 `json:"max_memory"`
	CleanupInterval string `json:"cleanup_interval"`
}

// MemoryProvider is the in-process tier: bounded by entry count and total
// byte size, least-recently-used entries evicted on overflow.
type MemoryProvider struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      *MemoryConfig
	logger      types.Logger
	health      types.HealthManager
	entries     map[string]*list.Element
	lru         *list.List
	usedBytes   uint64
	evictions   uint64
	mu          sync.Mutex
	state       atomic.Value
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

type memoryItem struct {
	entry *types.CacheEntry
	size  uint64
}

func NewMemoryProvider(ctx context.Context, logger types.Logger, tier *types.TierConfig, health types.HealthManager) (types.CacheProvider, error) {
	memConfig := &MemoryConfig{
		MaxEntries:      10000,
		MaxMemory:       0,
		CleanupInterval: "1m",
	}

	if tier.Config != nil {
		err := utils.UnmarshalConfig(tier.Config, memConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory provider config")
		}
	}

	providerCtx, cancel := context.WithCancel(ctx)

	p := &MemoryProvider{
		ctx:         providerCtx,
		cancel:      cancel,
		config:      memConfig,
		logger:      logger,
		health:      health,
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	p.state.Store(MemoryStateStopped)

	return p, nil
}

func (m *MemoryProvider) Name() string {
	return "memory"
}

func (m *MemoryProvider) Get(_ context.Context, key string) (*types.CacheEntry, bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	elem, exists := m.entries[key]
	if !exists {
		return nil, false, nil
	}

	item := elem.Value.(*memoryItem)
	if !now.Before(item.entry.StorageDeadline()) {
		m.removeElementLocked(key, elem)
		return nil, false, nil
	}

	m.lru.MoveToFront(elem)
	return item.entry, true, nil
}

func (m *MemoryProvider) Set(_ context.Context, entry *types.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return types.ErrCacheKeyEmpty
	}

	now := time.Now()
	if !now.Before(entry.StorageDeadline()) {
		return nil
	}

	item := &memoryItem{entry: entry}
	if m.config.MaxMemory > 0 {
		if raw, err := utils.Marshal(entry); err == nil {
			item.size = uint64(len(raw))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, exists := m.entries[entry.Key]; exists {
		m.usedBytes -= elem.Value.(*memoryItem).size
		elem.Value = item
		m.usedBytes += item.size
		m.lru.MoveToFront(elem)
	} else {
		m.entries[entry.Key] = m.lru.PushFront(item)
		m.usedBytes += item.size
	}

	m.evictOverflowLocked()
	return nil
}

func (m *MemoryProvider) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, exists := m.entries[key]
	if !exists {
		return false, nil
	}

	m.removeElementLocked(key, elem)
	return true, nil
}

func (m *MemoryProvider) Clear(_ context.Context, pattern string) (int, error) {
	matcher, err := utils.CompilePattern(pattern)
	if err != nil {
		return 0, err
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, elem := range m.entries {
		if !matcher.Match(key) {
			continue
		}
		// Entries past their storage deadline are dropped but not counted;
		// they were already gone as far as readers are concerned.
		alive := now.Before(elem.Value.(*memoryItem).entry.StorageDeadline())
		m.removeElementLocked(key, elem)
		if alive {
			removed++
		}
	}

	return removed, nil
}

func (m *MemoryProvider) Keys(_ context.Context, pattern string) ([]string, error) {
	matcher, err := utils.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for key, elem := range m.entries {
		if !now.Before(elem.Value.(*memoryItem).entry.StorageDeadline()) {
			continue
		}
		if matcher.Match(key) {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

func (m *MemoryProvider) Start() error {
	if !m.state.CompareAndSwap(MemoryStateStopped, MemoryStateStarting) {
		return types.ErrComponentAlreadyRunning
	}

	defer func() {
		m.state.CompareAndSwap(MemoryStateStarting, MemoryStateRunning)
	}()

	if m.health != nil {
		m.health.RegisterChecker("cache_memory", m.healthCheck)
	}

	go m.startCleanupRoutine()

	m.logger.Info("Memory provider started",
		zap.Int("max_entries", m.config.MaxEntries),
		zap.Uint64("max_memory", m.config.MaxMemory))
	return nil
}

func (m *MemoryProvider) Stop() error {
	if !m.state.CompareAndSwap(MemoryStateRunning, MemoryStateStopping) {
		return types.ErrComponentNotRunning
	}

	defer func() {
		m.state.Store(MemoryStateStopped)
	}()

	m.cancel()

	select {
	case m.stopCleanup <- struct{}{}:
	case <-time.After(time.Second):
	}

	select {
	case <-m.cleanupDone:
	case <-time.After(5 * time.Second):
		m.logger.Warn("Memory provider cleanup routine stop timeout")
	}

	m.mu.Lock()
	cleared := len(m.entries)
	m.entries = make(map[string]*list.Element)
	m.lru.Init()
	m.usedBytes = 0
	m.mu.Unlock()

	m.logger.Info("Memory provider stopped", zap.Int("cleared_entries", cleared))
	return nil
}

func (m *MemoryProvider) IsRunning() bool {
	return m.state.Load().(MemoryState) == MemoryStateRunning
}

func (m *MemoryProvider) healthCheck(_ context.Context) types.HealthCheck {
	m.mu.Lock()
	size := len(m.entries)
	m.mu.Unlock()

	check := types.HealthCheck{
		Name:      "cache_memory",
		Status:    types.StatusHealthy,
		LastCheck: time.Now(),
	}
	if !m.IsRunning() {
		check.Status = types.StatusUnhealthy
		check.Message = "provider not running"
	} else if m.config.MaxEntries > 0 && size >= m.config.MaxEntries {
		check.Message = "at capacity"
	}
	return check
}

// Cleanup removes entries past their storage deadline. Exposed so the
// maintenance scheduler can trigger a sweep outside the interval.
func (m *MemoryProvider) Cleanup() int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for key, elem := range m.entries {
		if !now.Before(elem.Value.(*memoryItem).entry.StorageDeadline()) {
			m.removeElementLocked(key, elem)
			expired++
		}
	}

	return expired
}

func (m *MemoryProvider) startCleanupRoutine() {
	defer close(m.cleanupDone)

	interval, err := time.ParseDuration(m.config.CleanupInterval)
	if err != nil || interval <= 0 {
		m.logger.Warn("Invalid cleanup interval, using default 1m",
			zap.String("interval", m.config.CleanupInterval))
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			if expired := m.Cleanup(); expired > 0 {
				m.logger.Debug("Memory provider cleanup completed",
					zap.Int("expired_entries", expired))
			}
		}
	}
}

func (m *MemoryProvider) evictOverflowLocked() {
	for m.overLimitLocked() {
		back := m.lru.Back()
		if back == nil {
			return
		}
		item := back.Value.(*memoryItem)
		m.removeElementLocked(item.entry.Key, back)
		atomic.AddUint64(&m.evictions, 1)
	}
}

func (m *MemoryProvider) overLimitLocked() bool {
	if m.config.MaxEntries > 0 && len(m.entries) > m.config.MaxEntries {
		return true
	}
	if m.config.MaxMemory > 0 && m.usedBytes > m.config.MaxMemory {
		return true
	}
	return false
}

func (m *MemoryProvider) removeElementLocked(key string, elem *list.Element) {
	m.usedBytes -= elem.Value.(*memoryItem).size
	m.lru.Remove(elem)
	delete(m.entries, key)
}
