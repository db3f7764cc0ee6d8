package provider

import (
	"context"
	"encoding/base64"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type CloverConfig struct {
	Path                 string `json:"path"`
	Collection           string `json:"collection"`
	CompressionThreshold int    `json:"compression_threshold"`
}

// CloverProvider is the persistent-store tier: an embedded document
// collection holding entries that are expensive to recompute and tolerant
// of staleness. Expired rows are removed by the purge sweep.
type CloverProvider struct {
	db      *clover.DB
	logger  types.Logger
	health  types.HealthManager
	config  *CloverConfig
	codec   *entryCodec
	started int32
}

func NewCloverProvider(_ context.Context, logger types.Logger, tier *types.TierConfig, health types.HealthManager) (types.CacheProvider, error) {
	cloverConfig := &CloverConfig{
		Collection: "cache_entries",
	}

	if tier.Config != nil {
		err := utils.UnmarshalConfig(tier.Config, cloverConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal clover provider config")
		}
	}

	db, err := clover.Open(cloverConfig.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open clover store")
	}

	p := &CloverProvider{
		db:     db,
		logger: logger,
		health: health,
		config: cloverConfig,
		codec:  newEntryCodec(cloverConfig.CompressionThreshold),
	}

	return p, nil
}

func (c *CloverProvider) Name() string {
	return "clover"
}

func (c *CloverProvider) Get(_ context.Context, key string) (*types.CacheEntry, bool, error) {
	if key == "" {
		return nil, false, types.ErrCacheKeyEmpty
	}

	docs, err := c.keyQuery(key).Limit(1).FindAll()
	if err != nil {
		return nil, false, types.Errorf(types.ErrProviderUnavailable, "clover find: %v", err)
	}
	if len(docs) == 0 {
		return nil, false, nil
	}

	doc := docs[0]

	deadline, _ := doc.Get("expires_at").(int64)
	if deadline > 0 && !time.Now().Before(time.Unix(0, deadline)) {
		if err := c.keyQuery(key).Delete(); err != nil {
			c.logger.Error("Failed to delete expired entry",
				zap.String("key", key), zap.Error(err))
		}
		return nil, false, nil
	}

	encoded, _ := doc.Get("data").(string)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		c.logger.Error("Failed to decode stored entry",
			zap.String("key", key), zap.Error(err))
		_ = c.keyQuery(key).Delete()
		return nil, false, nil
	}

	entry, err := c.codec.Decode(raw)
	if err != nil {
		c.logger.Error("Failed to decode cache entry",
			zap.String("key", key), zap.Error(err))
		_ = c.keyQuery(key).Delete()
		return nil, false, nil
	}

	return entry, true, nil
}

func (c *CloverProvider) Set(_ context.Context, entry *types.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return types.ErrCacheKeyEmpty
	}

	now := time.Now()
	if !now.Before(entry.StorageDeadline()) {
		return nil
	}

	raw, err := c.codec.Encode(entry)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"key":        entry.Key,
		"data":       base64.StdEncoding.EncodeToString(raw),
		"expires_at": entry.StorageDeadline().UnixNano(),
		"ch_time":    now.UnixNano(),
	}

	count, err := c.keyQuery(entry.Key).Count()
	if err != nil {
		return types.Errorf(types.ErrProviderUnavailable, "clover count: %v", err)
	}

	if count > 0 {
		if err := c.keyQuery(entry.Key).Update(fields); err != nil {
			return types.Errorf(types.ErrProviderUnavailable, "clover update: %v", err)
		}
		return nil
	}

	doc := clover.NewDocument()
	fields["internal_id"] = uuid.New().String()
	fields["cr_time"] = now.UnixNano()
	for k, v := range fields {
		doc.Set(k, v)
	}

	if err := c.db.Insert(c.config.Collection, doc); err != nil {
		return types.Errorf(types.ErrProviderUnavailable, "clover insert: %v", err)
	}

	return nil
}

func (c *CloverProvider) Delete(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}

	count, err := c.keyQuery(key).Count()
	if err != nil {
		return false, types.Errorf(types.ErrProviderUnavailable, "clover count: %v", err)
	}
	if count == 0 {
		return false, nil
	}

	if err := c.keyQuery(key).Delete(); err != nil {
		return false, types.Errorf(types.ErrProviderUnavailable, "clover delete: %v", err)
	}

	return true, nil
}

func (c *CloverProvider) Clear(ctx context.Context, pattern string) (int, error) {
	keys, err := c.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}

	if len(keys) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(keys))
	for i, key := range keys {
		members[i] = key
	}

	query := c.db.Query(c.config.Collection).Where(clover.Field("key").In(members...))
	if err := query.Delete(); err != nil {
		return 0, types.Errorf(types.ErrProviderUnavailable, "clover delete: %v", err)
	}

	return len(keys), nil
}

func (c *CloverProvider) Keys(_ context.Context, pattern string) ([]string, error) {
	matcher, err := utils.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	docs, err := c.db.Query(c.config.Collection).FindAll()
	if err != nil {
		return nil, types.Errorf(types.ErrProviderUnavailable, "clover find: %v", err)
	}

	now := time.Now()
	var keys []string
	for _, doc := range docs {
		key, _ := doc.Get("key").(string)
		if key == "" {
			continue
		}

		deadline, _ := doc.Get("expires_at").(int64)
		if deadline > 0 && !now.Before(time.Unix(0, deadline)) {
			continue
		}

		if matcher.Match(key) {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

// Purge removes rows past their storage deadline. Wired to the maintenance
// scheduler since clover has no native TTL enforcement.
func (c *CloverProvider) Purge(_ context.Context) (int, error) {
	query := c.db.Query(c.config.Collection).
		Where(clover.Field("expires_at").Lt(time.Now().UnixNano()))

	count, err := query.Count()
	if err != nil {
		return 0, types.Errorf(types.ErrProviderUnavailable, "clover count: %v", err)
	}
	if count == 0 {
		return 0, nil
	}

	if err := query.Delete(); err != nil {
		return 0, types.Errorf(types.ErrProviderUnavailable, "clover delete: %v", err)
	}

	return count, nil
}

func (c *CloverProvider) Start() error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return types.ErrComponentAlreadyRunning
	}

	exists, err := c.db.HasCollection(c.config.Collection)
	if err != nil {
		atomic.StoreInt32(&c.started, 0)
		return types.WrapError(err, "failed to check collection existence")
	}

	if !exists {
		if err := c.db.CreateCollection(c.config.Collection); err != nil {
			atomic.StoreInt32(&c.started, 0)
			return types.WrapError(err, "failed to create collection")
		}
	}

	if c.health != nil {
		c.health.RegisterChecker("cache_clover", c.healthCheck)
	}

	c.logger.Info("Clover provider started",
		zap.String("path", c.config.Path),
		zap.String("collection", c.config.Collection))
	return nil
}

func (c *CloverProvider) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.started, 1, 0) {
		return types.ErrComponentNotRunning
	}

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close clover store")
	}

	c.logger.Info("Clover provider stopped")
	return nil
}

func (c *CloverProvider) IsRunning() bool {
	return atomic.LoadInt32(&c.started) == 1
}

func (c *CloverProvider) healthCheck(_ context.Context) types.HealthCheck {
	start := time.Now()
	check := types.HealthCheck{
		Name:      "cache_clover",
		Status:    types.StatusHealthy,
		LastCheck: start,
	}

	if _, err := c.db.HasCollection(c.config.Collection); err != nil {
		check.Status = types.StatusUnhealthy
		check.Message = err.Error()
	}

	check.Duration = time.Since(start)
	return check
}

func (c *CloverProvider) keyQuery(key string) *clover.Query {
	return c.db.Query(c.config.Collection).Where(clover.Field("key").Eq(key))
}
