package provider

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type RedisConfig struct {
	Host                 string        `json:"host"`
	Port                 int           `json:"port"`
	Password             string        `json:"password"`
	DB                   int           `json:"db"`
	PoolSize             int           `json:"pool_size"`
	MinIdleConnections   int           `json:"min_idle_connections"`
	DialTimeout          time.Duration `json:"dial_timeout"`
	ReadTimeout          time.Duration `json:"read_timeout"`
	WriteTimeout         time.Duration `json:"write_timeout"`
	KeyPrefix            string        `json:"key_prefix"`
	MaxScanCount         int64         `json:"max_scan_count"`
	CompressionThreshold int           `json:"compression_threshold"`
}

// RedisProvider is the network-shared tier. Entries carry a key prefix so
// multiple logical caches can share one backend, and the backend enforces
// TTL natively so expiry survives manager restarts.
type RedisProvider struct {
	ctx     context.Context
	logger  types.Logger
	health  types.HealthManager
	config  *RedisConfig
	client  *redis.Client
	codec   *entryCodec
	started int32
}

func NewRedisProvider(ctx context.Context, logger types.Logger, tier *types.TierConfig, health types.HealthManager) (types.CacheProvider, error) {
	redisConfig := &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		DB:                 0,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "sai-cache",
		MaxScanCount:       10000,
	}

	if tier.Config != nil {
		err := utils.UnmarshalConfig(tier.Config, redisConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis provider config")
		}
	}

	p := &RedisProvider{
		ctx:    ctx,
		logger: logger,
		health: health,
		config: redisConfig,
		codec:  newEntryCodec(redisConfig.CompressionThreshold),
	}

	p.client = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
	})

	return p, nil
}

func (r *RedisProvider) Name() string {
	return "redis"
}

func (r *RedisProvider) Get(ctx context.Context, key string) (*types.CacheEntry, bool, error) {
	if key == "" {
		return nil, false, types.ErrCacheKeyEmpty
	}

	data, err := r.client.Get(ctx, r.fullKey(key)).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, types.Errorf(types.ErrProviderUnavailable, "redis get: %v", err)
	}

	entry, err := r.codec.Decode(data)
	if err != nil {
		// A corrupted entry is unrecoverable, drop it and report a miss.
		r.logger.Error("Failed to decode cache entry",
			zap.String("key", key), zap.Error(err))
		r.client.Del(ctx, r.fullKey(key))
		return nil, false, nil
	}

	// The backend TTL normally handles this; guard against clock skew.
	if !time.Now().Before(entry.StorageDeadline()) {
		r.client.Del(ctx, r.fullKey(key))
		return nil, false, nil
	}

	return entry, true, nil
}

func (r *RedisProvider) Set(ctx context.Context, entry *types.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return types.ErrCacheKeyEmpty
	}

	ttl := entry.RemainingTTL(time.Now())
	if ttl <= 0 {
		return nil
	}

	data, err := r.codec.Encode(entry)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.fullKey(entry.Key), data, ttl).Err(); err != nil {
		return types.Errorf(types.ErrProviderUnavailable, "redis set: %v", err)
	}

	return nil
}

func (r *RedisProvider) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}

	deleted, err := r.client.Del(ctx, r.fullKey(key)).Result()
	if err != nil {
		return false, types.Errorf(types.ErrProviderUnavailable, "redis del: %v", err)
	}

	return deleted > 0, nil
}

// Clear runs a bounded server-side scan; at most MaxScanCount keys are
// examined per call so a huge keyspace cannot stall the caller.
func (r *RedisProvider) Clear(ctx context.Context, pattern string) (int, error) {
	keys, err := r.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}

	if len(keys) == 0 {
		return 0, nil
	}

	fullKeys := make([]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = r.fullKey(key)
	}

	const batchSize = 500
	removed := 0
	for i := 0; i < len(fullKeys); i += batchSize {
		end := i + batchSize
		if end > len(fullKeys) {
			end = len(fullKeys)
		}

		deleted, err := r.client.Del(ctx, fullKeys[i:end]...).Result()
		if err != nil {
			return removed, types.Errorf(types.ErrProviderUnavailable, "redis del: %v", err)
		}
		removed += int(deleted)
	}

	return removed, nil
}

func (r *RedisProvider) Keys(ctx context.Context, pattern string) ([]string, error) {
	if _, err := utils.CompilePattern(pattern); err != nil {
		return nil, err
	}

	match := r.fullKey(pattern)
	prefix := r.fullKey("")

	var keys []string
	var cursor uint64
	var scanned int64

	for {
		batch, next, err := r.client.Scan(ctx, cursor, match, 1000).Result()
		if err != nil {
			return nil, types.Errorf(types.ErrProviderUnavailable, "redis scan: %v", err)
		}

		for _, fullKey := range batch {
			keys = append(keys, strings.TrimPrefix(fullKey, prefix))
		}

		scanned += int64(len(batch))
		cursor = next
		if cursor == 0 || (r.config.MaxScanCount > 0 && scanned >= r.config.MaxScanCount) {
			break
		}
	}

	return keys, nil
}

func (r *RedisProvider) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrComponentAlreadyRunning
	}

	if err := r.ping(); err != nil {
		atomic.StoreInt32(&r.started, 0)
		return types.Errorf(types.ErrProviderUnavailable, "redis ping: %v", err)
	}

	if r.health != nil {
		r.health.RegisterChecker("cache_redis", r.healthCheck)
	}

	r.logger.Info("Redis provider started",
		zap.String("addr", fmt.Sprintf("%s:%d", r.config.Host, r.config.Port)),
		zap.String("key_prefix", r.config.KeyPrefix))
	return nil
}

func (r *RedisProvider) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrComponentNotRunning
	}

	if err := r.client.Close(); err != nil {
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis provider stopped")
	return nil
}

func (r *RedisProvider) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisProvider) ping() error {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()

	return r.client.Ping(ctx).Err()
}

func (r *RedisProvider) healthCheck(ctx context.Context) types.HealthCheck {
	start := time.Now()
	check := types.HealthCheck{
		Name:      "cache_redis",
		Status:    types.StatusHealthy,
		LastCheck: start,
	}

	if err := r.client.Ping(ctx).Err(); err != nil {
		check.Status = types.StatusUnhealthy
		check.Message = err.Error()
	}

	check.Duration = time.Since(start)
	return check
}

func (r *RedisProvider) fullKey(key string) string {
	if r.config.KeyPrefix != "" {
		return r.config.KeyPrefix + ":" + key
	}
	return key
}
