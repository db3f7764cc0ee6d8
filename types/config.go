package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
}

type ServiceConfig struct {
	Name    string         `yaml:"name" json:"name" validate:"required"`
	Version string         `yaml:"version" json:"version" validate:"required"`
	Logger  *LoggerConfig  `yaml:"logger" json:"logger"`
	Cache   *CacheConfig   `yaml:"cache" json:"cache"`
	Metrics *MetricsConfig `yaml:"metrics" json:"metrics"`
	Events  *EventsConfig  `yaml:"events" json:"events"`
	Cron    *CronConfig    `yaml:"cron" json:"cron"`
	Health  *HealthConfig  `yaml:"health" json:"health"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	Enabled       bool                     `yaml:"enabled" json:"enabled"`
	Tiers         []*TierConfig            `yaml:"tiers" json:"tiers" validate:"required_if=Enabled true,dive"`
	DefaultPolicy string                   `yaml:"default_policy" json:"default_policy"`
	Policies      map[string]*PolicyConfig `yaml:"policies" json:"policies"`
	FetchTimeout  time.Duration            `yaml:"fetch_timeout" json:"fetch_timeout" validate:"min=0"`
}

// TierConfig describes one provider, fastest first in CacheConfig.Tiers.
// The Config payload is provider specific and decoded by the provider.
type TierConfig struct {
	Type    string        `yaml:"type" json:"type" validate:"required,oneof=memory redis clover"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`
	Config  interface{}   `yaml:"config" json:"config"`
}

type PolicyConfig struct {
	TTL                  time.Duration `yaml:"ttl" json:"ttl" validate:"min=0"`
	HardTTL              bool          `yaml:"hard_ttl" json:"hard_ttl"`
	StaleWhileRevalidate bool          `yaml:"stale_while_revalidate" json:"stale_while_revalidate"`
	BackgroundRefresh    bool          `yaml:"background_refresh" json:"background_refresh"`
	StaleTTL             time.Duration `yaml:"stale_ttl" json:"stale_ttl" validate:"min=0"`
}

type MetricsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{} `yaml:"config" json:"config"`
}

type EventsConfig struct {
	Enabled   bool        `yaml:"enabled" json:"enabled"`
	Webhook   bool        `yaml:"webhook" json:"webhook"`
	WebSocket bool        `yaml:"websocket" json:"websocket"`
	Config    interface{} `yaml:"config" json:"config"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
}

type HealthConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`
}
