package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validConfig = `
name: test-cache
version: 1.0.0
cache:
  enabled: true
  default_policy: static
  tiers:
    - type: memory
      config:
        max_entries: 100
    - type: clover
metrics:
  enabled: true
  type: prometheus
`

func TestLoaderLoadsValidConfig(t *testing.T) {
	l := NewLoader()

	config, err := l.LoadFromFile(context.Background(), writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "test-cache", config.Name)
	assert.Equal(t, "1.0.0", config.Version)
	require.Len(t, config.Cache.Tiers, 2)
	assert.Equal(t, "memory", config.Cache.Tiers[0].Type)
	assert.Equal(t, "clover", config.Cache.Tiers[1].Type)
	assert.Equal(t, "static", config.Cache.DefaultPolicy)
	assert.True(t, config.Metrics.Enabled)
}

func TestLoaderAppliesDefaults(t *testing.T) {
	l := NewLoader()

	config, err := l.LoadFromFile(context.Background(), writeConfig(t, "name: minimal\nversion: 0.1.0\n"))
	require.NoError(t, err)

	// Unset sections keep the defaults.
	assert.Equal(t, "info", config.Logger.Level)
	assert.True(t, config.Cache.Enabled)
	assert.Equal(t, 10*time.Second, config.Cache.FetchTimeout)
	assert.Equal(t, "dynamic", config.Cache.DefaultPolicy)
	assert.False(t, config.Metrics.Enabled)
	assert.True(t, config.Health.Enabled)
	assert.Equal(t, "UTC", config.Cron.Timezone)
}

func TestLoaderRejectsMissingIdentity(t *testing.T) {
	l := NewLoader()

	_, err := l.LoadFromFile(context.Background(), writeConfig(t, "version: 1.0.0\n"))
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
}

func TestLoaderRejectsUnknownTierType(t *testing.T) {
	l := NewLoader()

	bad := `
name: test
version: 1.0.0
cache:
  enabled: true
  tiers:
    - type: memcached
`
	_, err := l.LoadFromFile(context.Background(), writeConfig(t, bad))
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
}

func TestLoaderRejectsMalformedYAML(t *testing.T) {
	l := NewLoader()

	_, err := l.LoadFromFile(context.Background(), writeConfig(t, "name: [unclosed"))
	assert.Error(t, err)
}

func TestLoaderMissingFile(t *testing.T) {
	l := NewLoader()

	_, err := l.LoadFromFile(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrConfigNotFound)

	_, err = l.LoadFromFile(context.Background(), filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestConfigurationManager(t *testing.T) {
	path := writeConfig(t, validConfig)

	cm, err := NewConfigurationManager(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "test-cache", cm.GetConfig().Name)

	// Reload picks up file changes.
	require.NoError(t, os.WriteFile(path, []byte("name: renamed\nversion: 2.0.0\n"), 0o644))
	require.NoError(t, cm.Load())
	assert.Equal(t, "renamed", cm.GetConfig().Name)
	assert.Equal(t, "2.0.0", cm.GetConfig().Version)
}

func TestConfigurationManagerBadPath(t *testing.T) {
	_, err := NewConfigurationManager(context.Background(), filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}
