package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatelimit/gatelimit/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 100*time.Millisecond, cfg.Redis.OpTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 100, cfg.Cache.MaxEntries)
	assert.Equal(t, 60*time.Second, cfg.Alerts.Interval)
	assert.Equal(t, 30*time.Second, cfg.Alerts.InitialDelay)
	assert.False(t, cfg.Events.DropOldest)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gatelimit.yaml")
	data := `
server:
  listen: ":9090"
redis:
  addr: "redis-0:6379"
  db: 2
events:
  buffer_size: 128
  drop_oldest: true
breaker:
  failure_rate: 0.25
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "redis-0:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 128, cfg.Events.BufferSize)
	assert.True(t, cfg.Events.DropOldest)
	assert.Equal(t, 0.25, cfg.Breaker.FailureRate)
	// untouched sections keep defaults
	assert.Equal(t, 100, cfg.Cache.MaxEntries)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GATELIMIT_LISTEN", ":7070")
	t.Setenv("GATELIMIT_REDIS_ADDR", "redis-env:6379")
	t.Setenv("GATELIMIT_REDIS_DB", "5")
	t.Setenv("GATELIMIT_CACHE_TTL", "30s")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, "redis-env:6379", cfg.Redis.Addr)
	assert.Equal(t, 5, cfg.Redis.DB)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load("/does/not/exist.yaml")
	require.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty listen", func(c *config.Config) { c.Server.Listen = "" }},
		{"empty redis addr", func(c *config.Config) { c.Redis.Addr = "" }},
		{"failure rate above one", func(c *config.Config) { c.Breaker.FailureRate = 1.5 }},
		{"zero retry attempts", func(c *config.Config) { c.Retry.MaxAttempts = 0 }},
		{"zero event workers", func(c *config.Config) { c.Events.Workers = 0 }},
		{"zero cache entries", func(c *config.Config) { c.Cache.MaxEntries = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
