package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 1000, cfg.CacheSize)
	require.Equal(t, 20, cfg.WarmCacheSize)
	require.Equal(t, 10, cfg.CheckpointInterval)
	require.Equal(t, 5*time.Second, cfg.PersistenceDelay)
	require.True(t, cfg.WriteThroughCritical)
	require.Equal(t, 100, cfg.MaxRequeueAttempts)
	require.Equal(t, 100, cfg.DefaultIterationCap)
	require.Equal(t, 1, cfg.MaxConcurrent)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dipeo.yaml")
	doc := []byte("cache_size: 50\npersistence_delay: 2s\nwrite_through_critical: false\ndatabase:\n  driver: mysql\n  dsn: user:pw@tcp(localhost)/dipeo\n")
	require.NoError(t, os.WriteFile(path, doc, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.CacheSize)
	require.Equal(t, 2*time.Second, cfg.PersistenceDelay)
	require.False(t, cfg.WriteThroughCritical)
	require.Equal(t, "mysql", cfg.Database.Driver)
	// Untouched keys keep their defaults.
	require.Equal(t, 20, cfg.WarmCacheSize)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().CacheSize, cfg.CacheSize)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dipeo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache_size: 50\n"), 0o644))

	t.Setenv("DIPEO_CACHE_SIZE", "75")
	t.Setenv("DIPEO_NODE_TIMEOUT", "30s")
	t.Setenv("DIPEO_PERSISTENCE_DELAY", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 75, cfg.CacheSize)
	require.Equal(t, 30*time.Second, cfg.NodeTimeout)
	require.Equal(t, 7*time.Second, cfg.PersistenceDelay)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero cache", func(c *Config) { c.CacheSize = 0 }},
		{"warm larger than cache", func(c *Config) { c.WarmCacheSize = c.CacheSize + 1 }},
		{"zero checkpoint interval", func(c *Config) { c.CheckpointInterval = 0 }},
		{"zero requeue bound", func(c *Config) { c.MaxRequeueAttempts = 0 }},
		{"zero iteration cap", func(c *Config) { c.DefaultIterationCap = 0 }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
