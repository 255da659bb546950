// Package config loads runtime configuration for the engine and state
// store. Values resolve in three layers: compiled defaults, an optional
// YAML file, then DIPEO_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	// Store tuning.
	CacheSize            int           `yaml:"cache_size"`
	WarmCacheSize        int           `yaml:"warm_cache_size"`
	CheckpointInterval   int           `yaml:"checkpoint_interval"`
	PersistenceDelay     time.Duration `yaml:"persistence_delay"`
	WriteThroughCritical bool          `yaml:"write_through_critical"`

	// Engine tuning.
	MaxRequeueAttempts  int           `yaml:"max_requeue_attempts"`
	DefaultIterationCap int           `yaml:"default_iteration_cap"`
	MaxConcurrent       int           `yaml:"max_concurrent"`
	NodeTimeout         time.Duration `yaml:"node_timeout"`

	// Persistence backend: "sqlite" or "mysql".
	Database DatabaseConfig `yaml:"database"`

	// Provider API keys, normally supplied via environment.
	OpenAIKey    string `yaml:"openai_key"`
	AnthropicKey string `yaml:"anthropic_key"`
	GoogleKey    string `yaml:"google_key"`
}

// DatabaseConfig selects and parameterizes the persistence backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	// DSN is the driver-specific connection string. For sqlite this is the
	// database file path.
	DSN string `yaml:"dsn"`
}

// Default returns the compiled-in defaults.
func Default() Config {
	return Config{
		CacheSize:            1000,
		WarmCacheSize:        20,
		CheckpointInterval:   10,
		PersistenceDelay:     5 * time.Second,
		WriteThroughCritical: true,
		MaxRequeueAttempts:   100,
		DefaultIterationCap:  100,
		MaxConcurrent:        1,
		NodeTimeout:          0,
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "dipeo.db",
		},
	}
}

// Load resolves the configuration: defaults, then the YAML file at path
// (skipped when path is empty or missing), then environment overrides.
// A .env file in the working directory is honored if present.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus environment only.
		case err != nil:
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	// Ignore the error: a missing .env file is the common case.
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envInt("DIPEO_CACHE_SIZE", &c.CacheSize)
	envInt("DIPEO_WARM_CACHE_SIZE", &c.WarmCacheSize)
	envInt("DIPEO_CHECKPOINT_INTERVAL", &c.CheckpointInterval)
	envDuration("DIPEO_PERSISTENCE_DELAY", &c.PersistenceDelay)
	envBool("DIPEO_WRITE_THROUGH_CRITICAL", &c.WriteThroughCritical)
	envInt("DIPEO_MAX_REQUEUE_ATTEMPTS", &c.MaxRequeueAttempts)
	envInt("DIPEO_DEFAULT_ITERATION_CAP", &c.DefaultIterationCap)
	envInt("DIPEO_MAX_CONCURRENT", &c.MaxConcurrent)
	envDuration("DIPEO_NODE_TIMEOUT", &c.NodeTimeout)
	envString("DIPEO_DB_DRIVER", &c.Database.Driver)
	envString("DIPEO_DB_DSN", &c.Database.DSN)
	envString("OPENAI_API_KEY", &c.OpenAIKey)
	envString("ANTHROPIC_API_KEY", &c.AnthropicKey)
	envString("GOOGLE_API_KEY", &c.GoogleKey)
}

// Validate rejects values the engine or store cannot run with.
func (c *Config) Validate() error {
	if c.CacheSize <= 0 {
		return fmt.Errorf("config: cache_size must be positive, got %d", c.CacheSize)
	}
	if c.WarmCacheSize < 0 || c.WarmCacheSize > c.CacheSize {
		return fmt.Errorf("config: warm_cache_size %d out of range [0, %d]", c.WarmCacheSize, c.CacheSize)
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("config: checkpoint_interval must be positive, got %d", c.CheckpointInterval)
	}
	if c.MaxRequeueAttempts <= 0 {
		return fmt.Errorf("config: max_requeue_attempts must be positive, got %d", c.MaxRequeueAttempts)
	}
	if c.DefaultIterationCap <= 0 {
		return fmt.Errorf("config: default_iteration_cap must be positive, got %d", c.DefaultIterationCap)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("config: max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func envBool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	// Bare numbers read as seconds, matching the *_seconds YAML names.
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}
