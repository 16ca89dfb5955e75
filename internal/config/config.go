// Package config loads application configuration from defaults, an
// optional YAML file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vjranagit/countervane/pkg/query"
	"github.com/vjranagit/countervane/pkg/store"
)

// Duration wraps time.Duration so YAML files can use "90m" style values.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds the application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Pricing PricingConfig `yaml:"pricing"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ListenAddr           string   `yaml:"listen_addr"`
	Timeout              Duration `yaml:"timeout"`
	ExpositionTimestamps bool     `yaml:"exposition_timestamps"`
}

// StoreConfig holds counter store configuration.
type StoreConfig struct {
	Path               string   `yaml:"path"`
	ExpireAfter        Duration `yaml:"expire_after"`
	SweepInterval      Duration `yaml:"sweep_interval"`
	CompressionLevel   int      `yaml:"compression_level"`
	EnableJournal      bool     `yaml:"enable_journal"`
	CheckpointInterval Duration `yaml:"checkpoint_interval"`
}

// PricingConfig holds the injectable cost-estimate constants.
type PricingConfig struct {
	PerTokenUSD   float64 `yaml:"per_token_usd"`
	CacheDiscount float64 `yaml:"cache_discount"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
}

// defaults returns the built-in configuration, untouched by the
// environment.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:           ":9417",
			Timeout:              Duration(30 * time.Second),
			ExpositionTimestamps: false,
		},
		Store: StoreConfig{
			Path:               "./data",
			ExpireAfter:        Duration(180 * time.Minute),
			SweepInterval:      Duration(5 * time.Minute),
			CompressionLevel:   3,
			EnableJournal:      true,
			CheckpointInterval: Duration(15 * time.Minute),
		},
		Pricing: PricingConfig{
			PerTokenUSD:   0.000003,
			CacheDiscount: 0.9,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// applyEnv overrides cfg fields from environment variables. Unset
// variables leave the current value in place.
func applyEnv(cfg *Config) {
	cfg.Server.ListenAddr = getEnv("LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Server.Timeout = Duration(getEnvDuration("SERVER_TIMEOUT", time.Duration(cfg.Server.Timeout)))
	cfg.Server.ExpositionTimestamps = getEnvBool("EXPOSITION_TIMESTAMPS", cfg.Server.ExpositionTimestamps)

	cfg.Store.Path = getEnv("STORE_PATH", cfg.Store.Path)
	cfg.Store.ExpireAfter = Duration(getEnvDuration("EXPIRE_AFTER", time.Duration(cfg.Store.ExpireAfter)))
	cfg.Store.SweepInterval = Duration(getEnvDuration("SWEEP_INTERVAL", time.Duration(cfg.Store.SweepInterval)))
	cfg.Store.CompressionLevel = getEnvInt("COMPRESSION_LEVEL", cfg.Store.CompressionLevel)
	cfg.Store.EnableJournal = getEnvBool("ENABLE_JOURNAL", cfg.Store.EnableJournal)
	cfg.Store.CheckpointInterval = Duration(getEnvDuration("CHECKPOINT_INTERVAL", time.Duration(cfg.Store.CheckpointInterval)))

	cfg.Pricing.PerTokenUSD = getEnvFloat("PRICE_PER_TOKEN_USD", cfg.Pricing.PerTokenUSD)
	cfg.Pricing.CacheDiscount = getEnvFloat("CACHE_DISCOUNT", cfg.Pricing.CacheDiscount)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
}

// DefaultConfig returns default configuration with environment overrides
// applied.
func DefaultConfig() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

// Load returns the default configuration merged with the YAML file at path,
// then applies environment overrides, so the environment wins over the
// file. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// ToStoreConfig converts to store.Config.
func (c *Config) ToStoreConfig() *store.Config {
	return &store.Config{
		Path:               c.Store.Path,
		ExpireAfter:        time.Duration(c.Store.ExpireAfter),
		SweepInterval:      time.Duration(c.Store.SweepInterval),
		CompressionLevel:   c.Store.CompressionLevel,
		EnableJournal:      c.Store.EnableJournal,
		CheckpointInterval: time.Duration(c.Store.CheckpointInterval),
	}
}

// ToPricing converts to query.Pricing.
func (c *Config) ToPricing() query.Pricing {
	return query.Pricing{
		PerTokenUSD:   c.Pricing.PerTokenUSD,
		CacheDiscount: c.Pricing.CacheDiscount,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	if c.Store.ExpireAfter <= 0 {
		return fmt.Errorf("expiration window must be positive")
	}

	if c.Store.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	if c.Store.CompressionLevel < 1 || c.Store.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4")
	}

	if c.Pricing.PerTokenUSD < 0 {
		return fmt.Errorf("per-token price must be non-negative")
	}

	if c.Pricing.CacheDiscount < 0 || c.Pricing.CacheDiscount > 1 {
		return fmt.Errorf("cache discount must be between 0 and 1")
	}

	return nil
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var floatVal float64
		if _, err := fmt.Sscanf(value, "%g", &floatVal); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
