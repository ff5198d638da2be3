// Package config loads graphobjects settings.
//
// Settings come from three layers, later ones winning:
//  1. DefaultConfig()
//  2. an optional YAML file (Load with a path)
//  3. GRAPHOBJECTS_* environment variables
//
// Example:
//
//	cfg, err := config.Load("graphobjects.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Environment variables:
//   - GRAPHOBJECTS_DATA_DIR="./data"
//   - GRAPHOBJECTS_IN_MEMORY=false
//   - GRAPHOBJECTS_SCHEMA="schema.yaml"
//   - GRAPHOBJECTS_MAX_CALLBACK_PASSES=100
//   - GRAPHOBJECTS_LOG_LEVEL="info"
//   - GRAPHOBJECTS_LOG_FORMAT="text" or "json"
//   - GRAPHOBJECTS_AUDIT_LOG="./data/audit.log" (empty disables)
//   - GRAPHOBJECTS_CACHE_SIZE=1000 (0 disables)
//   - GRAPHOBJECTS_CACHE_TTL=5m
//   - GRAPHOBJECTS_SYNC_WRITES=false
//   - GRAPHOBJECTS_LOW_MEMORY=false
//   - GRAPHOBJECTS_SLOW_PHASE=1s
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all settings. Fields carry no envDefault so that an unset
// variable leaves the file or default value in place.
type Config struct {
	DataDir    string `yaml:"dataDir" env:"GRAPHOBJECTS_DATA_DIR"`
	InMemory   bool   `yaml:"inMemory" env:"GRAPHOBJECTS_IN_MEMORY"`
	SyncWrites bool   `yaml:"syncWrites" env:"GRAPHOBJECTS_SYNC_WRITES"`
	LowMemory  bool   `yaml:"lowMemory" env:"GRAPHOBJECTS_LOW_MEMORY"`
	SchemaPath string `yaml:"schema" env:"GRAPHOBJECTS_SCHEMA"`

	// MaxCallbackPasses bounds the inner callback fixed point of a
	// transaction.
	MaxCallbackPasses int `yaml:"maxCallbackPasses" env:"GRAPHOBJECTS_MAX_CALLBACK_PASSES"`
	// SlowPhase is the duration above which a transaction phase is logged.
	SlowPhase time.Duration `yaml:"slowPhase" env:"GRAPHOBJECTS_SLOW_PHASE"`

	LogLevel  string `yaml:"logLevel" env:"GRAPHOBJECTS_LOG_LEVEL"`
	LogFormat string `yaml:"logFormat" env:"GRAPHOBJECTS_LOG_FORMAT"`

	AuditLog string `yaml:"auditLog" env:"GRAPHOBJECTS_AUDIT_LOG"`

	CacheSize int           `yaml:"cacheSize" env:"GRAPHOBJECTS_CACHE_SIZE"`
	CacheTTL  time.Duration `yaml:"cacheTTL" env:"GRAPHOBJECTS_CACHE_TTL"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:           "./data",
		MaxCallbackPasses: 100,
		SlowPhase:         time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
		CacheSize:         1000,
		CacheTTL:          5 * time.Minute,
	}
}

// LoadFromEnv applies environment variables over the defaults.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

// Load applies the YAML file at path (skipped when empty) and then the
// environment over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// WriteFile stores the config as YAML.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if !c.InMemory && c.DataDir == "" {
		errs = append(errs, errors.New("data directory required unless in-memory"))
	}
	if c.MaxCallbackPasses <= 0 {
		errs = append(errs, fmt.Errorf("invalid max callback passes: %d", c.MaxCallbackPasses))
	}
	if c.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("invalid cache size: %d", c.CacheSize))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("invalid cache ttl: %s", c.CacheTTL))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format: %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// String returns a summary suitable for logging.
func (c *Config) String() string {
	storage := c.DataDir
	if c.InMemory {
		storage = "memory"
	}
	return fmt.Sprintf(
		"Config{Storage: %s, Schema: %s, MaxCallbackPasses: %d, Cache: %d/%s, Audit: %t, Log: %s/%s}",
		storage, c.SchemaPath, c.MaxCallbackPasses, c.CacheSize, c.CacheTTL,
		c.AuditLog != "", c.LogLevel, c.LogFormat,
	)
}
