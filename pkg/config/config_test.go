package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GRAPHOBJECTS_IN_MEMORY", "true")
	t.Setenv("GRAPHOBJECTS_MAX_CALLBACK_PASSES", "7")
	t.Setenv("GRAPHOBJECTS_CACHE_TTL", "30s")
	t.Setenv("GRAPHOBJECTS_LOG_FORMAT", "json")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.InMemory)
	assert.Equal(t, 7, cfg.MaxCallbackPasses)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "./data", cfg.DataDir)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphobjects.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataDir: /var/lib/graph
cacheSize: 10
slowPhase: 250ms
logLevel: debug
`), 0o644))
	t.Setenv("GRAPHOBJECTS_CACHE_SIZE", "20")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/graph", cfg.DataDir)
	assert.Equal(t, 20, cfg.CacheSize)
	assert.Equal(t, 250*time.Millisecond, cfg.SlowPhase)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 100, cfg.MaxCallbackPasses)
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.SchemaPath = "schema.yaml"
	require.NoError(t, cfg.WriteFile(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no data dir", func(c *Config) { c.DataDir = "" }},
		{"zero passes", func(c *Config) { c.MaxCallbackPasses = 0 }},
		{"negative cache", func(c *Config) { c.CacheSize = -1 }},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.DataDir = ""
	cfg.InMemory = true
	assert.NoError(t, cfg.Validate())
	assert.Contains(t, cfg.String(), "Storage: memory")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
