package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8094, cfg.Server.Port)
	assert.Equal(t, "react", cfg.Agent.Type)
	assert.True(t, cfg.Agent.EnableIntelligence)
	assert.InDelta(t, 6.0, cfg.Agent.ImportanceThreshold, 1e-9)
	assert.Equal(t, "memories", cfg.Memory.Collection)
	assert.Equal(t, "bge-m3", cfg.Memory.EmbeddingModel)
	assert.Equal(t, 10, cfg.Search.DefaultLimit)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8094, cfg.Server.Port)
	assert.Equal(t, "memories", cfg.Memory.Collection)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Port = 9000
	cfg.Agent.Type = "basic"
	cfg.Agent.ImportanceThreshold = 7.5
	cfg.Cache.Enabled = false
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, loaded.Server.Port)
	assert.Equal(t, "basic", loaded.Agent.Type)
	assert.InDelta(t, 7.5, loaded.Agent.ImportanceThreshold, 1e-9)
	assert.False(t, loaded.Cache.Enabled)
	// Untouched sections keep their defaults.
	assert.Equal(t, "bge-m3", loaded.Memory.EmbeddingModel)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9500\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9500, cfg.Server.Port)
	assert.Equal(t, "react", cfg.Agent.Type)
	assert.Equal(t, 10, cfg.Search.DefaultLimit)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEMORY_AGENT_PORT", "9500")
	t.Setenv("MEMORY_AGENT_AGENT_TYPE", "BASIC")
	t.Setenv("MEMORY_AGENT_ENABLE_INTELLIGENCE", "off")
	t.Setenv("MEMORY_AGENT_IMPORTANCE_THRESHOLD", "7.2")
	t.Setenv("MCP_DB_URL", "http://db.internal:8092/sse")
	t.Setenv("DEFAULT_SEARCH_LIMIT", "25")
	t.Setenv("MEMORY_AGENT_LOG_LEVEL", "DEBUG")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9500, cfg.Server.Port)
	assert.Equal(t, "basic", cfg.Agent.Type)
	assert.False(t, cfg.Agent.EnableIntelligence)
	assert.InDelta(t, 7.2, cfg.Agent.ImportanceThreshold, 1e-9)
	assert.Equal(t, "http://db.internal:8092/sse", cfg.Downstream.DBURL)
	assert.Equal(t, 25, cfg.Search.DefaultLimit)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Server.Port = 9000
	require.NoError(t, cfg.Save(path))

	t.Setenv("MEMORY_AGENT_PORT", "9100")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, loaded.Server.Port)
}

func TestEnvOverridesIgnoreUnparseable(t *testing.T) {
	t.Setenv("MEMORY_AGENT_PORT", "lots")
	t.Setenv("MEMORY_AGENT_IMPORTANCE_THRESHOLD", "high")
	t.Setenv("MEMORY_AGENT_ENABLE_INTELLIGENCE", "maybe")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8094, cfg.Server.Port)
	assert.InDelta(t, 6.0, cfg.Agent.ImportanceThreshold, 1e-9)
	assert.True(t, cfg.Agent.EnableIntelligence)
}

func TestValidate(t *testing.T) {
	warnings, err := DefaultConfig().Validate()
	require.NoError(t, err)
	assert.Empty(t, warnings)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"unknown agent type", func(c *Config) { c.Agent.Type = "wat" }},
		{"threshold out of range", func(c *Config) { c.Agent.ImportanceThreshold = 11 }},
		{"similarity out of range", func(c *Config) { c.Search.SimilarityThreshold = 1.5 }},
		{"empty collection", func(c *Config) { c.Memory.Collection = "" }},
		{"missing downstream url", func(c *Config) { c.Downstream.RAGURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			_, err := cfg.Validate()
			assert.Error(t, err)
		})
	}
}

func TestValidateClampsSoftBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agent.MaxReasoningSteps = 50
	cfg.Agent.ContextWindowSize = 0

	warnings, err := cfg.Validate()
	require.NoError(t, err)

	assert.Len(t, warnings, 2)
	assert.Equal(t, 20, cfg.Agent.MaxReasoningSteps)
	assert.Equal(t, 10, cfg.Agent.ContextWindowSize)

	cfg.Agent.MaxReasoningSteps = 0
	warnings, err = cfg.Validate()
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
	assert.Equal(t, 1, cfg.Agent.MaxReasoningSteps)
}

func TestTimeoutHelpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.GetDBTimeout())
	assert.Equal(t, 24*time.Hour, cfg.GetCacheTTL())

	cfg.Downstream.DBTimeoutSeconds = 5
	cfg.Downstream.ModelTimeoutSeconds = 0
	cfg.Cache.TTLSeconds = 60
	assert.Equal(t, 5*time.Second, cfg.GetDBTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetModelTimeout())
	assert.Equal(t, time.Minute, cfg.GetCacheTTL())
}
