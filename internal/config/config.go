// Package config manages mnemos configuration: YAML file, environment
// overrides, validation, and hot reload of the dynamic subset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Agent pipeline modes. basic stores without a reasoning trace, react records
// a bounded reasoning trace and gates storage on the importance threshold,
// hybrid runs react reasoning plus the full response pipeline.
var ValidAgentTypes = []string{"basic", "react", "hybrid"}

// Config is the root configuration for the mnemos service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Agent      AgentConfig      `yaml:"agent"`
	Downstream DownstreamConfig `yaml:"downstream"`
	Memory     MemoryConfig     `yaml:"memory"`
	Search     SearchConfig     `yaml:"search"`
	Cache      CacheConfig      `yaml:"cache"`
	Local      LocalConfig      `yaml:"local"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AgentConfig controls pipeline behavior.
type AgentConfig struct {
	Type                string  `yaml:"type"`
	EnableIntelligence  bool    `yaml:"enable_intelligence"`
	MaxReasoningSteps   int     `yaml:"max_reasoning_steps"`
	ImportanceThreshold float64 `yaml:"importance_threshold"`
	ContextWindowSize   int     `yaml:"context_window_size"`
}

// DownstreamConfig locates the three collaborating services. URLs point at
// their SSE endpoints; timeouts are per-call deadlines in seconds.
type DownstreamConfig struct {
	DBURL               string `yaml:"db_url"`
	RAGURL              string `yaml:"rag_url"`
	ModelURL            string `yaml:"model_url"`
	DBTimeoutSeconds    int    `yaml:"db_timeout_seconds"`
	RAGTimeoutSeconds   int    `yaml:"rag_timeout_seconds"`
	ModelTimeoutSeconds int    `yaml:"model_timeout_seconds"`
}

// MemoryConfig names the collection and the downstream models.
type MemoryConfig struct {
	Collection     string `yaml:"collection"`
	EmbeddingModel string `yaml:"embedding_model"`
	LLMModel       string `yaml:"llm_model"`
	// EmbeddingDimension 0 means "derive from the model name or probe".
	EmbeddingDimension int `yaml:"embedding_dimension"`
}

// SearchConfig carries retrieval defaults.
type SearchConfig struct {
	DefaultLimit        int     `yaml:"default_limit"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	ChunkSize           int     `yaml:"chunk_size"`
	ChunkOverlap        int     `yaml:"chunk_overlap"`
}

// CacheConfig controls the Redis tier. Disabled cache degrades CACHE-primary
// plans to DB writes rather than failing them.
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	DB         int    `yaml:"db"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// LocalConfig controls the embedded SQLite tier (event journal, archive,
// access tracking).
type LocalConfig struct {
	Path           string `yaml:"path"`
	EventRetention int    `yaml:"event_retention"`
}

// LoggingConfig selects level and encoder.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8094,
		},
		Agent: AgentConfig{
			Type:                "react",
			EnableIntelligence:  true,
			MaxReasoningSteps:   8,
			ImportanceThreshold: 6.0,
			ContextWindowSize:   10,
		},
		Downstream: DownstreamConfig{
			DBURL:               "http://mcp-db:8092/sse",
			RAGURL:              "http://mcp-rag:8093/sse",
			ModelURL:            "http://model-mcp:8091/sse",
			DBTimeoutSeconds:    30,
			RAGTimeoutSeconds:   30,
			ModelTimeoutSeconds: 30,
		},
		Memory: MemoryConfig{
			Collection:     "memories",
			EmbeddingModel: "bge-m3",
			LLMModel:       "EXAONE-3.5-2.4B-Instruct",
		},
		Search: SearchConfig{
			DefaultLimit:        10,
			SimilarityThreshold: 0.5,
			ChunkSize:           1000,
			ChunkOverlap:        200,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			TTLSeconds: 86400,
		},
		Local: LocalConfig{
			Path:           filepath.Join(".mnemos", "local.db"),
			EventRetention: 10000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path. A missing file is not an error: defaults
// apply, then environment overrides on top in either case.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides layers recognized environment variables over the loaded
// values. Env always wins over file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MEMORY_AGENT_HOST"); v != "" {
		c.Server.Host = v
	}
	if v, ok := envInt("MEMORY_AGENT_PORT"); ok {
		c.Server.Port = v
	}

	if v := os.Getenv("MEMORY_AGENT_AGENT_TYPE"); v != "" {
		c.Agent.Type = strings.ToLower(v)
	}
	if v, ok := envBool("MEMORY_AGENT_ENABLE_INTELLIGENCE"); ok {
		c.Agent.EnableIntelligence = v
	}
	if v, ok := envInt("MEMORY_AGENT_MAX_REASONING_STEPS"); ok {
		c.Agent.MaxReasoningSteps = v
	}
	if v, ok := envFloat("MEMORY_AGENT_IMPORTANCE_THRESHOLD"); ok {
		c.Agent.ImportanceThreshold = v
	}
	if v, ok := envInt("MEMORY_AGENT_CONTEXT_WINDOW_SIZE"); ok {
		c.Agent.ContextWindowSize = v
	}

	if v := os.Getenv("MCP_DB_URL"); v != "" {
		c.Downstream.DBURL = v
	}
	if v := os.Getenv("MCP_RAG_URL"); v != "" {
		c.Downstream.RAGURL = v
	}
	if v := os.Getenv("MCP_MODEL_URL"); v != "" {
		c.Downstream.ModelURL = v
	}
	if v, ok := envInt("MCP_DB_TIMEOUT"); ok {
		c.Downstream.DBTimeoutSeconds = v
	}
	if v, ok := envInt("MCP_RAG_TIMEOUT"); ok {
		c.Downstream.RAGTimeoutSeconds = v
	}
	if v, ok := envInt("MCP_MODEL_TIMEOUT"); ok {
		c.Downstream.ModelTimeoutSeconds = v
	}

	if v := os.Getenv("DEFAULT_EMBEDDING_MODEL"); v != "" {
		c.Memory.EmbeddingModel = v
	}
	if v := os.Getenv("DEFAULT_LLM_MODEL"); v != "" {
		c.Memory.LLMModel = v
	}
	if v := os.Getenv("DEFAULT_COLLECTION"); v != "" {
		c.Memory.Collection = v
	}

	if v, ok := envInt("CHUNK_SIZE"); ok {
		c.Search.ChunkSize = v
	}
	if v, ok := envInt("CHUNK_OVERLAP"); ok {
		c.Search.ChunkOverlap = v
	}
	if v, ok := envInt("DEFAULT_SEARCH_LIMIT"); ok {
		c.Search.DefaultLimit = v
	}
	if v, ok := envFloat("DEFAULT_SIMILARITY_THRESHOLD"); ok {
		c.Search.SimilarityThreshold = v
	}

	if v := os.Getenv("MEMORY_AGENT_REDIS_ADDR"); v != "" {
		c.Cache.Addr = v
	}
	if v := os.Getenv("MEMORY_AGENT_DATA_PATH"); v != "" {
		c.Local.Path = v
	}
	if v := os.Getenv("MEMORY_AGENT_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// Validate rejects configurations the service cannot run with and clamps the
// soft bounds it can run with. Returns warnings for clamped values.
func (c *Config) Validate() ([]string, error) {
	var warnings []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return nil, fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	valid := false
	for _, t := range ValidAgentTypes {
		if c.Agent.Type == t {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("invalid agent type %q (use one of %s)", c.Agent.Type, strings.Join(ValidAgentTypes, ", "))
	}

	if c.Agent.ImportanceThreshold < 0 || c.Agent.ImportanceThreshold > 10 {
		return nil, fmt.Errorf("importance_threshold %.2f must be between 0 and 10", c.Agent.ImportanceThreshold)
	}

	if c.Agent.MaxReasoningSteps < 1 {
		warnings = append(warnings, fmt.Sprintf("max_reasoning_steps %d below 1, clamped to 1", c.Agent.MaxReasoningSteps))
		c.Agent.MaxReasoningSteps = 1
	} else if c.Agent.MaxReasoningSteps > 20 {
		warnings = append(warnings, fmt.Sprintf("max_reasoning_steps %d above 20, clamped to 20", c.Agent.MaxReasoningSteps))
		c.Agent.MaxReasoningSteps = 20
	}

	if c.Agent.ContextWindowSize < 1 {
		warnings = append(warnings, fmt.Sprintf("context_window_size %d below 1, clamped to 10", c.Agent.ContextWindowSize))
		c.Agent.ContextWindowSize = 10
	}

	if c.Downstream.DBURL == "" || c.Downstream.RAGURL == "" || c.Downstream.ModelURL == "" {
		return nil, fmt.Errorf("downstream db_url, rag_url, and model_url must all be set")
	}

	if c.Search.SimilarityThreshold < 0 || c.Search.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("similarity_threshold %.2f must be between 0 and 1", c.Search.SimilarityThreshold)
	}

	if c.Memory.Collection == "" {
		return nil, fmt.Errorf("memory collection name must be set")
	}

	return warnings, nil
}

// GetDBTimeout returns the vector store call deadline.
func (c *Config) GetDBTimeout() time.Duration {
	return secondsOrDefault(c.Downstream.DBTimeoutSeconds, 30*time.Second)
}

// GetRAGTimeout returns the RAG/embedding call deadline.
func (c *Config) GetRAGTimeout() time.Duration {
	return secondsOrDefault(c.Downstream.RAGTimeoutSeconds, 30*time.Second)
}

// GetModelTimeout returns the completion call deadline.
func (c *Config) GetModelTimeout() time.Duration {
	return secondsOrDefault(c.Downstream.ModelTimeoutSeconds, 30*time.Second)
}

// GetCacheTTL returns the default TTL for cache-tier writes.
func (c *Config) GetCacheTTL() time.Duration {
	return secondsOrDefault(c.Cache.TTLSeconds, 24*time.Hour)
}

func secondsOrDefault(s int, def time.Duration) time.Duration {
	if s <= 0 {
		return def
	}
	return time.Duration(s) * time.Second
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envBool(key string) (bool, bool) {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return false, false
	}
	switch v {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	}
	return false, false
}
