// Package config provides configuration management for Synapse.
// It loads settings from environment variables with the SYNAPSE_ prefix,
// optionally overlaid on a YAML config file, and provides sensible defaults
// for all configuration options.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Synapse knowledge graph.
type Config struct {
	Backend    BackendConfig    `yaml:"backend"`
	Vector     VectorConfig     `yaml:"vector"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Decay      DecayConfig      `yaml:"decay"`
	RateLimit  RateLimitConfig  `yaml:"embeddingRateLimit"`
	Pagination PaginationConfig `yaml:"pagination"`
	Hybrid     HybridConfig     `yaml:"hybrid"`
	Cache      CacheConfig      `yaml:"cache"`
}

// BackendConfig selects and connects the graph storage backend.
type BackendConfig struct {
	// Engine is the backend type: sqlite or postgres (default: sqlite).
	Engine string `yaml:"engine"`

	// DataPath is the SQLite database path (default: ./data/synapse.db).
	DataPath string `yaml:"dataPath"`

	// URI is the PostgreSQL connection string (postgres engine only).
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// VectorConfig configures the vector index.
type VectorConfig struct {
	IndexName string `yaml:"indexName"` // default: entity_embeddings

	// Dimensions is the fixed vector dimension for the index (default: 768).
	Dimensions int `yaml:"dimensions"`

	// SimilarityFunction is cosine or euclidean (default: cosine).
	SimilarityFunction string `yaml:"similarityFunction"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Provider is ollama, openai, or none (default: none).
	Provider string `yaml:"provider"`

	OllamaURL   string `yaml:"ollamaUrl"`   // default: http://localhost:11434
	OllamaModel string `yaml:"ollamaModel"` // default: nomic-embed-text

	OpenAIAPIKey string `yaml:"openaiApiKey"`
	OpenAIModel  string `yaml:"openaiModel"` // default: text-embedding-3-small
}

// DecayConfig configures the decayed confidence view.
type DecayConfig struct {
	Enabled       bool    `yaml:"enabled"`
	HalfLifeDays  float64 `yaml:"halfLifeDays"`  // default: 30
	MinConfidence float64 `yaml:"minConfidence"` // default: 0.1
}

// RateLimitConfig is the token bucket for embedding generation.
type RateLimitConfig struct {
	TokensPerInterval int `yaml:"tokensPerInterval"` // default: 20
	IntervalMs        int `yaml:"intervalMs"`        // default: 60000
}

// PaginationConfig bounds paged responses.
type PaginationConfig struct {
	DefaultLimit int `yaml:"defaultLimit"` // default: 10
	MaxLimit     int `yaml:"maxLimit"`     // default: 200
	MaxPageSize  int `yaml:"maxPageSize"`  // default: 200
}

// HybridConfig tunes hybrid search result fusion.
type HybridConfig struct {
	GraphWeight   float64 `yaml:"graphWeight"`   // default: 0.4
	VectorWeight  float64 `yaml:"vectorWeight"`  // default: 0.6
	Deduplication bool    `yaml:"deduplication"` // default: true
	MergeMethod   string  `yaml:"mergeMethod"`   // weighted or rrf (default: weighted)
}

// CacheConfig bounds the query result cache.
type CacheConfig struct {
	MaxSizeBytes int64 `yaml:"maxSizeBytes"` // default: 100 MiB
	DefaultTTLMs int   `yaml:"defaultTtlMs"` // default: 300000
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. All environment variables use the SYNAPSE_ prefix.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()
	return cfg, cfg.validate()
}

// LoadConfigFromFile reads a YAML config file and overlays SYNAPSE_
// environment variables on top of it. Environment variables take precedence
// over file values.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := buildBaseConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	// Environment variables win over file values.
	applyEnvOverrides(cfg)

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Backend.Engine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown backend engine %q", c.Backend.Engine)
	}
	switch c.Vector.SimilarityFunction {
	case "cosine", "euclidean":
	default:
		return fmt.Errorf("config: unknown similarity function %q", c.Vector.SimilarityFunction)
	}
	switch c.Hybrid.MergeMethod {
	case "weighted", "rrf":
	default:
		return fmt.Errorf("config: unknown merge method %q", c.Hybrid.MergeMethod)
	}
	if c.Vector.Dimensions <= 0 {
		return fmt.Errorf("config: vector dimensions must be positive")
	}
	sum := c.Hybrid.GraphWeight + c.Hybrid.VectorWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config: hybrid weights must sum to 1, got %f", sum)
	}
	return nil
}

// buildBaseConfig constructs a Config with values from environment variables
// and defaults.
func buildBaseConfig() *Config {
	cfg := &Config{
		Backend: BackendConfig{
			Engine:   "sqlite",
			DataPath: "./data/synapse.db",
		},
		Vector: VectorConfig{
			IndexName:          "entity_embeddings",
			Dimensions:         768,
			SimilarityFunction: "cosine",
		},
		Embedding: EmbeddingConfig{
			Provider:    "none",
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "nomic-embed-text",
			OpenAIModel: "text-embedding-3-small",
		},
		Decay: DecayConfig{
			Enabled:       true,
			HalfLifeDays:  30,
			MinConfidence: 0.1,
		},
		RateLimit: RateLimitConfig{
			TokensPerInterval: 20,
			IntervalMs:        60000,
		},
		Pagination: PaginationConfig{
			DefaultLimit: 10,
			MaxLimit:     200,
			MaxPageSize:  200,
		},
		Hybrid: HybridConfig{
			GraphWeight:   0.4,
			VectorWeight:  0.6,
			Deduplication: true,
			MergeMethod:   "weighted",
		},
		Cache: CacheConfig{
			MaxSizeBytes: 100 << 20,
			DefaultTTLMs: 300000,
		},
	}
	applyEnvOverrides(cfg)
	return cfg
}

// applyEnvOverrides overlays SYNAPSE_ environment variables on the config.
func applyEnvOverrides(cfg *Config) {
	cfg.Backend.Engine = getEnv("SYNAPSE_BACKEND_ENGINE", cfg.Backend.Engine)
	cfg.Backend.DataPath = getEnv("SYNAPSE_DATA_PATH", cfg.Backend.DataPath)
	cfg.Backend.URI = getEnv("SYNAPSE_BACKEND_URI", cfg.Backend.URI)
	cfg.Backend.Username = getEnv("SYNAPSE_BACKEND_USERNAME", cfg.Backend.Username)
	cfg.Backend.Password = getEnv("SYNAPSE_BACKEND_PASSWORD", cfg.Backend.Password)
	cfg.Backend.Database = getEnv("SYNAPSE_BACKEND_DATABASE", cfg.Backend.Database)

	cfg.Vector.IndexName = getEnv("SYNAPSE_VECTOR_INDEX_NAME", cfg.Vector.IndexName)
	cfg.Vector.Dimensions = getEnvInt("SYNAPSE_VECTOR_DIMENSIONS", cfg.Vector.Dimensions)
	cfg.Vector.SimilarityFunction = getEnv("SYNAPSE_VECTOR_SIMILARITY", cfg.Vector.SimilarityFunction)

	cfg.Embedding.Provider = getEnv("SYNAPSE_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.OllamaURL = getEnv("SYNAPSE_OLLAMA_URL", cfg.Embedding.OllamaURL)
	cfg.Embedding.OllamaModel = getEnv("SYNAPSE_EMBEDDING_MODEL", cfg.Embedding.OllamaModel)
	cfg.Embedding.OpenAIAPIKey = getEnv("SYNAPSE_OPENAI_API_KEY", cfg.Embedding.OpenAIAPIKey)
	cfg.Embedding.OpenAIModel = getEnv("SYNAPSE_OPENAI_MODEL", cfg.Embedding.OpenAIModel)

	cfg.Decay.Enabled = getEnvBool("SYNAPSE_DECAY_ENABLED", cfg.Decay.Enabled)
	cfg.Decay.HalfLifeDays = getEnvFloat("SYNAPSE_DECAY_HALF_LIFE_DAYS", cfg.Decay.HalfLifeDays)
	cfg.Decay.MinConfidence = getEnvFloat("SYNAPSE_DECAY_MIN_CONFIDENCE", cfg.Decay.MinConfidence)

	cfg.RateLimit.TokensPerInterval = getEnvInt("SYNAPSE_EMBED_TOKENS_PER_INTERVAL", cfg.RateLimit.TokensPerInterval)
	cfg.RateLimit.IntervalMs = getEnvInt("SYNAPSE_EMBED_INTERVAL_MS", cfg.RateLimit.IntervalMs)

	cfg.Pagination.DefaultLimit = getEnvInt("SYNAPSE_PAGE_DEFAULT_LIMIT", cfg.Pagination.DefaultLimit)
	cfg.Pagination.MaxLimit = getEnvInt("SYNAPSE_PAGE_MAX_LIMIT", cfg.Pagination.MaxLimit)
	cfg.Pagination.MaxPageSize = getEnvInt("SYNAPSE_PAGE_MAX_PAGE_SIZE", cfg.Pagination.MaxPageSize)

	cfg.Hybrid.GraphWeight = getEnvFloat("SYNAPSE_HYBRID_GRAPH_WEIGHT", cfg.Hybrid.GraphWeight)
	cfg.Hybrid.VectorWeight = getEnvFloat("SYNAPSE_HYBRID_VECTOR_WEIGHT", cfg.Hybrid.VectorWeight)
	cfg.Hybrid.Deduplication = getEnvBool("SYNAPSE_HYBRID_DEDUP", cfg.Hybrid.Deduplication)
	cfg.Hybrid.MergeMethod = getEnv("SYNAPSE_HYBRID_MERGE_METHOD", cfg.Hybrid.MergeMethod)

	cfg.Cache.MaxSizeBytes = getEnvInt64("SYNAPSE_CACHE_MAX_SIZE_BYTES", cfg.Cache.MaxSizeBytes)
	cfg.Cache.DefaultTTLMs = getEnvInt("SYNAPSE_CACHE_TTL_MS", cfg.Cache.DefaultTTLMs)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. It recognizes "true", "1", "yes" and "false", "0", "no".
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
