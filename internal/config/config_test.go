package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Backend.Engine != "sqlite" {
		t.Errorf("default engine = %q, want sqlite", cfg.Backend.Engine)
	}
	if cfg.Vector.Dimensions != 768 {
		t.Errorf("default dimensions = %d, want 768", cfg.Vector.Dimensions)
	}
	if cfg.Embedding.Provider != "none" {
		t.Errorf("default embedding provider = %q, want none", cfg.Embedding.Provider)
	}
	if cfg.Decay.HalfLifeDays != 30 {
		t.Errorf("default half life = %f, want 30", cfg.Decay.HalfLifeDays)
	}
	if cfg.Hybrid.GraphWeight != 0.4 || cfg.Hybrid.VectorWeight != 0.6 {
		t.Errorf("default hybrid weights = %f/%f", cfg.Hybrid.GraphWeight, cfg.Hybrid.VectorWeight)
	}
	if cfg.Cache.MaxSizeBytes != 100<<20 {
		t.Errorf("default cache size = %d", cfg.Cache.MaxSizeBytes)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SYNAPSE_BACKEND_ENGINE", "postgres")
	t.Setenv("SYNAPSE_BACKEND_URI", "postgres://localhost:5432/synapse")
	t.Setenv("SYNAPSE_VECTOR_DIMENSIONS", "1536")
	t.Setenv("SYNAPSE_DECAY_ENABLED", "false")
	t.Setenv("SYNAPSE_DECAY_HALF_LIFE_DAYS", "7.5")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Backend.Engine != "postgres" {
		t.Errorf("engine = %q", cfg.Backend.Engine)
	}
	if cfg.Vector.Dimensions != 1536 {
		t.Errorf("dimensions = %d", cfg.Vector.Dimensions)
	}
	if cfg.Decay.Enabled {
		t.Error("decay still enabled")
	}
	if cfg.Decay.HalfLifeDays != 7.5 {
		t.Errorf("half life = %f", cfg.Decay.HalfLifeDays)
	}
}

func TestLoadConfigUnparseableEnvFallsBack(t *testing.T) {
	t.Setenv("SYNAPSE_VECTOR_DIMENSIONS", "not-a-number")
	t.Setenv("SYNAPSE_DECAY_ENABLED", "maybe")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Vector.Dimensions != 768 {
		t.Errorf("dimensions = %d, want default 768", cfg.Vector.Dimensions)
	}
	if !cfg.Decay.Enabled {
		t.Error("unrecognized bool must keep the default")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synapse.yml")
	content := `
backend:
  engine: sqlite
  dataPath: /tmp/from-file.db
vector:
  dimensions: 384
embedding:
  provider: ollama
  ollamaModel: all-minilm
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}
	if cfg.Backend.DataPath != "/tmp/from-file.db" {
		t.Errorf("dataPath = %q", cfg.Backend.DataPath)
	}
	if cfg.Vector.Dimensions != 384 {
		t.Errorf("dimensions = %d", cfg.Vector.Dimensions)
	}
	if cfg.Embedding.OllamaModel != "all-minilm" {
		t.Errorf("ollamaModel = %q", cfg.Embedding.OllamaModel)
	}
	// Untouched sections keep their defaults.
	if cfg.Pagination.DefaultLimit != 10 {
		t.Errorf("defaultLimit = %d", cfg.Pagination.DefaultLimit)
	}
}

func TestLoadConfigFromFileEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synapse.yml")
	if err := os.WriteFile(path, []byte("vector:\n  dimensions: 384\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SYNAPSE_VECTOR_DIMENSIONS", "1024")

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}
	if cfg.Vector.Dimensions != 1024 {
		t.Errorf("dimensions = %d, env must override the file", cfg.Vector.Dimensions)
	}
}

func TestLoadConfigFromFileMissing(t *testing.T) {
	if _, err := LoadConfigFromFile("/does/not/exist.yml"); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad engine", map[string]string{"SYNAPSE_BACKEND_ENGINE": "oracle"}},
		{"bad similarity", map[string]string{"SYNAPSE_VECTOR_SIMILARITY": "manhattan"}},
		{"bad merge method", map[string]string{"SYNAPSE_HYBRID_MERGE_METHOD": "max"}},
		{"weights not summing to one", map[string]string{"SYNAPSE_HYBRID_GRAPH_WEIGHT": "0.9"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}
