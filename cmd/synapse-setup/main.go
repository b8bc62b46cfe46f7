// Command synapse-setup initializes (or verifies) a Synapse database.
//
// It loads configuration the same way the library does, connects to the
// configured backend, and applies the schema. Idempotent: safe to re-run
// on every deployment.
//
//	synapse-setup                      # initialize using env config
//	synapse-setup --config synapse.yml # initialize using a config file
//	synapse-setup --verify             # check the installation, change nothing
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/scrypster/synapse/internal/config"
	"github.com/scrypster/synapse/internal/embedding"
	"github.com/scrypster/synapse/internal/storage/postgres"
	"github.com/scrypster/synapse/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (env vars still take precedence)")
	verify := flag.Bool("verify", false, "check the installation without modifying anything")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout for setup operations")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *verify {
		os.Exit(runVerify(ctx, cfg))
	}
	os.Exit(runSetup(ctx, cfg))
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadConfigFromFile(path)
	}
	return config.LoadConfig()
}

func runSetup(ctx context.Context, cfg *config.Config) int {
	fmt.Println("Synapse Setup")
	fmt.Println("=============")
	fmt.Printf("Backend: %s\n\n", cfg.Backend.Engine)

	switch cfg.Backend.Engine {
	case "sqlite":
		return setupSQLite(ctx, cfg)
	case "postgres":
		return setupPostgres(ctx, cfg)
	default:
		// LoadConfig validates the engine, so this is unreachable in practice.
		fmt.Printf("ERROR: unknown backend engine %q\n", cfg.Backend.Engine)
		return 1
	}
}

func setupSQLite(ctx context.Context, cfg *config.Config) int {
	dir := filepath.Dir(cfg.Backend.DataPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Printf("ERROR: create data directory %s: %v\n", dir, err)
		return 1
	}
	fmt.Printf("OK: data directory %s\n", dir)

	store, err := sqlite.NewGraphStore(cfg.Backend.DataPath, sqlite.Options{
		SimilarityFunction: cfg.Vector.SimilarityFunction,
		Dimensions:         cfg.Vector.Dimensions,
		DefaultLimit:       cfg.Pagination.DefaultLimit,
		MaxLimit:           cfg.Pagination.MaxLimit,
	})
	if err != nil {
		fmt.Printf("ERROR: open %s: %v\n", cfg.Backend.DataPath, err)
		return 1
	}
	defer store.Close()

	if err := store.InitializeSchema(ctx); err != nil {
		fmt.Printf("ERROR: initialize schema: %v\n", err)
		return 1
	}
	fmt.Printf("OK: schema ready at %s\n", cfg.Backend.DataPath)
	fmt.Println("OK: vector search uses an in-process scan (no extension needed)")

	reportEmbedding(cfg)
	fmt.Println("\nStatus: READY")
	return 0
}

func setupPostgres(ctx context.Context, cfg *config.Config) int {
	connStr, err := postgresConnStr(cfg)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		return 1
	}

	store, err := postgres.NewGraphStore(connStr, postgres.Options{
		SimilarityFunction: cfg.Vector.SimilarityFunction,
		Dimensions:         cfg.Vector.Dimensions,
		IndexName:          cfg.Vector.IndexName,
		DefaultLimit:       cfg.Pagination.DefaultLimit,
		MaxLimit:           cfg.Pagination.MaxLimit,
	})
	if err != nil {
		fmt.Printf("ERROR: connect: %v\n", err)
		return 1
	}
	defer store.Close()
	fmt.Println("OK: connected")

	if err := store.InitializeSchema(ctx); err != nil {
		fmt.Printf("ERROR: initialize schema: %v\n", err)
		return 1
	}
	fmt.Println("OK: schema ready")

	if store.PGVectorAvailable() {
		fmt.Printf("OK: pgvector detected, %s index on %d dimensions\n",
			cfg.Vector.SimilarityFunction, cfg.Vector.Dimensions)
	} else {
		fmt.Println("WARNING: pgvector extension not available, vector search disabled")
		fmt.Println("         install it with: CREATE EXTENSION vector;")
	}

	reportEmbedding(cfg)
	fmt.Println("\nStatus: READY")
	return 0
}

// runVerify checks connectivity and the embedding configuration without
// touching the schema. Exit code 0 means the installation is usable.
func runVerify(ctx context.Context, cfg *config.Config) int {
	fmt.Println("Synapse Verification")
	fmt.Println("====================")

	ok := true

	switch cfg.Backend.Engine {
	case "sqlite":
		if info, err := os.Stat(cfg.Backend.DataPath); err != nil {
			fmt.Printf("Database:  MISSING %s (run synapse-setup first)\n", cfg.Backend.DataPath)
			ok = false
		} else if info.IsDir() {
			fmt.Printf("Database:  ERROR %s is a directory\n", cfg.Backend.DataPath)
			ok = false
		} else {
			fmt.Printf("Database:  OK %s (%d bytes)\n", cfg.Backend.DataPath, info.Size())
		}
	case "postgres":
		connStr, err := postgresConnStr(cfg)
		if err != nil {
			fmt.Printf("Database:  ERROR %v\n", err)
			ok = false
			break
		}
		store, err := postgres.NewGraphStore(connStr, postgres.Options{
			Dimensions: cfg.Vector.Dimensions,
		})
		if err != nil {
			fmt.Printf("Database:  UNREACHABLE %v\n", err)
			ok = false
			break
		}
		store.Close()
		fmt.Println("Database:  OK reachable")
	}

	provider, err := embedding.NewProvider(cfg)
	switch {
	case err != nil:
		fmt.Printf("Embedding: ERROR %v\n", err)
		ok = false
	case provider == nil:
		fmt.Println("Embedding: disabled (graph search only)")
	default:
		// Probe with a short text; a failure here usually means the provider
		// endpoint is down, not that the config is wrong.
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, probeErr := provider.Embed(probeCtx, "synapse verification probe")
		cancel()
		if probeErr != nil {
			fmt.Printf("Embedding: UNREACHABLE %s (%v)\n", provider.Model(), probeErr)
			ok = false
		} else {
			fmt.Printf("Embedding: OK %s (%d dimensions)\n", provider.Model(), provider.Dimensions())
		}
	}

	fmt.Println()
	if ok {
		fmt.Println("Status: READY")
		return 0
	}
	fmt.Println("Status: NOT READY")
	return 1
}

// postgresConnStr assembles the connection string from the config. An explicit
// URI wins; the username/password/database fields overlay it when set.
func postgresConnStr(cfg *config.Config) (string, error) {
	if cfg.Backend.URI == "" {
		return "", fmt.Errorf("postgres backend requires SYNAPSE_BACKEND_URI")
	}
	u, err := url.Parse(cfg.Backend.URI)
	if err != nil {
		return "", fmt.Errorf("parse backend URI: %w", err)
	}
	if cfg.Backend.Username != "" {
		if cfg.Backend.Password != "" {
			u.User = url.UserPassword(cfg.Backend.Username, cfg.Backend.Password)
		} else {
			u.User = url.User(cfg.Backend.Username)
		}
	}
	if cfg.Backend.Database != "" {
		u.Path = "/" + cfg.Backend.Database
	}
	return u.String(), nil
}

func reportEmbedding(cfg *config.Config) {
	provider, err := embedding.NewProvider(cfg)
	switch {
	case err != nil:
		fmt.Printf("WARNING: embedding provider misconfigured: %v\n", err)
	case provider == nil:
		fmt.Println("OK: embeddings disabled (set SYNAPSE_EMBEDDING_PROVIDER to enable)")
	default:
		fmt.Printf("OK: embedding provider %s configured (model %s)\n",
			cfg.Embedding.Provider, provider.Model())
	}
}
