package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// schemaStatements create the bitemporal graph tables. Entities and
// relations keep every version; the partial unique indexes enforce
// at-most-one current row per entity name and per relation triple.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		entity_type TEXT NOT NULL DEFAULT '',
		observations JSONB NOT NULL DEFAULT '[]',
		embedding BYTEA,
		embedding_model TEXT,
		embedding_updated_at TIMESTAMPTZ,
		version INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		valid_from TIMESTAMPTZ NOT NULL,
		valid_to TIMESTAMPTZ,
		changed_by TEXT
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_current_name
		ON entities (name) WHERE valid_to IS NULL`,

	`CREATE INDEX IF NOT EXISTS idx_entities_name ON entities (name)`,

	`CREATE INDEX IF NOT EXISTS idx_entities_validity
		ON entities (valid_from, valid_to)`,

	`CREATE TABLE IF NOT EXISTS relations (
		id UUID PRIMARY KEY,
		from_name TEXT NOT NULL,
		to_name TEXT NOT NULL,
		relation_type TEXT NOT NULL,
		from_id UUID NOT NULL,
		to_id UUID NOT NULL,
		strength DOUBLE PRECISION,
		confidence DOUBLE PRECISION,
		metadata JSONB NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		valid_from TIMESTAMPTZ NOT NULL,
		valid_to TIMESTAMPTZ,
		changed_by TEXT
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_relations_current_triple
		ON relations (from_name, to_name, relation_type) WHERE valid_to IS NULL`,

	`CREATE INDEX IF NOT EXISTS idx_relations_from ON relations (from_name)`,

	`CREATE INDEX IF NOT EXISTS idx_relations_to ON relations (to_name)`,

	`CREATE INDEX IF NOT EXISTS idx_relations_validity
		ON relations (valid_from, valid_to)`,
}

// InitializeSchema creates the graph tables, constraints, and (when pgvector
// is installed) the vector column plus its ivfflat index. Idempotent: safe
// to run on every startup.
func (s *GraphStore) InitializeSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: schema init: %w", translateError(err))
		}
	}

	// pgvector is optional. When the extension cannot be created the store
	// still works; vector search degrades to unavailable.
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		log.Printf("WARNING: postgres: pgvector extension unavailable, vector search disabled: %v", err)
		s.pgvectorAvailable = false
		return nil
	}
	s.pgvectorAvailable = true

	vecColumn := fmt.Sprintf(
		`ALTER TABLE entities ADD COLUMN IF NOT EXISTS embedding_vec vector(%d)`,
		s.dimensions,
	)
	if _, err := s.db.ExecContext(ctx, vecColumn); err != nil {
		return fmt.Errorf("postgres: add embedding_vec column: %w", translateError(err))
	}

	ops := "vector_cosine_ops"
	if s.similarity == "euclidean" {
		ops = "vector_l2_ops"
	}
	vecIndex := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON entities USING ivfflat (embedding_vec %s) WITH (lists = 100)`,
		quoteIdentifier(s.indexName), ops,
	)
	if _, err := s.db.ExecContext(ctx, vecIndex); err != nil {
		// ivfflat refuses to build on some configurations (e.g. dimension
		// too large); searches still work without the index, just slower.
		log.Printf("WARNING: postgres: could not create vector index %s: %v", s.indexName, err)
	}

	return nil
}

// quoteIdentifier quotes a SQL identifier that comes from configuration.
func quoteIdentifier(name string) string {
	return `"` + stringsReplaceAllQuote(name) + `"`
}

func stringsReplaceAllQuote(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"', '"')
			continue
		}
		out = append(out, name[i])
	}
	return string(out)
}

// PGVectorAvailable reports whether the pgvector extension was detected at
// schema initialization.
func (s *GraphStore) PGVectorAvailable() bool {
	return s.pgvectorAvailable
}

// DB exposes the underlying connection pool for maintenance tooling.
func (s *GraphStore) DB() *sql.DB {
	return s.db
}
