package sqlite

import (
	"context"
	"fmt"
)

// schemaStatements mirror the bitemporal layout of the postgres backend.
// Observations and metadata are stored as JSON text; embeddings as raw
// little-endian float32 blobs (SQLite has no vector type, similarity runs
// in Go).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		entity_type TEXT NOT NULL DEFAULT '',
		observations TEXT NOT NULL DEFAULT '[]',
		embedding BLOB,
		embedding_model TEXT,
		embedding_updated_at TIMESTAMP,
		version INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		valid_from TIMESTAMP NOT NULL,
		valid_to TIMESTAMP,
		changed_by TEXT
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_current_name
		ON entities (name) WHERE valid_to IS NULL`,

	`CREATE INDEX IF NOT EXISTS idx_entities_name ON entities (name)`,

	`CREATE INDEX IF NOT EXISTS idx_entities_validity
		ON entities (valid_from, valid_to)`,

	`CREATE TABLE IF NOT EXISTS relations (
		id TEXT PRIMARY KEY,
		from_name TEXT NOT NULL,
		to_name TEXT NOT NULL,
		relation_type TEXT NOT NULL,
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		strength REAL,
		confidence REAL,
		metadata TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		valid_from TIMESTAMP NOT NULL,
		valid_to TIMESTAMP,
		changed_by TEXT
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_relations_current_triple
		ON relations (from_name, to_name, relation_type) WHERE valid_to IS NULL`,

	`CREATE INDEX IF NOT EXISTS idx_relations_from ON relations (from_name)`,

	`CREATE INDEX IF NOT EXISTS idx_relations_to ON relations (to_name)`,

	`CREATE INDEX IF NOT EXISTS idx_relations_validity
		ON relations (valid_from, valid_to)`,
}

// InitializeSchema creates the graph tables and indexes. Idempotent.
func (s *GraphStore) InitializeSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: schema init: %w", translateError(err))
		}
	}
	return nil
}
