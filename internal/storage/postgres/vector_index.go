package postgres

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/scrypster/synapse/internal/storage"
)

// VectorIndex implements storage.VectorIndex on the embedding_vec column of
// the entities table using pgvector. Keys are entity names; only the current
// version of an entity carries a vector.
type VectorIndex struct {
	store *GraphStore
}

var _ storage.VectorIndex = (*VectorIndex)(nil)

// NewVectorIndex returns the vector index backed by the same connection pool
// as the graph store.
func NewVectorIndex(store *GraphStore) *VectorIndex {
	return &VectorIndex{store: store}
}

// Initialize is covered by the graph store's schema initialization; it only
// verifies that pgvector came up.
func (v *VectorIndex) Initialize(ctx context.Context) error {
	if !v.store.pgvectorAvailable {
		return fmt.Errorf("%w: pgvector extension is not installed", storage.ErrUnavailable)
	}
	return nil
}

// AddVector upserts the vector for an entity name onto its current version.
// A key without a current entity is logged and skipped; the graph is the
// source of truth and the index converges on the next write.
func (v *VectorIndex) AddVector(ctx context.Context, key string, vector []float32, tags storage.VectorTags) error {
	if !v.store.pgvectorAvailable {
		return fmt.Errorf("%w: pgvector extension is not installed", storage.ErrUnavailable)
	}
	if key == "" {
		return fmt.Errorf("%w: vector key is required", storage.ErrInvalidInput)
	}
	if len(vector) != v.store.dimensions {
		return fmt.Errorf("%w: vector has %d dimensions, index expects %d",
			storage.ErrInvalidInput, len(vector), v.store.dimensions)
	}

	now := time.Now().UTC()
	res, err := v.store.db.ExecContext(ctx, `
		UPDATE entities
		SET embedding = $2, embedding_vec = $3, embedding_model = $4, embedding_updated_at = $5
		WHERE name = $1 AND valid_to IS NULL
	`, key, serializeVector(vector), pgVector(vector), tags.Model, now)
	if err != nil {
		return fmt.Errorf("postgres: add vector for %s: %w", key, translateError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("WARNING: postgres: add vector: no current entity named %q", key)
	}
	return nil
}

// RemoveVector clears the vector columns on the current version of the named
// entity. Missing keys are not an error.
func (v *VectorIndex) RemoveVector(ctx context.Context, key string) error {
	if !v.store.pgvectorAvailable {
		return fmt.Errorf("%w: pgvector extension is not installed", storage.ErrUnavailable)
	}
	if key == "" {
		return fmt.Errorf("%w: vector key is required", storage.ErrInvalidInput)
	}

	_, err := v.store.db.ExecContext(ctx, `
		UPDATE entities
		SET embedding = NULL, embedding_vec = NULL, embedding_model = NULL, embedding_updated_at = NULL
		WHERE name = $1 AND valid_to IS NULL
	`, key)
	if err != nil {
		return fmt.Errorf("postgres: remove vector for %s: %w", key, translateError(err))
	}
	return nil
}

// SearchVectors runs a similarity search over current entities with a
// vector. Cosine similarity is 1 - cosine distance; euclidean similarity is
// 1 / (1 + distance). Results come back ordered by similarity descending,
// ties broken by name ascending.
func (v *VectorIndex) SearchVectors(ctx context.Context, vector []float32, opts storage.VectorSearchOptions) ([]storage.VectorMatch, error) {
	if !v.store.pgvectorAvailable {
		return nil, fmt.Errorf("%w: pgvector extension is not installed", storage.ErrUnavailable)
	}
	if len(vector) != v.store.dimensions {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, index expects %d",
			storage.ErrInvalidInput, len(vector), v.store.dimensions)
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	similarityExpr := `1 - (embedding_vec <=> $1)`
	if v.store.similarity == "euclidean" {
		similarityExpr = `1 / (1 + (embedding_vec <-> $1))`
	}

	where := `valid_to IS NULL AND embedding_vec IS NOT NULL`
	args := []interface{}{pgVector(vector)}
	if len(opts.EntityTypes) > 0 {
		where += fmt.Sprintf(` AND entity_type = ANY($%d)`, len(args)+1)
		args = append(args, pq.Array(opts.EntityTypes))
	}

	having := ""
	if opts.MinSimilarity > 0 {
		having = fmt.Sprintf(` AND %s >= $%d`, similarityExpr, len(args)+1)
		args = append(args, opts.MinSimilarity)
	}

	query := fmt.Sprintf(`
		SELECT name, entity_type, COALESCE(embedding_model, ''), %s AS similarity
		FROM entities
		WHERE %s%s
		ORDER BY similarity DESC, name ASC
		LIMIT $%d
	`, similarityExpr, where, having, len(args)+1)
	args = append(args, opts.Limit)

	rows, err := v.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", translateError(err))
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.VectorMatch
	for rows.Next() {
		var m storage.VectorMatch
		if err := rows.Scan(&m.Key, &m.Tags.EntityType, &m.Tags.Model, &m.Similarity); err != nil {
			return nil, fmt.Errorf("postgres: scan vector match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: vector search rows: %w", translateError(err))
	}
	return matches, nil
}
