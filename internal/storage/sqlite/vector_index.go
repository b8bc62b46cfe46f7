package sqlite

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/scrypster/synapse/internal/storage"
)

// VectorIndex implements storage.VectorIndex over the embedding BLOB column.
// SQLite has no native vector search, so similarity is a linear scan with
// the math done in Go. Fine for the graph sizes this backend targets.
type VectorIndex struct {
	store *GraphStore
}

var _ storage.VectorIndex = (*VectorIndex)(nil)

// NewVectorIndex returns the vector index backed by the same database handle
// as the graph store.
func NewVectorIndex(store *GraphStore) *VectorIndex {
	return &VectorIndex{store: store}
}

// Initialize is a no-op; the embedding column is part of the base schema.
func (v *VectorIndex) Initialize(ctx context.Context) error {
	return nil
}

// AddVector upserts the vector onto the current version of the named entity.
// A key without a current entity is logged and skipped.
func (v *VectorIndex) AddVector(ctx context.Context, key string, vector []float32, tags storage.VectorTags) error {
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
		SET embedding = ?, embedding_model = ?, embedding_updated_at = ?
		WHERE name = ? AND valid_to IS NULL
	`, serializeVector(vector), tags.Model, now, key)
	if err != nil {
		return fmt.Errorf("sqlite: add vector for %s: %w", key, translateError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("WARNING: sqlite: add vector: no current entity named %q", key)
	}
	return nil
}

// RemoveVector clears the vector columns on the current version.
func (v *VectorIndex) RemoveVector(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("%w: vector key is required", storage.ErrInvalidInput)
	}

	_, err := v.store.db.ExecContext(ctx, `
		UPDATE entities
		SET embedding = NULL, embedding_model = NULL, embedding_updated_at = NULL
		WHERE name = ? AND valid_to IS NULL
	`, key)
	if err != nil {
		return fmt.Errorf("sqlite: remove vector for %s: %w", key, translateError(err))
	}
	return nil
}

// SearchVectors scans every current entity with a vector and ranks by
// similarity descending, ties broken by name ascending.
func (v *VectorIndex) SearchVectors(ctx context.Context, vector []float32, opts storage.VectorSearchOptions) ([]storage.VectorMatch, error) {
	if len(vector) != v.store.dimensions {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, index expects %d",
			storage.ErrInvalidInput, len(vector), v.store.dimensions)
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	query := `
		SELECT name, entity_type, COALESCE(embedding_model, ''), embedding
		FROM entities
		WHERE valid_to IS NULL AND embedding IS NOT NULL
	`
	var args []interface{}
	if len(opts.EntityTypes) > 0 {
		query += ` AND entity_type IN (` + placeholders(len(opts.EntityTypes)) + `)`
		args = stringArgs(opts.EntityTypes)
	}

	rows, err := v.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: vector search: %w", translateError(err))
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.VectorMatch
	for rows.Next() {
		var m storage.VectorMatch
		var blob []byte
		if err := rows.Scan(&m.Key, &m.Tags.EntityType, &m.Tags.Model, &blob); err != nil {
			return nil, fmt.Errorf("sqlite: scan vector row: %w", err)
		}
		candidate, err := deserializeVector(blob)
		if err != nil {
			log.Printf("WARNING: sqlite: corrupt embedding for entity %s: %v", m.Key, err)
			continue
		}
		if len(candidate) != len(vector) {
			continue
		}

		m.Similarity = v.similarity(vector, candidate)
		if opts.MinSimilarity > 0 && m.Similarity < opts.MinSimilarity {
			continue
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: vector search rows: %w", translateError(err))
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Key < matches[j].Key
	})
	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

func (v *VectorIndex) similarity(a, b []float32) float64 {
	if v.store.similarity == "euclidean" {
		return 1 / (1 + euclideanDistance(a, b))
	}
	return cosineSimilarity(a, b)
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func euclideanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
