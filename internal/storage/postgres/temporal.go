package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// GetEntityHistory returns every version of the named entity, oldest first.
// ErrNotFound when no version ever existed.
func (s *GraphStore) GetEntityHistory(ctx context.Context, name string) ([]types.Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entitySelectColumns+`
		FROM entities WHERE name = $1
		ORDER BY valid_from ASC, version ASC
	`, name)
	if err != nil {
		return nil, fmt.Errorf("postgres: entity history: %w", translateError(err))
	}
	defer func() { _ = rows.Close() }()

	history, err := scanEntityRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan entity history: %w", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("postgres: entity %s: %w", name, storage.ErrNotFound)
	}
	return history, nil
}

// GetRelationHistory returns every version of the edge for the triple,
// oldest first. ErrNotFound when no version ever existed.
func (s *GraphStore) GetRelationHistory(ctx context.Context, from, to, relationType string) ([]types.Relation, error) {
	if from == "" || to == "" || relationType == "" {
		return nil, fmt.Errorf("%w: from, to, and relationType are required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+relationSelectColumns+`
		FROM relations
		WHERE from_name = $1 AND to_name = $2 AND relation_type = $3
		ORDER BY valid_from ASC, version ASC
	`, from, to, relationType)
	if err != nil {
		return nil, fmt.Errorf("postgres: relation history: %w", translateError(err))
	}
	defer func() { _ = rows.Close() }()

	history, err := scanRelationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan relation history: %w", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("postgres: relation %s -[%s]-> %s: %w", from, relationType, to, storage.ErrNotFound)
	}
	return history, nil
}

// GetGraphAtTime reconstructs the graph as of the given instant: every
// version whose validity interval covers it (valid_from <= t < valid_to,
// with NULL valid_to meaning still open).
func (s *GraphStore) GetGraphAtTime(ctx context.Context, at time.Time) (*types.Graph, error) {
	if at.IsZero() {
		return nil, fmt.Errorf("%w: timestamp is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entitySelectColumns+`
		FROM entities
		WHERE valid_from <= $1 AND (valid_to IS NULL OR valid_to > $1)
		ORDER BY name
	`, at)
	if err != nil {
		return nil, fmt.Errorf("postgres: graph at time: %w", translateError(err))
	}
	defer func() { _ = rows.Close() }()
	entities, err := scanEntityRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan entities at time: %w", err)
	}

	relRows, err := s.db.QueryContext(ctx, `
		SELECT `+relationSelectColumns+`
		FROM relations
		WHERE valid_from <= $1 AND (valid_to IS NULL OR valid_to > $1)
		ORDER BY from_name, to_name, relation_type
	`, at)
	if err != nil {
		return nil, fmt.Errorf("postgres: relations at time: %w", translateError(err))
	}
	defer func() { _ = relRows.Close() }()
	relations, err := scanRelationRows(relRows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan relations at time: %w", err)
	}

	if entities == nil {
		entities = []types.Entity{}
	}
	if relations == nil {
		relations = []types.Relation{}
	}
	return &types.Graph{Entities: entities, Relations: relations}, nil
}
