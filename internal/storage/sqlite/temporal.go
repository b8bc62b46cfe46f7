package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// GetEntityHistory returns every version of the named entity, oldest first.
func (s *GraphStore) GetEntityHistory(ctx context.Context, name string) ([]types.Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entitySelectColumns+`
		FROM entities WHERE name = ?
		ORDER BY valid_from ASC, version ASC
	`, name)
	if err != nil {
		return nil, fmt.Errorf("sqlite: entity history: %w", translateError(err))
	}
	defer func() { _ = rows.Close() }()

	history, err := scanEntityRows(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan entity history: %w", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("sqlite: entity %s: %w", name, storage.ErrNotFound)
	}
	return history, nil
}

// GetRelationHistory returns every version of the edge for the triple,
// oldest first.
func (s *GraphStore) GetRelationHistory(ctx context.Context, from, to, relationType string) ([]types.Relation, error) {
	if from == "" || to == "" || relationType == "" {
		return nil, fmt.Errorf("%w: from, to, and relationType are required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+relationSelectColumns+`
		FROM relations
		WHERE from_name = ? AND to_name = ? AND relation_type = ?
		ORDER BY valid_from ASC, version ASC
	`, from, to, relationType)
	if err != nil {
		return nil, fmt.Errorf("sqlite: relation history: %w", translateError(err))
	}
	defer func() { _ = rows.Close() }()

	history, err := scanRelationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan relation history: %w", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("sqlite: relation %s -[%s]-> %s: %w", from, relationType, to, storage.ErrNotFound)
	}
	return history, nil
}

// GetGraphAtTime reconstructs the graph as of the given instant.
func (s *GraphStore) GetGraphAtTime(ctx context.Context, at time.Time) (*types.Graph, error) {
	if at.IsZero() {
		return nil, fmt.Errorf("%w: timestamp is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entitySelectColumns+`
		FROM entities
		WHERE valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)
		ORDER BY name
	`, at, at)
	if err != nil {
		return nil, fmt.Errorf("sqlite: graph at time: %w", translateError(err))
	}
	defer func() { _ = rows.Close() }()
	entities, err := scanEntityRows(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan entities at time: %w", err)
	}

	relRows, err := s.db.QueryContext(ctx, `
		SELECT `+relationSelectColumns+`
		FROM relations
		WHERE valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)
		ORDER BY from_name, to_name, relation_type
	`, at, at)
	if err != nil {
		return nil, fmt.Errorf("sqlite: relations at time: %w", translateError(err))
	}
	defer func() { _ = relRows.Close() }()
	relations, err := scanRelationRows(relRows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan relations at time: %w", err)
	}

	if entities == nil {
		entities = []types.Entity{}
	}
	if relations == nil {
		relations = []types.Relation{}
	}
	return &types.Graph{Entities: entities, Relations: relations}, nil
}
