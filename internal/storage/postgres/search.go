package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// SearchNodes matches the query as an escaped substring against entity name,
// type, and observation text, returning one page of matches plus the induced
// relation subgraph. The total count is only computed when requested.
func (s *GraphStore) SearchNodes(ctx context.Context, opts storage.SearchOptions) (*storage.PaginatedGraph, error) {
	if opts.Query == "" {
		return nil, fmt.Errorf("%w: search query is required", storage.ErrInvalidInput)
	}
	opts.Page.Normalize(s.defaultLimit, s.maxLimit)

	start := time.Now()

	// The query is a literal substring, not a user-supplied regex, so its
	// metacharacters are escaped before reaching the ~ operator.
	pattern := regexp.QuoteMeta(opts.Query)
	matchOp := "~*"
	if opts.CaseSensitive {
		matchOp = "~"
	}

	where := fmt.Sprintf(
		`valid_to IS NULL AND (name %[1]s $1 OR entity_type %[1]s $1 OR observations::text %[1]s $1)`,
		matchOp,
	)
	args := []interface{}{pattern}
	if len(opts.EntityTypes) > 0 {
		where += ` AND entity_type = ANY($2)`
		args = append(args, pq.Array(opts.EntityTypes))
	}

	total := -1
	if opts.Page.IncludeTotal {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entities WHERE `+where, args...).Scan(&total); err != nil {
			return nil, fmt.Errorf("postgres: count search matches: %w", translateError(err))
		}
	}

	query := fmt.Sprintf(`
		SELECT %s FROM entities WHERE %s
		ORDER BY name
		LIMIT $%d OFFSET $%d
	`, entitySelectColumns, where, len(args)+1, len(args)+2)
	args = append(args, opts.Page.Limit, opts.Page.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search nodes: %w", translateError(err))
	}
	defer func() { _ = rows.Close() }()
	entities, err := scanEntityRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan search matches: %w", err)
	}
	if entities == nil {
		entities = []types.Entity{}
	}

	relations := []types.Relation{}
	if len(entities) > 0 {
		names := make([]string, len(entities))
		for i := range entities {
			names[i] = entities[i].Name
		}
		relRows, err := s.db.QueryContext(ctx, `
			SELECT `+relationSelectColumns+`
			FROM relations
			WHERE valid_to IS NULL AND from_name = ANY($1) AND to_name = ANY($1)
		`, pq.Array(names))
		if err != nil {
			return nil, fmt.Errorf("postgres: search relations: %w", translateError(err))
		}
		defer func() { _ = relRows.Close() }()
		relations, err = scanRelationRows(relRows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan search relations: %w", err)
		}
		if relations == nil {
			relations = []types.Relation{}
		}
	}

	return &storage.PaginatedGraph{
		Entities:  entities,
		Relations: relations,
		PageInfo:  storage.NewPageInfo(opts.Page, len(entities), total, time.Since(start)),
	}, nil
}
