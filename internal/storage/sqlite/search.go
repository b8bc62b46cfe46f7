package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// SearchNodes matches the query as a substring against entity name, type,
// and observations. SQLite has no regex operator, so candidates are loaded
// with a LIKE pre-filter and matched precisely in Go. Totals come for free
// because the full match set is materialized before pagination.
func (s *GraphStore) SearchNodes(ctx context.Context, opts storage.SearchOptions) (*storage.PaginatedGraph, error) {
	if opts.Query == "" {
		return nil, fmt.Errorf("%w: search query is required", storage.ErrInvalidInput)
	}
	opts.Page.Normalize(s.defaultLimit, s.maxLimit)

	start := time.Now()

	// LIKE is case-insensitive for ASCII in SQLite, which over-matches for
	// the case-sensitive mode; the Go-side check below is authoritative.
	like := "%" + escapeLike(opts.Query) + "%"
	query := `
		SELECT ` + entitySelectColumns + `
		FROM entities
		WHERE valid_to IS NULL
		  AND (name LIKE ? ESCAPE '\' OR entity_type LIKE ? ESCAPE '\' OR observations LIKE ? ESCAPE '\')
	`
	args := []interface{}{like, like, like}
	if len(opts.EntityTypes) > 0 {
		query += ` AND entity_type IN (` + placeholders(len(opts.EntityTypes)) + `)`
		args = append(args, stringArgs(opts.EntityTypes)...)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search nodes: %w", translateError(err))
	}
	defer func() { _ = rows.Close() }()
	candidates, err := scanEntityRows(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan search candidates: %w", err)
	}

	matched := make([]types.Entity, 0, len(candidates))
	for i := range candidates {
		if entityMatches(&candidates[i], opts.Query, opts.CaseSensitive) {
			matched = append(matched, candidates[i])
		}
	}

	total := -1
	if opts.Page.IncludeTotal {
		total = len(matched)
	}

	lo := opts.Page.Offset
	if lo > len(matched) {
		lo = len(matched)
	}
	hi := lo + opts.Page.Limit
	if hi > len(matched) {
		hi = len(matched)
	}
	page := matched[lo:hi]
	if page == nil {
		page = []types.Entity{}
	}

	relations := []types.Relation{}
	if len(page) > 0 {
		names := make([]string, len(page))
		for i := range page {
			names[i] = page[i].Name
		}
		sub, err := s.OpenNodes(ctx, names)
		if err != nil {
			return nil, fmt.Errorf("sqlite: search relations: %w", err)
		}
		relations = sub.Relations
	}

	return &storage.PaginatedGraph{
		Entities:  page,
		Relations: relations,
		PageInfo:  storage.NewPageInfo(opts.Page, len(page), total, time.Since(start)),
	}, nil
}

func entityMatches(e *types.Entity, query string, caseSensitive bool) bool {
	contains := func(haystack string) bool {
		if caseSensitive {
			return strings.Contains(haystack, query)
		}
		return strings.Contains(strings.ToLower(haystack), strings.ToLower(query))
	}
	if contains(e.Name) || contains(e.EntityType) {
		return true
	}
	for _, obs := range e.Observations {
		if contains(obs) {
			return true
		}
	}
	return false
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
