// Package sqlite implements the bitemporal graph store on SQLite via the
// pure-Go modernc.org/sqlite driver. It is the zero-dependency deployment
// backend; semantics match the postgres package, with vector similarity
// computed in Go instead of pgvector.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

var (
	_ storage.GraphStore    = (*GraphStore)(nil)
	_ storage.SchemaManager = (*GraphStore)(nil)
)

// GraphStore implements storage.GraphStore on SQLite.
type GraphStore struct {
	db           *sql.DB
	similarity   string
	dimensions   int
	defaultLimit int
	maxLimit     int
}

// Options configures a GraphStore.
type Options struct {
	// SimilarityFunction is cosine or euclidean (default: cosine).
	SimilarityFunction string

	// Dimensions is the expected embedding dimension (default: 768).
	Dimensions int

	// DefaultLimit and MaxLimit bound paginated queries.
	DefaultLimit int
	MaxLimit     int
}

// NewGraphStore opens (or creates) the database file. Writes are serialized
// through a single connection; SQLite holds a database-level write lock
// anyway, and one connection avoids SQLITE_BUSY churn under concurrency.
func NewGraphStore(path string, opts Options) (*GraphStore, error) {
	if opts.SimilarityFunction == "" {
		opts.SimilarityFunction = "cosine"
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = 768
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 200
	}

	dsn := "file:" + path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"foreign_keys(1)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, translateError(err))
	}

	return &GraphStore{
		db:           db,
		similarity:   opts.SimilarityFunction,
		dimensions:   opts.Dimensions,
		defaultLimit: opts.DefaultLimit,
		maxLimit:     opts.MaxLimit,
	}, nil
}

// Close releases the database handle.
func (s *GraphStore) Close() error {
	return s.db.Close()
}

// translateError maps driver errors onto the storage sentinel errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", storage.ErrCancelled, err)
	}

	var sqErr *sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqlite3lib.SQLITE_CONSTRAINT:
			return fmt.Errorf("%w: %v", storage.ErrConflict, err)
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
		}
	}
	return err
}

const entitySelectColumns = `
	id, name, entity_type, observations,
	embedding, embedding_model, embedding_updated_at,
	version, created_at, updated_at, valid_from, valid_to, changed_by
`

const relationSelectColumns = `
	id, from_name, to_name, relation_type, from_id, to_id,
	strength, confidence, metadata,
	version, created_at, updated_at, valid_from, valid_to, changed_by
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntityRow(row rowScanner) (types.Entity, error) {
	var e types.Entity
	var observationsJSON string
	var embeddingBytes []byte
	var embeddingModel sql.NullString
	var embeddingUpdatedAt, validTo sql.NullTime
	var changedBy sql.NullString

	err := row.Scan(
		&e.ID, &e.Name, &e.EntityType, &observationsJSON,
		&embeddingBytes, &embeddingModel, &embeddingUpdatedAt,
		&e.Version, &e.CreatedAt, &e.UpdatedAt, &e.ValidFrom, &validTo, &changedBy,
	)
	if err != nil {
		return e, err
	}

	if observationsJSON != "" {
		if err := json.Unmarshal([]byte(observationsJSON), &e.Observations); err != nil {
			return e, fmt.Errorf("unmarshal observations for %s: %w", e.Name, err)
		}
	}
	if e.Observations == nil {
		e.Observations = []string{}
	}

	if len(embeddingBytes) > 0 && embeddingModel.Valid {
		vec, err := deserializeVector(embeddingBytes)
		if err != nil {
			log.Printf("WARNING: sqlite: corrupt embedding for entity %s: %v", e.Name, err)
		} else {
			emb := &types.EntityEmbedding{Vector: vec, Model: embeddingModel.String}
			if embeddingUpdatedAt.Valid {
				emb.LastUpdated = embeddingUpdatedAt.Time
			}
			e.Embedding = emb
		}
	}

	if validTo.Valid {
		t := validTo.Time
		e.ValidTo = &t
	}
	if changedBy.Valid {
		e.ChangedBy = changedBy.String
	}
	return e, nil
}

func scanEntityRows(rows *sql.Rows) ([]types.Entity, error) {
	var entities []types.Entity
	for rows.Next() {
		e, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err)
	}
	return entities, nil
}

func scanRelationRow(row rowScanner) (types.Relation, error) {
	var r types.Relation
	var metadataJSON string
	var strength, confidence sql.NullFloat64
	var validTo sql.NullTime
	var changedBy sql.NullString

	err := row.Scan(
		&r.ID, &r.From, &r.To, &r.RelationType, new(string), new(string),
		&strength, &confidence, &metadataJSON,
		&r.Version, &r.CreatedAt, &r.UpdatedAt, &r.ValidFrom, &validTo, &changedBy,
	)
	if err != nil {
		return r, err
	}

	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &r.Metadata); err != nil {
			log.Printf("WARNING: sqlite: unparseable metadata on relation %s: %v", r.Key(), err)
			r.Metadata = map[string]interface{}{
				types.UnparseableMetadataKey: metadataJSON,
			}
		}
	}

	if strength.Valid {
		v := strength.Float64
		r.Strength = &v
	}
	if confidence.Valid {
		v := confidence.Float64
		r.Confidence = &v
	}
	if validTo.Valid {
		t := validTo.Time
		r.ValidTo = &t
	}
	if changedBy.Valid {
		r.ChangedBy = changedBy.String
	}
	return r, nil
}

func scanRelationRows(rows *sql.Rows) ([]types.Relation, error) {
	var relations []types.Relation
	for rows.Next() {
		r, err := scanRelationRow(rows)
		if err != nil {
			return nil, err
		}
		relations = append(relations, r)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err)
	}
	return relations, nil
}

// placeholders renders "?, ?, ?" for n parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(names []string) []interface{} {
	args := make([]interface{}, len(names))
	for i, n := range names {
		args[i] = n
	}
	return args
}

// LoadGraph returns all current entities and relations.
func (s *GraphStore) LoadGraph(ctx context.Context) (*types.Graph, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entitySelectColumns+` FROM entities WHERE valid_to IS NULL ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load entities: %w", translateError(err))
	}
	defer func() { _ = rows.Close() }()
	entities, err := scanEntityRows(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan entities: %w", err)
	}

	relRows, err := s.db.QueryContext(ctx,
		`SELECT `+relationSelectColumns+` FROM relations WHERE valid_to IS NULL ORDER BY from_name, to_name, relation_type`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load relations: %w", translateError(err))
	}
	defer func() { _ = relRows.Close() }()
	relations, err := scanRelationRows(relRows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan relations: %w", err)
	}

	return &types.Graph{Entities: entities, Relations: relations}, nil
}

// SaveGraph replaces the whole graph in one transaction.
func (s *GraphStore) SaveGraph(ctx context.Context, g *types.Graph) error {
	if g == nil {
		return fmt.Errorf("%w: graph is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin save: %w", translateError(err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM relations`); err != nil {
		return fmt.Errorf("sqlite: clear relations: %w", translateError(err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities`); err != nil {
		return fmt.Errorf("sqlite: clear entities: %w", translateError(err))
	}

	now := time.Now().UTC()
	versionIDs := make(map[string]string, len(g.Entities))
	for i := range g.Entities {
		e := g.Entities[i]
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}
		prepared := prepareEntityRow(&e, now)
		if err := insertEntity(ctx, tx, prepared); err != nil {
			return fmt.Errorf("sqlite: insert entity %s: %w", e.Name, err)
		}
		versionIDs[e.Name] = prepared.ID
	}

	for i := range g.Relations {
		r := g.Relations[i]
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}
		fromID, okFrom := versionIDs[r.From]
		toID, okTo := versionIDs[r.To]
		if !okFrom || !okTo {
			log.Printf("WARNING: sqlite: SaveGraph skipping relation %s with missing endpoint", r.Key())
			continue
		}
		prepared := prepareRelationRow(&r, now)
		if err := insertRelation(ctx, tx, prepared, fromID, toID); err != nil {
			return fmt.Errorf("sqlite: insert relation %s: %w", r.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit save: %w", translateError(err))
	}
	return nil
}

func prepareEntityRow(e *types.Entity, now time.Time) *types.Entity {
	prepared := *e
	prepared.ID = uuid.NewString()
	if prepared.Version < 1 {
		prepared.Version = 1
	}
	if prepared.CreatedAt.IsZero() {
		prepared.CreatedAt = now
	}
	prepared.UpdatedAt = now
	if prepared.ValidFrom.IsZero() {
		prepared.ValidFrom = now
	}
	prepared.ValidTo = nil
	if prepared.Observations == nil {
		prepared.Observations = []string{}
	}
	return &prepared
}

func prepareRelationRow(r *types.Relation, now time.Time) *types.Relation {
	prepared := *r
	prepared.ID = uuid.NewString()
	if prepared.Version < 1 {
		prepared.Version = 1
	}
	if prepared.CreatedAt.IsZero() {
		prepared.CreatedAt = now
	}
	prepared.UpdatedAt = now
	if prepared.ValidFrom.IsZero() {
		prepared.ValidFrom = now
	}
	prepared.ValidTo = nil
	return &prepared
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func insertEntity(ctx context.Context, q execer, e *types.Entity) error {
	obsJSON, err := json.Marshal(e.Observations)
	if err != nil {
		return fmt.Errorf("marshal observations: %w", err)
	}

	var embBytes []byte
	var embModel sql.NullString
	var embUpdated sql.NullTime
	if e.Embedding != nil {
		embBytes = serializeVector(e.Embedding.Vector)
		embModel = sql.NullString{String: e.Embedding.Model, Valid: true}
		embUpdated = sql.NullTime{Time: e.Embedding.LastUpdated, Valid: !e.Embedding.LastUpdated.IsZero()}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO entities (
			id, name, entity_type, observations,
			embedding, embedding_model, embedding_updated_at,
			version, created_at, updated_at, valid_from, valid_to, changed_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
	`, e.ID, e.Name, e.EntityType, string(obsJSON),
		embBytes, embModel, embUpdated,
		e.Version, e.CreatedAt, e.UpdatedAt, e.ValidFrom, nullString(e.ChangedBy))
	if err != nil {
		return translateError(err)
	}
	return nil
}

func insertRelation(ctx context.Context, q execer, r *types.Relation, fromID, toID string) error {
	metaJSON, err := json.Marshal(metadataOrEmpty(r.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO relations (
			id, from_name, to_name, relation_type, from_id, to_id,
			strength, confidence, metadata,
			version, created_at, updated_at, valid_from, valid_to, changed_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
	`, r.ID, r.From, r.To, r.RelationType, fromID, toID,
		nullFloat(r.Strength), nullFloat(r.Confidence), string(metaJSON),
		r.Version, r.CreatedAt, r.UpdatedAt, r.ValidFrom, nullString(r.ChangedBy))
	if err != nil {
		return translateError(err)
	}
	return nil
}

func metadataOrEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// CreateEntities inserts version-1 rows, silently skipping names that
// already have a current version.
func (s *GraphStore) CreateEntities(ctx context.Context, entities []types.Entity) ([]types.Entity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin create entities: %w", translateError(err))
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	created := make([]types.Entity, 0, len(entities))

	for i := range entities {
		e := entities[i]
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}

		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM entities WHERE name = ? AND valid_to IS NULL)`,
			e.Name).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("sqlite: check entity %s: %w", e.Name, translateError(err))
		}
		if exists {
			continue
		}

		prepared := prepareEntityRow(&e, now)
		prepared.Version = 1
		prepared.CreatedAt = now
		prepared.ValidFrom = now
		if err := insertEntity(ctx, tx, prepared); err != nil {
			return nil, fmt.Errorf("sqlite: insert entity %s: %w", e.Name, err)
		}
		created = append(created, *prepared)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit create entities: %w", translateError(err))
	}
	return created, nil
}

// CreateRelations merge-creates edges keyed by (from, to, relationType),
// matching the postgres backend's idempotent coalescing semantics.
func (s *GraphStore) CreateRelations(ctx context.Context, relations []types.Relation) ([]types.Relation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin create relations: %w", translateError(err))
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	result := make([]types.Relation, 0, len(relations))

	for i := range relations {
		r := relations[i]
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}

		fromID, err := currentEntityID(ctx, tx, r.From)
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("WARNING: sqlite: skipping relation %s: entity %q has no current version", r.Key(), r.From)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sqlite: resolve %s: %w", r.From, err)
		}
		toID, err := currentEntityID(ctx, tx, r.To)
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("WARNING: sqlite: skipping relation %s: entity %q has no current version", r.Key(), r.To)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sqlite: resolve %s: %w", r.To, err)
		}

		existing, err := currentRelation(ctx, tx, r.From, r.To, r.RelationType)
		switch {
		case err == nil:
			merged, mergeErr := mergeRelation(ctx, tx, existing, &r, now)
			if mergeErr != nil {
				return nil, fmt.Errorf("sqlite: merge relation %s: %w", r.Key(), mergeErr)
			}
			result = append(result, *merged)
		case errors.Is(err, storage.ErrNotFound):
			prepared := prepareRelationRow(&r, now)
			prepared.Version = 1
			prepared.CreatedAt = now
			prepared.ValidFrom = now
			if err := insertRelation(ctx, tx, prepared, fromID, toID); err != nil {
				return nil, fmt.Errorf("sqlite: insert relation %s: %w", r.Key(), err)
			}
			result = append(result, *prepared)
		default:
			return nil, fmt.Errorf("sqlite: lookup relation %s: %w", r.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit create relations: %w", translateError(err))
	}
	return result, nil
}

func currentEntityID(ctx context.Context, q execer, name string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT id FROM entities WHERE name = ? AND valid_to IS NULL`, name).Scan(&id)
	if err != nil {
		return "", translateError(err)
	}
	return id, nil
}

func currentRelation(ctx context.Context, q execer, from, to, relType string) (*types.Relation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+relationSelectColumns+`
		FROM relations
		WHERE from_name = ? AND to_name = ? AND relation_type = ? AND valid_to IS NULL
	`, from, to, relType)
	r, err := scanRelationRow(row)
	if err != nil {
		return nil, translateError(err)
	}
	return &r, nil
}

func mergeRelation(ctx context.Context, q execer, existing, incoming *types.Relation, now time.Time) (*types.Relation, error) {
	merged := *existing
	merged.Version = existing.Version + 1
	merged.UpdatedAt = now
	if incoming.Strength != nil {
		merged.Strength = incoming.Strength
	}
	if incoming.Confidence != nil {
		merged.Confidence = incoming.Confidence
	}
	if len(incoming.Metadata) > 0 {
		if merged.Metadata == nil {
			merged.Metadata = map[string]interface{}{}
		}
		for k, v := range incoming.Metadata {
			merged.Metadata[k] = v
		}
	}
	if incoming.ChangedBy != "" {
		merged.ChangedBy = incoming.ChangedBy
	}

	metaJSON, err := json.Marshal(metadataOrEmpty(merged.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		UPDATE relations
		SET version = ?, updated_at = ?, strength = ?, confidence = ?, metadata = ?, changed_by = ?
		WHERE id = ?
	`, merged.Version, merged.UpdatedAt,
		nullFloat(merged.Strength), nullFloat(merged.Confidence), string(metaJSON),
		nullString(merged.ChangedBy), existing.ID)
	if err != nil {
		return nil, translateError(err)
	}
	return &merged, nil
}

// reviseEntity runs the versioning protocol for one entity in one
// transaction, mirroring the postgres backend: close the current version,
// insert the new one, and re-create every incident current relation against
// the new version id.
func (s *GraphStore) reviseEntity(
	ctx context.Context,
	name string,
	compute func(current *types.Entity) (revised types.Entity, changed bool, err error),
) (*types.Entity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin revise: %w", translateError(err))
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+entitySelectColumns+` FROM entities WHERE name = ? AND valid_to IS NULL`, name)
	current, err := scanEntityRow(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load entity %s: %w", name, translateError(err))
	}

	incidentRows, err := tx.QueryContext(ctx, `
		SELECT `+relationSelectColumns+`
		FROM relations
		WHERE (from_name = ? OR to_name = ?) AND valid_to IS NULL
	`, name, name)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load incident relations for %s: %w", name, translateError(err))
	}
	incident, err := scanRelationRows(incidentRows)
	_ = incidentRows.Close()
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan incident relations for %s: %w", name, err)
	}

	revised, changed, err := compute(&current)
	if err != nil {
		return nil, err
	}
	if !changed {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("sqlite: commit no-op revise: %w", translateError(err))
		}
		return &current, nil
	}

	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx,
		`UPDATE entities SET valid_to = ?, updated_at = ? WHERE id = ? AND valid_to IS NULL`,
		now, now, current.ID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: close entity version %s: %w", name, translateError(err))
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("%w: entity %s changed concurrently", storage.ErrConflict, name)
	}

	newVersion := revised
	newVersion.ID = uuid.NewString()
	newVersion.Name = current.Name
	newVersion.Version = current.Version + 1
	newVersion.CreatedAt = current.CreatedAt
	newVersion.UpdatedAt = now
	newVersion.ValidFrom = now
	newVersion.ValidTo = nil
	if err := insertEntity(ctx, tx, &newVersion); err != nil {
		return nil, fmt.Errorf("sqlite: insert entity version %s: %w", name, err)
	}

	for i := range incident {
		rel := incident[i]
		if _, err := tx.ExecContext(ctx,
			`UPDATE relations SET valid_to = ?, updated_at = ? WHERE id = ? AND valid_to IS NULL`,
			now, now, rel.ID); err != nil {
			return nil, fmt.Errorf("sqlite: close relation %s: %w", rel.Key(), translateError(err))
		}

		fromID, toID := newVersion.ID, newVersion.ID
		if rel.From != name {
			fromID, err = currentEntityID(ctx, tx, rel.From)
			if err != nil {
				return nil, fmt.Errorf("sqlite: resolve %s: %w", rel.From, err)
			}
		}
		if rel.To != name {
			toID, err = currentEntityID(ctx, tx, rel.To)
			if err != nil {
				return nil, fmt.Errorf("sqlite: resolve %s: %w", rel.To, err)
			}
		}

		recreated := rel
		recreated.ID = uuid.NewString()
		recreated.Version = rel.Version + 1
		recreated.UpdatedAt = now
		recreated.ValidFrom = now
		recreated.ValidTo = nil
		if err := insertRelation(ctx, tx, &recreated, fromID, toID); err != nil {
			return nil, fmt.Errorf("sqlite: re-create relation %s: %w", rel.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit revise %s: %w", name, translateError(err))
	}
	return &newVersion, nil
}

// AddObservations appends non-duplicate observations per delta.
func (s *GraphStore) AddObservations(ctx context.Context, deltas []types.ObservationDelta) ([]types.ObservationAddition, error) {
	additions := make([]types.ObservationAddition, 0, len(deltas))

	for _, delta := range deltas {
		if delta.Name == "" {
			return nil, fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
		}

		var added []string
		_, err := s.reviseEntity(ctx, delta.Name, func(current *types.Entity) (types.Entity, bool, error) {
			added = nil
			for _, obs := range delta.Contents {
				if obs == "" || current.HasObservation(obs) || containsString(added, obs) {
					continue
				}
				added = append(added, obs)
			}
			if len(added) == 0 {
				return *current, false, nil
			}
			revised := *current
			revised.Observations = append(append([]string{}, current.Observations...), added...)
			revised.ChangedBy = delta.ChangedBy
			return revised, true, nil
		})
		if err != nil {
			return nil, err
		}
		if added == nil {
			added = []string{}
		}
		additions = append(additions, types.ObservationAddition{
			Name:              delta.Name,
			AddedObservations: added,
		})
	}

	return additions, nil
}

// DeleteObservations removes the given observations per entity.
func (s *GraphStore) DeleteObservations(ctx context.Context, removals []types.ObservationRemoval) error {
	for _, removal := range removals {
		if removal.Name == "" {
			return fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
		}

		drop := make(map[string]struct{}, len(removal.Observations))
		for _, obs := range removal.Observations {
			drop[obs] = struct{}{}
		}

		_, err := s.reviseEntity(ctx, removal.Name, func(current *types.Entity) (types.Entity, bool, error) {
			kept := make([]string, 0, len(current.Observations))
			for _, obs := range current.Observations {
				if _, gone := drop[obs]; !gone {
					kept = append(kept, obs)
				}
			}
			if len(kept) == len(current.Observations) {
				return *current, false, nil
			}
			revised := *current
			revised.Observations = kept
			revised.ChangedBy = removal.ChangedBy
			return revised, true, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateEntity merges the partial update over the current version.
func (s *GraphStore) UpdateEntity(ctx context.Context, name string, update types.EntityUpdate) (*types.Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}

	return s.reviseEntity(ctx, name, func(current *types.Entity) (types.Entity, bool, error) {
		revised := *current
		changed := false

		if update.EntityType != nil && *update.EntityType != current.EntityType {
			revised.EntityType = *update.EntityType
			changed = true
		}
		if update.Observations != nil && !equalStrings(update.Observations, current.Observations) {
			deduped := dedupeStrings(update.Observations)
			if len(deduped) != len(update.Observations) {
				return types.Entity{}, false, fmt.Errorf("%w: observations contain duplicates", storage.ErrInvalidInput)
			}
			revised.Observations = deduped
			changed = true
		}
		if changed {
			revised.ChangedBy = update.ChangedBy
		}
		return revised, changed, nil
	})
}

// UpdateRelation closes the current edge version and inserts a new one.
func (s *GraphStore) UpdateRelation(ctx context.Context, rel types.Relation) (*types.Relation, error) {
	if err := rel.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin update relation: %w", translateError(err))
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := currentRelation(ctx, tx, rel.From, rel.To, rel.RelationType)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load relation %s: %w", rel.Key(), err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE relations SET valid_to = ?, updated_at = ? WHERE id = ? AND valid_to IS NULL`,
		now, now, existing.ID); err != nil {
		return nil, fmt.Errorf("sqlite: close relation %s: %w", rel.Key(), translateError(err))
	}

	fromID, err := currentEntityID(ctx, tx, rel.From)
	if err != nil {
		return nil, fmt.Errorf("sqlite: resolve %s: %w", rel.From, err)
	}
	toID, err := currentEntityID(ctx, tx, rel.To)
	if err != nil {
		return nil, fmt.Errorf("sqlite: resolve %s: %w", rel.To, err)
	}

	next := *existing
	next.ID = uuid.NewString()
	next.Version = existing.Version + 1
	next.UpdatedAt = now
	next.ValidFrom = now
	next.ValidTo = nil
	if rel.Strength != nil {
		next.Strength = rel.Strength
	}
	if rel.Confidence != nil {
		next.Confidence = rel.Confidence
	}
	if len(rel.Metadata) > 0 {
		if next.Metadata == nil {
			next.Metadata = map[string]interface{}{}
		}
		for k, v := range rel.Metadata {
			next.Metadata[k] = v
		}
	}
	if rel.ChangedBy != "" {
		next.ChangedBy = rel.ChangedBy
	}

	if err := insertRelation(ctx, tx, &next, fromID, toID); err != nil {
		return nil, fmt.Errorf("sqlite: insert relation version %s: %w", rel.Key(), err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit update relation: %w", translateError(err))
	}
	return &next, nil
}

// UpdateEntityEmbedding attaches an embedding to the current version in
// place without bumping the version.
func (s *GraphStore) UpdateEntityEmbedding(ctx context.Context, name string, emb types.EntityEmbedding) error {
	if name == "" {
		return fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}
	if len(emb.Vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}
	if len(emb.Vector) != s.dimensions {
		return fmt.Errorf("%w: embedding has %d dimensions, index expects %d",
			storage.ErrInvalidInput, len(emb.Vector), s.dimensions)
	}

	when := emb.LastUpdated
	if when.IsZero() {
		when = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET embedding = ?, embedding_model = ?, embedding_updated_at = ?
		WHERE name = ? AND valid_to IS NULL
	`, serializeVector(emb.Vector), emb.Model, when, name)
	if err != nil {
		return fmt.Errorf("sqlite: update embedding for %s: %w", name, translateError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: update embedding for %s: %w", name, storage.ErrNotFound)
	}
	return nil
}

// DeleteEntities hard-deletes every version of the named entities and every
// relation touching them.
func (s *GraphStore) DeleteEntities(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin delete entities: %w", translateError(err))
	}
	defer func() { _ = tx.Rollback() }()

	ph := placeholders(len(names))
	args := stringArgs(names)

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM relations WHERE from_name IN (`+ph+`) OR to_name IN (`+ph+`)`,
		append(append([]interface{}{}, args...), args...)...); err != nil {
		return fmt.Errorf("sqlite: delete relations: %w", translateError(err))
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entities WHERE name IN (`+ph+`)`, args...); err != nil {
		return fmt.Errorf("sqlite: delete entities: %w", translateError(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit delete entities: %w", translateError(err))
	}
	return nil
}

// DeleteRelations soft-deletes the current versions of the given triples.
func (s *GraphStore) DeleteRelations(ctx context.Context, keys []types.RelationKey) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin delete relations: %w", translateError(err))
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `
			UPDATE relations SET valid_to = ?, updated_at = ?
			WHERE from_name = ? AND to_name = ? AND relation_type = ? AND valid_to IS NULL
		`, now, now, key.From, key.To, key.RelationType); err != nil {
			return fmt.Errorf("sqlite: soft-delete relation %s: %w", key, translateError(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit delete relations: %w", translateError(err))
	}
	return nil
}

// GetEntity returns the current version of the named entity.
func (s *GraphStore) GetEntity(ctx context.Context, name string) (*types.Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+entitySelectColumns+` FROM entities WHERE name = ? AND valid_to IS NULL`, name)
	e, err := scanEntityRow(row)
	if err != nil {
		return nil, translateError(err)
	}
	return &e, nil
}

// GetRelation returns the current version of the edge for the triple.
func (s *GraphStore) GetRelation(ctx context.Context, from, to, relationType string) (*types.Relation, error) {
	if from == "" || to == "" || relationType == "" {
		return nil, fmt.Errorf("%w: from, to, and relationType are required", storage.ErrInvalidInput)
	}
	return currentRelation(ctx, s.db, from, to, relationType)
}

// OpenNodes returns the current entities for the names plus the induced
// relation subgraph among them.
func (s *GraphStore) OpenNodes(ctx context.Context, names []string) (*types.Graph, error) {
	if len(names) == 0 {
		return &types.Graph{Entities: []types.Entity{}, Relations: []types.Relation{}}, nil
	}

	ph := placeholders(len(names))
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entitySelectColumns+` FROM entities WHERE name IN (`+ph+`) AND valid_to IS NULL ORDER BY name`,
		stringArgs(names)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open nodes: %w", translateError(err))
	}
	defer func() { _ = rows.Close() }()
	entities, err := scanEntityRows(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan open nodes: %w", err)
	}

	relations := []types.Relation{}
	if len(entities) > 0 {
		found := make([]string, len(entities))
		for i := range entities {
			found[i] = entities[i].Name
		}
		fph := placeholders(len(found))
		fargs := stringArgs(found)
		relRows, err := s.db.QueryContext(ctx,
			`SELECT `+relationSelectColumns+` FROM relations
			WHERE valid_to IS NULL AND from_name IN (`+fph+`) AND to_name IN (`+fph+`)`,
			append(append([]interface{}{}, fargs...), fargs...)...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: open node relations: %w", translateError(err))
		}
		defer func() { _ = relRows.Close() }()
		relations, err = scanRelationRows(relRows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan open node relations: %w", err)
		}
		if relations == nil {
			relations = []types.Relation{}
		}
	}
	if entities == nil {
		entities = []types.Entity{}
	}

	return &types.Graph{Entities: entities, Relations: relations}, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
