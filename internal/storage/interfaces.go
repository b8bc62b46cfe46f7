// Package storage provides composable storage interfaces for the Synapse
// knowledge graph.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. Backends are the only
// place that speak a query language; everything above them works with the
// domain types in pkg/types.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/synapse/pkg/types"
)

// GraphStore is the bitemporal graph contract. Every mutation preserves
// history: entity updates close the current version and insert a new one,
// relation deletes set valid_to. Implementations must keep the invariants:
//
//   - at most one current version per entity name,
//   - current relations only between current entities,
//   - no duplicate observations on a current entity,
//   - prev.valid_to == next.valid_from for consecutive versions.
type GraphStore interface {
	// LoadGraph returns all current entities and relations.
	LoadGraph(ctx context.Context) (*types.Graph, error)

	// SaveGraph replaces the whole graph in one transaction. It is intended
	// for bootstrap and tests only; history of replaced rows is discarded.
	SaveGraph(ctx context.Context, g *types.Graph) error

	// CreateEntities inserts version-1 rows for each input whose name has no
	// current entity; inputs with existing names are skipped silently. The
	// created rows are returned in input order minus skips.
	CreateEntities(ctx context.Context, entities []types.Entity) ([]types.Entity, error)

	// CreateRelations merge-creates edges keyed by (from, to, relationType).
	// An existing current edge gets a version bump and null-safe attribute
	// coalescing; a missing endpoint skips the input with a warning.
	CreateRelations(ctx context.Context, relations []types.Relation) ([]types.Relation, error)

	// AddObservations appends the non-duplicate observations of each delta to
	// its entity via the versioning protocol, re-creating incident relations
	// against the new version. Returns what was actually added per entity.
	AddObservations(ctx context.Context, deltas []types.ObservationDelta) ([]types.ObservationAddition, error)

	// DeleteObservations removes the given observations from each entity via
	// the versioning protocol.
	DeleteObservations(ctx context.Context, removals []types.ObservationRemoval) error

	// UpdateEntity merges the partial update over the current version and
	// runs the versioning protocol. Returns the new current version.
	UpdateEntity(ctx context.Context, name string, update types.EntityUpdate) (*types.Entity, error)

	// UpdateRelation closes the current edge version for the relation's
	// triple and inserts a new one with merged fields.
	UpdateRelation(ctx context.Context, rel types.Relation) (*types.Relation, error)

	// UpdateEntityEmbedding attaches an embedding to the current version of
	// the entity in place. Embedding writes are a side channel: they do not
	// produce a new version.
	UpdateEntityEmbedding(ctx context.Context, name string, emb types.EntityEmbedding) error

	// DeleteEntities hard-deletes all versions of the named entities and
	// every relation (current and historical) touching them. Missing names
	// are ignored.
	DeleteEntities(ctx context.Context, names []string) error

	// DeleteRelations soft-deletes the current versions of the given triples.
	// Historical rows remain; missing triples are ignored.
	DeleteRelations(ctx context.Context, keys []types.RelationKey) error

	// GetEntity returns the current version of the named entity, or
	// ErrNotFound.
	GetEntity(ctx context.Context, name string) (*types.Entity, error)

	// GetRelation returns the current version of the edge for the triple, or
	// ErrNotFound.
	GetRelation(ctx context.Context, from, to, relationType string) (*types.Relation, error)

	// OpenNodes returns the current entities for the given names plus the
	// induced relation subgraph among them. Unknown names are skipped.
	OpenNodes(ctx context.Context, names []string) (*types.Graph, error)

	// GetEntityHistory returns every version of the named entity ordered by
	// valid_from ascending.
	GetEntityHistory(ctx context.Context, name string) ([]types.Entity, error)

	// GetRelationHistory returns every version of the edge for the triple
	// ordered by valid_from ascending.
	GetRelationHistory(ctx context.Context, from, to, relationType string) ([]types.Relation, error)

	// GetGraphAtTime returns the snapshot of entities and relations valid at
	// t: valid_from <= t and (valid_to is null or valid_to > t).
	GetGraphAtTime(ctx context.Context, t time.Time) (*types.Graph, error)

	// SearchNodes performs substring/regex matching against entity name,
	// type, and observations, returning one page of entities plus the
	// induced relation subgraph.
	SearchNodes(ctx context.Context, opts SearchOptions) (*PaginatedGraph, error)

	// Close releases any resources held by the store.
	Close() error
}

// VectorIndex is the companion similarity index keyed by entity name. It is
// not part of the graph transaction: writes are scheduled post-commit by the
// embedding job manager and a failed vector write never rolls back the graph.
type VectorIndex interface {
	// Initialize creates the index if needed. Idempotent.
	Initialize(ctx context.Context) error

	// AddVector upserts the vector for a key. The vector dimension must match
	// the index dimension.
	AddVector(ctx context.Context, key string, vector []float32, tags VectorTags) error

	// RemoveVector deletes the vector for a key. Missing keys are not an
	// error.
	RemoveVector(ctx context.Context, key string) error

	// SearchVectors returns matches ordered by descending similarity, ties
	// broken by ascending key.
	SearchVectors(ctx context.Context, vector []float32, opts VectorSearchOptions) ([]VectorMatch, error)
}

// SchemaManager bootstraps backend constraints and the vector index.
// Implementations must be idempotent so repeated startup is safe.
type SchemaManager interface {
	InitializeSchema(ctx context.Context) error
}
