package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/scrypster/synapse/internal/config"
	"github.com/scrypster/synapse/internal/embedding"
	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// Config assembles the engine's tunables.
type Config struct {
	Decay    DecayOptions
	Planner  PlannerConfig
	Jobs     EmbedJobConfig
	CacheMax int64
	CacheTTL time.Duration

	DefaultLimit int
	MaxLimit     int
}

// ConfigFrom maps the application configuration onto the engine's tunables.
func ConfigFrom(cfg *config.Config) Config {
	dedup := cfg.Hybrid.Deduplication
	return Config{
		Decay: DecayOptions{
			HalfLifeDays:  cfg.Decay.HalfLifeDays,
			MinConfidence: cfg.Decay.MinConfidence,
		},
		Planner: PlannerConfig{
			GraphWeight:   cfg.Hybrid.GraphWeight,
			VectorWeight:  cfg.Hybrid.VectorWeight,
			MergeMethod:   cfg.Hybrid.MergeMethod,
			Deduplication: &dedup,
			DefaultLimit:  cfg.Pagination.DefaultLimit,
			MaxLimit:      cfg.Pagination.MaxLimit,
		},
		Jobs: EmbedJobConfig{
			RatePerWindow: cfg.RateLimit.TokensPerInterval,
			RateWindow:    time.Duration(cfg.RateLimit.IntervalMs) * time.Millisecond,
		},
		CacheMax:     cfg.Cache.MaxSizeBytes,
		CacheTTL:     time.Duration(cfg.Cache.DefaultTTLMs) * time.Millisecond,
		DefaultLimit: cfg.Pagination.DefaultLimit,
		MaxLimit:     cfg.Pagination.MaxLimit,
	}
}

// KnowledgeGraph is the façade over the graph store, vector index, embedding
// jobs, search planner, and result cache. Callers (CLI, API servers) work
// exclusively through it.
//
// Consistency model: graph mutations commit first; embedding refreshes are
// scheduled after commit and converge asynchronously. Reads that mix both
// sides (hybrid search) tolerate a briefly stale vector index.
type KnowledgeGraph struct {
	store   storage.GraphStore
	index   storage.VectorIndex
	planner *SearchPlanner
	jobs    *EmbedJobManager
	cache   *ResultCache

	decay        DecayOptions
	defaultLimit int
	maxLimit     int

	mu      sync.Mutex
	started bool
}

// New wires a KnowledgeGraph. index and provider may be nil; the graph then
// runs text-search-only.
func New(store storage.GraphStore, index storage.VectorIndex, provider embedding.Provider, cfg Config) *KnowledgeGraph {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 200
	}
	cfg.Decay.applyDefaults()

	var plannerProvider embeddingProvider
	if provider != nil {
		plannerProvider = provider
	}

	return &KnowledgeGraph{
		store:        store,
		index:        index,
		planner:      NewSearchPlanner(store, index, plannerProvider, cfg.Planner),
		jobs:         NewEmbedJobManager(store, index, provider, cfg.Jobs),
		cache:        NewResultCache(cfg.CacheMax, cfg.CacheTTL),
		decay:        cfg.Decay,
		defaultLimit: cfg.DefaultLimit,
		maxLimit:     cfg.MaxLimit,
	}
}

// Initialize bootstraps the backend schema and the vector index. An
// unavailable vector index is a warning, not a failure: the graph degrades
// to text search.
func (kg *KnowledgeGraph) Initialize(ctx context.Context) error {
	if sm, ok := kg.store.(storage.SchemaManager); ok {
		if err := sm.InitializeSchema(ctx); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	if kg.index != nil {
		if err := kg.index.Initialize(ctx); err != nil {
			log.Printf("WARNING: engine: vector index unavailable, search degrades to graph-only: %v", err)
		}
	}
	return nil
}

// Start launches the background embedding workers. Subsequent calls are
// no-ops.
func (kg *KnowledgeGraph) Start(ctx context.Context) {
	kg.mu.Lock()
	defer kg.mu.Unlock()
	if kg.started {
		return
	}
	kg.started = true
	kg.jobs.Start(ctx)
}

// Shutdown drains the embedding workers and closes the store.
func (kg *KnowledgeGraph) Shutdown(ctx context.Context) error {
	if err := kg.jobs.Shutdown(ctx); err != nil {
		log.Printf("WARNING: engine: %v", err)
	}
	return kg.store.Close()
}

// CreateEntities creates the entities that do not yet exist and schedules
// embedding refreshes for them.
func (kg *KnowledgeGraph) CreateEntities(ctx context.Context, entities []types.Entity) ([]types.Entity, error) {
	created, err := kg.store.CreateEntities(ctx, entities)
	if err != nil {
		return nil, err
	}
	kg.cache.Invalidate()
	for i := range created {
		kg.jobs.Schedule(created[i].Name, PriorityHigh)
	}
	return created, nil
}

// CreateRelations merge-creates the relations.
func (kg *KnowledgeGraph) CreateRelations(ctx context.Context, relations []types.Relation) ([]types.Relation, error) {
	result, err := kg.store.CreateRelations(ctx, relations)
	if err != nil {
		return nil, err
	}
	kg.cache.Invalidate()
	return result, nil
}

// AddObservations appends observations and refreshes embeddings for the
// entities whose text actually changed.
func (kg *KnowledgeGraph) AddObservations(ctx context.Context, deltas []types.ObservationDelta) ([]types.ObservationAddition, error) {
	additions, err := kg.store.AddObservations(ctx, deltas)
	if err != nil {
		return nil, err
	}
	kg.cache.Invalidate()
	for _, a := range additions {
		if len(a.AddedObservations) > 0 {
			kg.jobs.Schedule(a.Name, PriorityNormal)
		}
	}
	return additions, nil
}

// DeleteObservations removes observations and refreshes the affected
// embeddings.
func (kg *KnowledgeGraph) DeleteObservations(ctx context.Context, removals []types.ObservationRemoval) error {
	if err := kg.store.DeleteObservations(ctx, removals); err != nil {
		return err
	}
	kg.cache.Invalidate()
	for _, r := range removals {
		kg.jobs.Schedule(r.Name, PriorityNormal)
	}
	return nil
}

// UpdateEntity applies a partial update. Embeddings are only refreshed when
// the update touches text the embedding is derived from; a pure type change
// leaves the vector alone.
func (kg *KnowledgeGraph) UpdateEntity(ctx context.Context, name string, update types.EntityUpdate) (*types.Entity, error) {
	updated, err := kg.store.UpdateEntity(ctx, name, update)
	if err != nil {
		return nil, err
	}
	kg.cache.Invalidate()
	if update.TouchesText() {
		kg.jobs.Schedule(name, PriorityNormal)
	}
	return updated, nil
}

// UpdateRelation versions the relation with merged fields.
func (kg *KnowledgeGraph) UpdateRelation(ctx context.Context, rel types.Relation) (*types.Relation, error) {
	updated, err := kg.store.UpdateRelation(ctx, rel)
	if err != nil {
		return nil, err
	}
	kg.cache.Invalidate()
	return updated, nil
}

// DeleteEntities hard-deletes the entities and fans the deletion out to the
// vector index. Index failures are logged; the graph delete has already
// committed and the index key is unreachable without its entity anyway.
func (kg *KnowledgeGraph) DeleteEntities(ctx context.Context, names []string) error {
	if err := kg.store.DeleteEntities(ctx, names); err != nil {
		return err
	}
	kg.cache.Invalidate()
	if kg.index != nil {
		for _, name := range names {
			if err := kg.index.RemoveVector(ctx, name); err != nil {
				log.Printf("WARNING: engine: removing vector for deleted entity %q: %v", name, err)
			}
		}
	}
	return nil
}

// DeleteRelations soft-deletes the relation triples.
func (kg *KnowledgeGraph) DeleteRelations(ctx context.Context, keys []types.RelationKey) error {
	if err := kg.store.DeleteRelations(ctx, keys); err != nil {
		return err
	}
	kg.cache.Invalidate()
	return nil
}

// GetEntity returns the current version of the named entity.
func (kg *KnowledgeGraph) GetEntity(ctx context.Context, name string) (*types.Entity, error) {
	return kg.store.GetEntity(ctx, name)
}

// GetRelation returns the current version of the edge for the triple.
func (kg *KnowledgeGraph) GetRelation(ctx context.Context, from, to, relationType string) (*types.Relation, error) {
	return kg.store.GetRelation(ctx, from, to, relationType)
}

// OpenNodes returns the named entities plus the relations among them.
func (kg *KnowledgeGraph) OpenNodes(ctx context.Context, names []string) (*types.Graph, error) {
	return kg.store.OpenNodes(ctx, names)
}

// EntityHistory returns every version of the named entity.
func (kg *KnowledgeGraph) EntityHistory(ctx context.Context, name string) ([]types.Entity, error) {
	return kg.store.GetEntityHistory(ctx, name)
}

// RelationHistory returns every version of the edge for the triple.
func (kg *KnowledgeGraph) RelationHistory(ctx context.Context, from, to, relationType string) ([]types.Relation, error) {
	return kg.store.GetRelationHistory(ctx, from, to, relationType)
}

// GraphAtTime reconstructs the graph as of the given instant.
func (kg *KnowledgeGraph) GraphAtTime(ctx context.Context, at time.Time) (*types.Graph, error) {
	return kg.store.GetGraphAtTime(ctx, at)
}

// ReadGraph returns one page of the current graph ordered by entity name,
// with the induced relation subgraph. Results are cached until the next
// mutation.
func (kg *KnowledgeGraph) ReadGraph(ctx context.Context, page storage.PageOptions) (*storage.PaginatedGraph, error) {
	page.Normalize(kg.defaultLimit, kg.maxLimit)

	key := fmt.Sprintf("readgraph:%d:%d:%d:%v", page.Offset, page.Limit, page.Page, page.IncludeTotal)
	if cached, ok := kg.cache.Get(key); ok {
		return cached.(*storage.PaginatedGraph), nil
	}

	start := time.Now()
	g, err := kg.store.LoadGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}

	entities := append([]types.Entity{}, g.Entities...)
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })

	total := -1
	if page.IncludeTotal {
		total = len(entities)
	}

	lo := page.Offset
	if lo > len(entities) {
		lo = len(entities)
	}
	hi := lo + page.Limit
	if hi > len(entities) {
		hi = len(entities)
	}
	slice := entities[lo:hi]
	if slice == nil {
		slice = []types.Entity{}
	}

	names := make(map[string]struct{}, len(slice))
	for i := range slice {
		names[slice[i].Name] = struct{}{}
	}

	result := &storage.PaginatedGraph{
		Entities:  slice,
		Relations: g.InducedRelations(names),
		PageInfo:  storage.NewPageInfo(page, len(slice), total, time.Since(start)),
	}
	kg.cachePut(key, result)
	return result, nil
}

// Search routes the request through the planner, caching results per
// request shape.
func (kg *KnowledgeGraph) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	key := fmt.Sprintf("search:%s:%s:%s:%v:%v:%d:%f:%d:%d",
		req.Strategy, req.MergeMethod, req.Query, req.EntityTypes, req.CaseSensitive,
		req.Limit, req.MinSimilarity, req.Page.Offset, req.Page.Page)
	if cached, ok := kg.cache.Get(key); ok {
		return cached.(*SearchResponse), nil
	}

	resp, err := kg.planner.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	// Degraded responses are not cached so recovery is visible immediately.
	if !resp.Degraded {
		kg.cachePut(key, resp)
	}
	return resp, nil
}

// AvailableSearchStrategies reports what the current wiring supports.
func (kg *KnowledgeGraph) AvailableSearchStrategies() []string {
	return kg.planner.AvailableStrategies()
}

// Decayed returns the decay view with the engine's configured parameters.
func (kg *KnowledgeGraph) Decayed(ctx context.Context) (*types.DecayedGraph, error) {
	return kg.DecayedView(ctx, kg.decay)
}

// EmbedStats exposes the embedding job counters.
func (kg *KnowledgeGraph) EmbedStats() EmbedJobStats {
	return kg.jobs.Stats()
}

// CacheStats exposes the result cache counters.
func (kg *KnowledgeGraph) CacheStats() CacheStats {
	return kg.cache.Stats()
}

// ProcessEmbedJobs synchronously runs up to maxN queued embedding refreshes.
func (kg *KnowledgeGraph) ProcessEmbedJobs(ctx context.Context, maxN int) (int, error) {
	return kg.jobs.ProcessJobs(ctx, maxN)
}

// DrainEmbedJobs waits for pending embedding refreshes. Used by tests and
// batch tooling that needs the index converged before querying it.
func (kg *KnowledgeGraph) DrainEmbedJobs(ctx context.Context) error {
	return kg.jobs.Drain(ctx)
}

// cachePut stores a result sized by its JSON encoding.
func (kg *KnowledgeGraph) cachePut(key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	kg.cache.Put(key, value, int64(len(data)))
}
