package engine

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// Search strategies.
const (
	StrategyGraph  = "graph"
	StrategyVector = "vector"
	StrategyHybrid = "hybrid"
	StrategyAuto   = "auto"
)

// Merge methods for hybrid search.
const (
	MergeWeighted = "weighted"
	MergeRRF      = "rrf"
)

// rrfK dampens rank influence in reciprocal rank fusion.
const rrfK = 60

// SearchRequest describes one search across the planner's strategies.
type SearchRequest struct {
	Query    string
	Strategy string

	// MergeMethod selects weighted or rrf fusion for hybrid (default from
	// planner config).
	MergeMethod string

	EntityTypes   []string
	CaseSensitive bool
	Limit         int

	// MinSimilarity filters vector matches. Zero means the planner default;
	// a negative value disables the filter entirely.
	MinSimilarity float64

	Page storage.PageOptions
}

// SearchHit is one ranked result with per-source scores.
type SearchHit struct {
	Entity      types.Entity `json:"entity"`
	Score       float64      `json:"score"`
	GraphScore  *float64     `json:"graphScore,omitempty"`
	VectorScore *float64     `json:"vectorScore,omitempty"`
	Sources     []string     `json:"sources"`
}

// SearchResponse is a ranked, deduplicated result set.
type SearchResponse struct {
	Hits     []SearchHit `json:"hits"`
	Strategy string      `json:"strategy"`

	// Degraded is set when a hybrid or vector search fell back to graph-only
	// because the vector side failed.
	Degraded      bool   `json:"degraded,omitempty"`
	DegradedCause string `json:"degradedCause,omitempty"`

	PageInfo storage.PageInfo `json:"pageInfo"`
}

// PlannerConfig tunes hybrid fusion.
type PlannerConfig struct {
	// GraphWeight and VectorWeight apply to weighted fusion and should sum
	// to 1 (defaults 0.4 / 0.6).
	GraphWeight  float64
	VectorWeight float64

	// MergeMethod is weighted or rrf (default weighted).
	MergeMethod string

	// MinSimilarity is the default similarity floor for vector matches
	// (default 0.6).
	MinSimilarity float64

	// Deduplication merges hybrid hits found by both sources into one
	// result (default true). When false, each source's hits are returned
	// separately.
	Deduplication *bool

	DefaultLimit int
	MaxLimit     int
}

func (c *PlannerConfig) applyDefaults() {
	if c.GraphWeight <= 0 && c.VectorWeight <= 0 {
		c.GraphWeight, c.VectorWeight = 0.4, 0.6
	}
	if c.MergeMethod == "" {
		c.MergeMethod = MergeWeighted
	}
	if c.MinSimilarity == 0 {
		c.MinSimilarity = 0.6
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 200
	}
}

// SearchPlanner routes queries to graph text search, vector similarity, or a
// fusion of both, and degrades gracefully when the vector side is down.
type SearchPlanner struct {
	store    storage.GraphStore
	index    storage.VectorIndex
	provider embeddingProvider
	cfg      PlannerConfig
}

// embeddingProvider is the subset of embedding.Provider the planner needs;
// an interface so tests can stub it.
type embeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// NewSearchPlanner wires the planner. index and provider may be nil; the
// planner then only offers graph search.
func NewSearchPlanner(store storage.GraphStore, index storage.VectorIndex, provider embeddingProvider, cfg PlannerConfig) *SearchPlanner {
	cfg.applyDefaults()
	return &SearchPlanner{store: store, index: index, provider: provider, cfg: cfg}
}

// AvailableStrategies reports which strategies the current wiring supports.
func (p *SearchPlanner) AvailableStrategies() []string {
	strategies := []string{StrategyGraph}
	if p.vectorCapable() {
		strategies = append(strategies, StrategyVector, StrategyHybrid)
	}
	return strategies
}

func (p *SearchPlanner) vectorCapable() bool {
	return p.index != nil && p.provider != nil
}

// Search executes the request. Strategy auto picks hybrid when the vector
// side is available and graph otherwise.
func (p *SearchPlanner) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("%w: search query is required", storage.ErrInvalidInput)
	}
	if req.Limit <= 0 {
		req.Limit = p.cfg.DefaultLimit
	}
	if req.Limit > p.cfg.MaxLimit {
		req.Limit = p.cfg.MaxLimit
	}

	strategy := req.Strategy
	if strategy == "" || strategy == StrategyAuto {
		if p.vectorCapable() {
			strategy = StrategyHybrid
		} else {
			strategy = StrategyGraph
		}
	}

	switch strategy {
	case StrategyGraph:
		return p.graphSearch(ctx, req)
	case StrategyVector:
		return p.vectorSearch(ctx, req)
	case StrategyHybrid:
		return p.hybridSearch(ctx, req)
	default:
		return nil, fmt.Errorf("%w: unknown search strategy %q", storage.ErrInvalidInput, req.Strategy)
	}
}

func (p *SearchPlanner) graphSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	page := req.Page
	if page.Limit == 0 && page.Page == 0 {
		page.Limit = req.Limit
	}

	result, err := p.store.SearchNodes(ctx, storage.SearchOptions{
		Query:         req.Query,
		EntityTypes:   req.EntityTypes,
		CaseSensitive: req.CaseSensitive,
		Page:          page,
	})
	if err != nil {
		return nil, fmt.Errorf("graph search: %w", err)
	}

	hits := make([]SearchHit, 0, len(result.Entities))
	for rank, e := range result.Entities {
		// Text matches carry no native score; rank position stands in.
		score := 1 / float64(rank+1)
		s := score
		hits = append(hits, SearchHit{
			Entity:     e,
			Score:      score,
			GraphScore: &s,
			Sources:    []string{StrategyGraph},
		})
	}

	return &SearchResponse{
		Hits:     hits,
		Strategy: StrategyGraph,
		PageInfo: result.PageInfo,
	}, nil
}

func (p *SearchPlanner) vectorSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if !p.vectorCapable() {
		return nil, fmt.Errorf("%w: vector search requires an embedding provider and index", storage.ErrUnavailable)
	}

	matches, err := p.vectorMatches(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	hits, err := p.hydrate(ctx, matches)
	if err != nil {
		return nil, err
	}
	return &SearchResponse{
		Hits:     hits,
		Strategy: StrategyVector,
		PageInfo: storage.PageInfo{Limit: req.Limit, Returned: len(hits)},
	}, nil
}

func (p *SearchPlanner) vectorMatches(ctx context.Context, req SearchRequest) ([]storage.VectorMatch, error) {
	vec, err := p.provider.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	minSim := req.MinSimilarity
	if minSim == 0 {
		minSim = p.cfg.MinSimilarity
	}
	if minSim < 0 {
		minSim = 0
	}

	return p.index.SearchVectors(ctx, vec, storage.VectorSearchOptions{
		Limit:         req.Limit,
		MinSimilarity: minSim,
		EntityTypes:   req.EntityTypes,
	})
}

// hybridSearch fuses graph and vector results. A vector-side failure logs a
// warning and degrades to graph-only rather than failing the search.
func (p *SearchPlanner) hybridSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if !p.vectorCapable() {
		resp, err := p.graphSearch(ctx, req)
		if err != nil {
			return nil, err
		}
		resp.Strategy = StrategyHybrid
		resp.Degraded = true
		resp.DegradedCause = "vector search not configured"
		return resp, nil
	}

	graphResp, err := p.graphSearch(ctx, req)
	if err != nil {
		return nil, err
	}

	matches, vecErr := p.vectorMatches(ctx, req)
	if vecErr != nil {
		log.Printf("WARNING: search: vector side failed, serving graph-only results: %v", vecErr)
		graphResp.Strategy = StrategyHybrid
		graphResp.Degraded = true
		graphResp.DegradedCause = vecErr.Error()
		return graphResp, nil
	}
	vectorHits, err := p.hydrate(ctx, matches)
	if err != nil {
		return nil, err
	}

	method := req.MergeMethod
	if method == "" {
		method = p.cfg.MergeMethod
	}
	if method != MergeWeighted && method != MergeRRF {
		return nil, fmt.Errorf("%w: unknown merge method %q", storage.ErrInvalidInput, method)
	}

	var fused []SearchHit
	switch {
	case p.cfg.Deduplication != nil && !*p.cfg.Deduplication:
		fused = p.concatScored(graphResp.Hits, vectorHits, method)
	case method == MergeRRF:
		fused = fuseRRF(graphResp.Hits, vectorHits)
	default:
		fused = p.fuseWeighted(graphResp.Hits, vectorHits)
	}

	if len(fused) > req.Limit {
		fused = fused[:req.Limit]
	}
	return &SearchResponse{
		Hits:     fused,
		Strategy: StrategyHybrid,
		PageInfo: storage.PageInfo{Limit: req.Limit, Returned: len(fused)},
	}, nil
}

// hydrate resolves vector matches to full entities, dropping keys whose
// entity vanished since the index write.
func (p *SearchPlanner) hydrate(ctx context.Context, matches []storage.VectorMatch) ([]SearchHit, error) {
	if len(matches) == 0 {
		return []SearchHit{}, nil
	}

	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m.Key
	}
	sub, err := p.store.OpenNodes(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("hydrate vector matches: %w", err)
	}
	hits := make([]SearchHit, 0, len(matches))
	for _, m := range matches {
		entity := sub.EntityByName(m.Key)
		if entity == nil {
			continue
		}
		score := m.Similarity
		hits = append(hits, SearchHit{
			Entity:      *entity,
			Score:       score,
			VectorScore: &score,
			Sources:     []string{StrategyVector},
		})
	}
	return hits, nil
}

// concatScored scores each source's hits independently and returns them
// side by side, for callers that turned hybrid deduplication off.
func (p *SearchPlanner) concatScored(graphHits, vectorHits []SearchHit, method string) []SearchHit {
	out := make([]SearchHit, 0, len(graphHits)+len(vectorHits))
	if method == MergeRRF {
		for rank := range graphHits {
			hit := graphHits[rank]
			hit.Score = 1 / float64(rrfK+rank+1)
			out = append(out, hit)
		}
		for rank := range vectorHits {
			hit := vectorHits[rank]
			hit.Score = 1 / float64(rrfK+rank+1)
			out = append(out, hit)
		}
	} else {
		graphNorm := normalizeScores(graphHits)
		vectorNorm := normalizeScores(vectorHits)
		for i := range graphHits {
			hit := graphHits[i]
			g := graphNorm[i]
			hit.GraphScore = &g
			hit.Score = p.cfg.GraphWeight * g
			out = append(out, hit)
		}
		for i := range vectorHits {
			hit := vectorHits[i]
			v := vectorNorm[i]
			hit.VectorScore = &v
			hit.Score = p.cfg.VectorWeight * v
			out = append(out, hit)
		}
	}
	sortHits(out)
	return out
}

// fuseWeighted merges the two hit lists by name using min-max normalized
// scores and the configured weights. A hit found by only one source keeps
// that source's weighted score.
func (p *SearchPlanner) fuseWeighted(graphHits, vectorHits []SearchHit) []SearchHit {
	graphNorm := normalizeScores(graphHits)
	vectorNorm := normalizeScores(vectorHits)

	merged := make(map[string]*SearchHit)
	for i := range graphHits {
		hit := graphHits[i]
		g := graphNorm[i]
		hit.GraphScore = &g
		merged[hit.Entity.Name] = &hit
	}
	for i := range vectorHits {
		v := vectorNorm[i]
		if existing, ok := merged[vectorHits[i].Entity.Name]; ok {
			existing.VectorScore = &v
			existing.Sources = append(existing.Sources, StrategyVector)
			continue
		}
		hit := vectorHits[i]
		hit.VectorScore = &v
		merged[hit.Entity.Name] = &hit
	}

	fused := make([]SearchHit, 0, len(merged))
	for _, hit := range merged {
		var score float64
		switch {
		case hit.GraphScore != nil && hit.VectorScore != nil:
			score = p.cfg.GraphWeight**hit.GraphScore + p.cfg.VectorWeight**hit.VectorScore
		case hit.GraphScore != nil:
			score = p.cfg.GraphWeight * *hit.GraphScore
		default:
			score = p.cfg.VectorWeight * *hit.VectorScore
		}
		hit.Score = score
		fused = append(fused, *hit)
	}
	sortHits(fused)
	return fused
}

// fuseRRF merges by reciprocal rank fusion: score = sum over sources of
// 1 / (k + rank).
func fuseRRF(graphHits, vectorHits []SearchHit) []SearchHit {
	merged := make(map[string]*SearchHit)

	accumulate := func(hits []SearchHit, source string) {
		for rank := range hits {
			contribution := 1 / float64(rrfK+rank+1)
			if existing, ok := merged[hits[rank].Entity.Name]; ok {
				existing.Score += contribution
				existing.Sources = append(existing.Sources, source)
				continue
			}
			hit := hits[rank]
			hit.Score = contribution
			hit.Sources = []string{source}
			merged[hit.Entity.Name] = &hit
		}
	}
	accumulate(graphHits, StrategyGraph)
	accumulate(vectorHits, StrategyVector)

	fused := make([]SearchHit, 0, len(merged))
	for _, hit := range merged {
		fused = append(fused, *hit)
	}
	sortHits(fused)
	return fused
}

// normalizeScores min-max normalizes the scores of a hit list into [0,1].
// A single hit (or all-equal scores) normalizes to 1.
func normalizeScores(hits []SearchHit) []float64 {
	norm := make([]float64, len(hits))
	if len(hits) == 0 {
		return norm
	}

	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	for i, h := range hits {
		if max == min {
			norm[i] = 1
		} else {
			norm[i] = (h.Score - min) / (max - min)
		}
	}
	return norm
}

func sortHits(hits []SearchHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Entity.Name < hits[j].Entity.Name
	})
}
