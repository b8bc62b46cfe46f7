package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/synapse/pkg/types"
)

// seedEmbedded creates entities and drives their embedding refreshes
// synchronously so vector search has data to work with.
func seedEmbedded(t *testing.T, kg *KnowledgeGraph, provider *fakeProvider) {
	t.Helper()
	ctx := context.Background()

	provider.vectors["likes gardening"] = []float32{1, 0, 0, 0}
	provider.vectors["sells flowers"] = []float32{0.9, 0.1, 0, 0}
	provider.vectors["repairs engines"] = []float32{0, 0, 1, 0}
	provider.vectors["gardening"] = []float32{1, 0, 0, 0}

	seedGraph(t, kg,
		[]types.Entity{
			{Name: "alice", EntityType: "person", Observations: []string{"likes gardening"}},
			{Name: "florist", EntityType: "shop", Observations: []string{"sells flowers"}},
			{Name: "mechanic", EntityType: "shop", Observations: []string{"repairs engines"}},
		},
		nil,
	)

	kg.Start(ctx)
	require.NoError(t, kg.DrainEmbedJobs(ctx))
}

func TestSearchGraphStrategy(t *testing.T) {
	kg, _ := newTestGraph(t)
	seedGraph(t, kg, []types.Entity{
		{Name: "alice", EntityType: "person", Observations: []string{"likes gardening"}},
		{Name: "bob", EntityType: "person"},
	}, nil)

	resp, err := kg.Search(context.Background(), SearchRequest{
		Query: "gardening", Strategy: StrategyGraph,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyGraph, resp.Strategy)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "alice", resp.Hits[0].Entity.Name)
	assert.NotNil(t, resp.Hits[0].GraphScore)
	assert.False(t, resp.Degraded)
}

func TestSearchVectorStrategy(t *testing.T) {
	kg, provider := newTestGraph(t)
	seedEmbedded(t, kg, provider)

	resp, err := kg.Search(context.Background(), SearchRequest{
		Query: "gardening", Strategy: StrategyVector, Limit: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyVector, resp.Strategy)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, "alice", resp.Hits[0].Entity.Name)
	assert.NotNil(t, resp.Hits[0].VectorScore)
}

func TestSearchVectorSimilarityFloorDefaults(t *testing.T) {
	kg, provider := newTestGraph(t)
	seedEmbedded(t, kg, provider)
	ctx := context.Background()

	// The mechanic's vector is orthogonal to the query, similarity 0. The
	// default floor of 0.6 must keep it out.
	resp, err := kg.Search(ctx, SearchRequest{
		Query: "gardening", Strategy: StrategyVector, Limit: 10,
	})
	require.NoError(t, err)
	names := make([]string, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		names = append(names, hit.Entity.Name)
	}
	assert.ElementsMatch(t, []string{"alice", "florist"}, names)

	// A negative floor disables the filter.
	all, err := kg.Search(ctx, SearchRequest{
		Query: "gardening", Strategy: StrategyVector, Limit: 10, MinSimilarity: -1,
	})
	require.NoError(t, err)
	assert.Len(t, all.Hits, 3)
}

func TestSearchHybridDeduplicatesByName(t *testing.T) {
	kg, provider := newTestGraph(t)
	seedEmbedded(t, kg, provider)

	// "gardening" matches alice in both sources; the fused result must
	// carry her once with both scores.
	resp, err := kg.Search(context.Background(), SearchRequest{
		Query: "gardening", Strategy: StrategyHybrid, Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyHybrid, resp.Strategy)
	assert.False(t, resp.Degraded)

	var aliceCount int
	for _, hit := range resp.Hits {
		if hit.Entity.Name == "alice" {
			aliceCount++
			assert.NotNil(t, hit.GraphScore)
			assert.NotNil(t, hit.VectorScore)
			assert.ElementsMatch(t, []string{StrategyGraph, StrategyVector}, hit.Sources)
		}
	}
	assert.Equal(t, 1, aliceCount)
}

func TestSearchHybridWithoutDeduplication(t *testing.T) {
	store, index := newTestStore(t)
	provider := newFakeProvider()
	off := false
	kg := New(store, index, provider, Config{Planner: PlannerConfig{Deduplication: &off}})
	seedEmbedded(t, kg, provider)
	defer func() { _ = kg.Shutdown(context.Background()) }()

	// With deduplication off, alice surfaces once per source.
	resp, err := kg.Search(context.Background(), SearchRequest{
		Query: "gardening", Strategy: StrategyHybrid, Limit: 10,
	})
	require.NoError(t, err)
	assert.False(t, resp.Degraded)

	var aliceCount int
	for _, hit := range resp.Hits {
		if hit.Entity.Name == "alice" {
			aliceCount++
			require.Len(t, hit.Sources, 1)
		}
	}
	assert.Equal(t, 2, aliceCount)
}

func TestSearchHybridDegradesOnVectorFailure(t *testing.T) {
	kg, provider := newTestGraph(t)
	seedEmbedded(t, kg, provider)
	provider.err = errors.New("embedding backend down")

	resp, err := kg.Search(context.Background(), SearchRequest{
		Query: "gardening", Strategy: StrategyHybrid,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyHybrid, resp.Strategy)
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.DegradedCause, "embedding backend down")
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "alice", resp.Hits[0].Entity.Name)
}

func TestSearchRRFMerge(t *testing.T) {
	kg, provider := newTestGraph(t)
	seedEmbedded(t, kg, provider)

	resp, err := kg.Search(context.Background(), SearchRequest{
		Query: "gardening", Strategy: StrategyHybrid, MergeMethod: MergeRRF, Limit: 10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	// alice ranks first in both sources, so her fused score is the largest
	// possible: 2 / (k + 1).
	assert.Equal(t, "alice", resp.Hits[0].Entity.Name)
	assert.InDelta(t, 2.0/61.0, resp.Hits[0].Score, 0.0001)
}

func TestSearchAutoPicksHybridWhenVectorCapable(t *testing.T) {
	kg, provider := newTestGraph(t)
	seedEmbedded(t, kg, provider)

	resp, err := kg.Search(context.Background(), SearchRequest{Query: "gardening"})
	require.NoError(t, err)
	assert.Equal(t, StrategyHybrid, resp.Strategy)
}

func TestAvailableStrategies(t *testing.T) {
	kg, _ := newTestGraph(t)
	assert.ElementsMatch(t,
		[]string{StrategyGraph, StrategyVector, StrategyHybrid},
		kg.AvailableSearchStrategies())

	store, _ := newTestStore(t)
	bare := New(store, nil, nil, Config{})
	assert.Equal(t, []string{StrategyGraph}, bare.AvailableSearchStrategies())
}

func TestSearchEmptyQueryRejected(t *testing.T) {
	kg, _ := newTestGraph(t)
	_, err := kg.Search(context.Background(), SearchRequest{})
	require.Error(t, err)
}

func TestVectorSearchWithoutIndexUnavailable(t *testing.T) {
	store, _ := newTestStore(t)
	bare := New(store, nil, nil, Config{})

	_, err := bare.Search(context.Background(), SearchRequest{
		Query: "x", Strategy: StrategyVector,
	})
	require.Error(t, err)
}

func TestNormalizeScores(t *testing.T) {
	hits := []SearchHit{{Score: 1}, {Score: 3}, {Score: 2}}
	norm := normalizeScores(hits)
	assert.Equal(t, []float64{0, 1, 0.5}, norm)

	single := normalizeScores([]SearchHit{{Score: 0.42}})
	assert.Equal(t, []float64{1}, single)
}
