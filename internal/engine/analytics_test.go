package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/synapse/pkg/types"
)

func seedTriangleAndIsland(t *testing.T, kg *KnowledgeGraph) {
	t.Helper()
	// Triangle a-b-c (directed cycle) plus a dangling edge to d and an
	// isolated node e.
	seedGraph(t, kg,
		[]types.Entity{
			{Name: "a", EntityType: "person", Observations: []string{"one", "two"}},
			{Name: "b", EntityType: "person"},
			{Name: "c", EntityType: "place"},
			{Name: "d", EntityType: "place"},
			{Name: "e", EntityType: "thing"},
		},
		[]types.Relation{
			{From: "a", To: "b", RelationType: "knows"},
			{From: "b", To: "c", RelationType: "knows"},
			{From: "c", To: "a", RelationType: "knows"},
			{From: "c", To: "d", RelationType: "near"},
		},
	)
}

func TestStats(t *testing.T) {
	kg, _ := newTestGraph(t)
	seedTriangleAndIsland(t, kg)

	stats, err := kg.Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, stats.EntityCount)
	assert.Equal(t, 4, stats.RelationCount)
	assert.InDelta(t, 4.0/20.0, stats.Density, 0.0001)
	assert.Equal(t, 2, stats.EntityTypes["person"])
	assert.Equal(t, 3, stats.RelationTypes["knows"])
	assert.Equal(t, 1, stats.RelationTypes["near"])
	assert.Equal(t, 2, stats.ConnectedComponents) // {a,b,c,d} and {e}
	assert.Equal(t, 4, stats.LargestComponentSize)
	assert.Equal(t, 1, stats.IsolatedEntityCount)
	assert.InDelta(t, 0.4, stats.AverageObservations, 0.0001)
	// SCCs: the cycle {a,b,c} plus singletons {d} and {e}.
	assert.Equal(t, 3, stats.StronglyConnectedCount)
	assert.Equal(t, 0, stats.MinDegree)
	assert.Equal(t, 3, stats.MaxDegree) // c: in from b, out to a and d
	// Most connected first, names break degree ties.
	require.Len(t, stats.TopConnected, 5)
	assert.Equal(t, NodeDegree{Name: "c", Degree: 3}, stats.TopConnected[0])
	assert.Equal(t, NodeDegree{Name: "e", Degree: 0}, stats.TopConnected[4])
}

func TestStatsTopConnectedCapped(t *testing.T) {
	kg, _ := newTestGraph(t)
	// A star: hub connected to 12 spokes.
	entities := []types.Entity{{Name: "hub"}}
	var relations []types.Relation
	for _, s := range []string{"s01", "s02", "s03", "s04", "s05", "s06", "s07", "s08", "s09", "s10", "s11", "s12"} {
		entities = append(entities, types.Entity{Name: s})
		relations = append(relations, types.Relation{From: "hub", To: s, RelationType: "r"})
	}
	seedGraph(t, kg, entities, relations)

	stats, err := kg.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats.TopConnected, 10)
	assert.Equal(t, NodeDegree{Name: "hub", Degree: 12}, stats.TopConnected[0])
}

func TestConnectedComponentsIgnoreDirection(t *testing.T) {
	kg, _ := newTestGraph(t)
	seedGraph(t, kg,
		[]types.Entity{{Name: "a"}, {Name: "b"}, {Name: "x"}, {Name: "y"}},
		[]types.Relation{
			{From: "a", To: "b", RelationType: "r"},
			{From: "y", To: "x", RelationType: "r"},
		},
	)

	components, err := kg.ConnectedComponents(context.Background())
	require.NoError(t, err)
	require.Len(t, components, 2)
	assert.Equal(t, []string{"a", "b"}, components[0].Members)
	assert.Equal(t, []string{"x", "y"}, components[1].Members)
}

func TestStronglyConnectedComponentsRespectDirection(t *testing.T) {
	kg, _ := newTestGraph(t)
	// a -> b with no path back: two SCCs, not one.
	seedGraph(t, kg,
		[]types.Entity{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}},
		[]types.Relation{
			{From: "a", To: "b", RelationType: "r"},
			{From: "c", To: "d", RelationType: "r"},
			{From: "d", To: "c", RelationType: "r"},
		},
	)

	sccs, err := kg.StronglyConnectedComponents(context.Background())
	require.NoError(t, err)
	require.Len(t, sccs, 3)
	assert.Equal(t, []string{"c", "d"}, sccs[0].Members)
	assert.Equal(t, 1, sccs[1].Size)
	assert.Equal(t, 1, sccs[2].Size)
}

func TestAnalyzeNode(t *testing.T) {
	kg, _ := newTestGraph(t)
	seedTriangleAndIsland(t, kg)

	na, err := kg.AnalyzeNode(context.Background(), "c", NodeAnalyticsOptions{})
	require.NoError(t, err)

	assert.Equal(t, "c", na.Name)
	assert.Equal(t, 1, na.InDegree)
	assert.Equal(t, 2, na.OutDegree)
	assert.Equal(t, 3, na.Degree)
	assert.Equal(t, []string{"a", "b", "d"}, na.Neighbors)
	// c's direct ring covers the whole component, so nothing is two hops out.
	assert.Empty(t, na.SecondDegree)
	assert.Equal(t, Influence{Direct: 3, Extended: 0, Radius: 1}, na.Influence)
	// Of c's neighbor pairs (a,b), (a,d), (b,d), only a-b is connected.
	assert.InDelta(t, 1.0/3.0, na.ClusteringCoefficient, 0.0001)
	assert.InDelta(t, 3.0/4.0, na.DegreeCentrality, 0.0001)
	assert.Positive(t, na.ClosenessCentrality)
}

func TestAnalyzeNodeSecondDegreeAndInfluence(t *testing.T) {
	kg, _ := newTestGraph(t)
	seedTriangleAndIsland(t, kg)
	ctx := context.Background()

	// d's only neighbor is c; a and b sit exactly two hops away.
	na, err := kg.AnalyzeNode(ctx, "d", NodeAnalyticsOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, na.Neighbors)
	assert.Equal(t, []string{"a", "b"}, na.SecondDegree)
	assert.Equal(t, Influence{Direct: 1, Extended: 2, Radius: 2}, na.Influence)

	isolated, err := kg.AnalyzeNode(ctx, "e", NodeAnalyticsOptions{})
	require.NoError(t, err)
	assert.Equal(t, Influence{Direct: 0, Extended: 0, Radius: 0}, isolated.Influence)

	// MaxNeighbors truncates the listings but not the influence counts.
	capped, err := kg.AnalyzeNode(ctx, "d", NodeAnalyticsOptions{MaxNeighbors: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, capped.SecondDegree)
	assert.Equal(t, 2, capped.Influence.Extended)
}

func TestAnalyzeNodeUnknownEntity(t *testing.T) {
	kg, _ := newTestGraph(t)
	seedTriangleAndIsland(t, kg)

	_, err := kg.AnalyzeNode(context.Background(), "ghost", NodeAnalyticsOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errNotInGraph))
}

func TestSampledCloseness(t *testing.T) {
	kg, _ := newTestGraph(t)
	seedTriangleAndIsland(t, kg)

	closeness, err := kg.SampledCloseness(context.Background())
	require.NoError(t, err)
	assert.Len(t, closeness, 5)
	assert.Equal(t, 0.0, closeness["e"]) // isolated
	assert.Greater(t, closeness["c"], closeness["d"])
}

func TestSampledClosenessCapsSampleSize(t *testing.T) {
	kg, _ := newTestGraph(t)
	entities := make([]types.Entity, 0, 25)
	for i := 0; i < 25; i++ {
		entities = append(entities, types.Entity{Name: fmt.Sprintf("n%02d", i)})
	}
	seedGraph(t, kg, entities, nil)

	closeness, err := kg.SampledCloseness(context.Background())
	require.NoError(t, err)
	assert.Len(t, closeness, closenessSampleLimit)
	for name := range closeness {
		assert.Contains(t, name, "n")
	}
}

func TestStatsEmptyGraph(t *testing.T) {
	kg, _ := newTestGraph(t)

	stats, err := kg.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.EntityCount)
	assert.Equal(t, 0.0, stats.Density)
	assert.Equal(t, 0, stats.ConnectedComponents)
	assert.Equal(t, 0, stats.StronglyConnectedCount)
}
