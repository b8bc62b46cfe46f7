package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/synapse/pkg/types"
)

func TestDecayedViewFreshEdgeBarelyDecays(t *testing.T) {
	kg, _ := newTestGraph(t)
	seedGraph(t, kg,
		[]types.Entity{{Name: "a"}, {Name: "b"}},
		[]types.Relation{{From: "a", To: "b", RelationType: "knows", Confidence: floatPtr(0.8)}},
	)

	view, err := kg.DecayedView(context.Background(), DecayOptions{})
	require.NoError(t, err)
	require.Len(t, view.Relations, 1)
	require.NotNil(t, view.Relations[0].Confidence)
	assert.InDelta(t, 0.8, *view.Relations[0].Confidence, 0.001)

	assert.Equal(t, 30.0, view.Decay.HalfLifeDays)
	assert.Equal(t, 0.1, view.Decay.MinConfidence)
	assert.Negative(t, view.Decay.DecayRate)
	assert.False(t, view.Decay.ComputedAt.IsZero())
}

func TestDecayedViewMatchesClosedForm(t *testing.T) {
	kg, _ := newTestGraph(t)
	ctx := context.Background()
	seedGraph(t, kg,
		[]types.Entity{{Name: "a"}, {Name: "b"}},
		[]types.Relation{{From: "a", To: "b", RelationType: "knows", Confidence: floatPtr(0.8)}},
	)

	view, err := kg.DecayedView(ctx, DecayOptions{HalfLifeDays: 30, MinConfidence: 0.1})
	require.NoError(t, err)

	rel, err := kg.GetRelation(ctx, "a", "b", "knows")
	require.NoError(t, err)
	ageMs := float64(view.Decay.ComputedAt.Sub(rel.ValidFrom).Milliseconds())
	expected := 0.8 * math.Exp(math.Log(0.5)*ageMs/(30*24*60*60*1000))
	assert.InDelta(t, expected, *view.Relations[0].Confidence, 0.0001)
}

func TestDecayedViewAgesFromValidFrom(t *testing.T) {
	kg, _ := newTestGraph(t)
	ctx := context.Background()

	// An edge whose validity interval opened 60 days ago but that was merged
	// again recently: updated_at is fresh, valid_from is old. Two half-lives
	// must have elapsed regardless of the merge.
	require.NoError(t, kg.store.SaveGraph(ctx, &types.Graph{
		Entities: []types.Entity{{Name: "a"}, {Name: "b"}},
		Relations: []types.Relation{{
			From: "a", To: "b", RelationType: "knows",
			Confidence: floatPtr(1.0),
			ValidFrom:  time.Now().UTC().Add(-60 * 24 * time.Hour),
		}},
	}))

	view, err := kg.DecayedView(ctx, DecayOptions{HalfLifeDays: 30, MinConfidence: 0.1})
	require.NoError(t, err)
	require.Len(t, view.Relations, 1)
	assert.InDelta(t, 0.25, *view.Relations[0].Confidence, 0.001)

	// A year-old edge hits the floor.
	require.NoError(t, kg.store.SaveGraph(ctx, &types.Graph{
		Entities: []types.Entity{{Name: "a"}, {Name: "b"}},
		Relations: []types.Relation{{
			From: "a", To: "b", RelationType: "knows",
			Confidence: floatPtr(1.0),
			ValidFrom:  time.Now().UTC().Add(-365 * 24 * time.Hour),
		}},
	}))
	old, err := kg.DecayedView(ctx, DecayOptions{HalfLifeDays: 30, MinConfidence: 0.1})
	require.NoError(t, err)
	assert.Equal(t, 0.1, *old.Relations[0].Confidence)
}

func TestDecayedViewAppliesFloor(t *testing.T) {
	kg, _ := newTestGraph(t)
	seedGraph(t, kg,
		[]types.Entity{{Name: "a"}, {Name: "b"}},
		[]types.Relation{{From: "a", To: "b", RelationType: "knows", Confidence: floatPtr(0.8)}},
	)

	// A microscopic half-life pushes any real age past many half-lives, so
	// the floor must kick in.
	view, err := kg.DecayedView(context.Background(), DecayOptions{HalfLifeDays: 0.0000001, MinConfidence: 0.25})
	require.NoError(t, err)
	assert.Equal(t, 0.25, *view.Relations[0].Confidence)
}

func TestDecayedViewLeavesUnsetConfidenceAlone(t *testing.T) {
	kg, _ := newTestGraph(t)
	seedGraph(t, kg,
		[]types.Entity{{Name: "a"}, {Name: "b"}},
		[]types.Relation{{From: "a", To: "b", RelationType: "knows"}},
	)

	view, err := kg.DecayedView(context.Background(), DecayOptions{})
	require.NoError(t, err)
	assert.Nil(t, view.Relations[0].Confidence)
}

func TestDecayedViewDoesNotMutateStore(t *testing.T) {
	kg, _ := newTestGraph(t)
	ctx := context.Background()
	seedGraph(t, kg,
		[]types.Entity{{Name: "a"}, {Name: "b"}},
		[]types.Relation{{From: "a", To: "b", RelationType: "knows", Confidence: floatPtr(0.8)}},
	)

	_, err := kg.DecayedView(ctx, DecayOptions{HalfLifeDays: 0.0000001, MinConfidence: 0.1})
	require.NoError(t, err)

	stored, err := kg.GetRelation(ctx, "a", "b", "knows")
	require.NoError(t, err)
	assert.Equal(t, 0.8, *stored.Confidence)
	assert.Equal(t, 1, stored.Version)
}
