package sqlite

import (
	"context"
	"testing"

	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

func TestVectorIndexSearchRanksBySimilarity(t *testing.T) {
	store := newTestStore(t)
	index := NewVectorIndex(store)
	ctx := context.Background()

	mustCreateEntities(t, store,
		types.Entity{Name: "a", EntityType: "doc"},
		types.Entity{Name: "b", EntityType: "doc"},
		types.Entity{Name: "c", EntityType: "note"},
	)

	add := func(name string, vec []float32, typ string) {
		t.Helper()
		if err := index.AddVector(ctx, name, vec, storage.VectorTags{EntityType: typ, Model: "test"}); err != nil {
			t.Fatalf("AddVector %s: %v", name, err)
		}
	}
	add("a", []float32{1, 0, 0, 0}, "doc")
	add("b", []float32{0.9, 0.1, 0, 0}, "doc")
	add("c", []float32{0, 1, 0, 0}, "note")

	matches, err := index.SearchVectors(ctx, []float32{1, 0, 0, 0}, storage.VectorSearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("SearchVectors: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	if matches[0].Key != "a" || matches[1].Key != "b" || matches[2].Key != "c" {
		t.Fatalf("wrong ranking: %+v", matches)
	}
	if matches[0].Similarity < 0.999 {
		t.Fatalf("identical vector should score ~1, got %f", matches[0].Similarity)
	}
	if matches[0].Tags.Model != "test" || matches[0].Tags.EntityType != "doc" {
		t.Fatalf("tags not round-tripped: %+v", matches[0].Tags)
	}
}

func TestVectorIndexFilters(t *testing.T) {
	store := newTestStore(t)
	index := NewVectorIndex(store)
	ctx := context.Background()

	mustCreateEntities(t, store,
		types.Entity{Name: "a", EntityType: "doc"},
		types.Entity{Name: "c", EntityType: "note"},
	)
	if err := index.AddVector(ctx, "a", []float32{1, 0, 0, 0}, storage.VectorTags{EntityType: "doc"}); err != nil {
		t.Fatalf("AddVector: %v", err)
	}
	if err := index.AddVector(ctx, "c", []float32{0, 1, 0, 0}, storage.VectorTags{EntityType: "note"}); err != nil {
		t.Fatalf("AddVector: %v", err)
	}

	byType, err := index.SearchVectors(ctx, []float32{1, 0, 0, 0}, storage.VectorSearchOptions{
		Limit:       10,
		EntityTypes: []string{"note"},
	})
	if err != nil {
		t.Fatalf("SearchVectors typed: %v", err)
	}
	if len(byType) != 1 || byType[0].Key != "c" {
		t.Fatalf("type filter failed: %+v", byType)
	}

	bySim, err := index.SearchVectors(ctx, []float32{1, 0, 0, 0}, storage.VectorSearchOptions{
		Limit:         10,
		MinSimilarity: 0.5,
	})
	if err != nil {
		t.Fatalf("SearchVectors min similarity: %v", err)
	}
	if len(bySim) != 1 || bySim[0].Key != "a" {
		t.Fatalf("similarity floor failed: %+v", bySim)
	}
}

func TestVectorIndexRemoveAndMissingKey(t *testing.T) {
	store := newTestStore(t)
	index := NewVectorIndex(store)
	ctx := context.Background()

	mustCreateEntities(t, store, types.Entity{Name: "a", EntityType: "doc"})
	if err := index.AddVector(ctx, "a", []float32{1, 0, 0, 0}, storage.VectorTags{}); err != nil {
		t.Fatalf("AddVector: %v", err)
	}

	if err := index.RemoveVector(ctx, "a"); err != nil {
		t.Fatalf("RemoveVector: %v", err)
	}
	if err := index.RemoveVector(ctx, "never-existed"); err != nil {
		t.Fatalf("RemoveVector missing key should not error: %v", err)
	}

	matches, err := index.SearchVectors(ctx, []float32{1, 0, 0, 0}, storage.VectorSearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("SearchVectors: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches after removal, got %+v", matches)
	}

	// Adding a vector for an unknown entity is logged, not an error.
	if err := index.AddVector(ctx, "ghost", []float32{1, 0, 0, 0}, storage.VectorTags{}); err != nil {
		t.Fatalf("AddVector unknown key should not error: %v", err)
	}
}
