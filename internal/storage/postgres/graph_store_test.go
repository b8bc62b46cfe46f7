package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// newTestStore connects to the database named by SYNAPSE_TEST_POSTGRES_URL
// and resets the tables. Tests are skipped when the variable is unset.
func newTestStore(t *testing.T) *GraphStore {
	t.Helper()

	connStr := os.Getenv("SYNAPSE_TEST_POSTGRES_URL")
	if connStr == "" {
		t.Skip("SYNAPSE_TEST_POSTGRES_URL not set, skipping postgres integration tests")
	}

	store, err := NewGraphStore(connStr, Options{Dimensions: 4})
	if err != nil {
		t.Fatalf("NewGraphStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if err := store.InitializeSchema(ctx); err != nil {
		t.Fatalf("InitializeSchema: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `DELETE FROM relations`); err != nil {
		t.Fatalf("reset relations: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `DELETE FROM entities`); err != nil {
		t.Fatalf("reset entities: %v", err)
	}
	return store
}

func TestCreateEntitiesSkipsExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateEntities(ctx, []types.Entity{
		{Name: "alice", EntityType: "person", Observations: []string{"likes go"}},
	})
	if err != nil {
		t.Fatalf("CreateEntities: %v", err)
	}
	if len(created) != 1 || created[0].Version != 1 {
		t.Fatalf("expected one version-1 entity, got %+v", created)
	}

	again, err := store.CreateEntities(ctx, []types.Entity{
		{Name: "alice", EntityType: "robot"},
		{Name: "bob", EntityType: "person"},
	})
	if err != nil {
		t.Fatalf("CreateEntities again: %v", err)
	}
	if len(again) != 1 || again[0].Name != "bob" {
		t.Fatalf("expected only bob to be created, got %+v", again)
	}

	alice, err := store.GetEntity(ctx, "alice")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if alice.EntityType != "person" {
		t.Fatalf("existing entity was overwritten: %+v", alice)
	}
}

func TestAddObservationsVersionsEntityAndRelations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateEntities(ctx, []types.Entity{
		{Name: "alice", EntityType: "person"},
		{Name: "bob", EntityType: "person"},
	})
	if err != nil {
		t.Fatalf("CreateEntities: %v", err)
	}
	if _, err := store.CreateRelations(ctx, []types.Relation{
		{From: "alice", To: "bob", RelationType: "knows"},
	}); err != nil {
		t.Fatalf("CreateRelations: %v", err)
	}

	additions, err := store.AddObservations(ctx, []types.ObservationDelta{
		{Name: "alice", Contents: []string{"likes go", "likes go", "writes tests"}},
	})
	if err != nil {
		t.Fatalf("AddObservations: %v", err)
	}
	if len(additions) != 1 || len(additions[0].AddedObservations) != 2 {
		t.Fatalf("expected 2 added observations, got %+v", additions)
	}

	alice, err := store.GetEntity(ctx, "alice")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if alice.Version != 2 {
		t.Fatalf("expected version 2, got %d", alice.Version)
	}

	history, err := store.GetEntityHistory(ctx, "alice")
	if err != nil {
		t.Fatalf("GetEntityHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(history))
	}
	if history[0].ValidTo == nil || !history[0].ValidTo.Equal(history[1].ValidFrom) {
		t.Fatalf("version intervals do not abut: %+v / %+v", history[0].ValidTo, history[1].ValidFrom)
	}

	// The incident relation must have been re-created against the new
	// entity version.
	rel, err := store.GetRelation(ctx, "alice", "bob", "knows")
	if err != nil {
		t.Fatalf("GetRelation: %v", err)
	}
	if rel.Version != 2 {
		t.Fatalf("expected relation version 2 after re-creation, got %d", rel.Version)
	}
	relHistory, err := store.GetRelationHistory(ctx, "alice", "bob", "knows")
	if err != nil {
		t.Fatalf("GetRelationHistory: %v", err)
	}
	if len(relHistory) != 2 {
		t.Fatalf("expected 2 relation versions, got %d", len(relHistory))
	}
}

func TestCreateRelationsMergesDuplicateTriple(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateEntities(ctx, []types.Entity{
		{Name: "alice"}, {Name: "bob"},
	}); err != nil {
		t.Fatalf("CreateEntities: %v", err)
	}

	strength := 0.5
	if _, err := store.CreateRelations(ctx, []types.Relation{
		{From: "alice", To: "bob", RelationType: "knows", Strength: &strength},
	}); err != nil {
		t.Fatalf("CreateRelations: %v", err)
	}

	confidence := 0.9
	merged, err := store.CreateRelations(ctx, []types.Relation{
		{From: "alice", To: "bob", RelationType: "knows", Confidence: &confidence},
	})
	if err != nil {
		t.Fatalf("CreateRelations merge: %v", err)
	}
	if len(merged) != 1 {
		t.Fatalf("expected one merged relation, got %d", len(merged))
	}
	rel := merged[0]
	if rel.Version != 2 {
		t.Fatalf("expected version 2, got %d", rel.Version)
	}
	if rel.Strength == nil || *rel.Strength != 0.5 {
		t.Fatalf("merge dropped strength: %+v", rel.Strength)
	}
	if rel.Confidence == nil || *rel.Confidence != 0.9 {
		t.Fatalf("merge did not pick up confidence: %+v", rel.Confidence)
	}

	// Merge must not create a history row.
	history, err := store.GetRelationHistory(ctx, "alice", "bob", "knows")
	if err != nil {
		t.Fatalf("GetRelationHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("merge created history rows: %d", len(history))
	}
}

func TestDeleteEntitiesCascadesRelations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateEntities(ctx, []types.Entity{
		{Name: "alice"}, {Name: "bob"},
	}); err != nil {
		t.Fatalf("CreateEntities: %v", err)
	}
	if _, err := store.CreateRelations(ctx, []types.Relation{
		{From: "alice", To: "bob", RelationType: "knows"},
	}); err != nil {
		t.Fatalf("CreateRelations: %v", err)
	}

	if err := store.DeleteEntities(ctx, []string{"alice"}); err != nil {
		t.Fatalf("DeleteEntities: %v", err)
	}

	if _, err := store.GetEntity(ctx, "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := store.GetRelationHistory(ctx, "alice", "bob", "knows"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected relation history to be gone, got %v", err)
	}
}

func TestDeleteRelationsIsSoft(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateEntities(ctx, []types.Entity{
		{Name: "alice"}, {Name: "bob"},
	}); err != nil {
		t.Fatalf("CreateEntities: %v", err)
	}
	if _, err := store.CreateRelations(ctx, []types.Relation{
		{From: "alice", To: "bob", RelationType: "knows"},
	}); err != nil {
		t.Fatalf("CreateRelations: %v", err)
	}

	if err := store.DeleteRelations(ctx, []types.RelationKey{
		{From: "alice", To: "bob", RelationType: "knows"},
	}); err != nil {
		t.Fatalf("DeleteRelations: %v", err)
	}

	if _, err := store.GetRelation(ctx, "alice", "bob", "knows"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no current relation, got %v", err)
	}
	history, err := store.GetRelationHistory(ctx, "alice", "bob", "knows")
	if err != nil {
		t.Fatalf("GetRelationHistory: %v", err)
	}
	if len(history) != 1 || history[0].ValidTo == nil {
		t.Fatalf("soft delete should close the row, got %+v", history)
	}
}

func TestGetGraphAtTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateEntities(ctx, []types.Entity{{Name: "alice", EntityType: "person"}}); err != nil {
		t.Fatalf("CreateEntities: %v", err)
	}
	mid := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)

	newType := "engineer"
	if _, err := store.UpdateEntity(ctx, "alice", types.EntityUpdate{EntityType: &newType}); err != nil {
		t.Fatalf("UpdateEntity: %v", err)
	}

	past, err := store.GetGraphAtTime(ctx, mid)
	if err != nil {
		t.Fatalf("GetGraphAtTime: %v", err)
	}
	if len(past.Entities) != 1 || past.Entities[0].EntityType != "person" {
		t.Fatalf("expected pre-update snapshot, got %+v", past.Entities)
	}

	now, err := store.GetGraphAtTime(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("GetGraphAtTime now: %v", err)
	}
	if len(now.Entities) != 1 || now.Entities[0].EntityType != "engineer" {
		t.Fatalf("expected post-update snapshot, got %+v", now.Entities)
	}
}

func TestSearchNodesPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entities := []types.Entity{
		{Name: "go-compiler", EntityType: "tool", Observations: []string{"compiles go"}},
		{Name: "go-linter", EntityType: "tool", Observations: []string{"lints go"}},
		{Name: "go-runtime", EntityType: "library", Observations: []string{"runs go"}},
	}
	if _, err := store.CreateEntities(ctx, entities); err != nil {
		t.Fatalf("CreateEntities: %v", err)
	}

	page, err := store.SearchNodes(ctx, storage.SearchOptions{
		Query: "go",
		Page:  storage.PageOptions{Page: 1, PageSize: 2, IncludeTotal: true},
	})
	if err != nil {
		t.Fatalf("SearchNodes: %v", err)
	}
	if len(page.Entities) != 2 {
		t.Fatalf("expected 2 results on first page, got %d", len(page.Entities))
	}
	if page.PageInfo.Total == nil || *page.PageInfo.Total != 3 {
		t.Fatalf("expected total 3, got %+v", page.PageInfo.Total)
	}
	if !page.PageInfo.HasMore {
		t.Fatal("expected HasMore on first page")
	}

	typed, err := store.SearchNodes(ctx, storage.SearchOptions{
		Query:       "go",
		EntityTypes: []string{"library"},
	})
	if err != nil {
		t.Fatalf("SearchNodes typed: %v", err)
	}
	if len(typed.Entities) != 1 || typed.Entities[0].Name != "go-runtime" {
		t.Fatalf("type filter failed: %+v", typed.Entities)
	}
}

func TestUpdateEntityNoChangeIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateEntities(ctx, []types.Entity{{Name: "alice", EntityType: "person"}}); err != nil {
		t.Fatalf("CreateEntities: %v", err)
	}

	sameType := "person"
	updated, err := store.UpdateEntity(ctx, "alice", types.EntityUpdate{EntityType: &sameType})
	if err != nil {
		t.Fatalf("UpdateEntity: %v", err)
	}
	if updated.Version != 1 {
		t.Fatalf("no-op update must not bump version, got %d", updated.Version)
	}
}
