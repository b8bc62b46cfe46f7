package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/synapse/internal/config"
	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

func TestConfigFromMapsApplicationSettings(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	cfg.Decay.HalfLifeDays = 7
	cfg.Decay.MinConfidence = 0.2
	cfg.Hybrid.GraphWeight = 0.3
	cfg.Hybrid.VectorWeight = 0.7
	cfg.Hybrid.MergeMethod = "rrf"
	cfg.Hybrid.Deduplication = false
	cfg.RateLimit.TokensPerInterval = 5
	cfg.RateLimit.IntervalMs = 1000
	cfg.Pagination.DefaultLimit = 25
	cfg.Pagination.MaxLimit = 50
	cfg.Cache.MaxSizeBytes = 1 << 20
	cfg.Cache.DefaultTTLMs = 2000

	ec := ConfigFrom(cfg)
	assert.Equal(t, 7.0, ec.Decay.HalfLifeDays)
	assert.Equal(t, 0.2, ec.Decay.MinConfidence)
	assert.Equal(t, 0.3, ec.Planner.GraphWeight)
	assert.Equal(t, 0.7, ec.Planner.VectorWeight)
	assert.Equal(t, MergeRRF, ec.Planner.MergeMethod)
	require.NotNil(t, ec.Planner.Deduplication)
	assert.False(t, *ec.Planner.Deduplication)
	assert.Equal(t, 5, ec.Jobs.RatePerWindow)
	assert.Equal(t, time.Second, ec.Jobs.RateWindow)
	assert.Equal(t, int64(1<<20), ec.CacheMax)
	assert.Equal(t, 2*time.Second, ec.CacheTTL)
	assert.Equal(t, 25, ec.DefaultLimit)
	assert.Equal(t, 50, ec.MaxLimit)
}

func TestInitializeIsIdempotent(t *testing.T) {
	kg, _ := newTestGraph(t)
	ctx := context.Background()

	// The fixture already ran schema init once; a second pass must be safe.
	require.NoError(t, kg.Initialize(ctx))
	require.NoError(t, kg.Initialize(ctx))

	_, err := kg.CreateEntities(ctx, []types.Entity{{Name: "a"}})
	require.NoError(t, err)
}

func TestStartTwiceDoesNotDoubleWorkers(t *testing.T) {
	kg, _ := newTestGraph(t)
	ctx := context.Background()
	kg.Start(ctx)
	kg.Start(ctx)
	defer func() { _ = kg.Shutdown(context.Background()) }()

	seedGraph(t, kg, []types.Entity{{Name: "a", Observations: []string{"text"}}}, nil)
	require.NoError(t, kg.DrainEmbedJobs(ctx))
	waitFor(t, func() bool { return kg.EmbedStats().Processed == 1 })
}

func TestMutationsScheduleEmbeddingRefresh(t *testing.T) {
	kg, _ := newTestGraph(t)
	ctx := context.Background()

	// Workers not started, so scheduled jobs stay queued and countable.
	_, err := kg.CreateEntities(ctx, []types.Entity{
		{Name: "alice", Observations: []string{"text"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, kg.EmbedStats().Queued)

	_, err = kg.AddObservations(ctx, []types.ObservationDelta{
		{Name: "alice", Contents: []string{"more text"}},
	})
	require.NoError(t, err)
	// Coalesces into the existing job.
	assert.Equal(t, 1, kg.EmbedStats().Queued)
	assert.Equal(t, int64(1), kg.EmbedStats().Coalesced)
}

func TestTypeOnlyUpdateSkipsEmbeddingRefresh(t *testing.T) {
	kg, _ := newTestGraph(t)
	ctx := context.Background()
	kg.Start(ctx)
	defer func() { _ = kg.Shutdown(context.Background()) }()

	_, err := kg.CreateEntities(ctx, []types.Entity{{Name: "alice", EntityType: "person"}})
	require.NoError(t, err)
	require.NoError(t, kg.DrainEmbedJobs(ctx))
	baseline := kg.EmbedStats()

	newType := "engineer"
	_, err = kg.UpdateEntity(ctx, "alice", types.EntityUpdate{EntityType: &newType})
	require.NoError(t, err)

	// No new job: the embedding derives from observation text only.
	assert.Equal(t, baseline.Queued, kg.EmbedStats().Queued)
	assert.Equal(t, baseline.Coalesced, kg.EmbedStats().Coalesced)
}

func TestDeleteEntitiesRemovesVectors(t *testing.T) {
	kg, provider := newTestGraph(t)
	ctx := context.Background()
	provider.vectors["text"] = []float32{0, 0, 1, 0}

	_, err := kg.CreateEntities(ctx, []types.Entity{
		{Name: "alice", Observations: []string{"text"}},
	})
	require.NoError(t, err)
	kg.Start(ctx)
	defer func() { _ = kg.Shutdown(context.Background()) }()
	require.NoError(t, kg.DrainEmbedJobs(ctx))

	waitFor(t, func() bool { return kg.EmbedStats().Processed == 1 })

	require.NoError(t, kg.DeleteEntities(ctx, []string{"alice"}))

	resp, err := kg.Search(ctx, SearchRequest{Query: "text", Strategy: StrategyVector})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)
}

func TestReadGraphPagination(t *testing.T) {
	kg, _ := newTestGraph(t)
	ctx := context.Background()
	seedGraph(t, kg,
		[]types.Entity{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}, {Name: "e"}},
		[]types.Relation{
			{From: "a", To: "b", RelationType: "r"},
			{From: "a", To: "e", RelationType: "r"},
		},
	)

	page, err := kg.ReadGraph(ctx, storage.PageOptions{Limit: 2, IncludeTotal: true})
	require.NoError(t, err)
	require.Len(t, page.Entities, 2)
	assert.Equal(t, "a", page.Entities[0].Name)
	assert.Equal(t, "b", page.Entities[1].Name)
	require.NotNil(t, page.PageInfo.Total)
	assert.Equal(t, 5, *page.PageInfo.Total)
	assert.True(t, page.PageInfo.HasMore)
	// Only the a->b edge is inside the page; a->e dangles out.
	require.Len(t, page.Relations, 1)
	assert.Equal(t, "b", page.Relations[0].To)

	// Page-form addressing resolves to the same slice boundaries.
	page3, err := kg.ReadGraph(ctx, storage.PageOptions{Page: 3, PageSize: 2, IncludeTotal: true})
	require.NoError(t, err)
	require.Len(t, page3.Entities, 1)
	assert.Equal(t, "e", page3.Entities[0].Name)
	assert.False(t, page3.PageInfo.HasMore)
	require.NotNil(t, page3.PageInfo.TotalPages)
	assert.Equal(t, 3, *page3.PageInfo.TotalPages)
}

func TestReadGraphCachedUntilMutation(t *testing.T) {
	kg, _ := newTestGraph(t)
	ctx := context.Background()
	seedGraph(t, kg, []types.Entity{{Name: "a"}}, nil)

	_, err := kg.ReadGraph(ctx, storage.PageOptions{Limit: 10})
	require.NoError(t, err)
	_, err = kg.ReadGraph(ctx, storage.PageOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), kg.CacheStats().Hits)

	// A mutation invalidates; the next read repopulates.
	_, err = kg.CreateEntities(ctx, []types.Entity{{Name: "b"}})
	require.NoError(t, err)

	fresh, err := kg.ReadGraph(ctx, storage.PageOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, fresh.Entities, 2)
}

func TestTimeTravelThroughFacade(t *testing.T) {
	kg, _ := newTestGraph(t)
	ctx := context.Background()
	seedGraph(t, kg, []types.Entity{{Name: "a", EntityType: "old"}}, nil)

	time.Sleep(5 * time.Millisecond)
	mid := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)

	newType := "new"
	_, err := kg.UpdateEntity(ctx, "a", types.EntityUpdate{EntityType: &newType})
	require.NoError(t, err)

	past, err := kg.GraphAtTime(ctx, mid)
	require.NoError(t, err)
	require.Len(t, past.Entities, 1)
	assert.Equal(t, "old", past.Entities[0].EntityType)

	history, err := kg.EntityHistory(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
