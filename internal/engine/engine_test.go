package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scrypster/synapse/internal/storage/sqlite"
	"github.com/scrypster/synapse/pkg/types"
)

// fakeProvider returns canned vectors per text, falling back to a fixed
// vector for unknown inputs.
type fakeProvider struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	fallback []float32
	calls    int
	err      error
	onEmbed  func()
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		vectors:  make(map[string][]float32),
		fallback: []float32{1, 0, 0, 0},
	}
}

func (p *fakeProvider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.calls++
	hook := p.onEmbed
	err := p.err
	vec, ok := p.vectors[text]
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	if ok {
		return vec, nil
	}
	return p.fallback, nil
}

func (p *fakeProvider) Model() string   { return "fake-embed" }
func (p *fakeProvider) Dimensions() int { return 4 }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestStore(t *testing.T) (*sqlite.GraphStore, *sqlite.VectorIndex) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "engine_test.db")
	store, err := sqlite.NewGraphStore(path, sqlite.Options{Dimensions: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.InitializeSchema(context.Background()))

	return store, sqlite.NewVectorIndex(store)
}

// newTestGraph builds a KnowledgeGraph over a throwaway sqlite store with a
// fake embedding provider. Workers are not started; tests drive embedding
// refreshes explicitly where they need them.
func newTestGraph(t *testing.T) (*KnowledgeGraph, *fakeProvider) {
	t.Helper()

	store, index := newTestStore(t)
	provider := newFakeProvider()
	kg := New(store, index, provider, Config{})
	return kg, provider
}

func seedGraph(t *testing.T, kg *KnowledgeGraph, entities []types.Entity, relations []types.Relation) {
	t.Helper()
	ctx := context.Background()
	if len(entities) > 0 {
		_, err := kg.CreateEntities(ctx, entities)
		require.NoError(t, err)
	}
	if len(relations) > 0 {
		_, err := kg.CreateRelations(ctx, relations)
		require.NoError(t, err)
	}
}

func floatPtr(f float64) *float64 { return &f }
