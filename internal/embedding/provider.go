// Package embedding provides clients for generating dense vector embeddings
// from entity observation text. All providers are wrapped with circuit
// breaker protection to keep a flapping provider from stalling the embedding
// job queue.
package embedding

import "context"

// Provider generates vector embeddings. Returns float32 slices matching the
// configured vector index dimension.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimensions() int
}
