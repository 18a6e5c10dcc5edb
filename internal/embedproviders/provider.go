// Package embedproviders implements the remote and local embedding
// backends. Callers select one via catalog.EmbeddingProvider and must
// never mix vectors from the two spaces in a single similarity search.
package embedproviders

import "context"

// Provider turns text into a fixed-dimension embedding vector.
type Provider interface {
	// Embed returns the embedding for text. Implementations must be safe
	// for concurrent use.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dim is the vector dimensionality this provider produces.
	Dim() int
}
