package ingest

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/drjjw/docutrain-sub002/internal/catalog"
	"github.com/drjjw/docutrain-sub002/internal/embedcache"
	"github.com/drjjw/docutrain-sub002/internal/embedproviders"
)

const (
	embedBatchSize        = 50
	embedBatchParallelism = 2
)

// embedChunks fills in each chunk's Embedding field, grouping chunks into
// batches of up to embedBatchSize and running at most
// embedBatchParallelism batches concurrently. Within a batch each chunk is
// embedded by its own provider call; several chunks are never sent to the
// provider in one call. Embeddings are resolved
// through the cache so re-embedding unchanged chunk text across a retrain
// is free.
func embedChunks(ctx context.Context, provider embedproviders.Provider, cache *embedcache.Cache, providerName string, chunks []catalog.Chunk) error {
	batches := make([][]int, 0, (len(chunks)+embedBatchSize-1)/embedBatchSize)
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		idx := make([]int, end-start)
		for i := range idx {
			idx[i] = start + i
		}
		batches = append(batches, idx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedBatchParallelism)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			for _, i := range batch {
				fp := embedcache.Fingerprint(providerName, chunks[i].Content)
				vec, err := cache.GetOrCompute(gctx, fp, chunks[i].Content, func(ctx context.Context, text string) ([]float32, error) {
					return provider.Embed(ctx, text)
				})
				if err != nil {
					return fmt.Errorf("embed chunk %d: %w", i, err)
				}
				chunks[i].Embedding = vec
			}
			return nil
		})
	}
	return g.Wait()
}
