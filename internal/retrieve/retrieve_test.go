package retrieve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drjjw/docutrain-sub002/internal/catalog"
)

func seedThreeDocs(t *testing.T) *catalog.Memory {
	m := catalog.NewMemory()
	for _, id := range []string{"docA", "docB", "docC"} {
		m.PutDocument(catalog.Document{ID: id, Slug: id, Active: true})
		require.NoError(t, m.ReplaceChunks(context.Background(), id, []catalog.Chunk{
			{DocumentID: id, Index: 0, Content: "widgets widgets widgets", Embedding: []float32{1, 0}},
			{DocumentID: id, Index: 1, Content: "somewhat related", Embedding: []float32{0.5, 0.5}},
		}))
	}
	return m
}

func TestMultiInterleavesRoundRobinAcrossDocuments(t *testing.T) {
	m := seedThreeDocs(t)
	res, err := Multi(context.Background(), m, []string{"docA", "docB", "docC"}, catalog.RetrieveParams{
		Query: "widgets", Embedding: []float32{1, 0},
	}, Options{})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 6)

	// First three chunks must be one from each document (round 1); within
	// the round they're ordered by similarity, not pooled with round 2.
	got := map[string]bool{}
	for _, c := range res.Chunks[:3] {
		got[c.DocumentID] = true
	}
	require.Len(t, got, 3)
}

func TestMultiRespectsHardAggregateCap(t *testing.T) {
	m := catalog.NewMemory()
	var ids []string
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		ids = append(ids, id)
		m.PutDocument(catalog.Document{ID: id, Slug: id, Active: true})
		chunks := make([]catalog.Chunk, 0, 100)
		for j := 0; j < 100; j++ {
			chunks = append(chunks, catalog.Chunk{DocumentID: id, Index: j, Content: "x", Embedding: []float32{1, 0}})
		}
		require.NoError(t, m.ReplaceChunks(context.Background(), id, chunks))
	}

	res, err := Multi(context.Background(), m, ids, catalog.RetrieveParams{Embedding: []float32{1, 0}}, Options{
		PerDocLimit: 100,
	})
	require.NoError(t, err)
	require.LessOrEqual(t, len(res.Chunks), HardAggregateCap)
}

func TestSingleReturnsProvenance(t *testing.T) {
	m := seedThreeDocs(t)
	res, err := Single(context.Background(), m, "docA", catalog.RetrieveParams{
		Query: "widgets", Embedding: []float32{1, 0},
	}, Options{})
	require.NoError(t, err)
	require.Len(t, res.Provenance, 1)
	require.Equal(t, "docA", res.Provenance[0].DocumentID)
	require.Equal(t, 2, res.Provenance[0].Contributed)
}
