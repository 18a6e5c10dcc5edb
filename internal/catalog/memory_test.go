package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryMatchChunksOrdersByScoreDescending(t *testing.T) {
	m := NewMemory()
	m.PutDocument(Document{ID: "doc1", Slug: "doc1", Active: true})

	require.NoError(t, m.ReplaceChunks(context.Background(), "doc1", []Chunk{
		{DocumentID: "doc1", Index: 0, Content: "irrelevant filler text", Embedding: []float32{0, 1}},
		{DocumentID: "doc1", Index: 1, Content: "the answer about widgets", Embedding: []float32{1, 0}},
		{DocumentID: "doc1", Index: 2, Content: "somewhat related widgets mention", Embedding: []float32{0.7, 0.3}},
	}))

	got, err := m.MatchChunks(context.Background(), "doc1", RetrieveParams{
		Query:     "widgets",
		Embedding: []float32{1, 0},
		Mode:      ModeHybrid,
		Limit:     10,
	})
	require.NoError(t, err)
	require.Len(t, got, 3)

	for i := 1; i < len(got); i++ {
		require.GreaterOrEqualf(t, got[i-1].Score, got[i].Score, "result %d not ordered by score", i)
	}
	// The chunk with the highest similarity and a text match should win,
	// never an ordering that merely reflects insertion index.
	require.Equal(t, 1, got[0].Index)
}

func TestMemoryReplaceChunksIsWholesale(t *testing.T) {
	m := NewMemory()
	m.PutDocument(Document{ID: "doc1", Slug: "doc1", Active: true})
	require.NoError(t, m.ReplaceChunks(context.Background(), "doc1", []Chunk{
		{DocumentID: "doc1", Index: 0, Content: "old"},
	}))
	require.NoError(t, m.ReplaceChunks(context.Background(), "doc1", []Chunk{
		{DocumentID: "doc1", Index: 0, Content: "new"},
	}))

	got, err := m.MatchChunks(context.Background(), "doc1", RetrieveParams{Mode: ModeVectorOnly, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "new", got[0].Content)
}
