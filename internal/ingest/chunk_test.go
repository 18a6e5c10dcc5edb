package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkTextWindowsOverlap(t *testing.T) {
	words := make([]string, 0, 1200)
	for i := 0; i < 1200; i++ {
		words = append(words, "word")
	}
	text := strings.Join(words, " ")
	markers := []pageMarker{{offset: 0, page: 1}}

	chunks := chunkText("doc-1", text, markers)
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		require.Equal(t, i, c.Index)
		require.Equal(t, "doc-1", c.DocumentID)
		require.LessOrEqual(t, len(strings.Fields(c.Content)), chunkWindowTokens)
	}
	// With 1200 words, a 500/100 stride covers it in more than one chunk.
	require.Greater(t, len(chunks), 1)
}

func TestChunkTextAssignsPageFromMarker(t *testing.T) {
	text := "alpha beta gamma delta epsilon"
	markers := []pageMarker{{offset: 0, page: 3}}
	chunks := chunkText("doc-1", text, markers)
	require.Len(t, chunks, 1)
	require.Equal(t, 3, chunks[0].PageNumber)
}

func TestChunkTextEmptyInput(t *testing.T) {
	require.Nil(t, chunkText("doc-1", "", nil))
}
