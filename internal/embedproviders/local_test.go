package embedproviders

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalEmbedIsDeterministic(t *testing.T) {
	l := NewLocal()
	a, err := l.Embed(context.Background(), "the quick brown fox")
	require.NoError(t, err)
	b, err := l.Embed(context.Background(), "the quick brown fox")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, localDim)
}

func TestLocalEmbedDiffersForDifferentText(t *testing.T) {
	l := NewLocal()
	a, _ := l.Embed(context.Background(), "widgets and gadgets")
	b, _ := l.Embed(context.Background(), "completely unrelated sentence")
	require.NotEqual(t, a, b)
}

func TestLocalEmbedEmptyTextIsZeroVector(t *testing.T) {
	l := NewLocal()
	v, err := l.Embed(context.Background(), "")
	require.NoError(t, err)
	for _, f := range v {
		require.Zero(t, f)
	}
}
