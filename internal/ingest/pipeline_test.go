package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drjjw/docutrain-sub002/internal/apierr"
	"github.com/drjjw/docutrain-sub002/internal/catalog"
	"github.com/drjjw/docutrain-sub002/internal/embedcache"
	"github.com/drjjw/docutrain-sub002/internal/embedproviders"
	"github.com/drjjw/docutrain-sub002/internal/generation"
)

type stubGenProvider struct{ reply string }

func (s stubGenProvider) Name() string { return "stub" }
func (s stubGenProvider) Stream(ctx context.Context, msgs []generation.Message, model string, h generation.StreamHandler) error {
	h.OnDelta(s.reply)
	return nil
}

func TestRetrainRejectsUnknownDocument(t *testing.T) {
	store := catalog.NewMemory()
	cache := embedcache.New(100, time.Hour)
	router := generation.NewRouter("stub", stubGenProvider{reply: "ok"})
	p := New(store, nil, embedproviders.NewLocal(), embedproviders.NewLocal(), cache, router, "stub:model", nil)

	err := p.Retrain(context.Background(), "missing-doc", "f.pdf", []byte("irrelevant"))
	require.Error(t, err)
	require.Equal(t, apierr.NotFound, apierr.KindOf(err))
}

// process()'s extract phase requires real PDF bytes, which a synthetic
// unit test has no way to construct; TestPipelineProcessMarksErrorOnBadPDF
// exercises its failure path instead. The success path (chunk/embed/
// summarize/store) is covered piecemeal by chunk_test.go, embed via
// embedcache's own tests, and synthesize's JSON repair by
// jsonrepair_test.go.

func TestIngestCreatesDocumentWithSlugFromTitle(t *testing.T) {
	store := catalog.NewMemory()
	cache := embedcache.New(100, time.Hour)
	router := generation.NewRouter("stub", stubGenProvider{reply: "ok"})
	p := New(store, nil, embedproviders.NewLocal(), embedproviders.NewLocal(), cache, router, "stub:model", nil)

	id, err := p.Ingest(context.Background(), "owner-1", "Kidney Donor Guidelines!!", "f.pdf", []byte("not a pdf"), NewDocumentOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := store.GetDocumentByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Equal(t, "owner-1", doc.OwnerID)
	require.Contains(t, doc.Slug, "kidney-donor-guidelines")
	require.Equal(t, catalog.AccessPublic, doc.AccessLevel)
}

func TestIngestAppliesNewDocumentOptionOverrides(t *testing.T) {
	store := catalog.NewMemory()
	cache := embedcache.New(100, time.Hour)
	router := generation.NewRouter("stub", stubGenProvider{reply: "ok"})
	p := New(store, nil, embedproviders.NewLocal(), embedproviders.NewLocal(), cache, router, "stub:model", nil)

	id, err := p.Ingest(context.Background(), "owner-1", "", "f.pdf", []byte("not a pdf"), NewDocumentOptions{
		AccessLevel:       catalog.AccessOwnerRestricted,
		EmbeddingProvider: catalog.ProviderLocal,
		ChunkLimit:        12,
	})
	require.NoError(t, err)

	doc, err := store.GetDocumentByID(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, catalog.AccessOwnerRestricted, doc.AccessLevel)
	require.Equal(t, catalog.ProviderLocal, doc.EmbeddingProvider)
	require.Equal(t, 12, doc.ChunkLimit)
	require.Equal(t, "doc", strings.SplitN(doc.Slug, "-", 2)[0])
}

func TestPipelineProcessMarksErrorOnBadPDF(t *testing.T) {
	store := catalog.NewMemory()
	doc := catalog.Document{ID: "doc-2", Slug: "doc-2", OwnerID: "owner-1", Active: true}
	store.PutDocument(doc)

	cache := embedcache.New(100, time.Hour)
	router := generation.NewRouter("stub", stubGenProvider{reply: "ok"})
	p := New(store, nil, embedproviders.NewRemote("key"), embedproviders.NewLocal(), cache, router, "stub:model", nil)

	p.process(context.Background(), doc, "bad.pdf", []byte("not a pdf"))

	job, ok := p.Status("doc-2")
	require.True(t, ok)
	require.Equal(t, PhaseError, job.Phase)
}
