package ingest

import (
	"context"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/drjjw/docutrain-sub002/internal/apierr"
	"github.com/drjjw/docutrain-sub002/internal/catalog"
	"github.com/drjjw/docutrain-sub002/internal/embedcache"
	"github.com/drjjw/docutrain-sub002/internal/embedproviders"
	"github.com/drjjw/docutrain-sub002/internal/generation"
	"github.com/drjjw/docutrain-sub002/internal/objectstore"
)

// Refresher lets the pipeline invalidate the document registry once a
// (re)ingest commits, so a newly-processed document is immediately
// queryable without waiting for the next refresh tick.
type Refresher interface {
	RefreshAndBroadcast(ctx context.Context, requestedBy string) error
}

// Pipeline runs the extract/chunk/embed/summarize/store sequence for one
// document at a time per document id (see lockTable), tracking each run's
// phase for GET /api/processing-status.
type Pipeline struct {
	store     catalog.Store
	objects   objectstore.ObjectStore
	remote    embedproviders.Provider
	local     embedproviders.Provider
	cache     *embedcache.Cache
	router    *generation.Router
	summarizeModel string
	refresher Refresher
	locks     *lockTable

	mu   sync.RWMutex
	jobs map[string]Job
}

// New builds a Pipeline. objects may be nil if no document ever references
// blob storage by key (ProcessFromStorage then always fails).
func New(
	store catalog.Store,
	objects objectstore.ObjectStore,
	remote, local embedproviders.Provider,
	cache *embedcache.Cache,
	router *generation.Router,
	summarizeModel string,
	refresher Refresher,
) *Pipeline {
	return &Pipeline{
		store: store, objects: objects, remote: remote, local: local,
		cache: cache, router: router, summarizeModel: summarizeModel,
		refresher: refresher, locks: newLockTable(), jobs: make(map[string]Job),
	}
}

// Status reports the current phase of a document's most recent ingestion
// run, if one has ever been started in this process.
func (p *Pipeline) Status(documentID string) (Job, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	j, ok := p.jobs[documentID]
	return j, ok
}

// Retrain accepts an uploaded PDF for a document that already has a
// catalog record (created out-of-band, by the admin surface this package
// does not implement) and processes it asynchronously. It returns as soon
// as the document is confirmed to exist and accepts into "processing";
// callers poll Status for completion.
func (p *Pipeline) Retrain(ctx context.Context, documentID, filename string, body []byte) error {
	doc, err := p.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "failed to look up document", err)
	}
	if doc == nil {
		return apierr.New(apierr.NotFound, "unknown document id: "+documentID)
	}

	p.setPhase(documentID, PhasePending, "")
	go p.process(context.Background(), *doc, filename, body)
	return nil
}

// Ingest is a fresh ingest: it inserts a brand-new Document record with a
// generated id and a slug derived from title, then runs the same
// extract/chunk/embed/summarize phases as Retrain. The catalog record
// itself (owner assignment, access level, etc.) is expected to already
// reflect whatever an out-of-scope admin surface collected; this
// constructs the minimal record needed to process and publish it.
func (p *Pipeline) Ingest(ctx context.Context, ownerID, title, filename string, body []byte, opts NewDocumentOptions) (string, error) {
	id := uuid.NewString()
	doc := catalog.Document{
		ID:                id,
		Slug:              slugify(title, id),
		OwnerID:           ownerID,
		Title:             title,
		AccessLevel:       catalog.AccessPublic,
		EmbeddingProvider: catalog.ProviderRemote,
		Active:            true,
		CreatedAt:         time.Now(),
	}
	if opts.AccessLevel != "" {
		doc.AccessLevel = opts.AccessLevel
	}
	if opts.EmbeddingProvider != "" {
		doc.EmbeddingProvider = opts.EmbeddingProvider
	}
	if opts.ChunkLimit > 0 {
		doc.ChunkLimit = opts.ChunkLimit
	}

	if err := p.store.UpsertDocument(ctx, doc); err != nil {
		return "", apierr.Wrap(apierr.Internal, "failed to create document record", err)
	}

	p.setPhase(id, PhasePending, "")
	go p.process(context.Background(), doc, filename, body)
	return id, nil
}

// NewDocumentOptions overrides the defaults Ingest applies to a freshly
// created document.
type NewDocumentOptions struct {
	AccessLevel       catalog.AccessLevel
	EmbeddingProvider catalog.EmbeddingProvider
	ChunkLimit        int
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify derives a URL-safe slug from title, falling back to a short
// prefix of id if title collapses to nothing (e.g. a PDF with only a
// numeric or symbolic title).
func slugify(title, id string) string {
	s := slugUnsafe.ReplaceAllString(strings.ToLower(strings.TrimSpace(title)), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "doc"
	}
	if len(id) >= 8 {
		s = s + "-" + id[:8]
	}
	return s
}

// ProcessFromStorage downloads the document's current PDF from blob
// storage by its SourceKey (defaulting to "<id>.pdf") and runs it through
// the same pipeline as Retrain. Used by triggers that reference a document
// by id alone rather than uploading a file.
func (p *Pipeline) ProcessFromStorage(ctx context.Context, documentID string) error {
	doc, err := p.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "failed to look up document", err)
	}
	if doc == nil {
		return apierr.New(apierr.NotFound, "unknown document id: "+documentID)
	}
	if p.objects == nil {
		return apierr.New(apierr.ServiceUnavailable, "object store not configured")
	}

	key := doc.SourceKey
	if key == "" {
		key = documentID + ".pdf"
	}
	rc, _, err := p.objects.Get(ctx, key)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, "source pdf not found in blob storage", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "failed to read source pdf", err)
	}

	p.setPhase(documentID, PhasePending, "")
	go p.process(context.Background(), *doc, key, body)
	return nil
}

func (p *Pipeline) process(ctx context.Context, doc catalog.Document, filename string, body []byte) {
	lock := p.locks.forDocument(doc.ID)
	lock.Lock()
	defer lock.Unlock()

	p.setPhase(doc.ID, PhaseExtracting, "")
	text, markers, err := extractPDF(ctx, body)
	if err != nil {
		p.setPhase(doc.ID, PhaseError, err.Error())
		log.Error().Err(err).Str("document_id", doc.ID).Msg("ingest_extraction_failed")
		return
	}

	p.setPhase(doc.ID, PhaseChunking, "")
	chunks := chunkText(doc.ID, text, markers)

	p.setPhase(doc.ID, PhaseEmbedding, "")
	provider, providerName := p.embedProviderFor(doc)
	if err := embedChunks(ctx, provider, p.cache, providerName, chunks); err != nil {
		p.setPhase(doc.ID, PhaseError, err.Error())
		log.Error().Err(err).Str("document_id", doc.ID).Msg("ingest_embedding_failed")
		return
	}

	p.setPhase(doc.ID, PhaseSummarizing, "")
	seed := seedText(chunks)
	abstract, err := synthesizeAbstract(ctx, p.router, p.summarizeModel, seed)
	if err != nil {
		p.setPhase(doc.ID, PhaseError, err.Error())
		log.Error().Err(err).Str("document_id", doc.ID).Msg("ingest_summarization_failed")
		return
	}
	keywords, err := synthesizeKeywords(ctx, p.router, p.summarizeModel, seed)
	if err != nil {
		p.setPhase(doc.ID, PhaseError, err.Error())
		log.Error().Err(err).Str("document_id", doc.ID).Msg("ingest_keyword_synthesis_failed")
		return
	}

	updated := doc
	updated.IntroMessage = abstract
	if updated.Metadata == nil {
		updated.Metadata = make(map[string]string)
	}
	updated.Metadata["keywords"] = strings.Join(keywords, ", ")
	updated.Metadata["pdf_processor"] = "ledongthuc/pdf"
	updated.Metadata["extracted_at"] = time.Now().UTC().Format(time.RFC3339)
	updated.SourceKey = filename

	if err := p.store.UpsertDocument(ctx, updated); err != nil {
		p.setPhase(doc.ID, PhaseError, err.Error())
		log.Error().Err(err).Str("document_id", doc.ID).Msg("ingest_document_upsert_failed")
		return
	}
	if err := p.store.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		p.setPhase(doc.ID, PhaseError, err.Error())
		log.Error().Err(err).Str("document_id", doc.ID).Msg("ingest_chunk_replace_failed")
		return
	}

	p.setPhase(doc.ID, PhaseReady, "")
	if p.refresher != nil {
		if err := p.refresher.RefreshAndBroadcast(ctx, "ingest:"+doc.ID); err != nil {
			log.Warn().Err(err).Str("document_id", doc.ID).Msg("ingest_registry_refresh_failed")
		}
	}
}

func (p *Pipeline) embedProviderFor(doc catalog.Document) (embedproviders.Provider, string) {
	if doc.EmbeddingProvider == catalog.ProviderLocal {
		return p.local, string(catalog.ProviderLocal)
	}
	return p.remote, string(catalog.ProviderRemote)
}

func (p *Pipeline) setPhase(documentID string, phase Phase, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs[documentID] = Job{DocumentID: documentID, Phase: phase, Error: errMsg, UpdatedAt: time.Now()}
}
