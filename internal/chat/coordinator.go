package chat

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/drjjw/docutrain-sub002/internal/apierr"
	"github.com/drjjw/docutrain-sub002/internal/catalog"
	"github.com/drjjw/docutrain-sub002/internal/embedcache"
	"github.com/drjjw/docutrain-sub002/internal/embedproviders"
	"github.com/drjjw/docutrain-sub002/internal/eventlog"
	"github.com/drjjw/docutrain-sub002/internal/generation"
	"github.com/drjjw/docutrain-sub002/internal/identity"
	"github.com/drjjw/docutrain-sub002/internal/logging"
	"github.com/drjjw/docutrain-sub002/internal/obs"
	"github.com/drjjw/docutrain-sub002/internal/retrieve"
)

// Registry is the subset of *registry.Registry the coordinator depends on.
type Registry interface {
	DocumentBySlug(slug string) (catalog.Document, bool)
	Owner(id string) (catalog.Owner, bool)
}

// Authenticator resolves an HTTP request to a caller id. *identity.Verifier
// satisfies this; tests supply a fake instead of standing up a real OIDC
// provider.
type Authenticator interface {
	AuthenticateRequest(ctx context.Context, r *http.Request) (identity.Claims, error)
}

// Coordinator wires every collaborator the ten phases need. It holds no
// per-request state; Handle is safe for concurrent use.
type Coordinator struct {
	registry Registry
	store    catalog.Store
	verifier Authenticator
	remote   embedproviders.Provider
	local    embedproviders.Provider
	cache    *embedcache.Cache
	router   *generation.Router
	producer *eventlog.Producer
	metrics  obs.Metrics
}

// New builds a Coordinator.
func New(
	reg Registry,
	store catalog.Store,
	verifier Authenticator,
	remote, local embedproviders.Provider,
	cache *embedcache.Cache,
	router *generation.Router,
	producer *eventlog.Producer,
	metrics obs.Metrics,
) *Coordinator {
	if metrics == nil {
		metrics = obs.MockMetrics{}
	}
	return &Coordinator{
		registry: reg, store: store, verifier: verifier,
		remote: remote, local: local, cache: cache,
		router: router, producer: producer, metrics: metrics,
	}
}

// Handle runs phases 1-9 and returns a buffered Response; phase 10
// (logging) is always kicked off before returning, win or lose.
func (c *Coordinator) Handle(ctx context.Context, httpReq *http.Request, req Request) (Response, error) {
	pc := &phaseContext{req: req, startedAt: time.Now()}

	var answer strings.Builder
	err := c.run(ctx, httpReq, pc, sinkFunc(func(s string) { answer.WriteString(s) }))

	resp := Response{
		Answer:         answer.String(),
		ModelUsed:      pc.modelRouted,
		OverrideReason: pc.overrideReason,
		RetrievedCount: len(pc.retrieval.chunks),
		RetrievalMS:    pc.retrievalMS,
		GenerationMS:   pc.generationMS,
		LatencyMS:      time.Since(pc.startedAt).Milliseconds(),
	}
	for _, d := range pc.documents {
		resp.DocumentIDs = append(resp.DocumentIDs, d.ID)
		resp.DocumentSlugs = append(resp.DocumentSlugs, d.Slug)
	}
	for _, sc := range pc.retrieval.chunks {
		resp.Citations = append(resp.Citations, Citation{
			DocumentID: sc.DocumentID,
			PageNumber: sc.PageNumber,
			Score:      sc.Score,
		})
	}
	c.logAsync(pc, resp.Answer, err)
	return resp, err
}

// HandleStream runs the same phases but streams generation deltas to h as
// they arrive instead of buffering the whole answer. It still returns the
// final Response (with an empty Answer) so the caller can emit a closing
// metadata frame with citations and timings.
func (c *Coordinator) HandleStream(ctx context.Context, httpReq *http.Request, req Request, h generation.StreamHandler) (Response, error) {
	pc := &phaseContext{req: req, startedAt: time.Now()}
	var answer strings.Builder
	err := c.run(ctx, httpReq, pc, sinkFunc(func(s string) {
		answer.WriteString(s)
		h.OnDelta(s)
	}))

	resp := Response{
		ModelUsed:      pc.modelRouted,
		OverrideReason: pc.overrideReason,
		RetrievedCount: len(pc.retrieval.chunks),
		RetrievalMS:    pc.retrievalMS,
		GenerationMS:   pc.generationMS,
		LatencyMS:      time.Since(pc.startedAt).Milliseconds(),
	}
	for _, d := range pc.documents {
		resp.DocumentIDs = append(resp.DocumentIDs, d.ID)
		resp.DocumentSlugs = append(resp.DocumentSlugs, d.Slug)
	}
	for _, sc := range pc.retrieval.chunks {
		resp.Citations = append(resp.Citations, Citation{
			DocumentID: sc.DocumentID,
			PageNumber: sc.PageNumber,
			Score:      sc.Score,
		})
	}
	c.logAsync(pc, answer.String(), err)
	return resp, err
}

type sinkFunc func(string)

func (f sinkFunc) OnDelta(s string) { f(s) }

// run executes phases 1-9 in order, recording a phase-duration metric for
// each and stopping at the first error.
func (c *Coordinator) run(ctx context.Context, httpReq *http.Request, pc *phaseContext, out generation.StreamHandler) error {
	phases := []struct {
		name string
		fn   func(context.Context, *http.Request, *phaseContext) error
	}{
		{"authenticate", c.phaseAuthenticate},
		{"resolve_documents", c.phaseResolveDocuments},
		{"check_access", c.phaseCheckAccess},
		{"validate_embedding_space", c.phaseValidateEmbeddingSpace},
		{"load_owners", c.phaseLoadOwners},
		{"embed_question", c.phaseEmbedQuestion},
		{"retrieve", c.phaseRetrieve},
		{"resolve_model", c.phaseResolveModel},
	}
	reqLog := logging.LoggerWithTrace(ctx)
	for _, p := range phases {
		started := time.Now()
		err := p.fn(ctx, httpReq, pc)
		elapsed := time.Since(started)
		c.metrics.RecordPhaseDuration(ctx, p.name, elapsed)
		if p.name == "retrieve" {
			pc.retrievalMS = elapsed.Milliseconds()
		}
		if err != nil {
			reqLog.Debug().Str("phase", p.name).Err(err).Msg("chat_phase_failed")
			return err
		}
	}

	started := time.Now()
	err := c.phaseGenerate(ctx, pc, out)
	elapsed := time.Since(started)
	c.metrics.RecordPhaseDuration(ctx, "generate", elapsed)
	pc.generationMS = elapsed.Milliseconds()
	return err
}

// Phase 1: authenticate. A missing or invalid bearer token is never a
// request failure: the caller simply proceeds as anonymous, and access
// control (phase 3) is where that actually matters.
func (c *Coordinator) phaseAuthenticate(ctx context.Context, httpReq *http.Request, pc *phaseContext) error {
	if c.verifier == nil {
		return nil
	}
	claims, err := c.verifier.AuthenticateRequest(ctx, httpReq)
	if err != nil {
		log.Debug().Err(err).Msg("anonymous caller: bearer token missing or invalid")
		return nil
	}
	pc.callerID = claims.Subject
	pc.callerClaims = claims
	return nil
}

// Phase 2: resolve every requested slug against the registry snapshot, and
// validate the caller-supplied session id and that every resolved document
// shares a single owner (a request cannot span owners; §4.7 phase 2).
func (c *Coordinator) phaseResolveDocuments(ctx context.Context, httpReq *http.Request, pc *phaseContext) error {
	if pc.req.SessionID == "" || uuid.Validate(pc.req.SessionID) != nil {
		return apierr.New(apierr.ValidationFailed, "session_id must be a valid UUID")
	}
	if len(pc.req.DocumentSlugs) == 0 {
		return apierr.New(apierr.ValidationFailed, "at least one document must be specified")
	}
	docs := make([]catalog.Document, 0, len(pc.req.DocumentSlugs))
	for _, slug := range pc.req.DocumentSlugs {
		d, ok := c.registry.DocumentBySlug(slug)
		if !ok {
			return apierr.New(apierr.NotFound, "document not found: "+slug)
		}
		docs = append(docs, d)
	}
	for _, d := range docs[1:] {
		if d.OwnerID != docs[0].OwnerID {
			return apierr.New(apierr.CrossOwnerNotAllowed,
				"all requested documents must share one owner")
		}
	}
	pc.documents = docs
	return nil
}

// Phase 3: check access for every resolved document in parallel.
func (c *Coordinator) phaseCheckAccess(ctx context.Context, httpReq *http.Request, pc *phaseContext) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range pc.documents {
		d := d
		g.Go(func() error {
			return checkAccess(gctx, d, pc.callerID, pc.callerClaims)
		})
	}
	return g.Wait()
}

// checkAccess enforces one document's access_level against the caller.
// Forbidden errors become 403 responses through httpapi's respondAPIError,
// which sets requires_auth to true on every Forbidden response; the flag
// does not distinguish an anonymous caller from an authenticated caller who
// is still denied.
func checkAccess(ctx context.Context, d catalog.Document, callerID string, claims identity.Claims) error {
	switch d.AccessLevel {
	case catalog.AccessPublic:
		return nil
	case catalog.AccessRegistered:
		if callerID == "" {
			return apierr.New(apierr.Forbidden, "document requires authentication: "+d.Slug)
		}
		return nil
	case catalog.AccessOwnerRestricted:
		if callerID == "" || callerID != d.OwnerID {
			return apierr.New(apierr.Forbidden, "document is restricted to its owner: "+d.Slug)
		}
		return nil
	case catalog.AccessPasscode:
		if callerID == "" || !claims.HasUnlocked(d.Slug) {
			return apierr.New(apierr.Forbidden, "document requires a passcode: "+d.Slug)
		}
		return nil
	default:
		return apierr.New(apierr.Forbidden, "unknown access level for document: "+d.Slug)
	}
}

// Phase 4: a multi-document request must draw every document from the same
// embedding space; mixing remote and local embeddings in one retrieval
// call would compare vectors from different models, which is meaningless.
func (c *Coordinator) phaseValidateEmbeddingSpace(ctx context.Context, httpReq *http.Request, pc *phaseContext) error {
	if len(pc.documents) == 0 {
		return nil
	}
	first := pc.documents[0].EmbeddingProvider
	for _, d := range pc.documents[1:] {
		if d.EmbeddingProvider != first {
			return apierr.New(apierr.ValidationFailed,
				"documents in one request must share an embedding provider")
		}
	}
	if pc.req.EmbeddingTypeOverride != "" && pc.req.EmbeddingTypeOverride != string(first) {
		return apierr.New(apierr.ValidationFailed,
			"embeddingType override does not match the requested documents' embedding provider")
	}
	return nil
}

// Phase 5: load each document's owner, in parallel. The effective chunk
// limit (document override, falling back to the owner's default) is
// computed from these owners in the retrieve phase.
func (c *Coordinator) phaseLoadOwners(ctx context.Context, httpReq *http.Request, pc *phaseContext) error {
	owners := make(map[string]catalog.Owner, len(pc.documents))
	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	for _, d := range pc.documents {
		d := d
		g.Go(func() error {
			o, ok := c.registry.Owner(d.OwnerID)
			if !ok {
				return apierr.New(apierr.NotFound, "owner not found for document: "+d.Slug)
			}
			mu.Lock()
			owners[d.OwnerID] = o
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	pc.owners = owners
	return nil
}

// Phase 6: embed the caller's question, routed by whichever embedding
// space the request's documents live in, through the cache.
func (c *Coordinator) phaseEmbedQuestion(ctx context.Context, httpReq *http.Request, pc *phaseContext) error {
	provider := c.remote
	providerName := string(catalog.ProviderRemote)
	if len(pc.documents) > 0 && pc.documents[0].EmbeddingProvider == catalog.ProviderLocal {
		provider = c.local
		providerName = string(catalog.ProviderLocal)
	}

	fp := embedcache.Fingerprint(providerName, pc.req.Question)
	vec, err := c.cache.GetOrCompute(ctx, fp, pc.req.Question, func(ctx context.Context, text string) ([]float32, error) {
		return provider.Embed(ctx, text)
	})
	if err != nil {
		return apierr.Wrap(apierr.ServiceUnavailable, "failed to embed question", err)
	}
	pc.embedding = vec
	return nil
}

// Phase 7: retrieve, single- or multi-document depending on the request.
func (c *Coordinator) phaseRetrieve(ctx context.Context, httpReq *http.Request, pc *phaseContext) error {
	params := catalog.RetrieveParams{Query: pc.req.Question, Embedding: pc.embedding, Mode: catalog.ModeHybrid}
	if pc.req.RequireHybrid {
		params.Mode = catalog.ModeHybrid
	}

	slugByID := make(map[string]string, len(pc.documents))
	for _, d := range pc.documents {
		slugByID[d.ID] = d.Slug
	}

	if len(pc.documents) == 1 {
		res, err := retrieve.Single(ctx, c.store, pc.documents[0].ID, params, retrieve.Options{
			PerDocLimit: effectiveChunkLimit(pc.documents[0], pc.owners),
		})
		if err != nil {
			return apierr.Wrap(apierr.Internal, "retrieval failed", err)
		}
		annotateSlugs(res.Chunks, slugByID)
		pc.retrieval = retrievalResult{chunks: res.Chunks}
		return nil
	}

	ids := make([]string, len(pc.documents))
	perDocLimit := 0
	for i, d := range pc.documents {
		ids[i] = d.ID
		if l := effectiveChunkLimit(d, pc.owners); perDocLimit == 0 || l < perDocLimit {
			perDocLimit = l
		}
	}
	aggregateCap := perDocLimit * len(pc.documents)
	if aggregateCap <= 0 || aggregateCap > retrieve.HardAggregateCap {
		aggregateCap = retrieve.HardAggregateCap
	}
	res, err := retrieve.Multi(ctx, c.store, ids, params, retrieve.Options{
		PerDocLimit:      perDocLimit,
		HardAggregateCap: aggregateCap,
	})
	if err != nil {
		return apierr.Wrap(apierr.Internal, "retrieval failed", err)
	}
	annotateSlugs(res.Chunks, slugByID)
	pc.retrieval = retrievalResult{chunks: res.Chunks}
	return nil
}

// annotateSlugs fills in each chunk's human-readable document slug for
// citations, since the store layer only ever deals in opaque ids.
func annotateSlugs(chunks []catalog.ScoredChunk, slugByID map[string]string) {
	for i := range chunks {
		chunks[i].DocumentSlug = slugByID[chunks[i].DocumentID]
	}
}

// hardPerDocLimit is the per-document retrieval depth ceiling from
// spec.md §6 ("Hard cap 100 per document"), independent of any
// document/owner-configured default.
const hardPerDocLimit = 100

func effectiveChunkLimit(d catalog.Document, owners map[string]catalog.Owner) int {
	limit := retrieve.DefaultPerDocLimit
	if d.ChunkLimit > 0 {
		limit = d.ChunkLimit
	} else if o, ok := owners[d.OwnerID]; ok && o.DefaultChunkLimit > 0 {
		limit = o.DefaultChunkLimit
	}
	if limit > hardPerDocLimit {
		limit = hardPerDocLimit
	}
	return limit
}

// Phase 8: resolve which model actually answers this request. When several
// documents are requested and they disagree on forced_model, the request
// is rejected (§4.6 rule 4) rather than silently picking one.
func (c *Coordinator) phaseResolveModel(ctx context.Context, httpReq *http.Request, pc *phaseContext) error {
	forcedBy := map[string]string{} // model -> the document slug that forced it
	for _, d := range pc.documents {
		if d.ForcedModel == "" {
			continue
		}
		if _, seen := forcedBy[d.ForcedModel]; !seen {
			forcedBy[d.ForcedModel] = d.Slug
		}
	}
	if len(forcedBy) > 1 {
		return apierr.New(apierr.ConflictingModelOverride,
			"requested documents force different models")
	}

	var documentForced, forcingSlug, ownerForced string
	for model, slug := range forcedBy {
		documentForced, forcingSlug = model, slug
	}
	if len(pc.documents) > 0 {
		if o, ok := pc.owners[pc.documents[0].OwnerID]; ok {
			ownerForced = o.ForcedModel
		}
	}

	resolved, err := generation.ResolveModel(documentForced, ownerForced, pc.req.CallerModel)
	if err != nil {
		return err
	}
	pc.modelRouted = resolved
	switch {
	case documentForced != "":
		pc.overrideReason = "forced by document " + forcingSlug
	case ownerForced != "":
		pc.overrideReason = "forced by owner"
	default:
		pc.overrideReason = ""
	}
	return nil
}

// Phase 9: generate the answer, streaming deltas to out.
func (c *Coordinator) phaseGenerate(ctx context.Context, pc *phaseContext, out generation.StreamHandler) error {
	provider, model, err := c.router.Resolve(pc.modelRouted)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "no generation backend for resolved model", err)
	}
	history := make([]generation.Message, 0, len(pc.req.History))
	for _, h := range pc.req.History {
		history = append(history, generation.Message{Role: h.Role, Content: h.Content})
	}
	msgs := generation.AssemblePrompt(pc.req.Question, pc.retrieval.chunks, history)
	if err := provider.Stream(ctx, msgs, model, out); err != nil {
		return err
	}
	return nil
}

// Phase 10: best-effort async conversation logging. Never blocks the
// response and never turns a generation error into a second error.
func (c *Coordinator) logAsync(pc *phaseContext, answer string, genErr error) {
	rec := catalog.ConversationLogRecord{
		SessionID:       pc.req.SessionID,
		OwnerID:         firstOwnerID(pc),
		Question:        pc.req.Question,
		Answer:          answer,
		ModelUsed:       pc.modelRouted,
		RetrievedChunks: len(pc.retrieval.chunks),
		LatencyMS:       time.Since(pc.startedAt).Milliseconds(),
		CreatedAt:       time.Now(),
	}
	for _, d := range pc.documents {
		rec.DocumentIDs = append(rec.DocumentIDs, d.ID)
	}
	if genErr != nil {
		rec.Error = string(apierr.KindOf(genErr))
	}
	c.producer.Publish(context.Background(), rec)
}

func firstOwnerID(pc *phaseContext) string {
	if len(pc.documents) == 0 {
		return ""
	}
	return pc.documents[0].OwnerID
}
