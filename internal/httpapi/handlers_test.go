package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/drjjw/docutrain-sub002/internal/catalog"
	"github.com/drjjw/docutrain-sub002/internal/chat"
	"github.com/drjjw/docutrain-sub002/internal/embedcache"
	"github.com/drjjw/docutrain-sub002/internal/embedproviders"
	"github.com/drjjw/docutrain-sub002/internal/generation"
	"github.com/drjjw/docutrain-sub002/internal/identity"
)

// fakeRegistry mirrors registry.Registry's snapshot-swap behavior over a
// real catalog.Store, so a store-level change (e.g. RenameSlug) is only
// visible to readers after RefreshAndBroadcast, the same as production.
type fakeRegistry struct {
	store *catalog.Memory
	state string

	mu   sync.RWMutex
	snap *catalog.RegistrySnapshot
}

func (f *fakeRegistry) reload() {
	snap, err := f.store.LoadRegistrySnapshot(context.Background())
	if err != nil {
		return
	}
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
}

func (f *fakeRegistry) DocumentBySlug(slug string) (catalog.Document, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	id, ok := f.snap.BySlug[slug]
	if !ok {
		return catalog.Document{}, false
	}
	d, ok := f.snap.Documents[id]
	return d, ok
}

func (f *fakeRegistry) Owner(id string) (catalog.Owner, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	o, ok := f.snap.Owners[id]
	return o, ok
}

func (f *fakeRegistry) ListDocuments() []catalog.Document {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]catalog.Document, 0, len(f.snap.Documents))
	for _, d := range f.snap.Documents {
		out = append(out, d)
	}
	return out
}

func (f *fakeRegistry) State() string { return f.state }

func (f *fakeRegistry) RefreshAndBroadcast(ctx context.Context, requestedBy string) error {
	f.reload()
	return nil
}

// anonymousAuthenticator always reports "no credentials", exercising the
// phase-1 anonymous path every request not carrying a bearer token takes.
type anonymousAuthenticator struct{}

func (anonymousAuthenticator) AuthenticateRequest(ctx context.Context, r *http.Request) (identity.Claims, error) {
	return identity.Claims{}, apierrNoToken
}

var apierrNoToken = &testAuthError{}

type testAuthError struct{}

func (*testAuthError) Error() string { return "no bearer token" }

// echoProvider is a generation.Provider that streams back a fixed answer,
// standing in for a real LLM backend the way embedproviders.NewLocal
// stands in for a real embedding backend.
type echoProvider struct{}

func (echoProvider) Name() string { return "mock" }

func (echoProvider) Stream(ctx context.Context, msgs []generation.Message, model string, h generation.StreamHandler) error {
	h.OnDelta("kidney donors with uncontrolled hypertension are excluded [1]")
	return nil
}

type fakeIngest struct{}

func (fakeIngest) Retrain(ctx context.Context, documentID, filename string, body []byte) error {
	return nil
}

func (fakeIngest) Status(documentID string) (IngestStatusView, bool) {
	return IngestStatusView{}, false
}

func newTestServer(t *testing.T, registryState string) (*Server, *fakeRegistry) {
	t.Helper()
	owner := catalog.Owner{ID: "owner-1", Slug: "ukidney"}
	doc := catalog.Document{
		ID:                "doc-1",
		Slug:              "smh",
		OwnerID:           owner.ID,
		Title:             "Kidney Donor Guidelines",
		AccessLevel:       catalog.AccessPublic,
		EmbeddingProvider: catalog.ProviderLocal,
		ChunkLimit:        40,
		Active:            true,
	}
	store := catalog.NewMemory()
	store.PutDocument(doc)
	store.PutOwner(owner)
	local := embedproviders.NewLocal()
	vec, err := local.Embed(context.Background(), "kidney donor contraindications")
	require.NoError(t, err)
	require.NoError(t, store.ReplaceChunks(context.Background(), doc.ID, []catalog.Chunk{
		{DocumentID: doc.ID, Index: 0, Content: "kidney donor contraindications include uncontrolled hypertension", PageNumber: 3, Embedding: vec},
	}))

	reg := &fakeRegistry{store: store, state: registryState}
	reg.reload()

	cache := embedcache.New(1000, time.Hour)
	router := generation.NewRouter("mock", echoProvider{})
	coord := chat.New(reg, store, anonymousAuthenticator{}, local, local, cache, router, nil, nil)

	return NewServer(coord, reg, fakeIngest{}, store), reg
}

func TestHandleChatSingleDocumentBuffered(t *testing.T) {
	srv, _ := newTestServer(t, "ready")

	body := strings.NewReader(`{"message":"What are the contraindications for kidney donors?","doc":"smh","model":"m-a","sessionId":"` + uuid.NewString() + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", body)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Contains(t, payload["response"], "hypertension")
	meta := payload["metadata"].(map[string]any)
	require.Equal(t, []any{"smh"}, meta["documentSlugs"])
}

func TestHandleChatRejectsTooManyDocuments(t *testing.T) {
	srv, _ := newTestServer(t, "ready")

	body := strings.NewReader(`{"message":"hi","doc":["a","b","c","d","e","f"],"sessionId":"` + uuid.NewString() + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", body)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChatUnknownSlugIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "ready")

	body := strings.NewReader(`{"message":"hi","doc":"does-not-exist","sessionId":"` + uuid.NewString() + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", body)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleChatInvalidSessionIDIsValidationFailed(t *testing.T) {
	srv, _ := newTestServer(t, "ready")

	body := strings.NewReader(`{"message":"hi","doc":"smh","sessionId":"not-a-uuid"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", body)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReadyReflectsRegistryState(t *testing.T) {
	srv, _ := newTestServer(t, "loading")
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv, _ = newTestServer(t, "ready")
	req = httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleRenameDocumentSlugRedirectsQueries(t *testing.T) {
	srv, _ := newTestServer(t, "ready")

	body := strings.NewReader(`{"document_id":"doc-1","new_slug":"smh-v2"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/rename-document", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	oldReq := httptest.NewRequest(http.MethodGet, "/api/documents?doc=smh", nil)
	oldRec := httptest.NewRecorder()
	srv.ServeHTTP(oldRec, oldReq)
	var oldPayload map[string]any
	require.NoError(t, json.Unmarshal(oldRec.Body.Bytes(), &oldPayload))
	require.Empty(t, oldPayload["documents"])

	newReq := httptest.NewRequest(http.MethodGet, "/api/documents?doc=smh-v2", nil)
	newRec := httptest.NewRecorder()
	srv.ServeHTTP(newRec, newReq)
	var newPayload map[string]any
	require.NoError(t, json.Unmarshal(newRec.Body.Bytes(), &newPayload))
	docs := newPayload["documents"].([]any)
	require.Len(t, docs, 1)
}

func TestHandleListDocumentsByDocParam(t *testing.T) {
	srv, _ := newTestServer(t, "ready")
	req := httptest.NewRequest(http.MethodGet, "/api/documents?doc=smh", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	docs := payload["documents"].([]any)
	require.Len(t, docs, 1)
}

func TestHandleHealthAlwaysOK(t *testing.T) {
	srv, _ := newTestServer(t, "uninitialized")
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
