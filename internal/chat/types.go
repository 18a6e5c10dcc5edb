// Package chat implements the Chat Request Coordinator: the ten-phase
// pipeline every /api/chat and /api/chat/stream request runs through,
// from authentication to best-effort conversation logging.
package chat

import (
	"time"

	"github.com/drjjw/docutrain-sub002/internal/catalog"
	"github.com/drjjw/docutrain-sub002/internal/identity"
)

// HistoryTurn is one prior turn supplied by the caller for conversational
// context. Role is "user" or "assistant".
type HistoryTurn struct {
	Role    string
	Content string
}

// Request is a fully-parsed incoming chat request, before any phase has run.
type Request struct {
	SessionID     string
	DocumentSlugs []string
	Question      string
	CallerModel   string
	RequireHybrid bool
	History       []HistoryTurn
	// EmbeddingTypeOverride optionally asserts which embedding space the
	// caller expects ("remote" or "local"); it must agree with the
	// resolved documents' shared embedding_provider or the request is
	// rejected, catching a stale client pointed at the wrong document set.
	EmbeddingTypeOverride string
}

// Citation points a piece of the answer back to the chunk it was grounded
// on.
type Citation struct {
	DocumentID string
	PageNumber int
	Score      float64
}

// Response is the coordinator's buffered (non-streaming) result.
type Response struct {
	Answer         string
	Citations      []Citation
	ModelUsed      string
	OverrideReason string
	RetrievedCount int
	DocumentIDs    []string
	DocumentSlugs  []string
	RetrievalMS    int64
	GenerationMS   int64
	LatencyMS      int64
}

// phaseContext carries state threaded through the coordinator's phases. It
// is not exported: callers only ever see Request in and Response (or a
// stream) out.
type phaseContext struct {
	req       Request
	startedAt time.Time

	callerID      string
	callerClaims  identity.Claims
	documents     []catalog.Document
	owners        map[string]catalog.Owner
	embedding     []float32
	retrieval     retrievalResult
	modelRouted   string
	overrideReason string
	retrievalMS   int64
	generationMS  int64
}

type retrievalResult struct {
	chunks []catalog.ScoredChunk
}
