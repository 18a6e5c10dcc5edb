// Package catalog defines the document/chunk/owner data model and the
// Store interface that the registry, retrieval, and ingestion components
// read and write through.
package catalog

import "time"

// AccessLevel controls who may query a document.
type AccessLevel string

const (
	// AccessPublic documents are visible to any caller, authenticated or not.
	AccessPublic AccessLevel = "public"
	// AccessPasscode documents require a passcode supplied with the request
	// (carried out-of-band, e.g. a prior passcode-exchange endpoint owned
	// by an edge collaborator); the core only checks that the caller has
	// been granted the document's passcode-holder claim.
	AccessPasscode AccessLevel = "passcode"
	// AccessRegistered documents require any authenticated caller.
	AccessRegistered AccessLevel = "registered"
	// AccessOwnerRestricted documents require the caller to be the
	// document's owner.
	AccessOwnerRestricted AccessLevel = "owner_restricted"
)

// EmbeddingProvider identifies the embedding space a document's chunks live in.
type EmbeddingProvider string

const (
	ProviderRemote EmbeddingProvider = "remote"
	ProviderLocal  EmbeddingProvider = "local"
)

// Document is the durable, registry-visible unit of retrieval scope.
//
// Invariant D-1: ID is immutable once assigned and is the only field used
// for cross-references (chunks, quizzes, conversation log entries). Slug
// is mutable and only ever used on the URL-facing surface.
type Document struct {
	ID                string
	Slug              string
	OwnerID           string
	Title             string
	Subtitle          string
	AccessLevel       AccessLevel
	EmbeddingProvider EmbeddingProvider
	ChunkLimit        int
	ForcedModel       string
	// SourceKey is the PDF's object-store key, downloaded by the ingestion
	// pipeline on (re)processing. Defaults to ID+".pdf" when empty.
	SourceKey         string
	IntroMessage      string
	Metadata          map[string]string
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Owner groups documents under a shared forced-model override and default
// chunk limit.
type Owner struct {
	ID                string
	Slug              string
	ForcedModel       string
	DefaultChunkLimit int
	CoverImage        string
}

// Chunk is one retrievable unit of a document's extracted text.
//
// Invariant C-1: a chunk's (DocumentID, Index) pair is stable across
// retraining only in the sense that old chunks are deleted wholesale and
// replaced, never patched in place — see ingest.Pipeline.Retrain.
type Chunk struct {
	DocumentID string
	Index      int
	Content    string
	PageNumber int
	Embedding  []float32
	Metadata   map[string]string
}

// ScoredChunk is a Chunk annotated with its retrieval score.
//
// Invariant R-1: Similarity and TextMatchBoost are combined into Score by
// the store itself (Postgres in the SQL projection; QdrantStore and Memory
// in Go before sorting), never by callers after the fact, and results are
// always ordered by Score descending. Consumers
// must never re-sort by DocumentID or Index.
type ScoredChunk struct {
	Chunk
	// DocumentSlug is filled in by the retrieval engine's caller (which
	// holds the registry snapshot) so prompt assembly and citations never
	// need a second lookup by id — see spec.md §4.5 "Provenance".
	DocumentSlug  string
	Similarity    float64 // cosine similarity in [-1, 1]; 0 when retrieval was text-only
	TextMatchBoost float64
	Score         float64
	HasSimilarity bool // false for hybrid-mode matches that only hit full-text search
}

// Quiz is a generated set of comprehension questions for a document.
type Quiz struct {
	DocumentID string
	Questions  []QuizQuestion
	GeneratedAt time.Time
	Forced     bool
}

// QuizQuestion is one multiple-choice question in a Quiz.
type QuizQuestion struct {
	Prompt      string
	Choices     []string
	AnswerIndex int
}

// ConversationLogRecord is a single request/response pair emitted off the
// chat request path. It is never written synchronously on that path; see
// internal/eventlog.
type ConversationLogRecord struct {
	SessionID      string
	DocumentIDs    []string
	OwnerID        string
	Question       string
	Answer         string
	ModelUsed      string
	RetrievedChunks int
	LatencyMS      int64
	Error          string
	CreatedAt      time.Time
}

// RegistrySnapshot is the immutable, atomically-swapped view the registry
// hands out to readers. Defined here (not internal/registry) so the
// catalog Store can build one directly from a single query.
type RegistrySnapshot struct {
	Documents map[string]Document // keyed by Document.ID
	BySlug    map[string]string   // slug -> Document.ID
	Owners    map[string]Owner    // keyed by Owner.ID
	LoadedAt  time.Time
}
