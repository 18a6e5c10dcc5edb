// Package httpapi exposes the chat, document, and ingestion surface over
// HTTP: POST /api/chat and its streaming counterpart, the read-only
// document catalog, registry/document admin actions, and health/readiness
// probes for the load balancer.
package httpapi

import (
	"context"
	"net/http"

	"github.com/drjjw/docutrain-sub002/internal/catalog"
	"github.com/drjjw/docutrain-sub002/internal/chat"
)

// Registry is the subset of *registry.Registry the HTTP surface reads
// directly, beyond what the coordinator already needs.
type Registry interface {
	ListDocuments() []catalog.Document
	State() string
	RefreshAndBroadcast(ctx context.Context, requestedBy string) error
}

// Ingest is the subset of the ingestion pipeline the HTTP surface drives.
type Ingest interface {
	Retrain(ctx context.Context, documentID, filename string, body []byte) error
	Status(documentID string) (IngestStatusView, bool)
}

// DocumentAdmin is the subset of catalog.Store the HTTP surface uses for
// slug-rename administration. Renaming never touches a document's id, so
// chunks, quizzes, and conversation log records stay reachable unchanged
// (Invariant D-1).
type DocumentAdmin interface {
	RenameSlug(ctx context.Context, documentID, newSlug string) error
}

// IngestStatusView is the JSON-facing projection of an ingestion job's
// current phase, returned by GET /api/processing-status/{documentID}.
type IngestStatusView struct {
	DocumentID string `json:"document_id"`
	Phase      string `json:"phase"`
	Error      string `json:"error,omitempty"`
}

// Server exposes the document Q&A HTTP API.
type Server struct {
	coordinator *chat.Coordinator
	registry    Registry
	ingest      Ingest
	admin       DocumentAdmin
	mux         *http.ServeMux
}

// NewServer builds the HTTP API server wired to the chat coordinator, the
// document registry, the ingestion pipeline, and document administration
// (slug rename).
func NewServer(coordinator *chat.Coordinator, registry Registry, ingest Ingest, admin DocumentAdmin) *Server {
	s := &Server{coordinator: coordinator, registry: registry, ingest: ingest, admin: admin, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	s.mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	s.mux.HandleFunc("POST /api/refresh-registry", s.handleRefreshRegistry)
	s.mux.HandleFunc("POST /api/rename-document", s.handleRenameDocument)
	s.mux.HandleFunc("POST /api/retrain-document", s.handleRetrainDocument)
	s.mux.HandleFunc("GET /api/processing-status/{documentID}", s.handleProcessingStatus)
	s.mux.HandleFunc("GET /api/ready", s.handleReady)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/rate", s.handleRate)
}
