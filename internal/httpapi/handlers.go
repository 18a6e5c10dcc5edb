package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/drjjw/docutrain-sub002/internal/apierr"
	"github.com/drjjw/docutrain-sub002/internal/catalog"
	"github.com/drjjw/docutrain-sub002/internal/chat"
)

const maxRetrainBody = 50 << 20 // 50 MB

type docRef []string

// UnmarshalJSON accepts either a bare string or an array of strings for the
// "doc" field, since a chat request may target one document or several.
func (d *docRef) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single != "" {
			*d = []string{single}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*d = many
	return nil
}

type historyTurnWire struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequestWire struct {
	Message       string            `json:"message"`
	Doc           docRef            `json:"doc"`
	Model         string            `json:"model"`
	History       []historyTurnWire `json:"history"`
	SessionID     string            `json:"sessionId"`
	EmbeddingType string            `json:"embeddingType"`
}

func (w chatRequestWire) toRequest() chat.Request {
	history := make([]chat.HistoryTurn, 0, len(w.History))
	for _, h := range w.History {
		history = append(history, chat.HistoryTurn{Role: h.Role, Content: h.Content})
	}
	return chat.Request{
		SessionID:             w.SessionID,
		DocumentSlugs:         []string(w.Doc),
		Question:              w.Message,
		CallerModel:           w.Model,
		History:               history,
		EmbeddingTypeOverride: w.EmbeddingType,
	}
}

type chatMetadata struct {
	RetrievalMS   int64    `json:"retrievalMs"`
	GenerationMS  int64    `json:"generationMs"`
	TotalMS       int64    `json:"totalMs"`
	DocumentIDs   []string `json:"documentIds"`
	DocumentSlugs []string `json:"documentSlugs"`
}

type citationWire struct {
	DocumentID string  `json:"document_id"`
	PageNumber int     `json:"page_number,omitempty"`
	Score      float64 `json:"score"`
}

func citationsWire(cs []chat.Citation) []citationWire {
	out := make([]citationWire, 0, len(cs))
	for _, c := range cs {
		out = append(out, citationWire{DocumentID: c.DocumentID, PageNumber: c.PageNumber, Score: c.Score})
	}
	return out
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var wire chatRequestWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("malformed request body"))
		return
	}
	if wire.Message == "" {
		respondError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}
	if len(wire.Doc) > 5 {
		respondError(w, http.StatusBadRequest, errors.New("at most 5 documents per request"))
		return
	}

	resp, err := s.coordinator.Handle(r.Context(), r, wire.toRequest())
	if err != nil {
		respondAPIError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"response":  resp.Answer,
		"citations": citationsWire(resp.Citations),
		"model":     resp.ModelUsed,
		"metadata": chatMetadata{
			RetrievalMS:   resp.RetrievalMS,
			GenerationMS:  resp.GenerationMS,
			TotalMS:       resp.LatencyMS,
			DocumentIDs:   resp.DocumentIDs,
			DocumentSlugs: resp.DocumentSlugs,
		},
	})
}

// sseDelta writes one SSE delta frame carrying a text chunk.
type sseDelta struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (h sseDelta) OnDelta(content string) {
	writeSSE(h.w, map[string]any{"delta": content})
	h.flusher.Flush()
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var wire chatRequestWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("malformed request body"))
		return
	}
	if wire.Message == "" {
		respondError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}
	if len(wire.Doc) > 5 {
		respondError(w, http.StatusBadRequest, errors.New("at most 5 documents per request"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resp, err := s.coordinator.HandleStream(r.Context(), r, wire.toRequest(), sseDelta{w: w, flusher: flusher})

	meta := map[string]any{
		"done": true,
		"metadata": chatMetadata{
			RetrievalMS:   resp.RetrievalMS,
			GenerationMS:  resp.GenerationMS,
			TotalMS:       resp.LatencyMS,
			DocumentIDs:   resp.DocumentIDs,
			DocumentSlugs: resp.DocumentSlugs,
		},
		"citations": citationsWire(resp.Citations),
		"model":     resp.ModelUsed,
	}
	if err != nil {
		meta["error"] = string(apierr.KindOf(err))
	}
	writeSSE(w, meta)
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("sse_frame_marshal_failed")
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	all := s.registry.ListDocuments()

	if slugParam := r.URL.Query().Get("doc"); slugParam != "" {
		slugs := strings.Fields(slugParam)
		if len(slugs) > 5 {
			respondError(w, http.StatusBadRequest, errors.New("at most 5 documents per request"))
			return
		}
		wanted := make(map[string]bool, len(slugs))
		for _, sl := range slugs {
			wanted[sl] = true
		}
		out := make([]documentWire, 0, len(slugs))
		for _, d := range all {
			if wanted[d.Slug] {
				out = append(out, toDocumentWire(d))
			}
		}
		respondJSON(w, http.StatusOK, map[string]any{"documents": out})
		return
	}

	if ownerParam := r.URL.Query().Get("owner"); ownerParam != "" {
		out := make([]documentWire, 0)
		for _, d := range all {
			if d.OwnerID == ownerParam {
				out = append(out, toDocumentWire(d))
			}
		}
		respondJSON(w, http.StatusOK, map[string]any{"documents": out})
		return
	}

	// No parameter: only the document flagged as the default landing page,
	// if any document carries that metadata flag.
	for _, d := range all {
		if d.Metadata["default_landing"] == "true" {
			respondJSON(w, http.StatusOK, map[string]any{"documents": []documentWire{toDocumentWire(d)}})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"documents": []documentWire{}})
}

type documentWire struct {
	ID           string `json:"id"`
	Slug         string `json:"slug"`
	Title        string `json:"title"`
	Subtitle     string `json:"subtitle"`
	AccessLevel  string `json:"access_level"`
	IntroMessage string `json:"intro_message,omitempty"`
}

func toDocumentWire(d catalog.Document) documentWire {
	return documentWire{
		ID:           d.ID,
		Slug:         d.Slug,
		Title:        d.Title,
		Subtitle:     d.Subtitle,
		AccessLevel:  string(d.AccessLevel),
		IntroMessage: d.IntroMessage,
	}
}

func (s *Server) handleRefreshRegistry(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.RefreshAndBroadcast(r.Context(), "api"); err != nil {
		respondAPIError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "refreshed"})
}

type renameDocumentWire struct {
	DocumentID string `json:"document_id"`
	NewSlug    string `json:"new_slug"`
}

// handleRenameDocument implements spec.md scenario S3: slug is a
// metadata-only edit, the document's id and all data referencing it by id
// are untouched. The registry is refreshed and broadcast synchronously so
// the new slug is queryable, and the old one gone, as soon as this returns.
func (s *Server) handleRenameDocument(w http.ResponseWriter, r *http.Request) {
	var wire renameDocumentWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("malformed request body"))
		return
	}
	if wire.DocumentID == "" || wire.NewSlug == "" {
		respondError(w, http.StatusBadRequest, errors.New("document_id and new_slug are required"))
		return
	}
	if err := s.admin.RenameSlug(r.Context(), wire.DocumentID, wire.NewSlug); err != nil {
		respondAPIError(w, err)
		return
	}
	if err := s.registry.RefreshAndBroadcast(r.Context(), "rename:"+wire.DocumentID); err != nil {
		respondAPIError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"document_id": wire.DocumentID, "slug": wire.NewSlug})
}

func (s *Server) handleRetrainDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRetrainBody)
	if err := r.ParseMultipartForm(maxRetrainBody); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("file exceeds 50 MB or form is malformed"))
		return
	}
	documentID := r.FormValue("document_id")
	if documentID == "" {
		respondError(w, http.StatusBadRequest, errors.New("document_id is required"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("file is required"))
		return
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ingest.Retrain(r.Context(), documentID, header.Filename, body); err != nil {
		respondAPIError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"document_id": documentID, "status": "processing"})
}

func (s *Server) handleProcessingStatus(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("documentID")
	status, ok := s.ingest.Status(documentID)
	if !ok {
		respondError(w, http.StatusNotFound, errors.New("no processing job for document"))
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.registry.State() != "ready" {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": s.registry.State()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type rateWire struct {
	ConversationID string `json:"conversation_id"`
	Rating         string `json:"rating"`
}

// handleRate accepts a thumbs-up/down rating and returns immediately; the
// update is best-effort and only ever logged on failure, never surfaced to
// the caller as an error.
func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var wire rateWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		respondJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
		return
	}
	log.Info().Str("conversation_id", wire.ConversationID).Str("rating", wire.Rating).Msg("conversation_rated")
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondAPIError maps a typed apierr.Error to its HTTP status, adding the
// requires_auth hint Forbidden responses carry.
func respondAPIError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	body := map[string]any{"error": err.Error(), "kind": string(kind)}
	if kind == apierr.Forbidden {
		body["requires_auth"] = true
	}
	respondJSON(w, kind.Status(), body)
}
