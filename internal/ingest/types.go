// Package ingest implements the document ingestion pipeline: downloading a
// PDF from blob storage, extracting page-anchored text, chunking,
// embedding, and synthesizing an abstract and keyword cloud, then
// atomically replacing the document's chunk set in the catalog store.
package ingest

import "time"

// Phase is a status transition of an ingestion job, persisted so
// GET /api/processing-status can report progress.
type Phase string

const (
	PhasePending     Phase = "pending"
	PhaseExtracting  Phase = "extracting"
	PhaseChunking    Phase = "chunking"
	PhaseEmbedding   Phase = "embedding"
	PhaseSummarizing Phase = "summarizing"
	PhaseReady       Phase = "ready"
	PhaseError       Phase = "error"
)

// Job is the current status of one document's ingestion run.
type Job struct {
	DocumentID string
	Phase      Phase
	Error      string
	UpdatedAt  time.Time
}
