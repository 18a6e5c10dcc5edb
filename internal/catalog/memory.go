package catalog

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

var errDocumentNotFound = errors.New("document not found")

// Memory is an in-process Store used by tests. It implements the same
// score-first ordering contract as Postgres (Invariant R-1) using a cosine
// similarity computed in Go instead of pgvector, and a crude substring
// match in place of ts_rank.
type Memory struct {
	mu        sync.RWMutex
	documents map[string]Document
	owners    map[string]Owner
	chunks    map[string][]Chunk
	quizzes   map[string]Quiz
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		documents: make(map[string]Document),
		owners:    make(map[string]Owner),
		chunks:    make(map[string][]Chunk),
		quizzes:   make(map[string]Quiz),
	}
}

func (m *Memory) Close() {}

// PutDocument and PutOwner are test-only seams, not part of Store.
func (m *Memory) PutDocument(d Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[d.ID] = d
}

func (m *Memory) PutOwner(o Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[o.ID] = o
}

func (m *Memory) LoadRegistrySnapshot(ctx context.Context) (*RegistrySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := &RegistrySnapshot{
		Documents: make(map[string]Document, len(m.documents)),
		BySlug:    make(map[string]string, len(m.documents)),
		Owners:    make(map[string]Owner, len(m.owners)),
		LoadedAt:  time.Now(),
	}
	for id, d := range m.documents {
		if !d.Active {
			continue
		}
		snap.Documents[id] = d
		snap.BySlug[d.Slug] = id
	}
	for id, o := range m.owners {
		snap.Owners[id] = o
	}
	return snap, nil
}

func (m *Memory) GetDocumentByID(ctx context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.documents[id]; ok {
		return &d, nil
	}
	return nil, nil
}

func (m *Memory) GetDocumentBySlug(ctx context.Context, slug string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.documents {
		if d.Slug == slug {
			return &d, nil
		}
	}
	return nil, nil
}

func (m *Memory) UpsertDocument(ctx context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.CreatedAt.IsZero() {
		if existing, ok := m.documents[doc.ID]; ok {
			doc.CreatedAt = existing.CreatedAt
		} else {
			doc.CreatedAt = time.Now()
		}
	}
	if existing, ok := m.documents[doc.ID]; ok {
		doc.Slug = existing.Slug
	}
	doc.UpdatedAt = time.Now()
	m.documents[doc.ID] = doc
	return nil
}

func (m *Memory) RenameSlug(ctx context.Context, documentID, newSlug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[documentID]
	if !ok {
		return errDocumentNotFound
	}
	d.Slug = newSlug
	d.UpdatedAt = time.Now()
	m.documents[documentID] = d
	return nil
}

func (m *Memory) GetOwner(ctx context.Context, id string) (*Owner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.owners[id]; ok {
		return &o, nil
	}
	return nil, nil
}

func (m *Memory) MatchChunks(ctx context.Context, documentID string, params RetrieveParams) ([]ScoredChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.matchLocked(documentID, params), nil
}

func (m *Memory) MatchChunksMulti(ctx context.Context, documentIDs []string, params RetrieveParams) (map[string][]ScoredChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]ScoredChunk, len(documentIDs))
	for _, id := range documentIDs {
		out[id] = m.matchLocked(id, params)
	}
	return out, nil
}

func (m *Memory) matchLocked(documentID string, params RetrieveParams) []ScoredChunk {
	limit := params.Limit
	if limit <= 0 {
		limit = 40
	}
	out := make([]ScoredChunk, 0, len(m.chunks[documentID]))
	for _, c := range m.chunks[documentID] {
		sim := cosine(c.Embedding, params.Embedding)
		boost := 0.0
		if params.Mode != ModeVectorOnly && params.Query != "" &&
			strings.Contains(strings.ToLower(c.Content), strings.ToLower(params.Query)) {
			boost = 0.1
		}
		out = append(out, ScoredChunk{
			Chunk:          c,
			Similarity:     sim,
			TextMatchBoost: boost,
			Score:          sim + boost,
			HasSimilarity:  true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Chunk, len(chunks))
	copy(cp, chunks)
	m.chunks[documentID] = cp
	return nil
}

func (m *Memory) GetQuiz(ctx context.Context, documentID string) (*Quiz, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if q, ok := m.quizzes[documentID]; ok {
		return &q, nil
	}
	return nil, nil
}

func (m *Memory) PutQuiz(ctx context.Context, quiz Quiz) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quizzes[quiz.DocumentID] = quiz
	return nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
