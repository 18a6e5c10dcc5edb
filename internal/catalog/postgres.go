package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Postgres is the pgvector-backed catalog store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pool against dsn and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string, maxConns, minConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) LoadRegistrySnapshot(ctx context.Context) (*RegistrySnapshot, error) {
	snap := &RegistrySnapshot{
		Documents: make(map[string]Document),
		BySlug:    make(map[string]string),
		Owners:    make(map[string]Owner),
		LoadedAt:  time.Now(),
	}

	ownerRows, err := p.pool.Query(ctx, `
		SELECT id, slug, forced_model, default_chunk_limit, cover_image FROM owners`)
	if err != nil {
		return nil, fmt.Errorf("load owners: %w", err)
	}
	for ownerRows.Next() {
		var o Owner
		if err := ownerRows.Scan(&o.ID, &o.Slug, &o.ForcedModel, &o.DefaultChunkLimit, &o.CoverImage); err != nil {
			ownerRows.Close()
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		snap.Owners[o.ID] = o
	}
	ownerRows.Close()
	if err := ownerRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owners: %w", err)
	}

	docRows, err := p.pool.Query(ctx, `
		SELECT id, slug, owner_id, title, subtitle, access_level, embedding_provider,
		       chunk_limit, forced_model, source_key, intro_message, active, created_at, updated_at
		FROM documents WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()
	for docRows.Next() {
		var d Document
		if err := docRows.Scan(&d.ID, &d.Slug, &d.OwnerID, &d.Title, &d.Subtitle, &d.AccessLevel,
			&d.EmbeddingProvider, &d.ChunkLimit, &d.ForcedModel, &d.SourceKey, &d.IntroMessage, &d.Active,
			&d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		snap.Documents[d.ID] = d
		snap.BySlug[d.Slug] = d.ID
	}
	if err := docRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return snap, nil
}

func (p *Postgres) GetDocumentByID(ctx context.Context, id string) (*Document, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, slug, owner_id, title, subtitle, access_level, embedding_provider,
		       chunk_limit, forced_model, source_key, intro_message, active, created_at, updated_at
		FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

func (p *Postgres) GetDocumentBySlug(ctx context.Context, slug string) (*Document, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, slug, owner_id, title, subtitle, access_level, embedding_provider,
		       chunk_limit, forced_model, source_key, intro_message, active, created_at, updated_at
		FROM documents WHERE slug = $1`, slug)
	return scanDocument(row)
}

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	if err := row.Scan(&d.ID, &d.Slug, &d.OwnerID, &d.Title, &d.Subtitle, &d.AccessLevel,
		&d.EmbeddingProvider, &d.ChunkLimit, &d.ForcedModel, &d.SourceKey, &d.IntroMessage, &d.Active,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &d, nil
}

// UpsertDocument inserts a new document row or updates the mutable fields
// of an existing one, keyed by ID.
func (p *Postgres) UpsertDocument(ctx context.Context, doc Document) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO documents
			(id, slug, owner_id, title, subtitle, access_level, embedding_provider,
			 chunk_limit, forced_model, source_key, intro_message, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			title = $4, subtitle = $5, access_level = $6, embedding_provider = $7,
			chunk_limit = $8, forced_model = $9, source_key = $10, intro_message = $11,
			active = $12, updated_at = now()`,
		doc.ID, doc.Slug, doc.OwnerID, doc.Title, doc.Subtitle, doc.AccessLevel, doc.EmbeddingProvider,
		doc.ChunkLimit, doc.ForcedModel, doc.SourceKey, doc.IntroMessage, doc.Active)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// RenameSlug updates only the slug column, by id; see Store.RenameSlug.
func (p *Postgres) RenameSlug(ctx context.Context, documentID, newSlug string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE documents SET slug = $1, updated_at = now() WHERE id = $2`, newSlug, documentID)
	if err != nil {
		return fmt.Errorf("rename slug: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rename slug: no document with id %s", documentID)
	}
	return nil
}

func (p *Postgres) GetOwner(ctx context.Context, id string) (*Owner, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, slug, forced_model, default_chunk_limit, cover_image FROM owners WHERE id = $1`, id)
	var o Owner
	if err := row.Scan(&o.ID, &o.Slug, &o.ForcedModel, &o.DefaultChunkLimit, &o.CoverImage); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan owner: %w", err)
	}
	return &o, nil
}

// MatchChunks is the single most important query in this package: it must
// compute the ranking score in the SELECT projection and order by that
// score, never by an opaque identifier. See ScoredChunk's Score field.
func (p *Postgres) MatchChunks(ctx context.Context, documentID string, params RetrieveParams) ([]ScoredChunk, error) {
	vecLit := toVectorLiteral(params.Embedding)
	embeddingCol := embeddingColumnFor(len(params.Embedding))
	limit := params.Limit
	if limit <= 0 {
		limit = 40
	}

	var query string
	var args []any
	switch params.Mode {
	case ModeVectorOnly:
		query = fmt.Sprintf(`
			WITH scored AS (
				SELECT document_id, index, content, page_number, metadata,
				       1 - (%s <=> $1::vector) AS similarity,
				       0::float8 AS text_match_boost
				FROM chunks
				WHERE document_id = $2
			)
			SELECT document_id, index, content, page_number, metadata, similarity, text_match_boost,
			       (similarity + text_match_boost) AS score
			FROM scored
			ORDER BY score DESC
			LIMIT $3`, embeddingCol)
		args = []any{vecLit, documentID, limit}
	default: // ModeHybrid
		query = fmt.Sprintf(`
			WITH scored AS (
				SELECT document_id, index, content, page_number, metadata,
				       1 - (%s <=> $1::vector) AS similarity,
				       ts_rank(to_tsvector('english', content), plainto_tsquery('english', $2)) AS text_match_boost
				FROM chunks
				WHERE document_id = $3
			)
			SELECT document_id, index, content, page_number, metadata, similarity, text_match_boost,
			       (similarity + text_match_boost) AS score
			FROM scored
			ORDER BY score DESC
			LIMIT $4`, embeddingCol)
		args = []any{vecLit, params.Query, documentID, limit}
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("match chunks: %w", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		var metadata map[string]string
		if err := rows.Scan(&sc.DocumentID, &sc.Index, &sc.Content, &sc.PageNumber, &metadata,
			&sc.Similarity, &sc.TextMatchBoost, &sc.Score); err != nil {
			return nil, fmt.Errorf("scan scored chunk: %w", err)
		}
		sc.Metadata = metadata
		sc.HasSimilarity = true
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scored chunks: %w", err)
	}
	return out, nil
}

// MatchChunksMulti runs MatchChunks independently per document. Each
// document's result set is still ordered by score descending; interleaving
// across documents is the retrieval engine's job, not the store's.
func (p *Postgres) MatchChunksMulti(ctx context.Context, documentIDs []string, params RetrieveParams) (map[string][]ScoredChunk, error) {
	out := make(map[string][]ScoredChunk, len(documentIDs))
	for _, id := range documentIDs {
		chunks, err := p.MatchChunks(ctx, id, params)
		if err != nil {
			return nil, fmt.Errorf("match chunks for %s: %w", id, err)
		}
		out[id] = chunks
	}
	return out, nil
}

// ReplaceChunks deletes and reinserts a document's full chunk set inside a
// single transaction, so a reader never observes a half-written document.
func (p *Postgres) ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete old chunks: %w", err)
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		col := embeddingColumnFor(len(c.Embedding))
		batch.Queue(fmt.Sprintf(`
			INSERT INTO chunks (document_id, index, content, page_number, %s, metadata)
			VALUES ($1, $2, $3, $4, $5::vector, $6)`, col),
			c.DocumentID, c.Index, c.Content, c.PageNumber, toVectorLiteral(c.Embedding), c.Metadata)
	}
	br := tx.SendBatch(ctx, batch)
	for range chunks {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	log.Debug().Str("document_id", documentID).Int("chunk_count", len(chunks)).Msg("chunks_replaced")
	return nil
}

// chunkContent loads a single chunk's content, page number, and metadata by
// (document_id, index). Used by QdrantStore to hydrate a similarity hit
// that only carries a score and its payload.
func (p *Postgres) chunkContent(ctx context.Context, documentID string, index int) (string, int, map[string]string, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT content, page_number, metadata FROM chunks WHERE document_id = $1 AND index = $2`,
		documentID, index)
	var content string
	var pageNumber int
	var metadata map[string]string
	if err := row.Scan(&content, &pageNumber, &metadata); err != nil {
		return "", 0, nil, fmt.Errorf("load chunk content: %w", err)
	}
	return content, pageNumber, metadata, nil
}

// textMatchBoost computes the same ts_rank boost MatchChunks combines into
// Score for a single chunk, so QdrantStore's hybrid mode ranks identically
// whichever backend supplied the vector half of the score.
func (p *Postgres) textMatchBoost(ctx context.Context, documentID string, index int, query string) (float64, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1))
		FROM chunks WHERE document_id = $2 AND index = $3`, query, documentID, index)
	var boost float64
	if err := row.Scan(&boost); err != nil {
		return 0, fmt.Errorf("text match boost: %w", err)
	}
	return boost, nil
}

func (p *Postgres) GetQuiz(ctx context.Context, documentID string) (*Quiz, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT document_id, questions, generated_at, forced FROM quizzes WHERE document_id = $1`, documentID)
	var q Quiz
	var raw []byte
	if err := row.Scan(&q.DocumentID, &raw, &q.GeneratedAt, &q.Forced); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan quiz: %w", err)
	}
	q.Questions = decodeQuizQuestions(raw)
	return &q, nil
}

func (p *Postgres) PutQuiz(ctx context.Context, quiz Quiz) error {
	raw := encodeQuizQuestions(quiz.Questions)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO quizzes (document_id, questions, generated_at, forced)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id) DO UPDATE SET questions = $2, generated_at = $3, forced = $4`,
		quiz.DocumentID, raw, quiz.GeneratedAt, quiz.Forced)
	if err != nil {
		return fmt.Errorf("put quiz: %w", err)
	}
	return nil
}

// embeddingColumnFor returns the provider-specific pgvector column for a
// vector of the given dimensionality (Invariant C-2: a chunk's embedding
// dimensionality must match its document's embedding_provider, so remote
// (1536-dim) and local (384-dim) embeddings are never compared or stored
// in the same column).
func embeddingColumnFor(dim int) string {
	if dim == 384 {
		return "embedding_local"
	}
	return "embedding"
}

// toVectorLiteral renders a float32 slice as a pgvector literal, e.g.
// "[0.1,0.2,0.3]". Empty vectors render as "[]" so callers can still pass
// them into a similarity expression that will simply score 0.
func toVectorLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
