package catalog

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// qdrantOriginalIDField mirrors the payload key the retrieved reference
// implementation uses to recover a non-UUID source id from a Qdrant point,
// even though this store's chunk ids are already deterministic UUIDs
// derived from (document_id, index).
const qdrantOriginalIDField = "_original_id"

// QdrantStore decorates a Postgres store, routing a document's chunk
// vectors and similarity search to Qdrant collections instead of the
// pgvector embedding/embedding_local columns, while documents, owners, and
// quizzes still live in Postgres. Remote and local embeddings never share
// a collection, mirroring the column split Invariant C-2 requires of the
// plain Postgres store.
type QdrantStore struct {
	*Postgres
	client           *qdrant.Client
	remoteCollection string
	localCollection  string
}

// NewQdrantStore opens a gRPC connection to addr (Qdrant's gRPC API, port
// 6334 by default) and ensures the remote and local chunk collections
// exist, sized to remoteDim and localDim respectively.
func NewQdrantStore(ctx context.Context, pg *Postgres, addr string, remoteDim, localDim int) (*QdrantStore, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant addr: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = addr
	}
	port := 6334
	if p := parsed.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	qs := &QdrantStore{
		Postgres:         pg,
		client:           client,
		remoteCollection: "chunks_remote",
		localCollection:  "chunks_local",
	}
	if err := qs.ensureCollection(ctx, qs.remoteCollection, remoteDim); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure remote collection: %w", err)
	}
	if err := qs.ensureCollection(ctx, qs.localCollection, localDim); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure local collection: %w", err)
	}
	return qs, nil
}

func (q *QdrantStore) ensureCollection(ctx context.Context, name string, dim int) error {
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	if dim <= 0 {
		return fmt.Errorf("collection %s: dimension must be positive", name)
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func (q *QdrantStore) collectionFor(dim int) string {
	if dim == 384 {
		return q.localCollection
	}
	return q.remoteCollection
}

// pointIDFor derives a deterministic UUID from a chunk's (document_id,
// index) pair, since Qdrant only accepts UUIDs or unsigned integers as
// point ids.
func pointIDFor(documentID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d", documentID, index))).String()
}

func documentFilter(documentID string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("document_id", documentID)}}
}

// ReplaceChunks writes content and metadata to Postgres as usual, then
// clears and reinserts the document's vectors in Qdrant. Postgres commits
// first: a Qdrant failure after that point leaves vector search stale for
// this document until the next retrain, but never leaves ReplaceChunks'
// caller believing content was written when it was not.
func (q *QdrantStore) ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	if err := q.Postgres.ReplaceChunks(ctx, documentID, chunks); err != nil {
		return err
	}

	for _, coll := range [...]string{q.remoteCollection, q.localCollection} {
		if _, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: coll,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: documentFilter(documentID)},
			},
		}); err != nil {
			return fmt.Errorf("clear qdrant points in %s for %s: %w", coll, documentID, err)
		}
	}

	byCollection := make(map[string][]*qdrant.PointStruct)
	for _, c := range chunks {
		coll := q.collectionFor(len(c.Embedding))
		vec := make([]float32, len(c.Embedding))
		copy(vec, c.Embedding)
		payload := qdrant.NewValueMap(map[string]any{
			"document_id": c.DocumentID,
			"index":       int64(c.Index),
		})
		byCollection[coll] = append(byCollection[coll], &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointIDFor(c.DocumentID, c.Index)),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: payload,
		})
	}
	for coll, points := range byCollection {
		if len(points) == 0 {
			continue
		}
		if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: coll, Points: points}); err != nil {
			return fmt.Errorf("upsert qdrant points into %s: %w", coll, err)
		}
	}
	return nil
}

// MatchChunks searches Qdrant for the nearest vectors in the collection
// matching params.Embedding's dimensionality, then hydrates each hit's
// content from Postgres and — in hybrid mode — adds the same ts_rank text
// match boost the plain Postgres store computes in SQL, combining both
// into Score before sorting, so Invariant R-1 (score-first ordering) holds
// regardless of which backend ranked the vector half.
func (q *QdrantStore) MatchChunks(ctx context.Context, documentID string, params RetrieveParams) ([]ScoredChunk, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 40
	}
	coll := q.collectionFor(len(params.Embedding))
	vec := make([]float32, len(params.Embedding))
	copy(vec, params.Embedding)
	lim := uint64(limit)

	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: coll,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &lim,
		Filter:         documentFilter(documentID),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	out := make([]ScoredChunk, 0, len(hits))
	for _, hit := range hits {
		indexVal, ok := hit.Payload["index"]
		if !ok {
			continue
		}
		index := int(indexVal.GetIntegerValue())
		content, pageNumber, metadata, err := q.Postgres.chunkContent(ctx, documentID, index)
		if err != nil {
			continue
		}
		sc := ScoredChunk{
			Chunk: Chunk{
				DocumentID: documentID,
				Index:      index,
				Content:    content,
				PageNumber: pageNumber,
				Metadata:   metadata,
			},
			Similarity:    float64(hit.Score),
			HasSimilarity: true,
		}
		if params.Mode == ModeHybrid && params.Query != "" {
			if boost, err := q.Postgres.textMatchBoost(ctx, documentID, index, params.Query); err == nil {
				sc.TextMatchBoost = boost
			}
		}
		sc.Score = sc.Similarity + sc.TextMatchBoost
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *QdrantStore) MatchChunksMulti(ctx context.Context, documentIDs []string, params RetrieveParams) (map[string][]ScoredChunk, error) {
	out := make(map[string][]ScoredChunk, len(documentIDs))
	for _, id := range documentIDs {
		chunks, err := q.MatchChunks(ctx, id, params)
		if err != nil {
			return nil, fmt.Errorf("match chunks for %s: %w", id, err)
		}
		out[id] = chunks
	}
	return out, nil
}

func (q *QdrantStore) Close() {
	q.client.Close()
	q.Postgres.Close()
}
