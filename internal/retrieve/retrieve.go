// Package retrieve implements hybrid retrieval over one or many documents,
// interleaving per-document results round-robin rather than pooling and
// re-sorting them, so no single document can crowd out the others in a
// multi-document question.
package retrieve

import (
	"context"
	"fmt"
	"sort"

	"github.com/drjjw/docutrain-sub002/internal/catalog"
)

const (
	// DefaultPerDocLimit bounds how many chunks are pulled per document
	// before interleaving.
	DefaultPerDocLimit = 40
	// HardAggregateCap bounds the total chunks returned across every
	// document in a multi-document query, regardless of how many
	// documents are in scope.
	HardAggregateCap = 200
)

// Options tunes a retrieval call. Zero values take the package defaults.
type Options struct {
	PerDocLimit     int
	HardAggregateCap int
	Mode            catalog.RetrieveMode
}

func (o Options) withDefaults() Options {
	if o.PerDocLimit <= 0 {
		o.PerDocLimit = DefaultPerDocLimit
	}
	if o.HardAggregateCap <= 0 {
		o.HardAggregateCap = HardAggregateCap
	}
	if o.Mode == "" {
		o.Mode = catalog.ModeHybrid
	}
	return o
}

// Result is the outcome of a retrieval call: the ordered chunks to feed
// into prompt assembly, plus a provenance/similarity summary for logging
// and for clients that want to show their work.
type Result struct {
	Chunks    []catalog.ScoredChunk
	Provenance []Provenance
}

// Provenance records, per document, how many chunks were contributed and
// the best score seen, so a caller can report "drew from 3 of 5 documents"
// without re-deriving it from the chunk list.
type Provenance struct {
	DocumentID string
	Contributed int
	BestScore   float64
	HasSimilarity bool
}

// Single retrieves from exactly one document.
func Single(ctx context.Context, store catalog.Store, documentID string, params catalog.RetrieveParams, opts Options) (Result, error) {
	opts = opts.withDefaults()
	params.Mode = opts.Mode
	if params.Limit <= 0 {
		params.Limit = opts.PerDocLimit
	}

	chunks, err := store.MatchChunks(ctx, documentID, params)
	if err != nil {
		return Result{}, fmt.Errorf("retrieve single: %w", err)
	}
	if len(chunks) > opts.HardAggregateCap {
		chunks = chunks[:opts.HardAggregateCap]
	}
	return Result{
		Chunks:     chunks,
		Provenance: []Provenance{provenanceFor(documentID, chunks)},
	}, nil
}

// Multi retrieves from each document in documentIDs independently (each
// document's own result is still ordered by score descending per
// Invariant R-1), then interleaves round-robin: one chunk from document 1,
// one from document 2, ... wrapping back to document 1, until every
// per-document result set is exhausted or HardAggregateCap is hit.
//
// Round-robin interleaving, not a single global re-sort by score, is
// deliberate: it guarantees a document with unusually well-matching text
// cannot crowd every other document out of the prompt entirely.
func Multi(ctx context.Context, store catalog.Store, documentIDs []string, params catalog.RetrieveParams, opts Options) (Result, error) {
	opts = opts.withDefaults()
	params.Mode = opts.Mode
	if params.Limit <= 0 {
		params.Limit = opts.PerDocLimit
	}

	perDoc, err := store.MatchChunksMulti(ctx, documentIDs, params)
	if err != nil {
		return Result{}, fmt.Errorf("retrieve multi: %w", err)
	}

	provenance := make([]Provenance, 0, len(documentIDs))
	queues := make([][]catalog.ScoredChunk, 0, len(documentIDs))
	for _, id := range documentIDs {
		chunks := perDoc[id]
		queues = append(queues, chunks)
		provenance = append(provenance, provenanceFor(id, chunks))
	}

	interleaved := interleave(queues, opts.HardAggregateCap)
	return Result{Chunks: interleaved, Provenance: provenance}, nil
}

// interleave round-robins one chunk per document per round. Within a round,
// ties break by raw similarity: the round's picks are gathered first, then
// sorted by similarity descending before being appended, so two documents
// contributing in the same round never fall back to request order.
func interleave(queues [][]catalog.ScoredChunk, cap int) []catalog.ScoredChunk {
	out := make([]catalog.ScoredChunk, 0, cap)
	cursor := make([]int, len(queues))
	round := make([]catalog.ScoredChunk, 0, len(queues))
	for {
		round = round[:0]
		for qi := range queues {
			if cursor[qi] >= len(queues[qi]) {
				continue
			}
			round = append(round, queues[qi][cursor[qi]])
			cursor[qi]++
		}
		if len(round) == 0 {
			return out
		}
		sort.SliceStable(round, func(i, j int) bool {
			return round[i].Similarity > round[j].Similarity
		})
		for _, c := range round {
			if len(out) >= cap {
				return out
			}
			out = append(out, c)
		}
		if len(out) >= cap {
			return out
		}
	}
}

func provenanceFor(documentID string, chunks []catalog.ScoredChunk) Provenance {
	p := Provenance{DocumentID: documentID, Contributed: len(chunks)}
	for _, c := range chunks {
		if c.Score > p.BestScore {
			p.BestScore = c.Score
		}
		if c.HasSimilarity {
			p.HasSimilarity = true
		}
	}
	return p
}
