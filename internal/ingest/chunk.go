package ingest

import (
	"strings"

	"github.com/drjjw/docutrain-sub002/internal/catalog"
)

const (
	chunkWindowTokens  = 500
	chunkOverlapTokens = 100
)

// chunkText splits extracted text into ~500-token windows with 100-token
// overlap, using whitespace-delimited words as a token proxy. Each chunk's
// PageNumber is the page marker in effect at the chunk's starting offset,
// so a chunk always anchors to the page it begins on.
func chunkText(documentID, text string, markers []pageMarker) []catalog.Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	// wordOffsets[i] is the byte offset in text where words[i] starts, used
	// to look up the page marker in effect for a window's first word.
	wordOffsets := make([]int, len(words))
	cursor := 0
	for i, w := range words {
		idx := strings.Index(text[cursor:], w)
		cursor += idx
		wordOffsets[i] = cursor
		cursor += len(w)
	}

	stride := chunkWindowTokens - chunkOverlapTokens
	var chunks []catalog.Chunk
	for start := 0; start < len(words); start += stride {
		end := start + chunkWindowTokens
		if end > len(words) {
			end = len(words)
		}
		content := strings.Join(words[start:end], " ")
		chunks = append(chunks, catalog.Chunk{
			DocumentID: documentID,
			Index:      len(chunks),
			Content:    content,
			PageNumber: pageForOffset(markers, wordOffsets[start]),
		})
		if end == len(words) {
			break
		}
	}
	return chunks
}
