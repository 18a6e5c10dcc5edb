package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drjjw/docutrain-sub002/internal/apierr"
	"github.com/drjjw/docutrain-sub002/internal/catalog"
	"github.com/drjjw/docutrain-sub002/internal/generation"
)

const (
	synthesisSeedChunkCount = 30
	synthesisCharBudget     = 12000
	synthesisTimeout        = 30 * time.Second
	synthesisMaxRetries     = 2
)

type accumulator struct {
	sb strings.Builder
}

func (a *accumulator) OnDelta(s string) { a.sb.WriteString(s) }

// seedText joins the first synthesisSeedChunkCount chunks and truncates to
// a character budget, giving the summarizer enough of the document without
// risking an oversized prompt.
func seedText(chunks []catalog.Chunk) string {
	n := synthesisSeedChunkCount
	if n > len(chunks) {
		n = len(chunks)
	}
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteString(chunks[i].Content)
		sb.WriteString("\n\n")
	}
	s := sb.String()
	if len(s) > synthesisCharBudget {
		s = s[:synthesisCharBudget]
	}
	return s
}

// synthesizeAbstract produces a short document abstract with one bounded,
// retried generation call.
func synthesizeAbstract(ctx context.Context, router *generation.Router, model, seed string) (string, error) {
	provider, bareModel, err := router.Resolve(model)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "no generation backend for summarization model", err)
	}
	msgs := []generation.Message{
		{Role: "system", Content: "Write a concise two-to-three sentence abstract of the following document."},
		{Role: "user", Content: seed},
	}
	return callWithRetry(ctx, provider, bareModel, msgs)
}

// synthesizeKeywords produces a JSON array of keyword strings, repairing
// and re-parsing once if the first response is malformed. Per the JSON
// repair policy, a response that still won't parse after that single
// repair attempt is logged and skipped rather than treated as a fatal
// ingestion error: the keyword step is best-effort and the document must
// still reach ready with an empty keyword set.
func synthesizeKeywords(ctx context.Context, router *generation.Router, model, seed string) ([]string, error) {
	provider, bareModel, err := router.Resolve(model)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "no generation backend for summarization model", err)
	}
	msgs := []generation.Message{
		{Role: "system", Content: "Respond with a JSON array of 10-20 keyword strings describing the document. Respond with JSON only, no prose."},
		{Role: "user", Content: seed},
	}
	raw, err := callWithRetry(ctx, provider, bareModel, msgs)
	if err != nil {
		return nil, err
	}

	var keywords []string
	if err := json.Unmarshal([]byte(raw), &keywords); err == nil {
		return keywords, nil
	}
	repaired := repairJSON(raw)
	if err := json.Unmarshal([]byte(repaired), &keywords); err != nil {
		log.Warn().Err(err).Msg("ingest_keyword_json_unparseable_after_repair")
		return nil, nil
	}
	return keywords, nil
}

func callWithRetry(ctx context.Context, provider generation.Provider, model string, msgs []generation.Message) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= synthesisMaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, synthesisTimeout)
		acc := &accumulator{}
		err := provider.Stream(callCtx, msgs, model, acc)
		cancel()
		if err == nil {
			return acc.sb.String(), nil
		}
		lastErr = err
		if apierr.Is(err, apierr.ProviderRejected) {
			break
		}
	}
	return "", lastErr
}
