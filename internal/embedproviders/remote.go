package embedproviders

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog/log"
)

const remoteDim = 1536

// Remote is an HTTP-backed embedding provider using OpenAI's
// text-embedding-3-small model. It retries on 429/5xx with exponential
// backoff, honoring a Retry-After header when the API sends one.
type Remote struct {
	client     openai.Client
	model      openai.EmbeddingModel
	maxRetries int
	timeout    time.Duration
}

// NewRemote builds a Remote provider from an API key.
func NewRemote(apiKey string) *Remote {
	return &Remote{
		client:     openai.NewClient(option.WithAPIKey(apiKey)),
		model:      openai.EmbeddingModelTextEmbedding3Small,
		maxRetries: 2, // 3 attempts total
		timeout:    30 * time.Second,
	}
}

func (r *Remote) Dim() int { return remoteDim }

func (r *Remote) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffDelay(attempt)
			if ra, ok := retryAfterFromErr(lastErr); ok {
				wait = ra
			}
			log.Debug().Int("attempt", attempt).Dur("wait", wait).Msg("embedding_retry")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, err := r.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
			Model: r.model,
		})
		if err == nil {
			if len(resp.Data) == 0 {
				return nil, errors.New("embedding response had no data")
			}
			return toFloat32(resp.Data[0].Embedding), nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, fmt.Errorf("embed: %w", err)
		}
	}
	return nil, fmt.Errorf("embed: exhausted retries: %w", lastErr)
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func isRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return false
}

func retryAfterFromErr(err error) (time.Duration, bool) {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) || apiErr.Response == nil {
		return 0, false
	}
	h := apiErr.Response.Header.Get("Retry-After")
	if h == "" {
		return 0, false
	}
	if secs, perr := strconv.Atoi(h); perr == nil {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}

// backoffDelay implements the exponential backoff in §4.2: base 1s,
// doubling per attempt, capped at 10s.
func backoffDelay(attempt int) time.Duration {
	const (
		base    = time.Second
		maxWait = 10 * time.Second
	)
	delay := base << uint(attempt-1)
	if delay > maxWait {
		delay = maxWait
	}
	jitter := time.Duration(rand.Int63n(int64(delay / 2)))
	return delay + jitter
}
