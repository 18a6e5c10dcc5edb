package generation

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/drjjw/docutrain-sub002/internal/apierr"
)

// OpenAI streams chat completions from GPT-family models.
type OpenAI struct {
	client     openai.Client
	maxRetries int
}

func NewOpenAI(apiKey string) *OpenAI {
	return &OpenAI{client: openai.NewClient(option.WithAPIKey(apiKey)), maxRetries: 3}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Stream(ctx context.Context, msgs []Message, model string, h StreamHandler) error {
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: toOpenAIMessages(msgs),
	}

	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		stream := o.client.Chat.Completions.NewStreaming(ctx, params)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 {
				if delta := chunk.Choices[0].Delta.Content; delta != "" {
					h.OnDelta(delta)
				}
			}
		}
		if err := stream.Err(); err != nil {
			lastErr = err
			if !isOpenAIRetryable(err) {
				return apierr.Wrap(apierr.ProviderRejected, "openai rejected the request", err)
			}
			continue
		}
		return nil
	}
	return apierr.Wrap(apierr.ServiceUnavailable, "openai exhausted retries", lastErr)
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func isOpenAIRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return false
}
