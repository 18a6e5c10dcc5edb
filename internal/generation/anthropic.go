package generation

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/drjjw/docutrain-sub002/internal/apierr"
)

// Anthropic streams completions from Claude models. 4xx responses are
// never retried (they mean the request itself is rejected); 429/5xx get a
// short bounded backoff.
type Anthropic struct {
	client     anthropic.Client
	maxRetries int
}

func NewAnthropic(apiKey string) *Anthropic {
	return &Anthropic{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		maxRetries: 3,
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Stream(ctx context.Context, msgs []Message, model string, h StreamHandler) error {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		Messages:  toAnthropicMessages(msgs),
	}
	if sys := systemOf(msgs); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		stream := a.client.Messages.NewStreaming(ctx, params)
		var streamErr error
		for stream.Next() {
			event := stream.Current()
			if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if text := delta.Delta.Text; text != "" {
					h.OnDelta(text)
				}
			}
		}
		streamErr = stream.Err()
		if streamErr == nil {
			return nil
		}
		lastErr = streamErr
		if !isAnthropicRetryable(streamErr) {
			return apierr.Wrap(apierr.ProviderRejected, "anthropic rejected the request", streamErr)
		}
	}
	return apierr.Wrap(apierr.ServiceUnavailable, "anthropic exhausted retries", lastErr)
}

func systemOf(msgs []Message) string {
	for _, m := range msgs {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

func toAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "user":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

func isAnthropicRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 300 * time.Millisecond
	return base + time.Duration(rand.Int63n(int64(base/2)+1))
}
