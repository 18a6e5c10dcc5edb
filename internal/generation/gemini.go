package generation

import (
	"context"
	"errors"
	"time"

	"google.golang.org/genai"

	"github.com/drjjw/docutrain-sub002/internal/apierr"
)

// Gemini streams chat completions from Google's Gemini family models.
type Gemini struct {
	client     *genai.Client
	maxRetries int
}

func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	return &Gemini{client: client, maxRetries: 3}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Stream(ctx context.Context, msgs []Message, model string, h StreamHandler) error {
	contents, sys := toGeminiContents(msgs)
	cfg := &genai.GenerateContentConfig{}
	if sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		stream := g.client.Models.GenerateContentStream(ctx, model, contents, cfg)
		var streamErr error
		for chunk, err := range stream {
			if err != nil {
				streamErr = err
				break
			}
			h.OnDelta(chunk.Text())
		}
		if streamErr == nil {
			return nil
		}
		lastErr = streamErr
		if !isGeminiRetryable(streamErr) {
			return apierr.Wrap(apierr.ProviderRejected, "gemini rejected the request", streamErr)
		}
	}
	return apierr.Wrap(apierr.ServiceUnavailable, "gemini exhausted retries", lastErr)
}

func toGeminiContents(msgs []Message) ([]*genai.Content, string) {
	var sys string
	var out []*genai.Content
	for _, m := range msgs {
		switch m.Role {
		case "system":
			sys = m.Content
		case "assistant":
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return out, sys
}

func isGeminiRetryable(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	return false
}
