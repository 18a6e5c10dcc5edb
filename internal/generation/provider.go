// Package generation assembles grounded prompts from retrieved chunks and
// drives one of three pluggable chat-completion backends, streaming deltas
// to a StreamHandler with cancellation propagated through ctx.
package generation

import "context"

// Message is one turn in a chat completion request.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// StreamHandler receives incremental output as a streamed generation
// progresses.
type StreamHandler interface {
	OnDelta(content string)
}

// Provider is a chat-completion backend. Non-streaming backends still
// satisfy this by emitting their entire response as a single OnDelta call
// followed by returning.
type Provider interface {
	// Name identifies the backend for logging and for the "provider:model"
	// routing prefix used by model override resolution.
	Name() string
	Stream(ctx context.Context, msgs []Message, model string, h StreamHandler) error
}
