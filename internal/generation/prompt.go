package generation

import (
	"fmt"
	"strings"

	"github.com/drjjw/docutrain-sub002/internal/catalog"
)

// systemPrompt is the grounding-discipline instruction every chat
// completion is anchored to: answer from the provided context only, and
// say so plainly when the context doesn't cover the question.
const systemPrompt = `Answer only from the provided passages. Cite page numbers inline using
bracketed numeric markers, e.g. [1]. If the passages do not answer the
question, say so.`

// AssemblePrompt builds the message list for a chat completion: a fixed
// system message, the retrieved chunks rendered as delimited context
// blocks (document slug, page, content) in rank order, and the caller's
// question as the final user turn.
func AssemblePrompt(question string, chunks []catalog.ScoredChunk, history []Message) []Message {
	var ctx strings.Builder
	ctx.WriteString("Context:\n")
	for i, c := range chunks {
		slug := c.DocumentSlug
		if slug == "" {
			slug = c.DocumentID
		}
		if c.PageNumber > 0 {
			fmt.Fprintf(&ctx, "[%d] (doc %s, page %d) %s\n\n", i+1, slug, c.PageNumber, c.Content)
		} else {
			fmt.Fprintf(&ctx, "[%d] (doc %s) %s\n\n", i+1, slug, c.Content)
		}
	}

	msgs := make([]Message, 0, len(history)+3)
	msgs = append(msgs, Message{Role: "system", Content: systemPrompt})
	msgs = append(msgs, history...)
	msgs = append(msgs, Message{Role: "user", Content: ctx.String() + "\nQuestion: " + question})
	return msgs
}

// Router dispatches a generation call to the right backend based on a
// "provider:model" routing string, falling back to a configured default
// backend when no prefix is present.
type Router struct {
	providers      map[string]Provider
	defaultBackend string
}

// NewRouter builds a Router over the given backends, keyed by Provider.Name().
func NewRouter(defaultBackend string, providers ...Provider) *Router {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Router{providers: m, defaultBackend: defaultBackend}
}

// Resolve returns the Provider and bare model string for a routing string.
func (r *Router) Resolve(routed string) (Provider, string, error) {
	backend, model := SplitModel(routed)
	if backend == "" {
		backend = r.defaultBackend
	}
	p, ok := r.providers[backend]
	if !ok {
		return nil, "", fmt.Errorf("no generation backend registered for %q", backend)
	}
	return p, model, nil
}
