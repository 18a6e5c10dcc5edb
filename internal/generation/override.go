package generation

import (
	"strings"

	"github.com/drjjw/docutrain-sub002/internal/apierr"
)

// ResolveModel applies the override precedence document > owner > caller.
// A forced model from the document always wins over the owner's, and either
// wins over a caller-supplied model; the document's forced model is never
// in conflict with the owner's default — it simply takes precedence. The
// only model conflict this package rejects is between multiple requested
// documents (§4.6 rule 4), which the caller checks before calling this.
func ResolveModel(documentForced, ownerForced, callerRequested string) (string, error) {
	documentForced = strings.TrimSpace(documentForced)
	ownerForced = strings.TrimSpace(ownerForced)
	callerRequested = strings.TrimSpace(callerRequested)

	if documentForced != "" {
		return documentForced, nil
	}
	if ownerForced != "" {
		return ownerForced, nil
	}
	if callerRequested != "" {
		return callerRequested, nil
	}
	return "", apierr.New(apierr.ValidationFailed, "no model specified and no default available")
}

// SplitModel parses a "provider:model" routing string into its backend
// name and the model identifier to pass that backend, e.g.
// "anthropic:claude-sonnet-4" -> ("anthropic", "claude-sonnet-4"). A string
// with no prefix is returned as ("", model) so callers can fall back to a
// configured default backend.
func SplitModel(s string) (backend, model string) {
	if i := strings.Index(s, ":"); i > 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}
