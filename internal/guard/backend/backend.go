// Package backend implements the three model integrations the triage
// classifier can call through a single narrow interface, adapted from the
// provider-abstraction style used elsewhere in this codebase for pluggable
// external services (one interface, one registry, one disabled stand-in for
// missing configuration).
package backend

import "context"

// Backend classifies inbound text by calling a language model and returning
// its raw text response. The classifier is responsible for parsing that
// response into an action/reason pair.
type Backend interface {
	// Name identifies the backend for logging ("local", "ollama", "openai").
	Name() string

	// Infer calls the model with a system prompt and a user message and
	// returns its raw text output.
	Infer(ctx context.Context, system, user string) (string, error)

	// IsAvailable reports whether the backend is currently usable. It must
	// be cheap to call since the classifier may call it on every message.
	IsAvailable() bool
}

// Usage reports token accounting for backends that can provide it. Backends
// that cannot track usage simply do not implement this interface.
type Usage interface {
	LastUsage() (promptTokens, completionTokens int)
}
