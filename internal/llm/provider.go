// Package llm abstracts the language-model backends used by the targeted
// repair and extraction stages.
package llm

import "context"

// Request is a single generation call.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
	// JSONMode asks the backend for a JSON-only response when supported.
	// Responses must still be treated as adversarial by callers.
	JSONMode bool
}

// Provider is implemented by every LLM backend.
type Provider interface {
	Generate(ctx context.Context, req Request) (string, error)
}
