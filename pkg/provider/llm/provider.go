// Package llm defines the Provider interface for text-generation backends.
//
// A provider wraps a remote or local model API (a local Ollama instance by
// default, or OpenAI and the any-llm-go family) and turns one fully composed
// persona prompt into one reply. Tavern keeps no per-provider chat state: the
// conversation context is rendered into the prompt by the caller, so providers
// are stateless and interchangeable.
//
// Implementors must be safe for concurrent use and must return promptly when
// ctx is cancelled.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyPrompt is returned by providers when asked to complete an empty
// prompt.
var ErrEmptyPrompt = errors.New("llm: prompt must not be empty")

// Usage holds token accounting information returned by the backend. Counts
// are in the model's native token unit; zero means the backend did not
// report them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce one reply.
type CompletionRequest struct {
	// Prompt is the fully composed input: persona instructions, rendered
	// context and the speaker's line. Must be non-empty.
	Prompt string

	// SystemPrompt is an optional instruction sent through the backend's
	// dedicated system channel, if it has one.
	SystemPrompt string

	// Temperature controls output randomness. Zero leaves the backend default.
	Temperature float64

	// MaxTokens caps the reply length. Zero leaves the backend default.
	MaxTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	// Content is the generated text exactly as returned by the backend. It
	// may be empty; callers decide how to present an empty reply.
	Content string

	// Model is the model that produced the reply, when reported.
	Model string

	Usage Usage
}

// Provider is the abstraction over any generation backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name identifies the backend and model for logs and metrics, e.g.
	// "ollama/openhermes".
	Name() string
}
