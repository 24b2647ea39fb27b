// Package llm defines the Provider interface for response-generation backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o, an
// Ollama instance) and exposes a uniform streaming interface for the pipeline
// coordinator to generate spoken responses without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/loqui-ai/loqui/pkg/types"
)

// CompletionRequest carries everything the model needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history. Providers that do not natively support a
	// dedicated system prompt should prepend it as a "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0]. A value
	// of 0.0 typically requests greedy (argmax) decoding.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int
}

// Chunk is a single token or fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty if the
	// chunk carries only a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped. Common values are "stop" (natural end), "length" (MaxTokens
	// reached), "error" (mid-stream failure; Text holds the error message),
	// and "" (non-final chunk).
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string
}

// Provider is the abstraction over any generation backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each method should propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible. A cancelled stream must also terminate the server-side request,
// not merely stop delivering chunks.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a Chunk with
	// FinishReason "error"; the initial error return is non-nil only for
	// failures that prevent the stream from starting.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response. It is a
	// convenience wrapper around StreamCompletion for callers that do not need
	// incremental output.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
