// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the pipeline sends correct
// CompletionRequests and to feed controlled token streams without a live
// model backend. All fields are safe to set before calling any method;
// mutating them during a concurrent call is the caller's responsibility.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/loqui-ai/loqui/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is the sequence of Chunk values emitted on the channel
	// returned by StreamCompletion. All chunks are sent before the channel is
	// closed.
	StreamChunks []llm.Chunk

	// StreamDelay, when non-zero, is the pause inserted before each chunk is
	// emitted. Useful for exercising overlap and cancellation timing.
	StreamDelay time.Duration

	// StreamErr, if non-nil, is returned as the error from StreamCompletion
	// instead of starting a channel.
	StreamErr error

	// CompleteResponse is returned by Complete. May be nil (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall
}

// StreamCompletion records the call and returns a channel that emits
// StreamChunks. If StreamErr is set, it returns nil, StreamErr without
// opening a channel.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	delay := p.StreamDelay
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete records nothing and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CompleteResponse, p.CompleteErr
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
