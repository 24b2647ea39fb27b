// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, or a local
// synthesis server) and presents a uniform streaming interface. The primary
// entry point is SynthesizeStream, which accepts a channel of text fragments
// and returns a channel of SynthesisChunk values as audio becomes available,
// enabling low-latency pipelining between the LLM output and playback.
//
// Cancelling the supplied context aborts the in-flight synthesis request and
// discards any audio the provider has buffered but not yet delivered; a new
// SynthesizeStream call starts from a clean slate. Implementations must be safe
// for concurrent use.
package tts

import (
	"context"

	"github.com/loqui-ai/loqui/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (e.g., conversation playback and a read-aloud render).
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits SynthesisChunk values as audio is
	// synthesised. This design allows the caller to pipe LLM streaming output
	// directly into synthesis without waiting for the full text to be
	// available.
	//
	// Chunks carry a monotonically increasing Seq starting at 0, with First
	// set on the initial chunk and Last on the terminal one. The first chunk's
	// FirstByteLatency records the time from stream start to first audio.
	//
	// The returned channel is closed by the implementation when all text has
	// been synthesised or when ctx is cancelled. The caller must drain the
	// channel to avoid blocking the provider's internal goroutines.
	//
	// voice specifies the voice profile to use for synthesis. Providers should
	// return an error if the requested voice is not available. A voice with
	// Reduced set requests a cheaper synthesis tier when the provider offers
	// one; providers without a reduced tier ignore the flag.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the channel early;
	// callers should check ctx.Err() to distinguish cancellation from provider
	// errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan types.SynthesisChunk, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls if the underlying service adds or removes voices.
	//
	// Returns an error if the provider cannot be reached or if ctx is
	// cancelled before the list is retrieved.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
