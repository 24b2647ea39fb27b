// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram, or a
// local Whisper-compatible server) and exposes a uniform streaming interface.
// The central abstraction is SessionHandle: once opened, a session accepts raw
// PCM audio frames and emits a single ordered stream of Transcript values,
// low-latency partials interleaved with authoritative finals. A Transcript with
// EndOfUtterance set marks the provider's judgement that the speaker has
// finished a complete thought; the turn detector treats it as the authoritative
// end-of-turn signal.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/loqui-ai/loqui/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 24000, 48000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most STT
	// providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "de-DE"). An empty string lets the provider auto-detect the language, if
	// supported.
	Language string

	// InterimResults enables low-latency partial transcripts. When false, only
	// final results are emitted on the session's Results channel.
	InterimResults bool
}

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk should match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Close returns
	// an error.
	SendAudio(chunk []byte) error

	// Results returns a read-only channel emitting Transcript values in the
	// order the provider produces them. Partials (IsFinal false) may be
	// superseded by later values; finals are authoritative and suitable for
	// the conversation history. A Transcript with EndOfUtterance set signals
	// that the speaker has completed a full thought.
	// The channel is closed when the session ends.
	Results() <-chan types.Transcript

	// Close terminates the session, flushes any pending audio so that trailing
	// speech still produces a final Transcript, and releases all associated
	// resources. After Close returns the Results channel will be closed.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle is
	// ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
