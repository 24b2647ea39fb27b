// Package types defines the shared types used across all Loqui packages.
//
// These types form the lingua franca between providers, the pipeline
// coordinator, and the session orchestrator. Each package defines its own
// domain types; cross-cutting data structures live here to avoid circular
// imports.
package types

import "time"

// Message represents a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// EndOfUtterance is set when the provider has decided the speaker is done.
	// A transcript may be final without ending the utterance (a committed
	// mid-utterance segment); EndOfUtterance implies IsFinal.
	EndOfUtterance bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Latency is the provider-reported delay between the end of the audio and
	// this result, when available.
	Latency time.Duration
}

// SynthesisChunk is one unit of synthesized audio produced by a TTS stream.
// Chunks are consumed exactly once by playback, in Seq order per utterance.
type SynthesisChunk struct {
	// PCM is raw little-endian 16-bit PCM audio data.
	PCM []byte

	// SampleRate in Hz of the PCM data (e.g., 16000, 24000).
	SampleRate int

	// Seq is the chunk's position within the utterance, starting at 0.
	Seq int

	// First marks the first chunk of the enclosing utterance.
	First bool

	// Last marks the final chunk of the enclosing utterance.
	Last bool

	// FirstByteLatency is the time from synthesis request to the first audio
	// byte, recorded only on the First chunk. Zero when not measured.
	FirstByteLatency time.Duration
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Reduced requests a faster, lower-quality synthesis path. Set by the
	// orchestrator when the audio subsystem reports resource pressure.
	Reduced bool

	// Metadata holds provider-specific voice attributes (gender, age, accent).
	Metadata map[string]string
}
