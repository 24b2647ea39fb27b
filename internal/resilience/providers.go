package resilience

import (
	"context"

	"github.com/loqui-ai/loqui/pkg/provider/llm"
	"github.com/loqui-ai/loqui/pkg/provider/stt"
	"github.com/loqui-ai/loqui/pkg/provider/tts"
	"github.com/loqui-ai/loqui/pkg/types"
)

// LLM implements [llm.Provider] with per-backend circuit breakers and
// failover. Only the initial request or stream setup is covered; once a
// stream is established, mid-stream errors are the caller's responsibility.
type LLM struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLM)(nil)

// NewLLM wraps primary as the preferred generation backend.
func NewLLM(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLM {
	return &LLM{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional generation backend, tried after the
// primary.
func (f *LLM) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// StreamCompletion opens a token stream against the first healthy backend.
func (f *LLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Complete sends the request to the first healthy backend and waits for the
// full response.
func (f *LLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// STT implements [stt.Provider] with per-backend circuit breakers and
// failover on session setup.
type STT struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STT)(nil)

// NewSTT wraps primary as the preferred transcription backend.
func NewSTT(primary stt.Provider, primaryName string, cfg FallbackConfig) *STT {
	return &STT{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional transcription backend.
func (f *STT) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a transcription session against the first healthy
// backend. An established session is not subject to failover; a mid-session
// connection loss surfaces to the caller as usual.
func (f *STT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// TTS implements [tts.Provider] with per-backend circuit breakers and
// failover on stream setup.
type TTS struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTS)(nil)

// NewTTS wraps primary as the preferred synthesis backend.
func NewTTS(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTS {
	return &TTS{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional synthesis backend.
func (f *TTS) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SynthesizeStream opens a synthesis stream against the first healthy
// backend. A failed setup attempt does not consume from text.
func (f *TTS) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan types.SynthesisChunk, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan types.SynthesisChunk, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// ListVoices returns the voices of the first healthy backend.
func (f *TTS) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
