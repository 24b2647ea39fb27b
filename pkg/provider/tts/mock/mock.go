// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify that
// the correct VoiceProfile and text fragments are passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizePCM:    [][]byte{[]byte("audio1"), []byte("audio2")},
//	    ListVoicesResult: []types.VoiceProfile{{ID: "v1", Name: "Alice"}},
//	}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/loqui-ai/loqui/pkg/provider/tts"
	"github.com/loqui-ai/loqui/pkg/types"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice types.VoiceProfile
	// Text accumulates every fragment received on the text channel, in order.
	// It is populated asynchronously; synchronise on the returned chunk
	// channel closing before reading it.
	Text []string
}

// Input returns the concatenated text fragments delivered to this call.
func (c *SynthesizeStreamCall) Input() string {
	return strings.Join(c.Text, "")
}

// ListVoicesCall records a single invocation of ListVoices.
type ListVoicesCall struct {
	// Ctx is the context passed to ListVoices.
	Ctx context.Context
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizePCM is the sequence of PCM payloads emitted on the channel
	// returned by SynthesizeStream. Each payload becomes one SynthesisChunk
	// with Seq, First, and Last assigned automatically.
	SynthesizePCM [][]byte

	// SampleRate is stamped on every emitted chunk. Defaults to 24000 when zero.
	SampleRate int

	// ChunkDelay, when non-zero, is the pause inserted before each chunk is
	// emitted. Useful for exercising playback pacing and barge-in timing.
	ChunkDelay time.Duration

	// SynthesizeErr, if non-nil, is returned as the error from SynthesizeStream
	// instead of starting a channel.
	SynthesizeErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []*SynthesizeStreamCall

	// ListVoicesCalls records every call to ListVoices in order.
	ListVoicesCalls []ListVoicesCall
}

// SynthesizeStream records the call and, if SynthesizeErr is nil, returns a
// channel that drains the text channel, then emits SynthesizePCM as ordered
// chunks and closes.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan types.SynthesisChunk, error) {
	p.mu.Lock()
	call := &SynthesizeStreamCall{Ctx: ctx, Voice: voice}
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, call)
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	payloads := make([][]byte, len(p.SynthesizePCM))
	copy(payloads, p.SynthesizePCM)
	rate := p.SampleRate
	if rate == 0 {
		rate = 24000
	}
	delay := p.ChunkDelay
	p.mu.Unlock()

	started := time.Now()
	ch := make(chan types.SynthesisChunk, len(payloads))
	go func() {
		defer close(ch)
		// Drain the incoming text channel first so the caller's writer
		// goroutine never blocks, recording fragments as they arrive.
		for frag := range text {
			p.mu.Lock()
			call.Text = append(call.Text, frag)
			p.mu.Unlock()
		}
		for i, pcm := range payloads {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			chunk := types.SynthesisChunk{
				PCM:        pcm,
				SampleRate: rate,
				Seq:        i,
				First:      i == 0,
				Last:       i == len(payloads)-1,
			}
			if chunk.First {
				chunk.FirstByteLatency = time.Since(started)
			}
			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
		}
	}()
	return ch, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls = append(p.ListVoicesCalls, ListVoicesCall{Ctx: ctx})
	return p.ListVoicesResult, p.ListVoicesErr
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.ListVoicesCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
