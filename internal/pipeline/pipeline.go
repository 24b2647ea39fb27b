// Package pipeline chains the three independently paced streaming providers
// of a conversation turn: generation, synthesis, and playback delivery.
//
// The coordinator overlaps the stages for minimal time-to-first-audio. Tokens
// from the generation stream accumulate into sentence units, and each unit is
// forwarded to the synthesis provider as soon as its boundary is seen rather
// than after the full response. Synthesised chunks are delivered on the
// handle's channel in arrival order; within one response, sentence units are
// synthesised and played in generation order.
//
// Cancellation is cooperative and total. Cancelling the handle cancels the
// open generation and synthesis streams via their shared context, stops
// chunk delivery immediately, and never leaves a sentence unit half-sent.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/loqui-ai/loqui/internal/observe"
	"github.com/loqui-ai/loqui/pkg/audio"
	"github.com/loqui-ai/loqui/pkg/provider/llm"
	"github.com/loqui-ai/loqui/pkg/provider/tts"
	"github.com/loqui-ai/loqui/pkg/types"
)

const (
	// defaultTextBuf is the buffer depth of the sentence channel feeding TTS.
	// Sized to absorb several sentences without blocking the generation
	// forwarder.
	defaultTextBuf = 16

	// defaultChunkBuf is the buffer depth of the handle's outgoing audio
	// channel.
	defaultChunkBuf = 32
)

// Coordinator builds and runs streaming turn pipelines. It is stateless
// across runs and safe for concurrent use; each [Coordinator.Run] spawns an
// independent pipeline with its own handle.
type Coordinator struct {
	llmP         llm.Provider
	ttsP         tts.Provider
	systemPrompt string
	textBuf      int
	chunkBuf     int
	metrics      *observe.Metrics
}

// Option is a functional option for configuring a Coordinator.
type Option func(*Coordinator)

// WithSystemPrompt sets the system prompt prepended to every generation
// request.
func WithSystemPrompt(s string) Option {
	return func(c *Coordinator) { c.systemPrompt = s }
}

// WithTextBuffer sets the buffer depth of the sentence channel feeding the
// synthesis provider. Default is 16.
func WithTextBuffer(n int) Option {
	return func(c *Coordinator) { c.textBuf = n }
}

// WithMetrics enables recording of time-to-first-token and
// time-to-first-audio histograms on the given instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New constructs a Coordinator backed by the given generation and synthesis
// providers.
func New(llmP llm.Provider, ttsP tts.Provider, opts ...Option) *Coordinator {
	c := &Coordinator{
		llmP:     llmP,
		ttsP:     ttsP,
		textBuf:  defaultTextBuf,
		chunkBuf: defaultChunkBuf,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Handle is the cancellable control surface of one running pipeline.
//
// Chunks delivers the synthesised audio in order; the channel closes when the
// pipeline finishes, fails, or is cancelled. After Done is closed, Err
// reports the terminal error, Text the accumulated response.
type Handle struct {
	cancel     context.CancelFunc
	out        chan types.SynthesisChunk
	done       chan struct{}
	firstTokCh chan struct{}

	mu         sync.Mutex
	text       strings.Builder
	err        error
	sentences  int
	firstToken time.Duration
	firstAudio time.Duration
}

// Chunks returns the ordered synthesised audio stream for this run.
func (h *Handle) Chunks() <-chan types.SynthesisChunk {
	return h.out
}

// Cancel stops the pipeline: the generation and synthesis streams are
// cancelled and no further chunks are delivered. Cancel is idempotent and
// safe to call from any goroutine. Cancellation is not reported as an error.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the pipeline has fully stopped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the terminal pipeline error, or nil on success or cancellation.
// Only meaningful after Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Text returns the response text generated so far. It is the complete
// response once Done is closed, or a prefix if the run was cancelled.
func (h *Handle) Text() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.text.String()
}

// FirstToken is closed when the first generation token arrives. It stays open
// forever if the stream ends or fails before producing any text; select on
// [Handle.Done] as well.
func (h *Handle) FirstToken() <-chan struct{} {
	return h.firstTokCh
}

// TimeToFirstToken reports the delay from Run to the first generation token,
// or zero if no token arrived.
func (h *Handle) TimeToFirstToken() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.firstToken
}

// TimeToFirstAudio reports the delay from Run to the first synthesised chunk,
// or zero if no audio arrived.
func (h *Handle) TimeToFirstAudio() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.firstAudio
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

func (h *Handle) noteSentence() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sentences++
}

func (h *Handle) sentenceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sentences
}

// Run starts a pipeline for a finalised user utterance. The generation
// request is seeded with history plus the utterance as the last user message.
// It returns once both provider streams are open; audio flows on the handle
// afterwards.
func (c *Coordinator) Run(ctx context.Context, utterance string, history []types.Message, voice types.VoiceProfile) (*Handle, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.run")
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	msgs := make([]types.Message, len(history)+1)
	copy(msgs, history)
	msgs[len(history)] = types.Message{Role: "user", Content: utterance}

	llmCh, err := c.llmP.StreamCompletion(gctx, llm.CompletionRequest{
		SystemPrompt: c.systemPrompt,
		Messages:     msgs,
	})
	if err != nil {
		cancel()
		span.RecordError(err)
		span.End()
		return nil, fmt.Errorf("pipeline: generation stream failed: %w", err)
	}

	textCh := make(chan string, c.textBuf)
	audioCh, err := c.ttsP.SynthesizeStream(gctx, textCh, voice)
	if err != nil {
		cancel()
		go audio.Drain(llmCh)
		span.RecordError(err)
		span.End()
		return nil, fmt.Errorf("pipeline: synthesis stream failed: %w", err)
	}

	h := &Handle{
		cancel:     cancel,
		out:        make(chan types.SynthesisChunk, c.chunkBuf),
		done:       make(chan struct{}),
		firstTokCh: make(chan struct{}),
	}
	start := time.Now()

	// audioDone unblocks the sentence forwarder when the synthesis stream
	// terminates; without it a dead provider that stops draining textCh would
	// park the pipeline forever.
	audioDone := make(chan struct{})

	g.Go(func() error {
		defer close(textCh)
		return c.forwardSentences(gctx, llmCh, textCh, audioDone, h, start)
	})
	g.Go(func() error {
		defer close(audioDone)
		return c.forwardChunks(gctx, audioCh, h, start)
	})

	go func() {
		err := g.Wait()
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			h.setErr(err)
		} else if err == nil && h.sentenceCount() > 0 && h.TimeToFirstAudio() == 0 {
			// Sentences went in, nothing came out: the provider swallowed
			// the response.
			h.setErr(errors.New("pipeline: synthesis produced no audio for the response"))
		}
		if ferr := h.Err(); ferr != nil {
			span.RecordError(ferr)
			span.SetStatus(codes.Error, "pipeline failed")
		}
		span.End()
		close(h.out)
		close(h.done)
	}()

	return h, nil
}

// forwardSentences reads token chunks, accumulates them into complete
// sentences, and writes each sentence to textCh in generation order. Any text
// remaining when the stream ends cleanly is flushed as a final fragment; on
// cancellation the partial buffer is discarded so no half unit is delivered.
// A synthesis stream that terminates while text is still pending aborts the
// forwarder with an error.
func (c *Coordinator) forwardSentences(ctx context.Context, ch <-chan llm.Chunk, textCh chan<- string, audioDone <-chan struct{}, h *Handle, start time.Time) error {
	var buf strings.Builder
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return flushRemainder(ctx, &buf, textCh, audioDone, h)
			}
			if chunk.FinishReason == "error" {
				return fmt.Errorf("pipeline: generation failed: %s", chunk.Text)
			}

			if chunk.Text != "" {
				h.mu.Lock()
				if h.firstToken == 0 {
					h.firstToken = time.Since(start)
					close(h.firstTokCh)
					if c.metrics != nil {
						c.metrics.TimeToFirstToken.Record(ctx, h.firstToken.Seconds())
					}
				}
				h.text.WriteString(chunk.Text)
				h.mu.Unlock()
				buf.WriteString(chunk.Text)
			}

			// Flush complete sentences eagerly for lower synthesis latency.
			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+1]
				rest := buf.String()[idx+1:]
				buf.Reset()
				buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
				select {
				case textCh <- sentence:
					h.noteSentence()
				case <-audioDone:
					return synthTerminated(ctx)
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			if chunk.FinishReason != "" {
				return flushRemainder(ctx, &buf, textCh, audioDone, h)
			}
		}
	}
}

// forwardChunks relays synthesised audio from the provider stream to the
// handle in arrival order. Delivery stops the moment ctx is cancelled, even
// for chunks already in flight from the provider. Providers mark the end of a
// response with a Last-flagged chunk; a stream that closes mid-response
// without one is reported as an error.
func (c *Coordinator) forwardChunks(ctx context.Context, ch <-chan types.SynthesisChunk, h *Handle, start time.Time) error {
	sawChunk := false
	sawLast := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				if sawChunk && !sawLast {
					return errors.New("pipeline: synthesis stream ended mid-response")
				}
				return nil
			}
			sawChunk = true
			sawLast = chunk.Last
			h.mu.Lock()
			if h.firstAudio == 0 {
				h.firstAudio = time.Since(start)
				if c.metrics != nil {
					c.metrics.TimeToFirstAudio.Record(ctx, h.firstAudio.Seconds())
				}
			}
			h.mu.Unlock()
			select {
			case h.out <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// flushRemainder sends any trailing partial sentence left at clean stream end.
func flushRemainder(ctx context.Context, buf *strings.Builder, textCh chan<- string, audioDone <-chan struct{}, h *Handle) error {
	if buf.Len() == 0 {
		return nil
	}
	select {
	case textCh <- buf.String():
		h.noteSentence()
		return nil
	case <-audioDone:
		return synthTerminated(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// synthTerminated classifies a synthesis stream that went away while text was
// still pending: cancellation keeps its context error, anything else is a
// provider failure.
func synthTerminated(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("pipeline: synthesis stream terminated with response text pending")
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// character that is immediately followed by a whitespace character. Returns
// -1 if no such boundary exists in s.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
