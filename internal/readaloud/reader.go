// Package readaloud streams a long-form document through synthesis and
// playback, segment by segment.
//
// The reader splits the document into sentence segments and drives the
// lookahead scheduler so the next segments are always pre-rendered while the
// current one plays. Pause, resume, and seek operate on segment boundaries;
// buffered segments inside the lookahead window survive a seek and are not
// re-synthesised.
package readaloud

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loqui-ai/loqui/internal/lookahead"
	"github.com/loqui-ai/loqui/pkg/provider/tts"
	"github.com/loqui-ai/loqui/pkg/types"
)

// Player consumes rendered chunks for playback. Implemented by the audio
// subsystem.
type Player interface {
	Play(chunk types.SynthesisChunk) error
}

// Reader plays a document aloud through a TTS provider.
//
// A Reader runs one document at a time via [Reader.Read]; Pause, Resume, and
// Seek may be called concurrently from other goroutines.
type Reader struct {
	ttsP   tts.Provider
	player Player
	voice  types.VoiceProfile
	sched  *lookahead.Scheduler

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
	reading  bool
}

// Option is a functional option for configuring a Reader.
type Option func(*Reader, *[]lookahead.Option)

// WithLookahead sets the scheduler buffer depth.
func WithLookahead(depth int) Option {
	return func(_ *Reader, so *[]lookahead.Option) {
		*so = append(*so, lookahead.WithDepth(depth))
	}
}

// WithBufferTimeout bounds how long playback waits for a segment still
// rendering.
func WithBufferTimeout(d time.Duration) Option {
	return func(_ *Reader, so *[]lookahead.Option) {
		*so = append(*so, lookahead.WithTimeout(d))
	}
}

// WithSchedulerOptions appends raw scheduler options (metrics, etc.).
func WithSchedulerOptions(opts ...lookahead.Option) Option {
	return func(_ *Reader, so *[]lookahead.Option) {
		*so = append(*so, opts...)
	}
}

// New constructs a Reader that synthesises with ttsP in the given voice and
// delivers audio to player.
func New(ttsP tts.Provider, player Player, voice types.VoiceProfile, opts ...Option) *Reader {
	r := &Reader{
		ttsP:   ttsP,
		player: player,
		voice:  voice,
	}
	var schedOpts []lookahead.Option
	for _, o := range opts {
		o(r, &schedOpts)
	}
	r.sched = lookahead.New(r.renderSegment, schedOpts...)
	return r
}

// Read plays the whole document from the first segment and returns when the
// last segment has been delivered, the context is cancelled, or a segment
// fails to render or play. Only one Read may run at a time.
func (r *Reader) Read(ctx context.Context, doc string) error {
	segs := Segment(doc)
	if len(segs) == 0 {
		return fmt.Errorf("readaloud: document contains no readable segments")
	}

	r.mu.Lock()
	if r.reading {
		r.mu.Unlock()
		return fmt.Errorf("readaloud: a read is already in progress")
	}
	r.reading = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.reading = false
		r.mu.Unlock()
	}()

	if err := r.sched.Start(ctx, segs, 0); err != nil {
		return err
	}
	defer r.sched.Stop()

	for {
		if err := r.waitIfPaused(ctx); err != nil {
			return err
		}

		cursor := r.sched.Cursor()
		chunks, err := r.sched.Play(ctx)
		if err != nil {
			return err
		}
		// A concurrent seek moved the window while this segment was being
		// fetched; its chunks are stale, restart the loop at the new cursor.
		if r.sched.Cursor() != cursor {
			continue
		}

		for _, chunk := range chunks {
			if err := r.player.Play(chunk); err != nil {
				return fmt.Errorf("readaloud: play segment %d: %w", cursor, err)
			}
		}

		if !r.sched.Advance() {
			return nil
		}
	}
}

// Pause suspends delivery after the current segment finishes. Pre-rendering
// of the lookahead window continues in the background.
func (r *Reader) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		r.paused = true
		r.resumeCh = make(chan struct{})
	}
}

// Resume continues delivery after [Reader.Pause].
func (r *Reader) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		r.paused = false
		close(r.resumeCh)
	}
}

// Seek moves playback to the given segment index. Buffered segments within
// the new lookahead window are reused.
func (r *Reader) Seek(index int) error {
	return r.sched.Seek(index)
}

// Progress reports the index of the segment currently playing or about to
// play.
func (r *Reader) Progress() int {
	return r.sched.Cursor()
}

// waitIfPaused blocks while the reader is paused.
func (r *Reader) waitIfPaused(ctx context.Context) error {
	for {
		r.mu.Lock()
		if !r.paused {
			r.mu.Unlock()
			return nil
		}
		ch := r.resumeCh
		r.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// renderSegment synthesises one segment into its full chunk set.
func (r *Reader) renderSegment(ctx context.Context, index int, text string) ([]types.SynthesisChunk, error) {
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	audioCh, err := r.ttsP.SynthesizeStream(ctx, textCh, r.voice)
	if err != nil {
		return nil, fmt.Errorf("readaloud: synthesis of segment %d failed: %w", index, err)
	}

	var chunks []types.SynthesisChunk
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-audioCh:
			if !ok {
				return chunks, nil
			}
			chunks = append(chunks, chunk)
		}
	}
}

// Segment splits a document into readable sentence segments. Boundaries are
// '.', '!', or '?' followed by whitespace or end of text, and newlines.
// Empty segments are discarded.
func Segment(doc string) []string {
	var segs []string
	var b strings.Builder
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			segs = append(segs, s)
		}
		b.Reset()
	}
	for i := 0; i < len(doc); i++ {
		c := doc[i]
		b.WriteByte(c)
		switch c {
		case '.', '!', '?':
			if i+1 >= len(doc) || isBoundarySpace(doc[i+1]) {
				flush()
			}
		case '\n':
			flush()
		}
	}
	flush()
	return segs
}

func isBoundarySpace(c byte) bool {
	switch c {
	case ' ', '\n', '\r', '\t':
		return true
	}
	return false
}
