// Package lookahead implements the chunk-ahead playback scheduler shared by
// live conversation playback and long-document read-aloud.
//
// The scheduler keeps a bounded buffer of pre-rendered segments around the
// play cursor so that advancing never blocks on synthesis latency. The buffer
// holds at most K entries: the segment behind the cursor (kept one step for
// replay), the current segment, and the frontier ahead. Entries behind
// cursor-1 are evicted as the cursor advances, and at most one render task is
// ever in flight per segment index.
package lookahead

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loqui-ai/loqui/internal/observe"
	"github.com/loqui-ai/loqui/pkg/types"
)

const (
	// defaultDepth is the lookahead buffer capacity in segments.
	defaultDepth = 3

	// defaultTimeout bounds how long Play waits for a segment that is still
	// rendering.
	defaultTimeout = 30 * time.Second
)

// ErrBufferTimeout is returned by [Scheduler.Play] when the current segment
// did not finish rendering within the buffering timeout.
var ErrBufferTimeout = errors.New("lookahead: segment not ready within buffering timeout")

// ErrNotStarted is returned when the scheduler is used before [Scheduler.Start].
var ErrNotStarted = errors.New("lookahead: scheduler not started")

// RenderFunc produces the audio chunks for one segment. It must honour ctx
// cancellation: renders for evicted or invalidated indices are cancelled.
type RenderFunc func(ctx context.Context, index int, text string) ([]types.SynthesisChunk, error)

// entry is one buffered (or in-flight) segment render.
type entry struct {
	ready  chan struct{}
	chunks []types.SynthesisChunk
	err    error
	cancel context.CancelFunc
}

// Scheduler owns the lookahead buffer. All methods are safe for concurrent
// use; the buffer is mutated only by the scheduler itself.
type Scheduler struct {
	render  RenderFunc
	depth   int
	timeout time.Duration
	metrics *observe.Metrics

	group singleflight.Group

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	segments []string
	cursor   int
	gen      int
	buf      map[int]*entry
	started  bool
}

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithDepth sets the buffer capacity in segments. Default is 3.
func WithDepth(k int) Option {
	return func(s *Scheduler) {
		if k > 0 {
			s.depth = k
		}
	}
}

// WithTimeout sets the buffering timeout applied by [Scheduler.Play].
// Default is 30s.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMetrics enables recording of buffer timeout counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New constructs a Scheduler that renders segments through render.
func New(render RenderFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		render:  render,
		depth:   defaultDepth,
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins background pre-rendering of segments from fromIndex, filling
// the buffer up to its capacity. It returns immediately; the first [Scheduler.Play]
// blocks only until the segment at fromIndex is ready.
func (s *Scheduler) Start(ctx context.Context, segments []string, fromIndex int) error {
	if fromIndex < 0 || fromIndex >= len(segments) {
		return fmt.Errorf("lookahead: start index %d out of range [0,%d)", fromIndex, len(segments))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.stopLocked()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.segments = segments
	s.cursor = fromIndex
	s.buf = make(map[int]*entry, s.depth)
	s.started = true
	s.fillLocked()
	return nil
}

// Play returns the rendered chunks for the segment at the current cursor,
// waiting up to the buffering timeout for an in-flight render. Calling Play
// again for the same cursor returns the same chunks.
func (s *Scheduler) Play(ctx context.Context) ([]types.SynthesisChunk, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil, ErrNotStarted
	}
	e, ok := s.buf[s.cursor]
	if !ok {
		// Cursor segment missing (e.g. after a seek past the frontier).
		e = s.startRenderLocked(s.cursor)
	}
	index := s.cursor
	s.mu.Unlock()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		if s.metrics != nil {
			s.metrics.BufferTimeouts.Add(ctx, 1)
		}
		return nil, fmt.Errorf("%w: segment %d", ErrBufferTimeout, index)
	}

	if e.err != nil {
		return nil, fmt.Errorf("lookahead: segment %d render failed: %w", index, e.err)
	}
	return e.chunks, nil
}

// Advance moves the cursor forward one segment, evicts the entry behind
// cursor-1, and triggers pre-rendering of the new frontier. It returns false
// when the cursor has moved past the last segment.
func (s *Scheduler) Advance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return false
	}
	s.cursor++
	s.evictBehindLocked()
	s.fillLocked()
	return s.cursor < len(s.segments)
}

// Seek restarts the lookahead window from toIndex. In-flight renders for
// indices outside the new window are cancelled and evicted; buffered segments
// inside the window are reused rather than re-rendered.
func (s *Scheduler) Seek(toIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	if toIndex < 0 || toIndex >= len(s.segments) {
		return fmt.Errorf("lookahead: seek index %d out of range [0,%d)", toIndex, len(s.segments))
	}

	// Post-seek renders must never share results with invalidated ones.
	s.gen++
	s.cursor = toIndex
	for idx, e := range s.buf {
		if idx < toIndex || idx >= toIndex+s.depth {
			e.cancel()
			delete(s.buf, idx)
		}
	}
	s.fillLocked()
	return nil
}

// Cursor returns the current play cursor.
func (s *Scheduler) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Buffered returns the set of buffered or in-flight segment indices.
// Primarily useful for tests and diagnostics.
func (s *Scheduler) Buffered() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.buf))
	for idx := range s.buf {
		out = append(out, idx)
	}
	return out
}

// Stop cancels all in-flight renders and releases the buffer. The scheduler
// can be restarted with [Scheduler.Start].
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if !s.started {
		return
	}
	s.cancel()
	for _, e := range s.buf {
		e.cancel()
	}
	s.buf = nil
	s.started = false
}

// evictBehindLocked drops every entry behind cursor-1. Must be called with mu
// held.
func (s *Scheduler) evictBehindLocked() {
	for idx, e := range s.buf {
		if idx < s.cursor-1 {
			e.cancel()
			delete(s.buf, idx)
		}
	}
}

// fillLocked starts renders from the cursor forward until the buffer is at
// capacity or the segments are exhausted. Must be called with mu held.
func (s *Scheduler) fillLocked() {
	for idx := s.cursor; idx < len(s.segments); idx++ {
		if len(s.buf) >= s.depth {
			return
		}
		if _, ok := s.buf[idx]; ok {
			continue
		}
		s.startRenderLocked(idx)
	}
}

// startRenderLocked launches the render task for index. The singleflight key
// is generation-scoped so a render restarted after seek never shares the
// result of a cancelled predecessor. Must be called with mu held, and only
// when no entry exists for index.
func (s *Scheduler) startRenderLocked(index int) *entry {
	rctx, cancel := context.WithCancel(s.ctx)
	e := &entry{ready: make(chan struct{}), cancel: cancel}
	s.buf[index] = e
	text := s.segments[index]
	key := strconv.Itoa(s.gen) + ":" + strconv.Itoa(index)

	go func() {
		defer cancel()
		v, err, _ := s.group.Do(key, func() (any, error) {
			return s.render(rctx, index, text)
		})
		if err == nil {
			e.chunks = v.([]types.SynthesisChunk)
		}
		e.err = err
		close(e.ready)
	}()
	return e
}
