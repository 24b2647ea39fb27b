package lookahead

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/loqui-ai/loqui/pkg/types"
)

// countingRenderer records how many render tasks ran per index.
type countingRenderer struct {
	mu     sync.Mutex
	counts map[int]int
	block  chan struct{} // nil = instant; non-nil = wait for close or ctx
	err    error
}

func newCountingRenderer() *countingRenderer {
	return &countingRenderer{counts: make(map[int]int)}
}

func (r *countingRenderer) render(ctx context.Context, index int, text string) ([]types.SynthesisChunk, error) {
	r.mu.Lock()
	r.counts[index]++
	block := r.block
	err := r.err
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []types.SynthesisChunk{{PCM: []byte(text), SampleRate: 24000, First: true, Last: true}}, nil
}

func (r *countingRenderer) count(index int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[index]
}

func segments(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("segment %d.", i)
	}
	return out
}

func sortedBuffered(s *Scheduler) []int {
	idx := s.Buffered()
	sort.Ints(idx)
	return idx
}

func TestAdvance_EvictionWindow(t *testing.T) {
	t.Parallel()
	r := newCountingRenderer()
	s := New(r.render, WithDepth(3))
	defer s.Stop()

	if err := s.Start(context.Background(), segments(10), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for range 5 {
		if !s.Advance() {
			t.Fatal("Advance reported end of segments early")
		}
	}

	if got := s.Cursor(); got != 5 {
		t.Fatalf("cursor = %d, want 5", got)
	}
	want := []int{4, 5, 6}
	got := sortedBuffered(s)
	if len(got) != len(want) {
		t.Fatalf("buffered = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("buffered = %v, want %v", got, want)
		}
	}
}

func TestRender_AtMostOncePerIndex(t *testing.T) {
	t.Parallel()
	r := newCountingRenderer()
	s := New(r.render, WithDepth(3))
	defer s.Stop()

	if err := s.Start(context.Background(), segments(10), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 9; i++ {
		if _, err := s.Play(context.Background()); err != nil {
			t.Fatalf("Play at %d: %v", i, err)
		}
		s.Advance()
	}

	for idx := 0; idx < 10; idx++ {
		if n := r.count(idx); n > 1 {
			t.Errorf("index %d rendered %d times, want at most 1", idx, n)
		}
	}
}

func TestSeekThenAdvance_VisitsInOrder(t *testing.T) {
	t.Parallel()
	r := newCountingRenderer()
	s := New(r.render, WithDepth(3))
	defer s.Stop()

	segs := segments(10)
	if err := s.Start(context.Background(), segs, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Seek(2); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	var visited []string
	for i := 0; i < 5; i++ {
		chunks, err := s.Play(context.Background())
		if err != nil {
			t.Fatalf("Play: %v", err)
		}
		visited = append(visited, string(chunks[0].PCM))
		s.Advance()
	}

	for i, text := range visited {
		if want := segs[2+i]; text != want {
			t.Errorf("visit %d = %q, want %q (no skips, no duplicates)", i, text, want)
		}
	}
}

func TestSeek_ReusesBufferedSegments(t *testing.T) {
	t.Parallel()
	r := newCountingRenderer()
	s := New(r.render, WithDepth(3))
	defer s.Stop()

	if err := s.Start(context.Background(), segments(10), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Index 1 is already buffered; seeking to it must not re-render.
	if _, err := s.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := s.Seek(1); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if _, err := s.Play(context.Background()); err != nil {
		t.Fatalf("Play after seek: %v", err)
	}

	if n := r.count(1); n != 1 {
		t.Errorf("index 1 rendered %d times after in-window seek, want 1", n)
	}
}

func TestSeek_CancelsOutOfWindowRenders(t *testing.T) {
	t.Parallel()
	r := newCountingRenderer()
	r.block = make(chan struct{})
	s := New(r.render, WithDepth(3), WithTimeout(5*time.Second))
	defer s.Stop()

	if err := s.Start(context.Background(), segments(10), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Renders for 0..2 are in flight and blocked; jump far away.
	if err := s.Seek(7); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	got := sortedBuffered(s)
	for _, idx := range got {
		if idx < 7 {
			t.Errorf("stale index %d still buffered after seek", idx)
		}
	}

	// Unblock; the new window renders complete, the cancelled ones do not
	// resurface.
	close(r.block)
	chunks, err := s.Play(context.Background())
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if string(chunks[0].PCM) != "segment 7." {
		t.Errorf("played %q, want segment 7", chunks[0].PCM)
	}
}

func TestPlay_BufferTimeout(t *testing.T) {
	t.Parallel()
	r := newCountingRenderer()
	r.block = make(chan struct{}) // never closed
	s := New(r.render, WithDepth(3), WithTimeout(30*time.Millisecond))
	defer s.Stop()

	if err := s.Start(context.Background(), segments(3), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err := s.Play(context.Background())
	if !errors.Is(err, ErrBufferTimeout) {
		t.Errorf("err = %v, want ErrBufferTimeout", err)
	}
}

func TestPlay_RenderErrorSurfaces(t *testing.T) {
	t.Parallel()
	r := newCountingRenderer()
	r.err = errors.New("synthesis unavailable")
	s := New(r.render, WithDepth(3))
	defer s.Stop()

	if err := s.Start(context.Background(), segments(3), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err := s.Play(context.Background())
	if err == nil || !errors.Is(err, r.err) {
		t.Errorf("err = %v, want wrapped render error", err)
	}
}

func TestPlay_BeforeStart(t *testing.T) {
	t.Parallel()
	s := New(newCountingRenderer().render)
	if _, err := s.Play(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("err = %v, want ErrNotStarted", err)
	}
}

func TestStart_IndexOutOfRange(t *testing.T) {
	t.Parallel()
	s := New(newCountingRenderer().render)
	if err := s.Start(context.Background(), segments(3), 5); err == nil {
		t.Error("expected error for out-of-range start index")
	}
}

func TestAdvance_PastEnd(t *testing.T) {
	t.Parallel()
	r := newCountingRenderer()
	s := New(r.render, WithDepth(3))
	defer s.Stop()

	if err := s.Start(context.Background(), segments(2), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Advance() {
		t.Error("cursor 1 is still in range, Advance should report true")
	}
	if s.Advance() {
		t.Error("cursor past last segment, Advance should report false")
	}
}
