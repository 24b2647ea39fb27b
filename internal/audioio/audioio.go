// Package audioio owns the hardware capture and playback path of a session.
//
// The subsystem reassembles the device's raw capture blocks into fixed-size
// frames, classifies each frame through the VAD session, and delivers
// (frame, classification) pairs on the capture stream in capture order.
// Playback accepts synthesised chunks in sequence order, queues them for
// gapless output, and supports immediate stop-and-discard for barge-in.
//
// Frame-level problems never fail the session: a frame that cannot be
// classified or delivered is logged, counted, and dropped. Sustained drops
// raise an advisory resource-pressure signal the orchestrator may use to
// request reduced synthesis quality.
package audioio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqui-ai/loqui/internal/observe"
	"github.com/loqui-ai/loqui/pkg/audio"
	"github.com/loqui-ai/loqui/pkg/provider/vad"
	"github.com/loqui-ai/loqui/pkg/types"
)

var (
	// ErrDeviceUnavailable indicates the capture or playback hardware could
	// not be configured. Fatal to the session, no retry.
	ErrDeviceUnavailable = errors.New("audioio: device unavailable")

	// ErrNotRunning is returned when the subsystem is used before Start or
	// after Stop.
	ErrNotRunning = errors.New("audioio: subsystem not running")

	// ErrChunkOutOfOrder is returned by Play when chunks for one utterance
	// arrive out of sequence order. This is a caller error.
	ErrChunkOutOfOrder = errors.New("audioio: playback chunk out of order")

	// ErrPlaybackFlushed is returned by Play between [Subsystem.StopPlayback]
	// and the next [Subsystem.BeginUtterance]. Chunks of the interrupted
	// response may still be in flight from their delivery goroutine when the
	// flush happens; they are rejected here so none of them reaches the
	// device.
	ErrPlaybackFlushed = errors.New("audioio: playback flushed")
)

// Pressure is the advisory resource-pressure level emitted by the subsystem.
type Pressure int

const (
	// PressureNominal means the capture path is keeping up.
	PressureNominal Pressure = iota

	// PressureElevated means frames are being dropped faster than the
	// consumer drains them. The orchestrator may degrade synthesis quality.
	PressureElevated
)

const (
	// defaultFrameBuffer is the capture stream depth in frames.
	defaultFrameBuffer = 64

	// pressureDropStreak is the number of consecutively dropped frames that
	// raises the pressure signal.
	pressureDropStreak = 25
)

// Config carries the audio parameters of a session.
type Config struct {
	// SampleRate in Hz of the capture path (e.g. 16000 for STT input).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// FrameSizeMs is the fixed frame duration delivered on the capture stream.
	FrameSizeMs int

	// PlaybackSampleRate in Hz of the synthesised audio (e.g. 24000).
	PlaybackSampleRate int

	// VADSpeechThreshold and VADSilenceThreshold configure the VAD session.
	VADSpeechThreshold  float64
	VADSilenceThreshold float64

	// FrameBuffer is the capture stream depth in frames. Defaults to 64.
	FrameBuffer int
}

// Subsystem ties one device pair and one VAD session into the session's
// audio path. A Subsystem is exclusively owned by one session orchestrator;
// Start and Stop bracket its lifetime.
type Subsystem struct {
	device    Device
	vadEngine vad.Engine
	cfg       Config
	metrics   *observe.Metrics

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	vadSession vad.SessionHandle
	frames     chan audio.TaggedFrame
	pressure   chan Pressure
	complete   chan struct{}
	wg         sync.WaitGroup

	// Playback ordering state for the current utterance.
	lastSeq    int
	haveFirst  bool
	lastQueued bool
	flushed    bool
}

// Option is a functional option for configuring a Subsystem.
type Option func(*Subsystem)

// WithMetrics enables recording of dropped-frame counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Subsystem) { s.metrics = m }
}

// New constructs a Subsystem over the given device pair and VAD engine.
func New(device Device, vadEngine vad.Engine, cfg Config, opts ...Option) *Subsystem {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = defaultFrameBuffer
	}
	s := &Subsystem{
		device:    device,
		vadEngine: vadEngine,
		cfg:       cfg,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start configures the hardware, opens the VAD session, and begins delivering
// tagged frames on the capture stream. It fails with [ErrDeviceUnavailable]
// if the hardware cannot be configured.
func (s *Subsystem) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("audioio: already started")
	}

	if err := s.device.Start(DeviceConfig{
		CaptureSampleRate:  s.cfg.SampleRate,
		PlaybackSampleRate: s.cfg.PlaybackSampleRate,
		Channels:           s.cfg.Channels,
		PeriodMs:           s.cfg.FrameSizeMs,
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	session, err := s.vadEngine.NewSession(vad.Config{
		SampleRate:       s.cfg.SampleRate,
		FrameSizeMs:      s.cfg.FrameSizeMs,
		SpeechThreshold:  s.cfg.VADSpeechThreshold,
		SilenceThreshold: s.cfg.VADSilenceThreshold,
	})
	if err != nil {
		_ = s.device.Stop()
		return fmt.Errorf("audioio: open VAD session: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.vadSession = session
	s.frames = make(chan audio.TaggedFrame, s.cfg.FrameBuffer)
	s.pressure = make(chan Pressure, 1)
	s.complete = make(chan struct{}, 1)
	s.lastSeq = -1
	s.haveFirst = false
	s.lastQueued = false
	s.flushed = false
	s.running = true

	s.wg.Add(2)
	go s.captureLoop(runCtx)
	go s.drainLoop(runCtx)
	return nil
}

// CaptureStream returns the tagged frame stream. The channel delivers frames
// in capture order for the whole session and is closed by [Subsystem.Stop].
func (s *Subsystem) CaptureStream() <-chan audio.TaggedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// PressureSignal returns the advisory resource-pressure channel.
func (s *Subsystem) PressureSignal() <-chan Pressure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pressure
}

// PlaybackComplete emits once per utterance, after a chunk marked Last has
// been queued and the playback queue has fully drained.
func (s *Subsystem) PlaybackComplete() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// BeginUtterance arms playback for a new response: the flush barrier raised
// by [Subsystem.StopPlayback] is cleared and sequence tracking restarts. Call
// it before the first Play of each response.
func (s *Subsystem) BeginUtterance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = false
	s.haveFirst = false
	s.lastSeq = -1
	s.lastQueued = false
}

// Play enqueues one synthesised chunk for gapless playback. Chunks of one
// utterance must arrive in increasing sequence order starting with the First
// chunk; violations return [ErrChunkOutOfOrder]. After a flush every chunk,
// First ones included, is rejected with [ErrPlaybackFlushed] until
// [Subsystem.BeginUtterance] re-arms playback.
func (s *Subsystem) Play(chunk types.SynthesisChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	if s.flushed {
		return fmt.Errorf("%w: chunk %d discarded", ErrPlaybackFlushed, chunk.Seq)
	}

	if chunk.First {
		s.haveFirst = true
		s.lastSeq = -1
		s.lastQueued = false
	}
	if !s.haveFirst {
		return fmt.Errorf("%w: chunk %d before first chunk", ErrChunkOutOfOrder, chunk.Seq)
	}
	if chunk.Seq != s.lastSeq+1 {
		return fmt.Errorf("%w: got seq %d, want %d", ErrChunkOutOfOrder, chunk.Seq, s.lastSeq+1)
	}
	s.lastSeq = chunk.Seq

	pcm := chunk.PCM
	if chunk.SampleRate > 0 && chunk.SampleRate != s.cfg.PlaybackSampleRate {
		pcm = audio.Resample(pcm, chunk.SampleRate, s.cfg.PlaybackSampleRate, s.cfg.Channels)
	}
	if err := s.device.Write(pcm); err != nil {
		return fmt.Errorf("audioio: playback write: %w", err)
	}
	if chunk.Last {
		s.lastQueued = true
		s.haveFirst = false
	}
	return nil
}

// StopPlayback immediately halts audio output and discards all queued, not
// yet played chunks. Safe to call from any goroutine, including concurrently
// with Play. Used for barge-in. Playback stays flushed, rejecting further
// chunks, until [Subsystem.BeginUtterance].
func (s *Subsystem) StopPlayback() {
	s.device.ClearPlayback()
	s.mu.Lock()
	s.haveFirst = false
	s.lastSeq = -1
	s.lastQueued = false
	s.flushed = true
	s.mu.Unlock()
}

// Stop tears down capture and playback deterministically: the device is
// stopped, the VAD session closed, and the capture stream channel closed.
func (s *Subsystem) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	session := s.vadSession
	s.mu.Unlock()

	cancel()
	err := s.device.Stop()
	s.wg.Wait()
	if cerr := session.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// captureLoop reassembles device blocks into fixed frames, classifies them,
// and delivers tagged frames downstream. Frame-level errors are absorbed
// here and never escalate.
func (s *Subsystem) captureLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.frames)

	frameBytes := s.cfg.SampleRate * s.cfg.FrameSizeMs / 1000 * 2 * s.cfg.Channels
	var buf []byte
	var seq uint64
	dropStreak := 0
	elevated := false

	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-s.device.Capture():
			if !ok {
				return
			}
			buf = append(buf, block...)
			for len(buf) >= frameBytes {
				frame := make([]byte, frameBytes)
				copy(frame, buf)
				buf = buf[frameBytes:]

				result, err := s.vadSession.ProcessFrame(frame)
				if err != nil {
					slog.Warn("VAD classification failed, dropping frame", "seq", seq, "error", err)
					s.countDrop(ctx)
					seq++
					continue
				}

				tagged := audio.TaggedFrame{
					Frame: audio.AudioFrame{
						Data:       frame,
						SampleRate: s.cfg.SampleRate,
						Channels:   s.cfg.Channels,
						Seq:        seq,
						Captured:   time.Now(),
					},
					VAD: result,
				}
				seq++

				select {
				case s.frames <- tagged:
					dropStreak = 0
					if elevated {
						elevated = false
						s.signalPressure(PressureNominal)
					}
				default:
					s.countDrop(ctx)
					dropStreak++
					if dropStreak == pressureDropStreak && !elevated {
						elevated = true
						s.signalPressure(PressureElevated)
					}
				}
			}
		}
	}
}

// drainLoop converts device drain events into per-utterance playback
// completion notifications.
func (s *Subsystem) drainLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.device.Drained():
			if !ok {
				return
			}
			s.mu.Lock()
			finished := s.lastQueued
			s.lastQueued = false
			s.mu.Unlock()
			if finished {
				select {
				case s.complete <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (s *Subsystem) countDrop(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.DroppedFrames.Add(ctx, 1)
	}
}

func (s *Subsystem) signalPressure(p Pressure) {
	select {
	case s.pressure <- p:
	default:
	}
}
