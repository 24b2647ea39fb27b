package audioio_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loqui-ai/loqui/internal/audioio"
	"github.com/loqui-ai/loqui/internal/audioio/mock"
	"github.com/loqui-ai/loqui/pkg/audio"
	vadmock "github.com/loqui-ai/loqui/pkg/provider/vad/mock"
	"github.com/loqui-ai/loqui/pkg/types"
)

// testConfig yields 640-byte frames (16 kHz mono, 20 ms).
func testConfig() audioio.Config {
	return audioio.Config{
		SampleRate:          16000,
		Channels:            1,
		FrameSizeMs:         20,
		PlaybackSampleRate:  24000,
		VADSpeechThreshold:  0.6,
		VADSilenceThreshold: 0.4,
	}
}

const testFrameBytes = 16000 * 20 / 1000 * 2

func startSubsystem(t *testing.T, dev *mock.Device, sess *vadmock.Session, cfg audioio.Config) *audioio.Subsystem {
	t.Helper()
	sub := audioio.New(dev, &vadmock.Engine{Session: sess}, cfg)
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = sub.Stop() })
	return sub
}

func recvFrame(t *testing.T, ch <-chan audio.TaggedFrame) audio.TaggedFrame {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("capture stream closed unexpectedly")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tagged frame")
	}
	panic("unreachable")
}

func TestStart_DeviceUnavailable(t *testing.T) {
	t.Parallel()
	dev := mock.NewDevice()
	dev.StartErr = errors.New("no default capture endpoint")
	sub := audioio.New(dev, &vadmock.Engine{}, testConfig())

	err := sub.Start(context.Background())
	if !errors.Is(err, audioio.ErrDeviceUnavailable) {
		t.Errorf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestStart_PassesDeviceConfig(t *testing.T) {
	t.Parallel()
	dev := mock.NewDevice()
	startSubsystem(t, dev, &vadmock.Session{}, testConfig())

	cfg := dev.StartCalls[0]
	if cfg.CaptureSampleRate != 16000 || cfg.PlaybackSampleRate != 24000 || cfg.Channels != 1 || cfg.PeriodMs != 20 {
		t.Errorf("device config = %+v", cfg)
	}
}

func TestCaptureStream_TaggedFramesInOrder(t *testing.T) {
	t.Parallel()
	dev := mock.NewDevice()
	sess := &vadmock.Session{
		Results: []audio.VADResult{
			{IsSpeech: true, Confidence: 0.9},
			{IsSpeech: false, Confidence: 0.1},
		},
	}
	sub := startSubsystem(t, dev, sess, testConfig())

	// One and a half frames, then the remaining half: two frames total.
	dev.FeedCapture(make([]byte, testFrameBytes+testFrameBytes/2))
	dev.FeedCapture(make([]byte, testFrameBytes/2))

	first := recvFrame(t, sub.CaptureStream())
	second := recvFrame(t, sub.CaptureStream())

	if first.Frame.Seq != 0 || second.Frame.Seq != 1 {
		t.Errorf("sequence = %d, %d, want 0, 1", first.Frame.Seq, second.Frame.Seq)
	}
	if len(first.Frame.Data) != testFrameBytes {
		t.Errorf("frame size = %d, want %d", len(first.Frame.Data), testFrameBytes)
	}
	if !first.VAD.IsSpeech || first.VAD.Confidence != 0.9 {
		t.Errorf("first frame VAD = %+v", first.VAD)
	}
	if second.VAD.IsSpeech {
		t.Errorf("second frame VAD = %+v, want silence", second.VAD)
	}
}

func TestCaptureStream_VADErrorDropsFrame(t *testing.T) {
	t.Parallel()
	dev := mock.NewDevice()
	sess := &vadmock.Session{ProcessFrameErr: errors.New("model not loaded")}
	sub := startSubsystem(t, dev, sess, testConfig())

	dev.FeedCapture(make([]byte, testFrameBytes))

	select {
	case f := <-sub.CaptureStream():
		t.Fatalf("frame delivered despite VAD error: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPlay_OrderingEnforced(t *testing.T) {
	t.Parallel()
	dev := mock.NewDevice()
	sub := startSubsystem(t, dev, &vadmock.Session{}, testConfig())

	// A chunk before any First chunk is a caller error.
	if err := sub.Play(types.SynthesisChunk{Seq: 1}); !errors.Is(err, audioio.ErrChunkOutOfOrder) {
		t.Errorf("err = %v, want ErrChunkOutOfOrder", err)
	}

	if err := sub.Play(types.SynthesisChunk{PCM: []byte("a"), Seq: 0, First: true}); err != nil {
		t.Fatalf("Play first: %v", err)
	}
	// Skipping seq 1 is a caller error.
	if err := sub.Play(types.SynthesisChunk{PCM: []byte("c"), Seq: 2}); !errors.Is(err, audioio.ErrChunkOutOfOrder) {
		t.Errorf("err = %v, want ErrChunkOutOfOrder", err)
	}
	if err := sub.Play(types.SynthesisChunk{PCM: []byte("b"), Seq: 1, Last: true}); err != nil {
		t.Fatalf("Play second: %v", err)
	}

	if dev.WriteCount() != 2 {
		t.Errorf("device writes = %d, want 2", dev.WriteCount())
	}
}

func TestPlaybackComplete_AfterLastChunkDrained(t *testing.T) {
	t.Parallel()
	dev := mock.NewDevice()
	sub := startSubsystem(t, dev, &vadmock.Session{}, testConfig())

	// Drain without a pending Last chunk: no completion.
	dev.SignalDrained()
	select {
	case <-sub.PlaybackComplete():
		t.Fatal("completion without a queued utterance")
	case <-time.After(50 * time.Millisecond):
	}

	if err := sub.Play(types.SynthesisChunk{PCM: []byte("x"), Seq: 0, First: true, Last: true}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	dev.SignalDrained()

	select {
	case <-sub.PlaybackComplete():
	case <-time.After(2 * time.Second):
		t.Fatal("no completion after last chunk drained")
	}
}

func TestStopPlayback_DiscardsQueue(t *testing.T) {
	t.Parallel()
	dev := mock.NewDevice()
	sub := startSubsystem(t, dev, &vadmock.Session{}, testConfig())

	if err := sub.Play(types.SynthesisChunk{PCM: []byte("a"), Seq: 0, First: true}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	sub.StopPlayback()

	if dev.ClearCalls() != 1 {
		t.Errorf("ClearPlayback calls = %d, want 1", dev.ClearCalls())
	}
	// Straggler chunks of the interrupted utterance are rejected with the
	// flush sentinel, First-flagged ones included; nothing is replayed.
	if err := sub.Play(types.SynthesisChunk{PCM: []byte("b"), Seq: 1}); !errors.Is(err, audioio.ErrPlaybackFlushed) {
		t.Errorf("err = %v, want ErrPlaybackFlushed", err)
	}
	if err := sub.Play(types.SynthesisChunk{PCM: []byte("c"), Seq: 0, First: true}); !errors.Is(err, audioio.ErrPlaybackFlushed) {
		t.Errorf("stale First chunk: err = %v, want ErrPlaybackFlushed", err)
	}
	if n := dev.WriteCount(); n != 1 {
		t.Errorf("device writes = %d, want only the pre-flush chunk", n)
	}

	// The next response re-arms playback explicitly.
	sub.BeginUtterance()
	if err := sub.Play(types.SynthesisChunk{PCM: []byte("d"), Seq: 0, First: true}); err != nil {
		t.Errorf("fresh utterance rejected: %v", err)
	}
}

func TestStop_ClosesCaptureStream(t *testing.T) {
	t.Parallel()
	dev := mock.NewDevice()
	sess := &vadmock.Session{}
	sub := startSubsystem(t, dev, sess, testConfig())

	stream := sub.CaptureStream()
	if err := sub.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case _, ok := <-stream:
		if ok {
			t.Error("received frame after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("capture stream not closed by Stop")
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("VAD session close count = %d, want 1", sess.CloseCallCount)
	}
	if err := sub.Play(types.SynthesisChunk{First: true}); !errors.Is(err, audioio.ErrNotRunning) {
		t.Errorf("Play after Stop = %v, want ErrNotRunning", err)
	}
}

func TestPressure_ElevatedOnSustainedDrops(t *testing.T) {
	t.Parallel()
	dev := mock.NewDevice()
	cfg := testConfig()
	cfg.FrameBuffer = 1
	sub := startSubsystem(t, dev, &vadmock.Session{}, cfg)

	// One frame fills the buffer; 30 more drop without a consumer.
	dev.FeedCapture(make([]byte, testFrameBytes*31))

	select {
	case p := <-sub.PressureSignal():
		if p != audioio.PressureElevated {
			t.Errorf("pressure = %v, want PressureElevated", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pressure signal despite sustained frame drops")
	}
}
