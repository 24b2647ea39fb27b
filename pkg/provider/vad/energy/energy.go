// Package energy provides a pure-Go VAD engine based on RMS energy with an
// adaptive noise floor. It implements the vad.Engine interface.
//
// The detector tracks the ambient noise level with an exponential moving
// average that only updates during non-speech frames, then scores each frame
// by how far its RMS energy rises above that floor. Hysteresis (a run of
// consecutive speech or silence frames) gates state changes to avoid
// flickering between speech and silence on noisy input.
package energy

import (
	"errors"
	"fmt"

	"github.com/loqui-ai/loqui/pkg/audio"
	"github.com/loqui-ai/loqui/pkg/provider/vad"
)

const (
	// initialNoiseFloor assumes quiet room ambience until the EMA adapts.
	initialNoiseFloor = 0.005

	// noiseFloorAlpha is the EMA coefficient for noise floor adaptation.
	noiseFloorAlpha = 0.05

	// confidenceSpread is the RMS rise above the noise floor that maps to
	// full confidence. Normal speech at arm's length lands well above it.
	confidenceSpread = 0.04

	// speechRunFrames is the consecutive speech frames needed to enter the
	// speaking state (~60ms at 20ms frames).
	speechRunFrames = 3

	// silenceRunFrames is the consecutive silence frames needed to leave the
	// speaking state (~300ms at 20ms frames). Utterance-level silence
	// detection with longer windows is the turn detector's job.
	silenceRunFrames = 15
)

// Engine implements vad.Engine using RMS energy detection. The zero value is
// ready to use.
type Engine struct{}

// New returns a new energy VAD Engine.
func New() *Engine {
	return &Engine{}
}

// NewSession creates a new detection session for a single audio stream.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %dms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %g out of range [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %g must be in [0, %g]",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}

	return &session{
		cfg:        cfg,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		noiseFloor: initialNoiseFloor,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

// session holds per-stream detection state. Not safe for concurrent use.
type session struct {
	cfg        vad.Config
	frameBytes int

	noiseFloor   float64
	inSpeech     bool
	speechCount  int
	silenceCount int
	closed       bool
}

// ProcessFrame scores one PCM frame and applies hysteresis to decide whether
// the stream is currently in speech.
func (s *session) ProcessFrame(frame []byte) (audio.VADResult, error) {
	if s.closed {
		return audio.VADResult{}, errors.New("energy: session is closed")
	}
	if len(frame) != s.frameBytes {
		return audio.VADResult{}, fmt.Errorf("energy: frame size %d bytes, want %d", len(frame), s.frameBytes)
	}

	level := audio.RMS(frame)
	conf := s.confidence(level)

	if s.inSpeech {
		if conf < s.cfg.SilenceThreshold {
			s.silenceCount++
			s.speechCount = 0
			if s.silenceCount >= silenceRunFrames {
				s.inSpeech = false
				s.silenceCount = 0
			}
		} else {
			s.silenceCount = 0
		}
	} else {
		if conf >= s.cfg.SpeechThreshold {
			s.speechCount++
			s.silenceCount = 0
			if s.speechCount >= speechRunFrames {
				s.inSpeech = true
				s.speechCount = 0
			}
		} else {
			s.speechCount = 0
			// Only adapt the floor on quiet frames so speech doesn't raise it.
			s.noiseFloor += noiseFloorAlpha * (level - s.noiseFloor)
		}
	}

	return audio.VADResult{IsSpeech: s.inSpeech, Confidence: conf}, nil
}

// confidence maps an RMS level to [0,1] relative to the adaptive noise floor.
func (s *session) confidence(level float64) float64 {
	rise := level - s.noiseFloor
	if rise <= 0 {
		return 0
	}
	conf := rise / confidenceSpread
	if conf > 1 {
		conf = 1
	}
	return conf
}

// Reset clears hysteresis state and restores the initial noise floor.
func (s *session) Reset() {
	if s.closed {
		return
	}
	s.inSpeech = false
	s.speechCount = 0
	s.silenceCount = 0
	s.noiseFloor = initialNoiseFloor
}

// Close marks the session closed. Subsequent ProcessFrame calls return an error.
func (s *session) Close() error {
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*session)(nil)
