// Package audio defines the frame types and PCM utilities shared by the
// capture path, the VAD providers, and playback.
//
// An AudioFrame is the atomic unit of audio transport: produced by the capture
// device, tagged with a VADResult, and handed off stage to stage. Frames are
// immutable once produced; ownership moves with the frame and the data slice
// must not be mutated by a downstream stage.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// AudioFrame represents a single fixed-size frame of captured audio.
type AudioFrame struct {
	// Data is raw little-endian 16-bit PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT input, 48000 device native).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Seq is a monotonic sequence number assigned at capture, starting at 0.
	Seq uint64

	// Captured is the wall-clock capture time of the frame.
	Captured time.Time
}

// VADResult is a speech/non-speech classification for a single frame.
type VADResult struct {
	// IsSpeech reports whether the frame was classified as speech.
	IsSpeech bool

	// Confidence is the speech probability score (0.0–1.0).
	Confidence float64
}

// TaggedFrame pairs a captured frame with its VAD classification. This is the
// unit delivered on the capture stream, in capture order.
type TaggedFrame struct {
	Frame AudioFrame
	VAD   VADResult
}

// RMS computes the root-mean-square level of little-endian 16-bit PCM,
// normalised to [0, 1]. Returns 0 for empty or misaligned input.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}
