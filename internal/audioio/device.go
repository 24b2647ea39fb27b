package audioio

// DeviceConfig carries the hardware parameters for opening a device pair.
type DeviceConfig struct {
	// CaptureSampleRate in Hz requested from the microphone (e.g. 16000).
	CaptureSampleRate int

	// PlaybackSampleRate in Hz of the PCM written for playback (e.g. 24000).
	PlaybackSampleRate int

	// Channels for both directions: 1 for mono, 2 for stereo.
	Channels int

	// PeriodMs is the device callback period in milliseconds.
	PeriodMs int
}

// Device abstracts the hardware capture and playback endpoints so the
// subsystem can be exercised without real audio hardware.
//
// Implementations deliver captured PCM on the Capture channel in capture
// order and in arbitrary block sizes; the subsystem reassembles fixed frames.
// Write enqueues little-endian 16-bit PCM for gapless playback. Drained
// signals each time the playback queue runs empty while audio was playing.
type Device interface {
	// Start opens and starts both directions. It is called once per session.
	Start(cfg DeviceConfig) error

	// Capture returns the raw captured PCM stream. The channel is closed by
	// Stop.
	Capture() <-chan []byte

	// Write enqueues PCM for playback. It must not block on the audio
	// callback; excess data beyond the queue capacity is dropped.
	Write(pcm []byte) error

	// ClearPlayback immediately discards all queued playback audio. Safe to
	// call from any goroutine.
	ClearPlayback()

	// Drained emits after the playback queue transitions from non-empty to
	// empty. Sends are non-blocking on a buffered channel.
	Drained() <-chan struct{}

	// Stop tears down both directions and releases the hardware.
	Stop() error
}
