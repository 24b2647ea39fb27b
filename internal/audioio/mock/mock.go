// Package mock provides a test double for the audioio.Device interface.
//
// Use Device to feed scripted capture blocks and observe playback writes
// without real audio hardware. FeedCapture and SignalDrained drive the
// subsystem from test code.
package mock

import (
	"sync"

	"github.com/loqui-ai/loqui/internal/audioio"
)

// Device is a mock implementation of audioio.Device.
type Device struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// WriteErr, if non-nil, is returned by Write.
	WriteErr error

	// StopErr, if non-nil, is returned by Stop.
	StopErr error

	// StartCalls records every configuration passed to Start.
	StartCalls []audioio.DeviceConfig

	// Writes records every PCM payload passed to Write, in order.
	Writes [][]byte

	// ClearCount counts ClearPlayback invocations.
	ClearCount int

	captureCh chan []byte
	drainedCh chan struct{}
	stopOnce  sync.Once
}

// NewDevice constructs a mock device with buffered capture and drain channels.
func NewDevice() *Device {
	return &Device{
		captureCh: make(chan []byte, 64),
		drainedCh: make(chan struct{}, 4),
	}
}

// Start records the configuration and returns StartErr.
func (d *Device) Start(cfg audioio.DeviceConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCalls = append(d.StartCalls, cfg)
	return d.StartErr
}

// Capture returns the scripted capture stream.
func (d *Device) Capture() <-chan []byte {
	return d.captureCh
}

// Write records the payload and returns WriteErr.
func (d *Device) Write(pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.WriteErr != nil {
		return d.WriteErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	d.Writes = append(d.Writes, cp)
	return nil
}

// ClearPlayback counts the invocation.
func (d *Device) ClearPlayback() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ClearCount++
}

// Drained returns the test-driven drain signal channel.
func (d *Device) Drained() <-chan struct{} {
	return d.drainedCh
}

// Stop closes the capture channel. Safe to call multiple times.
func (d *Device) Stop() error {
	d.stopOnce.Do(func() { close(d.captureCh) })
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.StopErr
}

// FeedCapture delivers one raw capture block to the subsystem.
func (d *Device) FeedCapture(pcm []byte) {
	d.captureCh <- pcm
}

// SignalDrained emits one playback drain event.
func (d *Device) SignalDrained() {
	d.drainedCh <- struct{}{}
}

// WriteCount returns the number of recorded Write calls. Thread-safe.
func (d *Device) WriteCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Writes)
}

// ClearCalls returns the number of recorded ClearPlayback calls. Thread-safe.
func (d *Device) ClearCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ClearCount
}

// Ensure Device implements audioio.Device at compile time.
var _ audioio.Device = (*Device)(nil)
