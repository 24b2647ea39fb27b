package audioio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

const (
	// captureChanDepth bounds how many raw capture blocks can queue between
	// the audio callback and the subsystem's frame assembler.
	captureChanDepth = 64

	// playbackRingBytes is the playback queue capacity. Roughly 40 seconds of
	// 24 kHz mono 16-bit PCM, enough for long responses without overflow.
	playbackRingBytes = 1 << 21
)

// byteRing is a lock-free single-producer single-consumer ring buffer of PCM
// bytes. The audio callback is the consumer and must never block.
type byteRing struct {
	buf  [playbackRingBytes]byte
	head atomic.Uint64
	tail atomic.Uint64
}

// push appends up to len(p) bytes, returning how many fit.
func (r *byteRing) push(p []byte) int {
	head := r.head.Load()
	tail := r.tail.Load()
	free := playbackRingBytes - int(head-tail)
	n := len(p)
	if n > free {
		n = free
	}
	for i := 0; i < n; i++ {
		r.buf[(head+uint64(i))%playbackRingBytes] = p[i]
	}
	r.head.Add(uint64(n))
	return n
}

// pop fills p with queued bytes, returning how many were available.
func (r *byteRing) pop(p []byte) int {
	head := r.head.Load()
	tail := r.tail.Load()
	n := int(head - tail)
	if n > len(p) {
		n = len(p)
	}
	for i := 0; i < n; i++ {
		p[i] = r.buf[(tail+uint64(i))%playbackRingBytes]
	}
	r.tail.Add(uint64(n))
	return n
}

func (r *byteRing) empty() bool {
	return r.head.Load() == r.tail.Load()
}

// clear drops all queued bytes. Safe against a concurrent pop.
func (r *byteRing) clear() {
	r.tail.Store(r.head.Load())
}

// MalgoDevice is the miniaudio-backed [Device] implementation. It owns one
// capture and one playback device on the default hardware endpoints.
type MalgoDevice struct {
	mu          sync.Mutex
	ctx         *malgo.AllocatedContext
	captureDev  *malgo.Device
	playbackDev *malgo.Device
	started     bool

	captureCh chan []byte
	drained   chan struct{}
	ring      byteRing
	playing   atomic.Bool
	dropped   atomic.Uint64
}

// NewMalgoDevice constructs an unopened device pair. Call [MalgoDevice.Start]
// to configure the hardware.
func NewMalgoDevice() *MalgoDevice {
	return &MalgoDevice{
		captureCh: make(chan []byte, captureChanDepth),
		drained:   make(chan struct{}, 1),
	}
}

var _ Device = (*MalgoDevice)(nil)

// Start opens the default capture and playback devices with the requested
// format. The playback device starts immediately and outputs silence until
// samples are queued.
func (d *MalgoDevice) Start(cfg DeviceConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("audioio: device already started")
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("audioio: init audio context: %w", err)
	}
	d.ctx = ctx

	if err := d.initCapture(cfg); err != nil {
		d.teardownLocked()
		return err
	}
	if err := d.initPlayback(cfg); err != nil {
		d.teardownLocked()
		return err
	}
	d.started = true
	return nil
}

func (d *MalgoDevice) initCapture(cfg DeviceConfig) error {
	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = uint32(cfg.Channels)
	devCfg.SampleRate = uint32(cfg.CaptureSampleRate)
	devCfg.PeriodSizeInMilliseconds = uint32(cfg.PeriodMs)

	// The callback runs on the audio thread; it copies the block and hands it
	// off without blocking. A full channel drops the block.
	onRecv := func(_, input []byte, _ uint32) {
		block := make([]byte, len(input))
		copy(block, input)
		select {
		case d.captureCh <- block:
		default:
			if n := d.dropped.Add(1); n%100 == 1 {
				slog.Warn("capture queue full, dropping audio", "dropped_total", n)
			}
		}
	}

	dev, err := malgo.InitDevice(d.ctx.Context, devCfg, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		return fmt.Errorf("audioio: init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("audioio: start capture device: %w", err)
	}
	d.captureDev = dev
	return nil
}

func (d *MalgoDevice) initPlayback(cfg DeviceConfig) error {
	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.Playback.Format = malgo.FormatS16
	devCfg.Playback.Channels = uint32(cfg.Channels)
	devCfg.SampleRate = uint32(cfg.PlaybackSampleRate)
	devCfg.PeriodSizeInMilliseconds = uint32(cfg.PeriodMs)

	onSend := func(output, _ []byte, _ uint32) {
		n := d.ring.pop(output)
		for i := n; i < len(output); i++ {
			output[i] = 0
		}
		if n > 0 {
			d.playing.Store(true)
		}
		if d.playing.Load() && d.ring.empty() {
			d.playing.Store(false)
			select {
			case d.drained <- struct{}{}:
			default:
			}
		}
	}

	dev, err := malgo.InitDevice(d.ctx.Context, devCfg, malgo.DeviceCallbacks{Data: onSend})
	if err != nil {
		return fmt.Errorf("audioio: init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("audioio: start playback device: %w", err)
	}
	d.playbackDev = dev
	return nil
}

// Capture returns the raw captured PCM stream.
func (d *MalgoDevice) Capture() <-chan []byte {
	return d.captureCh
}

// Write enqueues PCM for playback. Data beyond the ring capacity is dropped.
func (d *MalgoDevice) Write(pcm []byte) error {
	if written := d.ring.push(pcm); written < len(pcm) {
		slog.Warn("playback queue overflow", "dropped_bytes", len(pcm)-written)
	}
	return nil
}

// ClearPlayback drops all queued playback audio immediately.
func (d *MalgoDevice) ClearPlayback() {
	d.ring.clear()
}

// Drained emits after the playback queue runs empty.
func (d *MalgoDevice) Drained() <-chan struct{} {
	return d.drained
}

// Stop tears down both devices and the audio context, and closes the capture
// channel. Stop is safe to call multiple times.
func (d *MalgoDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false
	d.teardownLocked()
	close(d.captureCh)
	return nil
}

func (d *MalgoDevice) teardownLocked() {
	if d.captureDev != nil {
		_ = d.captureDev.Stop()
		d.captureDev.Uninit()
		d.captureDev = nil
	}
	if d.playbackDev != nil {
		_ = d.playbackDev.Stop()
		d.playbackDev.Uninit()
		d.playbackDev = nil
	}
	if d.ctx != nil {
		_ = d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
	}
}
