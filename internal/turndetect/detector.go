// Package turndetect decides when a user utterance is complete.
//
// The transcription provider's own end-of-utterance signal is authoritative.
// When the provider does not assert it promptly, a silence debounce acts as a
// fallback: once speech has been observed, a cancellable timer is armed on the
// first silent frame and fires after a configurable threshold, synthesising a
// completion event from the current interim transcript. Whichever signal
// arrives first ends the turn; the other is discarded.
package turndetect

import (
	"strings"
	"sync"
	"time"

	"github.com/loqui-ai/loqui/pkg/audio"
	"github.com/loqui-ai/loqui/pkg/types"
)

// Source identifies which signal produced a completion event.
type Source string

const (
	// SourceProvider means the transcription provider asserted end-of-utterance.
	SourceProvider Source = "provider"

	// SourceSilence means the silence debounce timer fired.
	SourceSilence Source = "silence"
)

// Completion is the single end-of-utterance event emitted per detection cycle.
type Completion struct {
	// Transcript is the final user transcript for the utterance. For
	// silence-detected completions it is synthesised from the interim text
	// with EndOfUtterance forced true.
	Transcript types.Transcript

	// Source records which signal won the race.
	Source Source

	// At is the wall-clock time the completion was decided.
	At time.Time
}

// Detector races the silence debounce against the provider's end-of-utterance
// signal. Feed it every VAD result via [Detector.ObserveVAD] and every
// transcript via [Detector.ObserveTranscript] while the user is speaking.
//
// Exactly one [Completion] is emitted per cycle. After an emission the
// detector stays inert until [Detector.Reset] starts the next cycle.
// All methods are safe for concurrent use.
type Detector struct {
	threshold time.Duration
	now       func() time.Time

	mu           sync.Mutex
	hasSpeech    bool
	inSilence    bool
	silenceStart time.Time
	timer        *time.Timer
	committed    []string
	interim      string
	fired        bool
	closed       bool
	completions  chan Completion
}

// New constructs a Detector with the given silence threshold.
func New(threshold time.Duration) *Detector {
	return &Detector{
		threshold: threshold,
		now:       time.Now,
		// Buffer of one: the fired guard ensures at most one emission per
		// cycle, so a send never blocks even with a slow consumer.
		completions: make(chan Completion, 1),
	}
}

// Completions returns the channel on which completion events are delivered.
// The channel is closed by [Detector.Close].
func (d *Detector) Completions() <-chan Completion {
	return d.completions
}

// ObserveVAD feeds one frame classification into the silence debounce.
//
// The first speech frame marks the utterance as started. The first silent
// frame after speech arms the timer at silenceStart + threshold; a later
// speech frame cancels it. The timer only fires when the accumulated
// transcript is non-empty, so a completion never precedes any recognised text.
func (d *Detector) ObserveVAD(r audio.VADResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired || d.closed {
		return
	}

	if r.IsSpeech {
		d.hasSpeech = true
		d.inSilence = false
		d.stopTimerLocked()
		return
	}

	if !d.hasSpeech || d.inSilence {
		return
	}
	d.inSilence = true
	d.silenceStart = d.now()
	d.armTimerLocked()
}

// ObserveTranscript feeds one transcription result into the race.
//
// Interim results replace the current interim text; final results are
// committed and accumulate. A result carrying EndOfUtterance wins the race
// outright, cancels the timer, and emits the completion.
func (d *Detector) ObserveTranscript(t types.Transcript) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired || d.closed {
		return
	}

	if t.IsFinal {
		if t.Text != "" {
			d.committed = append(d.committed, t.Text)
		}
		d.interim = ""
	} else {
		d.interim = t.Text
	}

	if t.EndOfUtterance {
		d.stopTimerLocked()
		text := d.currentTextLocked()
		d.emitLocked(Completion{
			Transcript: types.Transcript{
				Text:           text,
				IsFinal:        true,
				EndOfUtterance: true,
				Confidence:     t.Confidence,
				Latency:        t.Latency,
			},
			Source: SourceProvider,
			At:     d.now(),
		})
		return
	}

	// Text arriving during ongoing silence re-arms a timer that previously
	// fired on an empty transcript.
	if d.inSilence && d.timer == nil && d.currentTextLocked() != "" {
		d.armTimerLocked()
	}
}

// Reset clears all cycle state so the detector can decide the next utterance.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.stopTimerLocked()
	d.hasSpeech = false
	d.inSilence = false
	d.silenceStart = time.Time{}
	d.committed = nil
	d.interim = ""
	d.fired = false
}

// Close stops the timer and closes the completions channel. Close is safe to
// call multiple times.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.stopTimerLocked()
	close(d.completions)
}

// armTimerLocked schedules the debounce to fire at silenceStart + threshold.
// Must be called with mu held.
func (d *Detector) armTimerLocked() {
	delay := d.threshold - d.now().Sub(d.silenceStart)
	if delay < 0 {
		delay = 0
	}
	d.timer = time.AfterFunc(delay, d.onTimer)
}

// stopTimerLocked cancels a pending debounce, if any. Must be called with mu
// held.
func (d *Detector) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// onTimer runs when the debounce expires without being cancelled.
func (d *Detector) onTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired || d.closed || !d.inSilence {
		return
	}
	d.timer = nil

	text := d.currentTextLocked()
	if text == "" {
		// Nothing recognised yet. A later transcript during this silence
		// re-arms the timer via ObserveTranscript.
		return
	}
	d.emitLocked(Completion{
		Transcript: types.Transcript{
			Text:           text,
			IsFinal:        true,
			EndOfUtterance: true,
		},
		Source: SourceSilence,
		At:     d.now(),
	})
}

// emitLocked delivers the cycle's single completion. Must be called with mu
// held and only when fired is false.
func (d *Detector) emitLocked(c Completion) {
	d.fired = true
	d.completions <- c
}

// currentTextLocked joins committed segments and the current interim text.
// Must be called with mu held.
func (d *Detector) currentTextLocked() string {
	parts := make([]string, 0, len(d.committed)+1)
	for _, s := range d.committed {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if s := strings.TrimSpace(d.interim); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}
