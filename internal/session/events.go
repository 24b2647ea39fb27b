package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqui-ai/loqui/internal/audioio"
	"github.com/loqui-ai/loqui/pkg/types"
)

// EventType classifies an entry on the session's event feed.
type EventType string

const (
	// EventStateChanged is emitted on every state machine transition.
	EventStateChanged EventType = "state_changed"

	// EventTranscript carries an interim or final transcription result.
	EventTranscript EventType = "transcript"

	// EventResponseText carries the assistant's full response text once its
	// playback has finished.
	EventResponseText EventType = "response_text"

	// EventAudioLevel carries the RMS level of one capture frame.
	EventAudioLevel EventType = "audio_level"

	// EventLatency carries one latency measurement, named by Metric.
	EventLatency EventType = "latency"

	// EventPressure carries a resource-pressure change from the audio path.
	EventPressure EventType = "pressure"

	// EventError carries the unrecoverable failure that moved the session to
	// the error state.
	EventError EventType = "error"
)

// Event is one entry on the session's observable feed. Only the fields
// relevant to the Type are populated.
type Event struct {
	Type   EventType
	At     time.Time
	TurnID uuid.UUID

	// State is the new state for EventStateChanged.
	State State

	// Transcript is the transcription result for EventTranscript.
	Transcript types.Transcript

	// Text is the transcript or response text, or the error description.
	Text string

	// Level is the capture frame RMS for EventAudioLevel, in [0, 1].
	Level float64

	// Metric names the measurement for EventLatency: "time_to_first_token",
	// "time_to_first_audio", or "turn".
	Metric string

	// Value is the measured duration for EventLatency.
	Value time.Duration

	// Pressure is the new level for EventPressure.
	Pressure audioio.Pressure

	// Err is the failure for EventError.
	Err error
}

// eventBuffer is the per-subscriber channel depth. A subscriber that falls
// further behind loses events rather than stalling the session.
const eventBuffer = 64

// feed is a broadcast channel fan-out for session events. Publishing never
// blocks.
type feed struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newFeed() *feed {
	return &feed{subs: make(map[int]chan Event)}
}

// subscribe registers a new listener. The returned cancel function removes
// the subscription and closes its channel.
func (f *feed) subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan Event, eventBuffer)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
}

// publish delivers the event to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (f *feed) publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
