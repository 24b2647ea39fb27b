// Package session contains the conversation orchestrator: the top-level state
// machine that owns the turn lifecycle and the conversation history.
//
// One Orchestrator instance exclusively owns its audio subsystem. Audio
// frames, transcription results, turn-detection completions, pipeline
// signals, and timers all converge on a single run loop; that loop is the
// only writer of the session state and the conversation history, so no state
// transition ever races another.
//
// A session cycles UserSpeaking, ProcessingUtterance, AIThinking, AISpeaking
// and back for every turn. A barge-in during AISpeaking cancels the in-flight
// pipeline, discards queued playback, and drops straight back to
// UserSpeaking; the truncated response never reaches the history.
// Unrecoverable provider failures park the session in the error state until
// the caller starts it afresh.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqui-ai/loqui/internal/audioio"
	"github.com/loqui-ai/loqui/internal/observe"
	"github.com/loqui-ai/loqui/internal/pipeline"
	"github.com/loqui-ai/loqui/internal/turndetect"
	"github.com/loqui-ai/loqui/pkg/audio"
	"github.com/loqui-ai/loqui/pkg/provider/stt"
	"github.com/loqui-ai/loqui/pkg/types"
)

// State is the session's current position in the turn-taking state machine.
// It is changed only by the orchestrator's run loop.
type State string

const (
	// StateIdle means no session is active.
	StateIdle State = "idle"

	// StateUserSpeaking means the session is listening for user speech.
	StateUserSpeaking State = "user_speaking"

	// StateProcessingUtterance means the utterance was finalised and is being
	// handed to the pipeline.
	StateProcessingUtterance State = "processing_utterance"

	// StateAIThinking means the pipeline is running but no token has arrived.
	StateAIThinking State = "ai_thinking"

	// StateAISpeaking means response audio is being synthesised and played.
	StateAISpeaking State = "ai_speaking"

	// StateInterrupted is the transient state entered while a barge-in tears
	// down the in-flight response.
	StateInterrupted State = "interrupted"

	// StateError means the session failed unrecoverably. A fresh Start is
	// required.
	StateError State = "error"
)

// Tunable defaults. The barge-in and silence thresholds are deliberate
// configuration points rather than constants; ambient-noise adaptation can be
// layered on by the caller.
const (
	DefaultSilenceThreshold = 1500 * time.Millisecond
	DefaultBargeInThreshold = 0.7
	DefaultMaxDuration      = 90 * time.Minute

	defaultSampleRate = 16000
	defaultChannels   = 1
)

// AudioIO is the capture and playback surface the orchestrator drives.
// Implemented by [audioio.Subsystem].
type AudioIO interface {
	Start(ctx context.Context) error
	CaptureStream() <-chan audio.TaggedFrame
	BeginUtterance()
	Play(chunk types.SynthesisChunk) error
	StopPlayback()
	PlaybackComplete() <-chan struct{}
	PressureSignal() <-chan audioio.Pressure
	Stop() error
}

var _ AudioIO = (*audioio.Subsystem)(nil)

// Config carries the orchestrator's tunables.
type Config struct {
	// SilenceThreshold is the debounce before silence completes an utterance.
	SilenceThreshold time.Duration

	// BargeInThreshold is the minimum VAD confidence that counts as an
	// interruption while the session is speaking.
	BargeInThreshold float64

	// MaxDuration bounds the whole session; when it elapses the session is
	// forced back to idle regardless of state.
	MaxDuration time.Duration

	// SampleRate and Channels describe the capture audio fed to transcription.
	SampleRate int
	Channels   int

	// Language is the BCP-47 recognition hint, empty for auto-detection.
	Language string

	// FinalsOnly disables interim transcription results.
	FinalsOnly bool

	// Voice is the synthesis voice for responses. Its Reduced flag is
	// overridden per turn while the audio path reports elevated pressure.
	Voice types.VoiceProfile
}

func (c *Config) applyDefaults() {
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.BargeInThreshold <= 0 {
		c.BargeInThreshold = DefaultBargeInThreshold
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.SampleRate <= 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = defaultChannels
	}
}

// Orchestrator runs one voice conversation session.
//
// Construct with [New], drive with [Orchestrator.Start] and
// [Orchestrator.Stop]. All exported methods are safe for concurrent use.
type Orchestrator struct {
	audioDev AudioIO
	sttP     stt.Provider
	pipe     *pipeline.Coordinator
	cfg      Config
	metrics  *observe.Metrics
	events   *feed

	mu        sync.Mutex
	state     State
	id        uuid.UUID
	history   *ConversationHistory
	turn      *Turn
	reduced   bool
	running   bool
	runCancel context.CancelFunc
	stopCh    chan struct{}
	loopDone  chan struct{}
}

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics enables recording of turn, latency, and barge-in metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New constructs an Orchestrator over the given audio subsystem,
// transcription provider, and pipeline coordinator.
func New(audioDev AudioIO, sttP stt.Provider, pipe *pipeline.Coordinator, cfg Config, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		audioDev: audioDev,
		sttP:     sttP,
		pipe:     pipe,
		cfg:      cfg,
		events:   newFeed(),
		state:    StateIdle,
		history:  NewHistory(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the session's current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ID returns the identifier of the current (or most recent) session.
func (o *Orchestrator) ID() uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.id
}

// History returns a snapshot of the conversation history.
func (o *Orchestrator) History() []types.Message {
	o.mu.Lock()
	h := o.history
	o.mu.Unlock()
	return h.Messages()
}

// Events subscribes to the session's observable feed: state changes, interim
// transcripts, response text, audio levels, latency marks, and errors. The
// returned cancel function ends the subscription.
func (o *Orchestrator) Events() (<-chan Event, func()) {
	return o.events.subscribe()
}

// Start brings the session up: the audio subsystem is started, the
// transcription stream opened, and the state machine enters UserSpeaking.
// It returns an error, and leaves the session idle, if either fails.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("session: already active")
	}
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	if err := o.audioDev.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("session: audio subsystem: %w", err)
	}
	sess, err := o.sttP.StartStream(runCtx, stt.StreamConfig{
		SampleRate:     o.cfg.SampleRate,
		Channels:       o.cfg.Channels,
		Language:       o.cfg.Language,
		InterimResults: !o.cfg.FinalsOnly,
	})
	if err != nil {
		_ = o.audioDev.Stop()
		cancel()
		if o.metrics != nil {
			o.metrics.RecordProviderError(ctx, "stt", "start_stream")
		}
		return fmt.Errorf("session: open transcription stream: %w", err)
	}

	det := turndetect.New(o.cfg.SilenceThreshold)
	stopCh := make(chan struct{}, 1)
	loopDone := make(chan struct{})

	o.mu.Lock()
	o.id = uuid.New()
	o.history = NewHistory()
	o.reduced = false
	o.running = true
	o.runCancel = cancel
	o.stopCh = stopCh
	o.loopDone = loopDone
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(ctx, 1)
	}
	slog.Info("session started",
		"session_id", o.ID(),
		"sample_rate", o.cfg.SampleRate,
		"silence_threshold", o.cfg.SilenceThreshold,
		"barge_in_threshold", o.cfg.BargeInThreshold,
	)

	o.setState(StateUserSpeaking)
	o.beginTurn()
	go o.run(runCtx, sess, det, stopCh, loopDone)
	return nil
}

// Stop ends the session and blocks until teardown completes. Safe to call
// when no session is active.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	stopCh := o.stopCh
	loopDone := o.loopDone
	o.mu.Unlock()

	select {
	case stopCh <- struct{}{}:
	default:
	}
	<-loopDone
	return nil
}

// run is the session's single-writer event loop. Every mutation of the state
// machine, the current turn, and the history happens here.
func (o *Orchestrator) run(ctx context.Context, sess stt.SessionHandle, det *turndetect.Detector, stopCh <-chan struct{}, loopDone chan<- struct{}) {
	defer close(loopDone)

	frames := o.audioDev.CaptureStream()
	results := sess.Results()
	completions := det.Completions()
	playback := o.audioDev.PlaybackComplete()
	pressure := o.audioDev.PressureSignal()
	fatalCh := make(chan error, 1)

	maxTimer := time.NewTimer(o.cfg.MaxDuration)
	defer maxTimer.Stop()

	// Per-turn pipeline state, owned by this loop.
	var (
		h         *pipeline.Handle
		quit      chan struct{}
		firstTok  <-chan struct{}
		pipeDone  <-chan struct{}
		utterDone time.Time
		turnCtx   context.Context
		turnSpan  trace.Span
	)

	// endSpan closes the active turn span, if any, with its outcome.
	endSpan := func(outcome string) {
		if turnSpan == nil {
			return
		}
		turnSpan.SetAttributes(attribute.String("outcome", outcome))
		turnSpan.End()
		turnSpan = nil
	}

	// abandonPipeline cancels the in-flight response, if any, and detaches
	// its signals from the loop.
	abandonPipeline := func() {
		if h == nil {
			return
		}
		close(quit)
		h.Cancel()
		h = nil
		quit = nil
		firstTok = nil
		pipeDone = nil
	}

	for {
		select {
		case <-stopCh:
			abandonPipeline()
			endSpan("abandoned")
			o.teardown(sess, det, StateIdle)
			return

		case <-ctx.Done():
			abandonPipeline()
			endSpan("abandoned")
			o.teardown(sess, det, StateIdle)
			return

		case <-maxTimer.C:
			slog.Info("session reached maximum duration", "session_id", o.ID(), "max_duration", o.cfg.MaxDuration)
			abandonPipeline()
			endSpan("abandoned")
			o.teardown(sess, det, StateIdle)
			return

		case err := <-fatalCh:
			abandonPipeline()
			endSpan("error")
			o.recordTurn(ctx, "error")
			o.fail(sess, det, err)
			return

		case f, ok := <-frames:
			if !ok {
				abandonPipeline()
				endSpan("error")
				o.fail(sess, det, errors.New("session: capture stream closed"))
				return
			}
			o.events.publish(Event{Type: EventAudioLevel, TurnID: o.turnID(), Level: audio.RMS(f.Frame.Data)})
			if err := sess.SendAudio(f.Frame.Data); err != nil {
				if o.metrics != nil {
					o.metrics.RecordProviderError(ctx, "stt", "send_audio")
				}
				abandonPipeline()
				endSpan("error")
				o.recordTurn(ctx, "error")
				o.fail(sess, det, fmt.Errorf("session: forward audio to transcription: %w", err))
				return
			}
			switch o.State() {
			case StateUserSpeaking:
				det.ObserveVAD(f.VAD)
			case StateAISpeaking:
				if f.VAD.IsSpeech && f.VAD.Confidence >= o.cfg.BargeInThreshold {
					slog.Info("barge-in detected",
						"session_id", o.ID(),
						"turn_id", o.turnID(),
						"confidence", f.VAD.Confidence,
					)
					if o.metrics != nil {
						o.metrics.BargeIns.Add(ctx, 1)
					}
					o.setState(StateInterrupted)
					abandonPipeline()
					o.audioDev.StopPlayback()
					endSpan("interrupted")
					o.closeTurn(true)
					o.recordTurn(ctx, "interrupted")
					o.setState(StateUserSpeaking)
					det.Reset()
					o.beginTurn()
					// The interrupting speech opens the next utterance.
					det.ObserveVAD(f.VAD)
				}
			}

		case tr, ok := <-results:
			if !ok {
				abandonPipeline()
				endSpan("error")
				o.recordTurn(ctx, "error")
				o.fail(sess, det, errors.New("session: transcription stream closed"))
				return
			}
			o.events.publish(Event{Type: EventTranscript, TurnID: o.turnID(), Transcript: tr, Text: tr.Text})
			if tr.IsFinal && tr.Latency > 0 && o.metrics != nil {
				o.metrics.STTLatency.Record(ctx, tr.Latency.Seconds())
			}
			if o.State() == StateUserSpeaking {
				det.ObserveTranscript(tr)
			}

		case comp, ok := <-completions:
			if !ok {
				continue
			}
			if o.State() != StateUserSpeaking {
				continue
			}
			text := strings.TrimSpace(comp.Transcript.Text)
			if text == "" {
				det.Reset()
				continue
			}
			turnCtx, turnSpan = observe.StartSpan(ctx, "session.turn",
				trace.WithAttributes(attribute.String("turn_id", o.turnID().String())))
			observe.Logger(turnCtx).Debug("utterance complete",
				"session_id", o.ID(),
				"turn_id", o.turnID(),
				"source", comp.Source,
				"chars", len(text),
			)
			o.setState(StateProcessingUtterance)
			o.setTurnTranscript(text)
			utterDone = time.Now()

			snapshot := o.History()
			o.appendHistory("user", text)

			handle, err := o.pipe.Run(turnCtx, text, snapshot, o.currentVoice())
			if err != nil {
				turnSpan.RecordError(err)
				endSpan("error")
				o.recordTurn(ctx, "error")
				o.fail(sess, det, err)
				return
			}
			h = handle
			quit = make(chan struct{})
			firstTok = h.FirstToken()
			pipeDone = h.Done()
			o.setState(StateAIThinking)
			o.audioDev.BeginUtterance()
			go o.deliver(h, quit, fatalCh)

		case <-firstTok:
			firstTok = nil
			o.setState(StateAISpeaking)
			o.events.publish(Event{
				Type:   EventLatency,
				TurnID: o.turnID(),
				Metric: "time_to_first_token",
				Value:  h.TimeToFirstToken(),
			})

		case <-pipeDone:
			pipeDone = nil
			// The first-token signal may be pending in the same select round;
			// consume it so a fast pipeline still reaches AISpeaking before the
			// turn is judged.
			if firstTok != nil {
				select {
				case <-firstTok:
					firstTok = nil
					o.setState(StateAISpeaking)
					o.events.publish(Event{
						Type:   EventLatency,
						TurnID: o.turnID(),
						Metric: "time_to_first_token",
						Value:  h.TimeToFirstToken(),
					})
				default:
				}
			}
			if err := h.Err(); err != nil {
				abandonPipeline()
				if turnSpan != nil {
					turnSpan.RecordError(err)
				}
				endSpan("error")
				o.recordTurn(ctx, "error")
				o.fail(sess, det, err)
				return
			}
			// A response that produced no audio has nothing to wait for;
			// close the turn now instead of on playback completion.
			if o.State() != StateAISpeaking {
				o.finishTurn(turnCtx, h, det, utterDone)
				endSpan("completed")
				close(quit)
				h = nil
				quit = nil
				firstTok = nil
			}

		case <-playback:
			if o.State() != StateAISpeaking || h == nil {
				continue
			}
			o.finishTurn(turnCtx, h, det, utterDone)
			endSpan("completed")
			close(quit)
			h = nil
			quit = nil
			firstTok = nil
			pipeDone = nil

		case p := <-pressure:
			o.setReduced(p == audioio.PressureElevated)
			o.events.publish(Event{Type: EventPressure, Pressure: p})
			slog.Info("resource pressure changed", "session_id", o.ID(), "elevated", p == audioio.PressureElevated)
		}
	}
}

// deliver forwards one response's chunks from the pipeline to playback. It
// exits when the pipeline's chunk stream closes or quit is signalled; quit
// also stops buffered chunks of an abandoned response from reaching the
// device after a barge-in. A chunk already in hand when the barge-in lands is
// rejected by the flushed playback path; neither that nor a stopped subsystem
// is an error of the session.
func (o *Orchestrator) deliver(h *pipeline.Handle, quit <-chan struct{}, fatal chan<- error) {
	for {
		select {
		case <-quit:
			return
		case chunk, ok := <-h.Chunks():
			if !ok {
				return
			}
			// Re-check quit before touching the device; both cases of the
			// outer select can be ready at once.
			select {
			case <-quit:
				return
			default:
			}
			if err := o.audioDev.Play(chunk); err != nil {
				if errors.Is(err, audioio.ErrNotRunning) || errors.Is(err, audioio.ErrPlaybackFlushed) {
					return
				}
				select {
				case fatal <- fmt.Errorf("session: enqueue playback chunk: %w", err):
				default:
				}
				return
			}
		}
	}
}

// finishTurn closes a successfully completed turn: the response joins the
// history, latency is recorded, and the loop re-enters UserSpeaking.
func (o *Orchestrator) finishTurn(ctx context.Context, h *pipeline.Handle, det *turndetect.Detector, utterDone time.Time) {
	text := h.Text()
	if text != "" {
		o.appendHistory("assistant", text)
	}
	o.setTurnResponse(text)

	turnLatency := time.Since(utterDone)
	if o.metrics != nil {
		o.metrics.TurnLatency.Record(ctx, turnLatency.Seconds())
	}
	o.recordTurn(ctx, "completed")
	o.events.publish(Event{Type: EventResponseText, TurnID: o.turnID(), Text: text})
	o.events.publish(Event{Type: EventLatency, TurnID: o.turnID(), Metric: "time_to_first_audio", Value: h.TimeToFirstAudio()})
	o.events.publish(Event{Type: EventLatency, TurnID: o.turnID(), Metric: "turn", Value: turnLatency})
	observe.Logger(ctx).Debug("turn completed",
		"session_id", o.ID(),
		"turn_id", o.turnID(),
		"latency", turnLatency,
		"time_to_first_token", h.TimeToFirstToken(),
		"time_to_first_audio", h.TimeToFirstAudio(),
	)

	o.setState(StateUserSpeaking)
	det.Reset()
	o.beginTurn()
}

// fail moves the session to the error state after releasing all resources.
func (o *Orchestrator) fail(sess stt.SessionHandle, det *turndetect.Detector, err error) {
	slog.Error("session failed", "session_id", o.ID(), "error", err)
	o.events.publish(Event{Type: EventError, TurnID: o.turnID(), Err: err, Text: err.Error()})
	o.teardown(sess, det, StateError)
}

// teardown releases the transcription session, the detector, and the audio
// subsystem, then parks the state machine in final.
func (o *Orchestrator) teardown(sess stt.SessionHandle, det *turndetect.Detector, final State) {
	det.Close()
	if err := sess.Close(); err != nil {
		slog.Warn("close transcription session", "session_id", o.ID(), "error", err)
	}
	o.audioDev.StopPlayback()
	if err := o.audioDev.Stop(); err != nil {
		slog.Warn("stop audio subsystem", "session_id", o.ID(), "error", err)
	}

	o.mu.Lock()
	o.running = false
	cancel := o.runCancel
	o.runCancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	o.setState(final)
	slog.Info("session ended", "session_id", o.ID(), "state", final)
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	turnID := uuid.Nil
	if o.turn != nil {
		turnID = o.turn.ID
	}
	o.mu.Unlock()
	o.events.publish(Event{Type: EventStateChanged, State: s, TurnID: turnID})
}

func (o *Orchestrator) beginTurn() {
	o.mu.Lock()
	o.turn = newTurn()
	o.mu.Unlock()
}

func (o *Orchestrator) closeTurn(cancelled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.turn != nil {
		o.turn.Cancelled = cancelled
		o.turn.EndedAt = time.Now()
	}
}

func (o *Orchestrator) turnID() uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.turn == nil {
		return uuid.Nil
	}
	return o.turn.ID
}

func (o *Orchestrator) setTurnTranscript(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.turn != nil {
		o.turn.UserTranscript = text
	}
}

func (o *Orchestrator) setTurnResponse(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.turn != nil {
		o.turn.ResponseText = text
		o.turn.EndedAt = time.Now()
	}
}

func (o *Orchestrator) appendHistory(role, content string) {
	o.mu.Lock()
	h := o.history
	o.mu.Unlock()
	h.Append(role, content)
}

func (o *Orchestrator) setReduced(reduced bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reduced = reduced
}

// currentVoice returns the configured voice with the Reduced flag reflecting
// the audio path's pressure signal.
func (o *Orchestrator) currentVoice() types.VoiceProfile {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := o.cfg.Voice
	if o.reduced {
		v.Reduced = true
	}
	return v
}

func (o *Orchestrator) recordTurn(ctx context.Context, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordTurn(ctx, outcome)
	}
}
