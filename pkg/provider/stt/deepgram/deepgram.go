// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/loqui-ai/loqui/pkg/provider/stt"
	"github.com/loqui-ai/loqui/pkg/types"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// utteranceEndMs is how long Deepgram waits after the last word before
	// emitting an UtteranceEnd event.
	utteranceEndMs = 1000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
// It respects cfg.SampleRate, cfg.Language, and cfg.InterimResults.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:    conn,
		results: make(chan types.Transcript, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	// Endpointing events mark end of utterance without waiting for Close.
	q.Set("vad_events", "true")
	q.Set("utterance_end_ms", strconv.Itoa(utteranceEndMs))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for Results and
// UtteranceEnd events.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn    *websocket.Conn
	results chan types.Transcript
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// lastAudio is the wall-clock time the most recent audio chunk was written
	// to the socket, used to derive Transcript.Latency. Guarded by lastMu.
	lastMu    sync.Mutex
	lastAudio time.Time
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Results returns the merged channel of partial and final transcripts.
func (s *session) Results() <-chan types.Transcript { return s.results }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Send a close message to Deepgram to flush pending audio.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
			s.lastMu.Lock()
			s.lastAudio = time.Now()
			s.lastMu.Unlock()
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// results channel.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation, exit gracefully.
			return
		}

		t, ok := parseResponse(msg)
		if !ok {
			continue
		}
		t.Latency = s.sinceLastAudio()

		select {
		case s.results <- t:
		case <-s.done:
		}
	}
}

// sinceLastAudio returns the elapsed time since the last audio write, or zero
// if no audio has been sent yet.
func (s *session) sinceLastAudio() time.Duration {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.lastAudio.IsZero() {
		return 0
	}
	return time.Since(s.lastAudio)
}

// parseResponse parses a raw Deepgram WebSocket message into a Transcript.
// Returns (Transcript, true) on success, or (zero, false) if the message should
// be ignored.
//
// Deepgram signals end of utterance two ways: a Results event with
// speech_final set, or a standalone UtteranceEnd event after a pause. Both map
// to a Transcript with EndOfUtterance set; the UtteranceEnd variant carries no
// text and exists only to fire the signal when the last Results event was not
// speech-final.
func parseResponse(data []byte) (types.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, false
	}

	switch resp.Type {
	case "Results":
		if len(resp.Channel.Alternatives) == 0 {
			return types.Transcript{}, false
		}
		alt := resp.Channel.Alternatives[0]
		return types.Transcript{
			Text:           alt.Transcript,
			IsFinal:        resp.IsFinal,
			EndOfUtterance: resp.SpeechFinal,
			Confidence:     alt.Confidence,
		}, true
	case "UtteranceEnd":
		return types.Transcript{
			IsFinal:        true,
			EndOfUtterance: true,
		}, true
	default:
		return types.Transcript{}, false
	}
}
