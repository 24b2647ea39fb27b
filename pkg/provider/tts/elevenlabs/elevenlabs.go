// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/loqui-ai/loqui/pkg/types"
)

const (
	wsEndpointFmt  = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	voicesEndpoint = "https://api.elevenlabs.io/v1/voices"
	defaultModel   = "eleven_flash_v2_5"
	// reducedModel is a cheaper, lower-quality tier used when the voice
	// profile requests degraded synthesis under resource pressure.
	reducedModel     = "eleven_turbo_v2_5"
	defaultOutputFmt = "pcm_24000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text fragments from
// the text channel, and returns a channel emitting ordered SynthesisChunk
// values.
//
// The returned channel is closed when synthesis is complete or ctx is
// cancelled. Cancellation closes the socket, which discards any audio
// ElevenLabs had buffered server-side.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan types.SynthesisChunk, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	model := p.model
	if voice.Reduced {
		model = reducedModel
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, voice.ID, model, p.outputFormat)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	started := time.Now()
	sampleRate := parseOutputRate(p.outputFormat)
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.SpeedFactor != 0 && voice.SpeedFactor != 1.0 {
		vs.Speed = voice.SpeedFactor
	}

	// Send the initial BOI message to authenticate and configure the stream.
	boi := boiMessage{
		Text:          " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: vs,
		XiAPIKey:      p.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	chunks := make(chan types.SynthesisChunk, 256)

	go func() {
		defer close(chunks)

		// Reader goroutine decodes audio messages into ordered chunks. On a
		// clean finish the final chunk carries the Last flag; a socket
		// failure or a server-side error message closes the stream without
		// one, which consumers treat as a truncated response.
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			seq := 0
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var resp audioResponse
				if err := json.Unmarshal(msg, &resp); err != nil {
					continue
				}
				if isErrorMessage(resp) {
					slog.Warn("elevenlabs synthesis aborted", "message", resp.Message)
					return
				}

				var pcm []byte
				if resp.Audio != "" {
					pcm, err = base64.StdEncoding.DecodeString(resp.Audio)
					if err != nil {
						continue
					}
				}
				if len(pcm) == 0 && !resp.IsFinal {
					continue
				}

				out := types.SynthesisChunk{
					PCM:        pcm,
					SampleRate: sampleRate,
					Seq:        seq,
					First:      seq == 0,
					Last:       resp.IsFinal,
				}
				if out.First {
					out.FirstByteLatency = time.Since(started)
				}
				seq++

				select {
				case chunks <- out:
				case <-ctx.Done():
					return
				}
				if resp.IsFinal {
					return
				}
			}
		}()

		// Write text fragments to ElevenLabs. The chunk channel is closed
		// only after the reader has exited, never while it may still send.
		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					// Text channel closed, send the end-of-input flush and
					// let the reader drain the remaining audio.
					flushBytes, _ := json.Marshal(textMessage{Text: ""})
					_ = conn.Write(ctx, websocket.MessageText, flushBytes)
					<-readDone
					conn.Close(websocket.StatusNormalClosure, "done")
					return
				}
				if sentence == "" {
					continue
				}
				msgBytes, _ := json.Marshal(textMessage{Text: sentence})
				if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
					conn.Close(websocket.StatusInternalError, "write failed")
					<-readDone
					return
				}
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "cancelled")
				<-readDone
				return
			}
		}
	}()

	return chunks, nil
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return convertVoices(vr.Voices), nil
}

// ---- helpers ----

// convertVoices maps ElevenLabs voice entries to VoiceProfile values.
func convertVoices(voices []elevenLabsVoice) []types.VoiceProfile {
	profiles := make([]types.VoiceProfile, 0, len(voices))
	for _, v := range voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:          v.VoiceID,
			Name:        v.Name,
			Provider:    "elevenlabs",
			SpeedFactor: 1.0,
			Metadata:    meta,
		})
	}
	return profiles
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]types.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	return convertVoices(vr.Voices), nil
}

// isErrorMessage reports whether resp is a server-side error notification:
// a message with no audio payload and no final flag. Such a frame ends the
// stream; informational messages attached to audio or final frames do not.
func isErrorMessage(resp audioResponse) bool {
	return resp.Message != "" && resp.Audio == "" && !resp.IsFinal
}

// parseOutputRate extracts the sample rate from an ElevenLabs output format
// string such as "pcm_24000". Unknown formats report zero.
func parseOutputRate(format string) int {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0
	}
	rate, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return rate
}

// buildWSMessage constructs the JSON text payload for a single text fragment.
// Used by tests to verify the payload shape without opening a real connection.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// buildURLForVoice constructs the WebSocket URL for a given voice, model, and
// output format.
func buildURLForVoice(voiceID, model, outputFormat string) string {
	return fmt.Sprintf(wsEndpointFmt, voiceID, model, outputFormat)
}
