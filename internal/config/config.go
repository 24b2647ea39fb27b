// Package config provides the configuration schema, loader, and provider
// registry for the Loqui voice conversation engine.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so that YAML values like "1.5s" or "90m"
// decode via time.ParseDuration. Bare integers are rejected; units are
// required.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"1.5s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogLevel controls log verbosity for the Loqui engine.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Loqui.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Audio     AudioConfig     `yaml:"audio"`
	Session   SessionConfig   `yaml:"session"`
	Lookahead LookaheadConfig `yaml:"lookahead"`
	Providers ProvidersConfig `yaml:"providers"`
	Voice     VoiceConfig     `yaml:"voice"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// EngineConfig holds global runtime settings.
type EngineConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// SystemPrompt is the persona instruction injected into every LLM request.
	SystemPrompt string `yaml:"system_prompt"`
}

// AudioConfig describes the capture and playback audio format.
type AudioConfig struct {
	// SampleRate is the capture sample rate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the capture channel count. Default: 1 (mono).
	Channels int `yaml:"channels"`

	// FrameSizeMs is the capture frame duration in milliseconds. Default: 20.
	FrameSizeMs int `yaml:"frame_size_ms"`

	// PlaybackSampleRate is the playback sample rate in Hz. Default: 24000,
	// matching common TTS output.
	PlaybackSampleRate int `yaml:"playback_sample_rate"`
}

// SessionConfig holds the turn-taking thresholds for the orchestrator.
type SessionConfig struct {
	// SilenceThreshold is how long the user must stay silent after speaking
	// before the utterance is considered complete. Default: 1.5s.
	SilenceThreshold Duration `yaml:"silence_threshold"`

	// BargeInThreshold is the VAD confidence required for user speech to
	// interrupt AI playback. Range (0, 1]. Default: 0.7.
	BargeInThreshold float64 `yaml:"barge_in_threshold"`

	// MaxDuration caps a single session's lifetime. Default: 90m.
	MaxDuration Duration `yaml:"max_duration"`

	// Language is the BCP-47 language tag passed to the STT provider.
	Language string `yaml:"language"`
}

// LookaheadConfig tunes the chunk-ahead playback scheduler.
type LookaheadConfig struct {
	// Depth is how many segments beyond the playback cursor are rendered
	// ahead of time. Default: 3.
	Depth int `yaml:"depth"`

	// BufferingTimeout is how long playback waits for a segment's audio
	// before giving up. Default: 30s.
	BufferingTimeout Duration `yaml:"buffering_timeout"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// VoiceConfig specifies the TTS voice used for spoken responses.
type VoiceConfig struct {
	// Provider is the TTS provider name (e.g., "elevenlabs").
	Provider string `yaml:"provider"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 1.0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// TelemetryConfig configures the metrics endpoint.
type TelemetryConfig struct {
	// MetricsAddr is the TCP address the Prometheus /metrics endpoint listens
	// on (e.g., ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default values applied by [ApplyDefaults] when the YAML omits a field.
const (
	DefaultSampleRate         = 16000
	DefaultChannels           = 1
	DefaultFrameSizeMs        = 20
	DefaultPlaybackSampleRate = 24000

	DefaultSilenceThreshold = Duration(1500 * time.Millisecond)
	DefaultBargeInThreshold = 0.7
	DefaultMaxDuration      = Duration(90 * time.Minute)

	DefaultLookaheadDepth   = 3
	DefaultBufferingTimeout = Duration(30 * time.Second)
)

// ApplyDefaults fills zero-valued tunables with their documented defaults.
// Called by the loader after decoding and before validation.
func ApplyDefaults(cfg *Config) {
	if cfg.Engine.LogLevel == "" {
		cfg.Engine.LogLevel = LogInfo
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = DefaultChannels
	}
	if cfg.Audio.FrameSizeMs == 0 {
		cfg.Audio.FrameSizeMs = DefaultFrameSizeMs
	}
	if cfg.Audio.PlaybackSampleRate == 0 {
		cfg.Audio.PlaybackSampleRate = DefaultPlaybackSampleRate
	}
	if cfg.Session.SilenceThreshold == 0 {
		cfg.Session.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.Session.BargeInThreshold == 0 {
		cfg.Session.BargeInThreshold = DefaultBargeInThreshold
	}
	if cfg.Session.MaxDuration == 0 {
		cfg.Session.MaxDuration = DefaultMaxDuration
	}
	if cfg.Lookahead.Depth == 0 {
		cfg.Lookahead.Depth = DefaultLookaheadDepth
	}
	if cfg.Lookahead.BufferingTimeout == 0 {
		cfg.Lookahead.BufferingTimeout = DefaultBufferingTimeout
	}
	if cfg.Voice.SpeedFactor == 0 {
		cfg.Voice.SpeedFactor = 1.0
	}
}
