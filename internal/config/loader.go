package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Engine.LogLevel != "" && !cfg.Engine.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("engine.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Engine.LogLevel))
	}

	// Audio format
	if cfg.Audio.SampleRate < 8000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is too low; minimum 8000", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}
	if cfg.Audio.FrameSizeMs < 10 || cfg.Audio.FrameSizeMs > 100 {
		errs = append(errs, fmt.Errorf("audio.frame_size_ms %d is out of range [10, 100]", cfg.Audio.FrameSizeMs))
	}

	// Turn-taking thresholds
	if cfg.Session.SilenceThreshold < 0 {
		errs = append(errs, fmt.Errorf("session.silence_threshold must not be negative"))
	}
	if cfg.Session.BargeInThreshold <= 0 || cfg.Session.BargeInThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.barge_in_threshold %.2f is out of range (0, 1]", cfg.Session.BargeInThreshold))
	}
	if cfg.Session.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("session.max_duration must not be negative"))
	}

	// Lookahead scheduler
	if cfg.Lookahead.Depth < 1 {
		errs = append(errs, fmt.Errorf("lookahead.depth %d must be at least 1", cfg.Lookahead.Depth))
	}
	if cfg.Lookahead.BufferingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("lookahead.buffering_timeout must be positive"))
	}

	// Provider name validation, warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; the engine cannot generate responses")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; the engine cannot transcribe speech")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; the engine cannot speak responses")
	}

	// Voice
	if cfg.Voice.SpeedFactor != 0 {
		if cfg.Voice.SpeedFactor < 0.5 || cfg.Voice.SpeedFactor > 2.0 {
			errs = append(errs, fmt.Errorf("voice.speed_factor %.2f is out of range [0.5, 2.0]", cfg.Voice.SpeedFactor))
		}
	}
	if cfg.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && cfg.Voice.Provider != cfg.Providers.TTS.Name {
		slog.Warn("voice provider does not match configured TTS provider",
			"voice_provider", cfg.Voice.Provider,
			"tts_provider", cfg.Providers.TTS.Name,
		)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
