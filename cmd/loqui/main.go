// Command loqui runs the Loqui voice conversation engine: a full-duplex,
// interruptible voice session on the local microphone and speakers, or a
// long-document read-aloud when started with -read.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/loqui-ai/loqui/internal/audioio"
	"github.com/loqui-ai/loqui/internal/config"
	"github.com/loqui-ai/loqui/internal/lookahead"
	"github.com/loqui-ai/loqui/internal/observe"
	"github.com/loqui-ai/loqui/internal/pipeline"
	"github.com/loqui-ai/loqui/internal/readaloud"
	"github.com/loqui-ai/loqui/internal/resilience"
	"github.com/loqui-ai/loqui/internal/session"
	"github.com/loqui-ai/loqui/pkg/provider/llm"
	"github.com/loqui-ai/loqui/pkg/provider/llm/anyllm"
	oai "github.com/loqui-ai/loqui/pkg/provider/llm/openai"
	"github.com/loqui-ai/loqui/pkg/provider/stt"
	"github.com/loqui-ai/loqui/pkg/provider/stt/deepgram"
	"github.com/loqui-ai/loqui/pkg/provider/tts"
	"github.com/loqui-ai/loqui/pkg/provider/tts/elevenlabs"
	"github.com/loqui-ai/loqui/pkg/provider/vad"
	"github.com/loqui-ai/loqui/pkg/provider/vad/energy"
	"github.com/loqui-ai/loqui/pkg/types"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	readPath := flag.String("read", "", "read the given text file aloud instead of starting a conversation")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "loqui: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "loqui: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Engine.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry: OTel SDK with the Prometheus bridge, plus the scrape endpoint.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "loqui",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	if cfg.Telemetry.MetricsAddr != "" {
		metricsSrv := observe.NewMetricsServer(cfg.Telemetry.MetricsAddr, metrics)
		go func() {
			if err := metricsSrv.Start(); err != nil {
				slog.Error("metrics server error", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmP, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to build LLM provider", "err", err)
		return 1
	}
	sttP, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		slog.Error("failed to build STT provider", "err", err)
		return 1
	}
	ttsP, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		slog.Error("failed to build TTS provider", "err", err)
		return 1
	}
	vadEngine, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		slog.Error("failed to build VAD engine", "err", err)
		return 1
	}

	// Circuit breakers around the network providers: a backend that fails
	// repeatedly on setup is bypassed for the reset window instead of being
	// hammered on every turn.
	fbCfg := resilience.FallbackConfig{}
	llmP = resilience.NewLLM(llmP, cfg.Providers.LLM.Name, fbCfg)
	sttP = resilience.NewSTT(sttP, cfg.Providers.STT.Name, fbCfg)
	ttsP = resilience.NewTTS(ttsP, cfg.Providers.TTS.Name, fbCfg)

	voice := types.VoiceProfile{
		ID:          cfg.Voice.VoiceID,
		Provider:    cfg.Voice.Provider,
		SpeedFactor: cfg.Voice.SpeedFactor,
	}

	sub := audioio.New(audioio.NewMalgoDevice(), vadEngine, audioio.Config{
		SampleRate:          cfg.Audio.SampleRate,
		Channels:            cfg.Audio.Channels,
		FrameSizeMs:         cfg.Audio.FrameSizeMs,
		PlaybackSampleRate:  cfg.Audio.PlaybackSampleRate,
		VADSpeechThreshold:  optFloat(cfg.Providers.VAD.Options, "speech_threshold", 0.6),
		VADSilenceThreshold: optFloat(cfg.Providers.VAD.Options, "silence_threshold", 0.4),
	}, audioio.WithMetrics(metrics))

	slog.Info("loqui starting",
		"version", version,
		"llm", cfg.Providers.LLM.Name,
		"stt", cfg.Providers.STT.Name,
		"tts", cfg.Providers.TTS.Name,
		"vad", cfg.Providers.VAD.Name,
	)

	if *readPath != "" {
		return runReadAloud(ctx, cfg, sub, ttsP, voice, metrics, *readPath)
	}
	return runConversation(ctx, cfg, sub, sttP, llmP, ttsP, voice, metrics)
}

// runConversation drives a full-duplex session until interrupted, the maximum
// session duration elapses, or the session fails.
func runConversation(ctx context.Context, cfg *config.Config, sub *audioio.Subsystem, sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, voice types.VoiceProfile, metrics *observe.Metrics) int {
	pipe := pipeline.New(llmP, ttsP,
		pipeline.WithSystemPrompt(cfg.Engine.SystemPrompt),
		pipeline.WithMetrics(metrics),
	)
	orch := session.New(sub, sttP, pipe, session.Config{
		SilenceThreshold: cfg.Session.SilenceThreshold.Std(),
		BargeInThreshold: cfg.Session.BargeInThreshold,
		MaxDuration:      cfg.Session.MaxDuration.Std(),
		SampleRate:       cfg.Audio.SampleRate,
		Channels:         cfg.Audio.Channels,
		Language:         cfg.Session.Language,
		Voice:            voice,
	}, session.WithMetrics(metrics))

	events, cancelSub := orch.Events()
	defer cancelSub()

	if err := orch.Start(ctx); err != nil {
		slog.Error("failed to start session", "err", err)
		return 1
	}
	slog.Info("listening, press Ctrl+C to stop")

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown signal received, stopping")
			if err := orch.Stop(); err != nil {
				slog.Warn("session stop error", "err", err)
			}
			return 0
		case e := <-events:
			switch e.Type {
			case session.EventStateChanged:
				slog.Debug("session state", "state", e.State, "turn_id", e.TurnID)
				if e.State == session.StateError {
					_ = orch.Stop()
					return 1
				}
				if e.State == session.StateIdle {
					return 0
				}
			case session.EventTranscript:
				if e.Transcript.IsFinal {
					slog.Info("you said", "text", e.Text)
				}
			case session.EventResponseText:
				slog.Info("assistant said", "text", e.Text)
			case session.EventError:
				slog.Error("session error", "err", e.Err)
			}
		}
	}
}

// runReadAloud plays the given document through synthesis with chunk-ahead
// buffering.
func runReadAloud(ctx context.Context, cfg *config.Config, sub *audioio.Subsystem, ttsP tts.Provider, voice types.VoiceProfile, metrics *observe.Metrics, path string) int {
	doc, err := os.ReadFile(path)
	if err != nil {
		slog.Error("failed to read document", "path", path, "err", err)
		return 1
	}

	if err := sub.Start(ctx); err != nil {
		slog.Error("failed to start audio", "err", err)
		return 1
	}
	defer func() {
		if err := sub.Stop(); err != nil {
			slog.Warn("audio stop error", "err", err)
		}
	}()

	reader := readaloud.New(ttsP, sub, voice,
		readaloud.WithLookahead(cfg.Lookahead.Depth),
		readaloud.WithBufferTimeout(cfg.Lookahead.BufferingTimeout.Std()),
		readaloud.WithSchedulerOptions(lookahead.WithMetrics(metrics)),
	)

	slog.Info("reading aloud", "path", path)
	if err := reader.Read(ctx, string(doc)); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		slog.Error("read-aloud failed", "err", err)
		return 1
	}
	return 0
}

// registerBuiltinProviders wires all shipped provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// The native OpenAI client handles "openai"; any-llm-go covers the rest of
	// the generation backends with a shared construction pattern.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oai.Option
		if entry.BaseURL != "" {
			opts = append(opts, oai.WithBaseURL(entry.BaseURL))
		}
		return oai.New(entry.APIKey, entry.Model, opts...)
	})
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}
	// ollama is a local server; it takes a base URL, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, deepgram.WithSampleRate(rate))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterVAD("energy", func(_ config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})
}

// newLogger builds the process-wide slog logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// bare numbers as int.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optFloat extracts a float value from a provider Options map, falling back
// to def when absent.
func optFloat(opts map[string]any, key string, def float64) float64 {
	if opts == nil {
		return def
	}
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}
