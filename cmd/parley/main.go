// Command parley is the main entry point for the Parley voice assistant.
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

	"github.com/perchlabs/parley/internal/app"
	"github.com/perchlabs/parley/internal/config"
	"github.com/perchlabs/parley/internal/observe"
	"github.com/perchlabs/parley/internal/vad"
	"github.com/perchlabs/parley/internal/vad/silero"
	"github.com/perchlabs/parley/pkg/audio"
	"github.com/perchlabs/parley/pkg/audio/portaudio"
	"github.com/perchlabs/parley/pkg/provider/llm"
	"github.com/perchlabs/parley/pkg/provider/llm/anyllm"
	"github.com/perchlabs/parley/pkg/provider/llm/ollama"
	"github.com/perchlabs/parley/pkg/provider/llm/openai"
	"github.com/perchlabs/parley/pkg/provider/stt"
	"github.com/perchlabs/parley/pkg/provider/stt/whisper"
	"github.com/perchlabs/parley/pkg/provider/tts"
	"github.com/perchlabs/parley/pkg/provider/tts/piper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can change it on the
	// running process.
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Audio.SampleRate)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "parley"})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, providers, logger)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		application.ApplyConfigChange(old, updated, level)
	})
	if err != nil {
		slog.Warn("config hot-reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("assistant ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := metricsShutdown(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends are the hosted backends reachable through the any-llm
// gateway. All share the same pattern: optional APIKey + optional BaseURL.
var anyllmBackends = []string{
	"openai", "anthropic", "gemini",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// sampleRate is the configured capture rate, needed by classifiers that only
// handle fixed rates.
func registerBuiltinProviders(reg *config.Registry, sampleRate int) {
	// ── Chat ──────────────────────────────────────────────────────────────────

	// ollama talks to the local daemon directly: streaming NDJSON plus the
	// model listing and warmup endpoints the startup check uses.
	reg.RegisterChat("ollama", func(c config.ChatConfig) (llm.Provider, error) {
		var opts []ollama.Option
		if c.BaseURL != "" {
			opts = append(opts, ollama.WithBaseURL(c.BaseURL))
		}
		if c.Model != "" {
			opts = append(opts, ollama.WithModel(c.Model))
		}
		return ollama.New(slog.Default(), opts...), nil
	})

	reg.RegisterChat("openai", func(c config.ChatConfig) (llm.Provider, error) {
		var opts []openai.Option
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		return openai.New(c.APIKey, c.Model, opts...)
	})

	// anyllm routes to whichever backend options.backend names.
	reg.RegisterChat("anyllm", func(c config.ChatConfig) (llm.Provider, error) {
		backend := optString(c.Options, "backend")
		if backend == "" {
			return nil, errors.New("chat provider anyllm requires options.backend")
		}
		var opts []anyllmlib.Option
		if c.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(c.APIKey))
		}
		if c.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
		}
		return anyllm.New(backend, c.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Engine, error) {
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("piper", func(c config.TTSConfig) (tts.Synthesizer, error) {
		vc, err := piper.LoadVoiceConfig(c.Model)
		if err != nil {
			return nil, err
		}
		var opts []piper.Option
		if c.BaseURL != "" {
			opts = append(opts, piper.WithServerURL(c.BaseURL))
		}
		if c.Speed != 0 {
			opts = append(opts, piper.WithSpeed(c.Speed))
		}
		return piper.New(vc.Audio.SampleRate, opts...), nil
	})

	// ── Classifiers ───────────────────────────────────────────────────────────

	reg.RegisterClassifier("energy", func(c config.VADConfig) (vad.Classifier, error) {
		return vad.NewEnergyClassifier(vad.Aggressiveness(c.Aggressiveness))
	})

	reg.RegisterClassifier("silero", func(c config.VADConfig) (vad.Classifier, error) {
		return silero.New(silero.Config{
			ModelPath:  c.Classifier.Model,
			SampleRate: sampleRate,
			Threshold:  optFloat(c.Classifier.Options, "threshold"),
		})
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("portaudio", func(config.AudioConfig) (audio.Platform, error) {
		return portaudio.New()
	})
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. An unregistered name is skipped with a debug log so a config can
// reference providers from a build that lacks them; any other constructor
// error is fatal.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.STT)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered — skipping", "kind", "stt", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		} else {
			ps.STT = p
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}

	if name := cfg.Chat.Name; name != "" {
		p, err := reg.CreateChat(cfg.Chat)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered — skipping", "kind", "chat", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create chat provider %q: %w", name, err)
		} else {
			ps.Chat = p
			slog.Info("provider created", "kind", "chat", "name", name)
		}
	}

	if name := cfg.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered — skipping", "kind", "tts", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.TTS = p
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	// The classifier is not consulted in push-to-talk-only mode; skip building
	// it so a silero model path isn't required there.
	if name := cfg.VAD.Classifier.Name; name != "" && !cfg.Audio.PushToTalkOnly {
		p, err := reg.CreateClassifier(cfg.VAD)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered — skipping", "kind", "classifier", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create classifier %q: %w", name, err)
		} else {
			ps.Classifier = p
			slog.Info("provider created", "kind", "classifier", "name", name)
		}
	}

	if name := cfg.Audio.Platform.Name; name != "" {
		p, err := reg.CreateAudio(cfg.Audio)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered — skipping", "kind", "audio", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create audio platform %q: %w", name, err)
		} else {
			ps.Audio = p
			slog.Info("provider created", "kind", "audio", "name", name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Parley — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.STT.Name, cfg.STT.Model)
	printProvider("Chat", cfg.Chat.Name, cfg.Chat.Model)
	printProvider("TTS", cfg.TTS.Name, cfg.TTS.Model)
	printProvider("Classifier", cfg.VAD.Classifier.Name, "")
	printProvider("Audio", cfg.Audio.Platform.Name, "")
	if cfg.Audio.PushToTalkOnly {
		fmt.Printf("║  Listening mode  : %-19s ║\n", "push-to-talk only")
	} else {
		fmt.Printf("║  Listening mode  : %-19s ║\n", "voice activated")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	switch level {
	case config.LogDebug:
		lvl.Set(slog.LevelDebug)
	case config.LogWarn:
		lvl.Set(slog.LevelWarn)
	case config.LogError:
		lvl.Set(slog.LevelError)
	default:
		lvl.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optFloat extracts a numeric value from a provider Options map. YAML decodes
// whole numbers as int, so both forms are accepted.
func optFloat(opts map[string]any, key string) float64 {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
