// Package app wires the Parley subsystems into a running assistant.
//
// The App struct owns the full lifecycle: New connects the capture bus, the
// utterance detector, the coordinator, the speaker, and the presentation
// bridge; Run drives them until the context ends; Shutdown tears everything
// down in order.
//
// For testing, inject mock providers through the [Providers] struct. New
// performs no I/O; devices and sockets open in Run.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perchlabs/parley/internal/bridge"
	"github.com/perchlabs/parley/internal/config"
	"github.com/perchlabs/parley/internal/health"
	"github.com/perchlabs/parley/internal/observe"
	"github.com/perchlabs/parley/internal/pipeline"
	"github.com/perchlabs/parley/internal/synth"
	"github.com/perchlabs/parley/internal/vad"
	"github.com/perchlabs/parley/internal/voicecmd"
	"github.com/perchlabs/parley/pkg/audio"
	"github.com/perchlabs/parley/pkg/provider/llm"
	"github.com/perchlabs/parley/pkg/provider/stt"
	"github.com/perchlabs/parley/pkg/provider/tts"
)

// droppedFramesPoll is how often the capture bus drop counter is sampled into
// the metrics pipeline.
const droppedFramesPoll = 10 * time.Second

// Providers holds one implementation per provider slot, populated by main.go
// via the config registry.
type Providers struct {
	STT        stt.Engine
	Chat       llm.Provider
	TTS        tts.Synthesizer
	Classifier vad.Classifier
	Audio      audio.Platform
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	capture  *audio.FrameBus
	playback *audio.FrameBus
	detector *vad.Detector
	listener *pipeline.Listener
	coord    *pipeline.Coordinator
	bridge   *bridge.Server

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// mute never classifies speech. Used in push-to-talk-only mode so utterances
// are delimited exclusively by the external signal.
type mute struct{}

func (mute) IsSpeech(audio.Frame) bool { return false }
func (mute) Reset()                    {}

// New wires the pipeline from config and providers.
func New(cfg *config.Config, providers *Providers, logger *slog.Logger) (*App, error) {
	if providers.STT == nil || providers.Chat == nil || providers.TTS == nil {
		return nil, errors.New("app: stt, chat, and tts providers are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       logger,
		metrics:   observe.DefaultMetrics(),
		capture:   audio.NewFrameBus(cfg.Audio.CaptureFrames),
		playback:  audio.NewFrameBus(cfg.Audio.PlaybackFrames),
	}

	classifier := providers.Classifier
	if cfg.Audio.PushToTalkOnly || classifier == nil {
		classifier = mute{}
	}
	a.detector = vad.New(classifier,
		vad.WithSilenceWindow(time.Duration(cfg.VAD.SilenceMs)*time.Millisecond),
		vad.WithMinUtterance(time.Duration(cfg.VAD.MinUtteranceMs)*time.Millisecond),
		vad.WithMaxUtterance(time.Duration(cfg.VAD.MaxUtteranceMs)*time.Millisecond),
	)

	var filterOpts []voicecmd.Option
	if len(cfg.Commands.CancelPhrases) > 0 {
		filterOpts = append(filterOpts, voicecmd.WithCancelPhrases(cfg.Commands.CancelPhrases))
	}
	filter := voicecmd.New(filterOpts...)

	speaker := synth.NewSpeaker(providers.TTS, logger,
		synth.WithWorkers(cfg.TTS.Workers),
		synth.WithMetrics(a.metrics),
	)

	a.coord = pipeline.New(pipeline.Config{
		STTTimeout:        time.Duration(cfg.Pipeline.STTTimeoutMs) * time.Millisecond,
		FirstChunkTimeout: time.Duration(cfg.Pipeline.FirstChunkTimeoutMs) * time.Millisecond,
		Temperature:       cfg.Chat.Temperature,
		ContextWindow:     cfg.Chat.ContextWindow,
		SystemPrompt:      cfg.Chat.SystemPrompt,
		MaxHistoryTurns:   cfg.Chat.MaxHistoryTurns,
		EventBuffer:       cfg.Pipeline.EventBuffer,
	}, providers.STT, providers.Chat, speaker, a.playback, filter, a.metrics, logger)

	a.listener = pipeline.NewListener(a.capture, a.detector, a.coord, logger)

	a.bridge = bridge.New(a.coord, a.listener, a.metrics, logger,
		bridge.WithAddr(cfg.Server.ListenAddr),
		bridge.WithHealthCheckers(a.healthCheckers()...),
	)

	// Providers close in reverse dependency order: device first, then the
	// inference engines behind it.
	if providers.Audio != nil {
		a.closers = append(a.closers, providers.Audio.Close)
	}
	a.closers = append(a.closers, providers.TTS.Close, providers.STT.Close)
	if c, ok := providers.Classifier.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	return a, nil
}

// Coordinator exposes the pipeline coordinator (for config hot-reload and
// tests).
func (a *App) Coordinator() *pipeline.Coordinator { return a.coord }

// healthCheckers builds the readiness probes served by the bridge.
func (a *App) healthCheckers() []health.Checker {
	var checkers []health.Checker
	if lister, ok := a.providers.Chat.(llm.ModelLister); ok {
		model := a.cfg.Chat.Model
		checkers = append(checkers, health.Checker{
			Name: "chat",
			Check: func(ctx context.Context) error {
				ok, err := lister.HasModel(ctx, model)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("model %q not installed", model)
				}
				return nil
			},
		})
	}
	return checkers
}

// Run opens the audio device and drives the pipeline until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	frameSamples := a.cfg.Audio.SampleRate * a.cfg.Audio.FrameMs / 1000

	if a.providers.Audio != nil {
		if err := a.providers.Audio.StartCapture(a.capture, a.cfg.Audio.SampleRate, frameSamples); err != nil {
			return fmt.Errorf("app: start capture: %w", err)
		}
		if err := a.providers.Audio.StartPlayback(a.playback, a.providers.TTS.SampleRate(), frameSamples); err != nil {
			return fmt.Errorf("app: start playback: %w", err)
		}
	}

	a.checkChatBackend(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.coord.Run(gctx) })
	g.Go(func() error { return a.listener.Run(gctx) })
	g.Go(func() error { return a.bridge.Run(gctx) })
	g.Go(func() error {
		a.pollDroppedFrames(gctx)
		return nil
	})

	a.log.Info("parley running",
		"bridge", a.cfg.Server.ListenAddr,
		"chat_model", a.cfg.Chat.Model,
		"push_to_talk_only", a.cfg.Audio.PushToTalkOnly,
	)
	return g.Wait()
}

// checkChatBackend verifies the configured model exists and pre-warms it so
// the first utterance doesn't pay the model load cost. A missing model runs
// the pipeline degraded rather than failing startup.
func (a *App) checkChatBackend(ctx context.Context) {
	lister, ok := a.providers.Chat.(llm.ModelLister)
	if !ok {
		return
	}
	has, err := lister.HasModel(ctx, a.cfg.Chat.Model)
	if err != nil {
		a.log.Warn("chat backend unreachable at startup", "error", err)
		return
	}
	if !has {
		a.log.Warn("configured chat model not installed", "model", a.cfg.Chat.Model)
		a.coord.AnnounceModelMissing(a.cfg.Chat.Model)
		return
	}
	if warmer, ok := a.providers.Chat.(llm.Warmer); ok {
		warmer.Warm(ctx)
	}
}

// pollDroppedFrames feeds the capture bus drop counter into metrics.
func (a *App) pollDroppedFrames(ctx context.Context) {
	ticker := time.NewTicker(droppedFramesPoll)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := a.capture.Dropped()
			if delta := now - last; delta > 0 {
				a.metrics.DroppedFrames.Add(ctx, int64(delta))
				a.log.Debug("capture frames dropped", "count", delta)
			}
			last = now
		}
	}
}

// ApplyConfigChange applies the hot-reloadable parts of a config edit to the
// running pipeline and reports whether a restart is needed for the rest.
func (a *App) ApplyConfigChange(old, updated *config.Config, level *slog.LevelVar) {
	d := config.Compare(old, updated)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && level != nil {
		level.Set(slogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SystemPromptChanged {
		a.coord.History().SetSystem(d.NewSystemPrompt)
		a.log.Info("system prompt updated")
	}
	if d.RequiresRestart {
		a.log.Warn("config changes beyond log level and system prompt require a restart")
	}
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Shutdown tears subsystems down in order. If ctx expires first, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
