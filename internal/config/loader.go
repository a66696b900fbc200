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

// ValidProviderNames lists known provider names per provider kind. Used by
// [Validate] to warn about unrecognised names without rejecting them.
var ValidProviderNames = map[string][]string{
	"stt":        {"whisper"},
	"chat":       {"ollama", "openai", "anyllm"},
	"tts":        {"piper"},
	"classifier": {"energy", "silero"},
	"audio":      {"portaudio"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes YAML from r on top of [Default] and validates the
// result. Useful in tests where configs are string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg is coherent. It returns a joined error listing
// every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d must be positive", cfg.Audio.FrameMs))
	}
	if cfg.Audio.CaptureFrames <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture_frames %d must be positive", cfg.Audio.CaptureFrames))
	}
	if cfg.Audio.PlaybackFrames <= 0 {
		errs = append(errs, fmt.Errorf("audio.playback_frames %d must be positive", cfg.Audio.PlaybackFrames))
	}

	if cfg.VAD.Aggressiveness < 0 || cfg.VAD.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("vad.aggressiveness %d is out of range [0, 3]", cfg.VAD.Aggressiveness))
	}
	if cfg.VAD.SilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("vad.silence_ms %d must be positive", cfg.VAD.SilenceMs))
	}
	if cfg.VAD.MaxUtteranceMs > 0 && cfg.VAD.MaxUtteranceMs <= cfg.VAD.MinUtteranceMs {
		errs = append(errs, fmt.Errorf("vad.max_utterance_ms %d must exceed vad.min_utterance_ms %d", cfg.VAD.MaxUtteranceMs, cfg.VAD.MinUtteranceMs))
	}

	if cfg.STT.Name == "" {
		errs = append(errs, errors.New("stt.name is required"))
	}
	if cfg.Chat.Name == "" {
		errs = append(errs, errors.New("chat.name is required"))
	}
	if cfg.Chat.Model == "" {
		errs = append(errs, errors.New("chat.model is required"))
	}
	if cfg.TTS.Name == "" {
		errs = append(errs, errors.New("tts.name is required"))
	}

	if cfg.TTS.Speed != 0 && (cfg.TTS.Speed < 0.5 || cfg.TTS.Speed > 2.0) {
		errs = append(errs, fmt.Errorf("tts.speed %.2f is out of range [0.5, 2.0]", cfg.TTS.Speed))
	}
	if cfg.TTS.Workers < 1 {
		errs = append(errs, fmt.Errorf("tts.workers %d must be at least 1", cfg.TTS.Workers))
	}

	if cfg.Pipeline.STTTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.stt_timeout_ms %d must be positive", cfg.Pipeline.STTTimeoutMs))
	}
	if cfg.Pipeline.FirstChunkTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.first_chunk_timeout_ms %d must be positive", cfg.Pipeline.FirstChunkTimeoutMs))
	}

	validateProviderName("stt", cfg.STT.Name)
	validateProviderName("chat", cfg.Chat.Name)
	validateProviderName("tts", cfg.TTS.Name)
	validateProviderName("classifier", cfg.VAD.Classifier.Name)
	validateProviderName("audio", cfg.Audio.Platform.Name)

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not in the
// [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
