// Package config provides the configuration schema, loader, provider
// registry, and file watcher for the Parley voice assistant.
package config

// LogLevel controls log verbosity.
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

// Config is the root configuration, loaded from YAML via [Load] or
// [LoadFromReader]. Zero values fall back to [Default].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	VAD      VADConfig      `yaml:"vad"`
	STT      ProviderEntry  `yaml:"stt"`
	Chat     ChatConfig     `yaml:"chat"`
	TTS      TTSConfig      `yaml:"tts"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Commands CommandsConfig `yaml:"commands"`
}

// ServerConfig holds the bridge endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the address the presentation bridge listens on. The
	// bridge is meant for a local UI, so the default binds loopback.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds. Name selects the constructor registered in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "whisper", "ollama",
	// "piper").
	Name string `yaml:"name"`

	// APIKey authenticates against hosted backends, when required.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider: a file path for local
	// engines (whisper ggml, piper onnx), a model id for hosted ones.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig holds capture and playback settings.
type AudioConfig struct {
	// Platform selects the audio backend. Default: portaudio.
	Platform ProviderEntry `yaml:"platform"`

	// SampleRate is the capture rate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameMs is the capture frame duration in milliseconds. Default: 30.
	FrameMs int `yaml:"frame_ms"`

	// CaptureFrames sizes the capture frame queue. Default: 64.
	CaptureFrames int `yaml:"capture_frames"`

	// PlaybackFrames sizes the playback frame queue. It must hold a full
	// synthesized response; the synthesizer does not pace its pushes.
	// Default: 2048.
	PlaybackFrames int `yaml:"playback_frames"`

	// PushToTalkOnly disables frame-classified listening; utterances are
	// delimited solely by push-to-talk signals from the presentation layer.
	PushToTalkOnly bool `yaml:"push_to_talk_only"`
}

// VADConfig tunes utterance detection.
type VADConfig struct {
	// Classifier selects the per-frame speech classifier ("energy" or
	// "silero"). Default: energy.
	Classifier ProviderEntry `yaml:"classifier"`

	// Aggressiveness (0..3) trades sensitivity for false positives on the
	// energy classifier. Default: 2.
	Aggressiveness int `yaml:"aggressiveness"`

	// SilenceMs is the trailing silence that finalizes an utterance.
	// Default: 1000.
	SilenceMs int `yaml:"silence_ms"`

	// MinUtteranceMs discards speech runs shorter than this. Default: 500.
	MinUtteranceMs int `yaml:"min_utterance_ms"`

	// MaxUtteranceMs forces finalization of overlong speech. Default: 30000.
	MaxUtteranceMs int `yaml:"max_utterance_ms"`
}

// ChatConfig selects and tunes the chat backend.
type ChatConfig struct {
	ProviderEntry `yaml:",inline"`

	// Temperature is forwarded on every request. Default: 0.7.
	Temperature float64 `yaml:"temperature"`

	// ContextWindow is the backend context size in tokens. Default: 4096.
	ContextWindow int `yaml:"num_ctx"`

	// SystemPrompt is pinned at the head of the conversation.
	// Hot-reloadable.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxHistoryTurns caps the rolling history in messages, not counting
	// the system prompt. Default: 20.
	MaxHistoryTurns int `yaml:"max_history_turns"`
}

// TTSConfig selects and tunes the speech synthesizer.
type TTSConfig struct {
	ProviderEntry `yaml:",inline"`

	// Speed scales speaking rate, range [0.5, 2.0]. Default: 1.0.
	Speed float64 `yaml:"speed"`

	// Workers bounds concurrent sentence synthesis. Default: 2.
	Workers int `yaml:"workers"`
}

// PipelineConfig holds coordinator timeouts.
type PipelineConfig struct {
	// STTTimeoutMs bounds one transcription. Default: 15000.
	STTTimeoutMs int `yaml:"stt_timeout_ms"`

	// FirstChunkTimeoutMs bounds the wait for the first chat chunk.
	// Default: 30000.
	FirstChunkTimeoutMs int `yaml:"first_chunk_timeout_ms"`

	// EventBuffer sizes the presentation event channel. Default: 256.
	EventBuffer int `yaml:"event_buffer"`
}

// CommandsConfig tunes the spoken-command filter.
type CommandsConfig struct {
	// CancelPhrases replaces the built-in cancel phrase set when non-empty.
	CancelPhrases []string `yaml:"cancel_phrases"`
}

// Default returns a configuration with every tunable at its default. Loading
// decodes on top of this, so omitted fields keep their defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8123",
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{
			Platform:       ProviderEntry{Name: "portaudio"},
			SampleRate:     16000,
			FrameMs:        30,
			CaptureFrames:  64,
			PlaybackFrames: 2048,
		},
		VAD: VADConfig{
			Classifier:     ProviderEntry{Name: "energy"},
			Aggressiveness: 2,
			SilenceMs:      1000,
			MinUtteranceMs: 500,
			MaxUtteranceMs: 30000,
		},
		STT: ProviderEntry{Name: "whisper"},
		Chat: ChatConfig{
			ProviderEntry: ProviderEntry{Name: "ollama", Model: "llama3.2:3b"},
			Temperature:   0.7,
			ContextWindow: 4096,
		},
		TTS: TTSConfig{
			ProviderEntry: ProviderEntry{Name: "piper"},
			Speed:         1.0,
			Workers:       2,
		},
		Pipeline: PipelineConfig{
			STTTimeoutMs:        15000,
			FirstChunkTimeoutMs: 30000,
			EventBuffer:         256,
		},
	}
}
