package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/perchlabs/parley/internal/vad"
	"github.com/perchlabs/parley/pkg/audio"
	"github.com/perchlabs/parley/pkg/provider/llm"
	"github.com/perchlabs/parley/pkg/provider/stt"
	"github.com/perchlabs/parley/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to constructor functions for each provider
// kind. Factories receive the relevant config section so they can read both
// the common entry fields and kind-specific tunables. Safe for concurrent
// use.
type Registry struct {
	mu         sync.RWMutex
	chat       map[string]func(ChatConfig) (llm.Provider, error)
	stt        map[string]func(ProviderEntry) (stt.Engine, error)
	tts        map[string]func(TTSConfig) (tts.Synthesizer, error)
	classifier map[string]func(VADConfig) (vad.Classifier, error)
	audio      map[string]func(AudioConfig) (audio.Platform, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		chat:       make(map[string]func(ChatConfig) (llm.Provider, error)),
		stt:        make(map[string]func(ProviderEntry) (stt.Engine, error)),
		tts:        make(map[string]func(TTSConfig) (tts.Synthesizer, error)),
		classifier: make(map[string]func(VADConfig) (vad.Classifier, error)),
		audio:      make(map[string]func(AudioConfig) (audio.Platform, error)),
	}
}

// RegisterChat registers a chat provider factory under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterChat(name string, factory func(ChatConfig) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat[name] = factory
}

// RegisterSTT registers a transcription engine factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a synthesizer factory under name.
func (r *Registry) RegisterTTS(name string, factory func(TTSConfig) (tts.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterClassifier registers a speech classifier factory under name.
func (r *Registry) RegisterClassifier(name string, factory func(VADConfig) (vad.Classifier, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifier[name] = factory
}

// RegisterAudio registers an audio platform factory under name.
func (r *Registry) RegisterAudio(name string, factory func(AudioConfig) (audio.Platform, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateChat instantiates the chat provider selected by cfg.Name. Returns
// [ErrProviderNotRegistered] when no factory is registered for that name.
func (r *Registry) CreateChat(cfg ChatConfig) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.chat[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: chat/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateSTT instantiates the transcription engine selected by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Engine, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates the synthesizer selected by cfg.Name.
func (r *Registry) CreateTTS(cfg TTSConfig) (tts.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.tts[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateClassifier instantiates the speech classifier selected by
// cfg.Classifier.Name.
func (r *Registry) CreateClassifier(cfg VADConfig) (vad.Classifier, error) {
	r.mu.RLock()
	factory, ok := r.classifier[cfg.Classifier.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: classifier/%q", ErrProviderNotRegistered, cfg.Classifier.Name)
	}
	return factory(cfg)
}

// CreateAudio instantiates the audio platform selected by cfg.Platform.Name.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Platform, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Platform.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Platform.Name)
	}
	return factory(cfg)
}
