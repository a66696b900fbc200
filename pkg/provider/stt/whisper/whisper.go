// Package whisper implements [stt.Engine] with the whisper.cpp CGO bindings.
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/perchlabs/parley/pkg/audio"
	"github.com/perchlabs/parley/pkg/provider/stt"
)

// modelSampleRate is the rate whisper models are trained on. Input at any
// other rate is resampled before inference.
const modelSampleRate = 16000

const (
	defaultLanguage     = "en"
	defaultMinUtterance = 500 * time.Millisecond
)

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithLanguage sets the BCP-47 language code for transcription (e.g. "en",
// "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithMinUtterance sets the shortest utterance the engine will run inference
// on. Shorter input returns [stt.ErrEmptyUtterance]. Default: 500ms.
func WithMinUtterance(d time.Duration) Option {
	return func(e *Engine) { e.minUtterance = d }
}

// Engine loads a whisper.cpp model once and runs inference with a fresh
// context per call. The model is shared; contexts are not, so concurrent
// Transcribe calls are safe.
type Engine struct {
	language     string
	minUtterance time.Duration

	mu     sync.RWMutex
	model  whisperlib.Model
	closed bool
}

var _ stt.Engine = (*Engine)(nil)

// New loads the model from modelPath. The caller must Close the engine to
// release it.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	e := &Engine{
		model:        model,
		language:     defaultLanguage,
		minUtterance: defaultMinUtterance,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Transcribe runs whisper.cpp inference on the utterance. Inference is
// blocking CGO and cannot be interrupted mid-run; ctx is checked before
// starting, and a cancelled caller simply discards the result.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed || e.model == nil {
		return "", stt.ErrModelNotLoaded
	}

	if sampleRate <= 0 {
		return "", fmt.Errorf("whisper: invalid sample rate %d", sampleRate)
	}
	minSamples := int(e.minUtterance.Seconds() * float64(sampleRate))
	if len(samples) < minSamples {
		return "", stt.ErrEmptyUtterance
	}

	samples = audio.ResampleFloat32(samples, sampleRate, modelSampleRate)

	// Each context is single-use and not thread-safe; the model behind it is
	// shared safely.
	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(e.language); err != nil {
		return "", fmt.Errorf("whisper: set language %q: %w", e.language, err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Close releases the model. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}
