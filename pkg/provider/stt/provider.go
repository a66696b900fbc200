// Package stt defines the speech-to-text engine interface.
//
// The pipeline hands an engine one complete utterance at a time: finalized
// mono float32 samples from the VAD, already trimmed of trailing silence.
// Transcription is synchronous and blocking; the caller runs it on a worker
// and applies its own timeout through ctx.
package stt

import (
	"context"
	"errors"
)

// ErrModelNotLoaded is returned when transcription is requested before the
// model is available or after the engine has been closed.
var ErrModelNotLoaded = errors.New("stt: model not loaded")

// ErrEmptyUtterance is returned when the utterance is too short to carry
// speech and the engine refuses to run inference on it.
var ErrEmptyUtterance = errors.New("stt: utterance too short")

// Engine transcribes one utterance per call.
//
// Implementations must be safe for concurrent use; the pipeline may overlap
// a late transcription with the next cycle's.
type Engine interface {
	// Transcribe runs inference on the utterance and returns the recognized
	// text, whitespace-trimmed. samples is mono float32 PCM in [-1, 1] at
	// sampleRate Hz; implementations resample internally when their model
	// expects a different rate. An utterance with no recognizable speech
	// returns an empty string and no error.
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error)

	// Close releases the model. Transcribe returns ErrModelNotLoaded after
	// Close.
	Close() error
}
