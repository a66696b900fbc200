// Package tts defines the text-to-speech synthesizer interface.
//
// Synthesis is batch per sentence: the sentence assembler hands one complete
// sentence at a time and receives a PCM clip back. Streaming playback is
// achieved above this interface by overlapping per-sentence calls.
package tts

import (
	"context"
	"errors"

	"github.com/perchlabs/parley/pkg/audio"
)

// ErrEmptyText is returned when the text to synthesize is empty after
// trimming.
var ErrEmptyText = errors.New("tts: empty text")

// Synthesizer converts one sentence of text into a PCM clip.
//
// Implementations must be safe for concurrent use; the sentence pipeline
// overlaps synthesis of adjacent sentences.
type Synthesizer interface {
	// Synthesize returns mono PCM for the given text. The clip's SampleRate
	// is the synthesizer's output rate, constant across calls.
	Synthesize(ctx context.Context, text string) (audio.Clip, error)

	// SampleRate reports the rate of clips returned by Synthesize.
	SampleRate() int

	// Close releases backend resources.
	Close() error
}
