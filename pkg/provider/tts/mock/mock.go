// Package mock provides a scriptable [tts.Synthesizer] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/perchlabs/parley/pkg/audio"
	"github.com/perchlabs/parley/pkg/provider/tts"
)

// Synthesizer is a test double that fabricates clips deterministically: each
// call returns one sample per input byte, so tests can correlate clips with
// the sentences that produced them.
type Synthesizer struct {
	mu sync.Mutex

	// Rate is the reported sample rate. Zero means 22050.
	Rate int

	// Err, when set, fails every call.
	Err error

	// SynthesizeFunc, when set, replaces the default behavior.
	SynthesizeFunc func(ctx context.Context, text string) (audio.Clip, error)

	// Texts records every synthesized sentence in call order.
	Texts []string
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesize implements tts.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (audio.Clip, error) {
	s.mu.Lock()
	s.Texts = append(s.Texts, text)
	errOut := s.Err
	fn := s.SynthesizeFunc
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, text)
	}
	if errOut != nil {
		return audio.Clip{}, errOut
	}
	return audio.Clip{Samples: make([]int16, len(text)), SampleRate: s.SampleRate()}, nil
}

// SampleRate implements tts.Synthesizer.
func (s *Synthesizer) SampleRate() int {
	if s.Rate > 0 {
		return s.Rate
	}
	return 22050
}

// Close implements tts.Synthesizer.
func (s *Synthesizer) Close() error { return nil }

// Synthesized returns the sentences synthesized so far.
func (s *Synthesizer) Synthesized() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Texts))
	copy(out, s.Texts)
	return out
}
