// Package mock provides a scriptable [stt.Engine] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/perchlabs/parley/pkg/provider/stt"
)

// Engine is a test double for [stt.Engine]. Configure Text/Err before use,
// or set TranscribeFunc for full control. Calls records every invocation.
type Engine struct {
	mu sync.Mutex

	// Text and Err are returned by Transcribe when TranscribeFunc is nil.
	Text string
	Err  error

	// TranscribeFunc, when set, replaces the scripted Text/Err result.
	TranscribeFunc func(ctx context.Context, samples []float32, sampleRate int) (string, error)

	Calls  int
	closed bool
}

var _ stt.Engine = (*Engine)(nil)

// Transcribe returns the scripted result.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	e.mu.Lock()
	e.Calls++
	closed := e.closed
	fn := e.TranscribeFunc
	text, err := e.Text, e.Err
	e.mu.Unlock()

	if closed {
		return "", stt.ErrModelNotLoaded
	}
	if fn != nil {
		return fn(ctx, samples, sampleRate)
	}
	return text, err
}

// Close marks the engine closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// CallCount reports how many times Transcribe ran.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Calls
}
