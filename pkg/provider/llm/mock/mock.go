// Package mock provides a scriptable [llm.Provider] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/perchlabs/parley/pkg/provider/llm"
)

// Provider is a test double that replays scripted chunks.
type Provider struct {
	mu sync.Mutex

	// Chunks are replayed in order on every StreamChat call. When none end
	// the stream, a Done chunk is appended automatically.
	Chunks []llm.Chunk

	// StartErr, when set, is returned by StreamChat itself.
	StartErr error

	// ChunkDelay, when set, spaces the replayed chunks apart.
	ChunkDelay func(i int) <-chan struct{}

	// Requests records every request received.
	Requests []llm.ChatRequest
}

var _ llm.Provider = (*Provider)(nil)

// Name implements llm.Provider.
func (p *Provider) Name() string { return "mock" }

// StreamChat implements llm.Provider.
func (p *Provider) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	script := make([]llm.Chunk, len(p.Chunks))
	copy(script, p.Chunks)
	startErr := p.StartErr
	delay := p.ChunkDelay
	p.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}

	terminal := false
	for _, c := range script {
		if c.Done || c.Err != nil {
			terminal = true
		}
	}
	if !terminal {
		script = append(script, llm.Chunk{Done: true})
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for i, c := range script {
			if delay != nil {
				select {
				case <-delay(i):
				case <-ctx.Done():
					ch <- llm.Chunk{Err: ctx.Err()}
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				ch <- llm.Chunk{Err: ctx.Err()}
				return
			}
		}
	}()
	return ch, nil
}

// RequestCount reports how many streams were started.
func (p *Provider) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// LastRequest returns the most recent request, or a zero value when none.
func (p *Provider) LastRequest() llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Requests) == 0 {
		return llm.ChatRequest{}
	}
	return p.Requests[len(p.Requests)-1]
}
