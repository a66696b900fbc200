// Package llm defines the streaming chat provider interface.
//
// A provider wraps a chat backend (a local Ollama daemon, an OpenAI-compatible
// endpoint, or any backend reachable through any-llm) and exposes a single
// streaming operation: send the conversation, receive response text
// incrementally.
//
// Implementations must be safe for concurrent use. The chunk channel returned
// by StreamChat is closed by the implementation when the stream ends, fails,
// or the supplied context is cancelled; the final chunk before close carries
// Done or Err.
package llm

import (
	"context"
	"errors"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrStreamInterrupted is carried on the last chunk when a stream fails after
// delivery began. Text received before the failure remains valid; callers keep
// the partial response.
var ErrStreamInterrupted = errors.New("llm: stream interrupted")

// Message is one turn of the conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser, or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// ChatRequest carries the conversation and generation options for one
// streaming completion. Messages must be non-empty.
type ChatRequest struct {
	// Messages is the ordered conversation history, the pinned system prompt
	// first when one is configured. The last message drives the response.
	Messages []Message

	// Temperature controls output randomness. Zero means the provider default.
	Temperature float64

	// ContextWindow requests a prompt context size in tokens for backends
	// that support it (Ollama num_ctx). Zero means the backend default.
	ContextWindow int

	// MaxTokens caps completion length. Zero means no explicit cap.
	MaxTokens int
}

// Chunk is one streamed increment of the response.
//
// Exactly one terminal chunk arrives per stream: either Done is true (normal
// completion) or Err is non-nil (failure, wrapping [ErrStreamInterrupted]
// when text had already been delivered). The channel is closed after the
// terminal chunk.
type Chunk struct {
	// Text is the incremental response text. May be empty on the terminal
	// chunk.
	Text string

	// Done marks normal end of stream.
	Done bool

	// Err reports stream failure.
	Err error
}

// Provider is a streaming chat backend.
type Provider interface {
	// StreamChat starts a completion and returns a channel of response
	// chunks. A nil error means the stream was established; failures after
	// that arrive as a terminal chunk. Cancelling ctx aborts the stream and
	// closes the channel promptly.
	StreamChat(ctx context.Context, req ChatRequest) (<-chan Chunk, error)

	// Name identifies the backend for logs and events.
	Name() string
}

// ModelLister is implemented by providers that can enumerate the models
// available on their backend. Used at startup to verify the configured model
// exists.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the configured model is installed. Backends
	// may normalise tags (Ollama treats "m" and "m:latest" as the same
	// model).
	HasModel(ctx context.Context, model string) (bool, error)
}

// Warmer is implemented by providers that can preload their model so the
// first real request doesn't pay the load cost. Warming is best effort;
// implementations log failures instead of returning them.
type Warmer interface {
	Warm(ctx context.Context)
}
