// Package openai implements [llm.Provider] against the OpenAI chat API or
// any server exposing the same surface (vLLM, LM Studio, llama.cpp server).
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/perchlabs/parley/pkg/provider/llm"
)

// Provider streams chat completions through the official OpenAI SDK.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for [Provider].
type Option func(*config)

// WithBaseURL overrides the default API base URL, pointing the provider at
// an OpenAI-compatible local server.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Provider for the given model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "openai" }

// StreamChat implements llm.Provider.
func (p *Provider) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("openai: empty message list")
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			params.Messages = append(params.Messages, oai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			params.Messages = append(params.Messages, oai.AssistantMessage(m.Content))
		case llm.RoleUser:
			params.Messages = append(params.Messages, oai.UserMessage(m.Content))
		default:
			return nil, fmt.Errorf("openai: unsupported role %q", m.Role)
		}
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, 16)
	go func() {
		defer close(ch)
		defer stream.Close()

		delivered := false
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				delivered = true
				select {
				case ch <- llm.Chunk{Text: choice.Delta.Content}:
				case <-ctx.Done():
					ch <- llm.Chunk{Err: ctx.Err()}
					return
				}
			}
			if choice.FinishReason != "" {
				ch <- llm.Chunk{Done: true}
				return
			}
		}

		if err := stream.Err(); err != nil {
			if delivered {
				err = fmt.Errorf("%w: %w", llm.ErrStreamInterrupted, err)
			}
			ch <- llm.Chunk{Err: fmt.Errorf("openai: %w", err)}
			return
		}
		ch <- llm.Chunk{Done: true}
	}()
	return ch, nil
}
