// Package ollama implements [llm.Provider] against a local Ollama daemon's
// chat API.
//
// The wire protocol is NDJSON over HTTP: one POST to /api/chat with
// stream=true, then one JSON object per response line, each carrying an
// incremental message fragment, terminated by a line with done=true.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/perchlabs/parley/internal/resilience"
	"github.com/perchlabs/parley/pkg/provider/llm"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama3.2:3b"

	// maxLineBytes bounds a single NDJSON line. Fragments are small; a line
	// this large means the daemon is misbehaving.
	maxLineBytes = 1 << 20
)

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithBaseURL sets the daemon address. Default: http://localhost:11434.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithModel sets the model name sent on every request. Default: llama3.2:3b.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithHTTPClient replaces the underlying HTTP client. The default has no
// overall timeout because streams are long-lived; per-request deadlines come
// from ctx.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryPolicy sets the connect retry policy. Retries apply only to
// establishing the stream; once NDJSON lines are flowing a failure is
// surfaced as a terminal chunk instead.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// Client talks to one Ollama daemon. Safe for concurrent use.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
	retry   resilience.Policy
	log     *slog.Logger
}

var (
	_ llm.Provider    = (*Client)(nil)
	_ llm.ModelLister = (*Client)(nil)
	_ llm.Warmer      = (*Client)(nil)
)

// New returns a client with the given options applied.
func New(logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http:    &http.Client{},
		log:     logger,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Name identifies the backend.
func (c *Client) Name() string { return "ollama" }

// wire types for /api/chat.

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatBody struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatLine struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// StreamChat opens the NDJSON stream and returns a chunk channel fed by a
// reader goroutine. Establishing the connection is retried with backoff;
// failures after the first line arrive as a terminal chunk wrapping
// [llm.ErrStreamInterrupted].
func (c *Client) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("ollama: empty message list")
	}

	body := chatBody{
		Model:    c.model,
		Messages: make([]chatMessage, len(req.Messages)),
		Stream:   true,
	}
	for i, m := range req.Messages {
		body.Messages[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	if req.Temperature != 0 || req.ContextWindow != 0 || req.MaxTokens != 0 {
		body.Options = &chatOptions{
			Temperature: req.Temperature,
			NumCtx:      req.ContextWindow,
			NumPredict:  req.MaxTokens,
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ollama: encode request: %w", err)
	}

	var resp *http.Response
	err = resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		r, err := c.http.Do(httpReq)
		if err != nil {
			c.log.Warn("chat connect failed, will retry", "error", err)
			return err
		}
		if r.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			r.Body.Close()
			return fmt.Errorf("ollama: chat returned %s: %s", r.Status, strings.TrimSpace(string(msg)))
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: connect: %w", err)
	}

	chunks := make(chan llm.Chunk, 16)
	go c.readStream(ctx, resp.Body, chunks)
	return chunks, nil
}

// readStream parses NDJSON lines until done=true, EOF, or ctx cancellation.
// Line boundaries carry no meaning beyond JSON framing: a fragment may split
// a word or sentence anywhere.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, chunks chan<- llm.Chunk) {
	defer close(chunks)
	defer body.Close()

	// Closing the body on ctx cancellation unblocks the scanner.
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	delivered := false
	fail := func(err error) {
		if ctx.Err() != nil {
			err = ctx.Err()
		} else if delivered {
			err = fmt.Errorf("%w: %w", llm.ErrStreamInterrupted, err)
		}
		chunks <- llm.Chunk{Err: err}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var cl chatLine
		if err := json.Unmarshal(line, &cl); err != nil {
			fail(fmt.Errorf("ollama: malformed stream line: %w", err))
			return
		}
		if cl.Error != "" {
			fail(fmt.Errorf("ollama: daemon error: %s", cl.Error))
			return
		}

		if cl.Message.Content != "" {
			delivered = true
			select {
			case chunks <- llm.Chunk{Text: cl.Message.Content}:
			case <-ctx.Done():
				fail(ctx.Err())
				return
			}
		}
		if cl.Done {
			chunks <- llm.Chunk{Done: true}
			return
		}
	}

	// EOF or read error before the done line.
	err := scanner.Err()
	if err == nil {
		err = errors.New("ollama: stream ended without done marker")
	}
	fail(err)
}

// wire types for /api/tags.

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the names of models installed on the daemon.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama: build tags request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: tags returned %s", resp.Status)
	}

	var tags tagsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&tags); err != nil {
		return nil, fmt.Errorf("ollama: decode tags: %w", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether name is installed, tolerating a missing ":latest"
// suffix on either side.
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m == name || strings.TrimSuffix(m, ":latest") == strings.TrimSuffix(name, ":latest") {
			return true, nil
		}
	}
	return false, nil
}

// Warm issues a tiny non-streaming request so the daemon pages the model in
// before the first real cycle. Best effort; errors are logged, not returned.
func (c *Client) Warm(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	chunks, err := c.StreamChat(ctx, llm.ChatRequest{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		MaxTokens: 1,
	})
	if err != nil {
		c.log.Debug("model warmup skipped", "error", err)
		return
	}
	for range chunks {
	}
}
