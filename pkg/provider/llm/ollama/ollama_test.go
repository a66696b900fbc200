package ollama_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/perchlabs/parley/internal/resilience"
	"github.com/perchlabs/parley/pkg/provider/llm"
	"github.com/perchlabs/parley/pkg/provider/llm/ollama"
)

func collect(t *testing.T, chunks <-chan llm.Chunk) (text string, done bool, err error) {
	t.Helper()
	for ch := range chunks {
		text += ch.Text
		if ch.Done {
			done = true
		}
		if ch.Err != nil {
			err = ch.Err
		}
	}
	return text, done, err
}

func ndjsonHandler(t *testing.T, lines []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !body.Stream {
			t.Error("request did not set stream=true")
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintln(w, l)
			flusher.Flush()
		}
	}
}

func fragmentLine(text string, done bool) string {
	b, _ := json.Marshal(map[string]any{
		"message": map[string]string{"role": "assistant", "content": text},
		"done":    done,
	})
	return string(b)
}

func TestStreamChatReassemblesFragments(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(ndjsonHandler(t, []string{
		fragmentLine("Hel", false),
		fragmentLine("lo there. How ", false),
		fragmentLine("are you?", false),
		fragmentLine("", true),
	}))
	defer srv.Close()

	c := ollama.New(nil, ollama.WithBaseURL(srv.URL))
	chunks, err := c.StreamChat(t.Context(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	text, done, streamErr := collect(t, chunks)
	if streamErr != nil {
		t.Fatalf("stream error: %v", streamErr)
	}
	if !done {
		t.Error("no Done chunk received")
	}
	if want := "Hello there. How are you?"; text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
}

func TestStreamChatContentOnDoneLine(t *testing.T) {
	t.Parallel()

	// A daemon may attach trailing content to the done line itself.
	srv := httptest.NewServer(ndjsonHandler(t, []string{
		fragmentLine("partial", false),
		fragmentLine(" tail", true),
	}))
	defer srv.Close()

	c := ollama.New(nil, ollama.WithBaseURL(srv.URL))
	chunks, err := c.StreamChat(t.Context(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	text, done, streamErr := collect(t, chunks)
	if streamErr != nil || !done {
		t.Fatalf("done = %v, err = %v", done, streamErr)
	}
	if want := "partial tail"; text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
}

func TestStreamChatMidStreamFailure(t *testing.T) {
	t.Parallel()

	// Stream dies after one fragment, before the done line.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, fragmentLine("partial answer", false))
		w.(http.Flusher).Flush()
		srvConn, _, _ := w.(http.Hijacker).Hijack()
		srvConn.Close()
	}))
	defer srv.Close()

	c := ollama.New(nil, ollama.WithBaseURL(srv.URL))
	chunks, err := c.StreamChat(t.Context(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	text, done, streamErr := collect(t, chunks)
	if done {
		t.Error("Done chunk on interrupted stream")
	}
	if !errors.Is(streamErr, llm.ErrStreamInterrupted) {
		t.Errorf("error = %v, want ErrStreamInterrupted", streamErr)
	}
	// Partial text delivered before the failure must have been surfaced.
	if want := "partial answer"; text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
}

func TestStreamChatDaemonErrorLine(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(ndjsonHandler(t, []string{
		`{"error":"model not found"}`,
	}))
	defer srv.Close()

	c := ollama.New(nil, ollama.WithBaseURL(srv.URL))
	chunks, err := c.StreamChat(t.Context(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	_, done, streamErr := collect(t, chunks)
	if done {
		t.Error("Done chunk on daemon error")
	}
	if streamErr == nil || !strings.Contains(streamErr.Error(), "model not found") {
		t.Errorf("error = %v, want daemon error text", streamErr)
	}
}

func TestStreamChatRetriesConnect(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "loading", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, fragmentLine("ok", true))
	}))
	defer srv.Close()

	c := ollama.New(nil,
		ollama.WithBaseURL(srv.URL),
		ollama.WithRetryPolicy(resilience.Policy{MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	)
	chunks, err := c.StreamChat(t.Context(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamChat after retries: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	text, done, streamErr := collect(t, chunks)
	if streamErr != nil || !done || text != "ok" {
		t.Errorf("text=%q done=%v err=%v", text, done, streamErr)
	}
}

func TestStreamChatConnectFailureAfterRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := ollama.New(nil,
		ollama.WithBaseURL(srv.URL),
		ollama.WithRetryPolicy(resilience.Policy{MaxAttempts: 2, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	)
	if _, err := c.StreamChat(t.Context(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}); err == nil {
		t.Fatal("StreamChat succeeded against failing daemon")
	}
}

func TestStreamChatRejectsEmptyMessages(t *testing.T) {
	t.Parallel()

	c := ollama.New(nil)
	if _, err := c.StreamChat(t.Context(), llm.ChatRequest{}); err == nil {
		t.Fatal("empty message list accepted")
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3.2:3b"},{"name":"qwen2.5:7b"}]}`)
	}))
	defer srv.Close()

	c := ollama.New(nil, ollama.WithBaseURL(srv.URL))
	models, err := c.ListModels(t.Context())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3.2:3b" {
		t.Errorf("models = %v", models)
	}

	ok, err := c.HasModel(t.Context(), "llama3.2:3b")
	if err != nil || !ok {
		t.Errorf("HasModel(llama3.2:3b) = %v, %v", ok, err)
	}
	ok, _ = c.HasModel(t.Context(), "missing:1b")
	if ok {
		t.Error("HasModel(missing) = true")
	}
}

func TestStreamChatSendsOptions(t *testing.T) {
	t.Parallel()

	var got struct {
		Options struct {
			Temperature float64 `json:"temperature"`
			NumCtx      int     `json:"num_ctx"`
		} `json:"options"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		fmt.Fprintln(w, fragmentLine("", true))
	}))
	defer srv.Close()

	c := ollama.New(nil, ollama.WithBaseURL(srv.URL))
	chunks, err := c.StreamChat(t.Context(), llm.ChatRequest{
		Messages:      []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Temperature:   0.7,
		ContextWindow: 4096,
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	collect(t, chunks)

	if got.Options.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", got.Options.Temperature)
	}
	if got.Options.NumCtx != 4096 {
		t.Errorf("num_ctx = %d, want 4096", got.Options.NumCtx)
	}
}
