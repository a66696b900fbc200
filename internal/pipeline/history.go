package pipeline

import (
	"sync"

	"github.com/perchlabs/parley/pkg/provider/llm"
)

// DefaultMaxTurns is the conversation history cap in messages, not counting
// the pinned system prompt.
const DefaultMaxTurns = 20

// History holds the rolling conversation context sent with every chat
// request. The system prompt, when set, is pinned: it is always the first
// message and never evicted. User/assistant messages past the cap are
// evicted oldest-first.
//
// All methods are safe for concurrent use.
type History struct {
	mu       sync.Mutex
	system   string
	msgs     []llm.Message
	maxTurns int
}

// NewHistory returns a history with the given pinned system prompt (empty
// for none) and cap. A cap of zero or less means [DefaultMaxTurns].
func NewHistory(systemPrompt string, maxTurns int) *History {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &History{system: systemPrompt, maxTurns: maxTurns}
}

// AppendExchange records one completed interaction: the user message first,
// then the assistant response. Eviction happens after both are appended, so
// a single exchange is never split by the cap. An empty assistant response
// (stream failed before any text) records only the user message.
func (h *History) AppendExchange(user, assistant string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.msgs = append(h.msgs, llm.Message{Role: llm.RoleUser, Content: user})
	if assistant != "" {
		h.msgs = append(h.msgs, llm.Message{Role: llm.RoleAssistant, Content: assistant})
	}

	if excess := len(h.msgs) - h.maxTurns; excess > 0 {
		// Copy to a fresh slice so evicted messages can be collected.
		fresh := make([]llm.Message, len(h.msgs)-excess)
		copy(fresh, h.msgs[excess:])
		h.msgs = fresh
	}
}

// Messages returns the system prompt (when set) followed by a copy of the
// conversation, oldest first.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]llm.Message, 0, len(h.msgs)+1)
	if h.system != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: h.system})
	}
	return append(out, h.msgs...)
}

// Len reports the number of conversation messages, excluding the system
// prompt.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// SetSystem replaces the pinned system prompt. The conversation itself is
// untouched.
func (h *History) SetSystem(prompt string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.system = prompt
}

// Clear discards the conversation but keeps the system prompt.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = nil
}
