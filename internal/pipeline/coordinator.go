package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/perchlabs/parley/internal/observe"
	"github.com/perchlabs/parley/internal/synth"
	"github.com/perchlabs/parley/internal/voicecmd"
	"github.com/perchlabs/parley/pkg/audio"
	"github.com/perchlabs/parley/pkg/provider/llm"
	"github.com/perchlabs/parley/pkg/provider/stt"
)

// Default coordinator timeouts.
const (
	DefaultSTTTimeout        = 15 * time.Second
	DefaultFirstChunkTimeout = 30 * time.Second

	defaultEventBuffer = 256
)

// Config tunes the coordinator.
type Config struct {
	// STTTimeout bounds one transcription. Expiry aborts the cycle with a
	// timeout error event. Default: 15s.
	STTTimeout time.Duration

	// FirstChunkTimeout bounds the wait for the first streamed chat chunk.
	// Default: 30s.
	FirstChunkTimeout time.Duration

	// Temperature and ContextWindow are forwarded on every chat request.
	Temperature   float64
	ContextWindow int

	// SystemPrompt is pinned at the head of every conversation. Empty means
	// no system message.
	SystemPrompt string

	// MaxHistoryTurns caps the rolling history. Zero means the default.
	MaxHistoryTurns int

	// EventBuffer sizes the presentation event channel. When the consumer
	// falls behind, events are dropped (and counted) rather than stalling
	// the pipeline. Default: 256.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.STTTimeout <= 0 {
		c.STTTimeout = DefaultSTTTimeout
	}
	if c.FirstChunkTimeout <= 0 {
		c.FirstChunkTimeout = DefaultFirstChunkTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	return c
}

// cycle outcomes for metrics.
const (
	outcomeCompleted = "completed"
	outcomeCanceled  = "canceled"
	outcomeError     = "error"
	outcomeIgnored   = "ignored"
)

// Coordinator owns the interaction cycle: it serializes utterances into at
// most one active cycle, runs transcription and the chat stream, feeds the
// speaker, and publishes the ordered event feed.
//
// All cycle state (history aside) is confined to the Run goroutine; other
// goroutines talk to it through Submit and Cancel.
type Coordinator struct {
	cfg      Config
	stt      stt.Engine
	chat     llm.Provider
	speaker  *synth.Speaker
	playback *audio.FrameBus
	filter   *voicecmd.Filter
	history  *History
	metrics  *observe.Metrics
	log      *slog.Logger

	utterances chan Utterance
	cancels    chan struct{}
	events     chan Event

	seq           atomic.Uint64
	eventsDropped atomic.Uint64
}

// New assembles a coordinator. speaker, sttEngine, chat, and playback are
// required; filter and metrics may be nil.
func New(cfg Config, sttEngine stt.Engine, chat llm.Provider, speaker *synth.Speaker, playback *audio.FrameBus, filter *voicecmd.Filter, metrics *observe.Metrics, logger *slog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:        cfg,
		stt:        sttEngine,
		chat:       chat,
		speaker:    speaker,
		playback:   playback,
		filter:     filter,
		history:    NewHistory(cfg.SystemPrompt, cfg.MaxHistoryTurns),
		metrics:    metrics,
		log:        logger,
		utterances: make(chan Utterance, 1),
		cancels:    make(chan struct{}, 1),
		events:     make(chan Event, cfg.EventBuffer),
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Events returns the ordered presentation feed. The channel is never closed;
// consumers stop reading when their context ends.
func (c *Coordinator) Events() <-chan Event { return c.events }

// EventsDropped reports how many events were discarded because the consumer
// fell behind.
func (c *Coordinator) EventsDropped() uint64 { return c.eventsDropped.Load() }

// History exposes the conversation history (for startup greetings and
// inspection).
func (c *Coordinator) History() *History { return c.history }

// Submit hands a finalized utterance to the run loop. Blocks only while the
// run loop is between selects; a cycle in progress rejects the utterance
// with a busy event from inside the loop.
func (c *Coordinator) Submit(ctx context.Context, u Utterance) {
	select {
	case c.utterances <- u:
	case <-ctx.Done():
	}
}

// Cancel aborts the active cycle, if any. Safe from any goroutine.
func (c *Coordinator) Cancel() {
	select {
	case c.cancels <- struct{}{}:
	default:
	}
}

// AnnounceModelMissing publishes a degraded-mode event for a chat model that
// is not installed on the backend.
func (c *Coordinator) AnnounceModelMissing(model string) {
	c.emit(Event{Kind: EventModelUnavailable, Text: model})
}

// Run executes the coordination loop until ctx is cancelled. It must be
// called exactly once.
func (c *Coordinator) Run(ctx context.Context) error {
	c.emitState(StateListening)

	var (
		active      bool
		cycleCancel context.CancelFunc
		done        = make(chan string, 1)
	)

	for {
		select {
		case <-ctx.Done():
			if active {
				cycleCancel()
				<-done
			}
			return ctx.Err()

		case u := <-c.utterances:
			if active {
				c.rejectBusy(ctx, u, cycleCancel)
				continue
			}
			active = true
			var cctx context.Context
			cctx, cycleCancel = context.WithCancel(ctx)
			go func() { done <- c.runCycle(cctx, u) }()

		case <-c.cancels:
			if active {
				cycleCancel()
			}

		case outcome := <-done:
			cycleCancel()
			active = false
			if c.metrics != nil {
				c.metrics.RecordCycle(ctx, outcome)
			}
			// The single reset transition back to listening, whatever the
			// cycle's fate.
			c.emitState(StateListening)
		}
	}
}

// rejectBusy handles an utterance that arrived mid-cycle. It is still
// transcribed on the side so a spoken cancel command can abort the active
// cycle; anything else is rejected with a busy event.
func (c *Coordinator) rejectBusy(ctx context.Context, u Utterance, cancelActive context.CancelFunc) {
	if c.filter == nil {
		c.emit(Event{Kind: EventBusy})
		return
	}
	go func() {
		sttCtx, cancel := context.WithTimeout(ctx, c.cfg.STTTimeout)
		defer cancel()
		text, err := c.stt.Transcribe(sttCtx, u.Samples, u.SampleRate)
		if err == nil && c.filter.Match(text) == voicecmd.ActionCancel {
			c.log.Info("spoken cancel command", "text", text)
			cancelActive()
			return
		}
		c.emit(Event{Kind: EventBusy})
		if c.metrics != nil {
			c.metrics.RecordCycle(ctx, "busy")
		}
	}()
}

// runCycle executes one full interaction: transcribe, chat, speak. Returns
// the outcome label for metrics. Cancellation of cctx at any point tears the
// cycle down; playback is cleared so no frames outlive the cancel.
func (c *Coordinator) runCycle(cctx context.Context, u Utterance) (outcome string) {
	start := time.Now()
	if c.metrics != nil {
		c.metrics.ActiveCycle.Add(cctx, 1)
		defer func() {
			c.metrics.ActiveCycle.Add(context.WithoutCancel(cctx), -1)
			if outcome == outcomeCompleted {
				c.metrics.CycleDuration.Record(context.WithoutCancel(cctx), time.Since(start).Seconds())
			}
		}()
	}
	defer func() {
		if outcome == outcomeCanceled {
			c.playback.Clear()
		}
	}()

	// --- Transcription ---

	c.emitState(StateTranscribing)

	sttStart := time.Now()
	sttCtx, cancel := context.WithTimeout(cctx, c.cfg.STTTimeout)

	// Inference engines may be unable to honor cancellation mid-run, so the
	// call runs on a side goroutine and the deadline is enforced here. A late
	// result is discarded.
	type sttResult struct {
		text string
		err  error
	}
	results := make(chan sttResult, 1)
	go func() {
		text, err := c.stt.Transcribe(sttCtx, u.Samples, u.SampleRate)
		results <- sttResult{text: text, err: err}
	}()

	var text string
	var err error
	select {
	case r := <-results:
		text, err = r.text, r.err
	case <-sttCtx.Done():
		err = sttCtx.Err()
	}
	cancel()
	if c.metrics != nil {
		c.metrics.STTDuration.Record(context.WithoutCancel(cctx), time.Since(sttStart).Seconds())
	}
	switch {
	case cctx.Err() != nil:
		return outcomeCanceled
	case errors.Is(err, stt.ErrEmptyUtterance):
		return outcomeIgnored
	case errors.Is(err, context.DeadlineExceeded):
		c.emitError(StageTimeout, "transcription timed out")
		return outcomeError
	case err != nil:
		c.emitError(StageSTT, err.Error())
		return outcomeError
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return outcomeIgnored
	}
	if c.filter != nil && c.filter.Match(text) == voicecmd.ActionCancel {
		// Nothing is playing (single flight); just swallow the command.
		return outcomeIgnored
	}

	c.emit(Event{Kind: EventUserTranscript, Text: text})

	// --- Chat stream ---

	c.emitState(StateThinking)

	chatCtx, chatCancel := context.WithCancel(cctx)
	defer chatCancel()

	req := llm.ChatRequest{
		Messages:      append(c.history.Messages(), llm.Message{Role: llm.RoleUser, Content: text}),
		Temperature:   c.cfg.Temperature,
		ContextWindow: c.cfg.ContextWindow,
	}
	chatStart := time.Now()
	chunks, err := c.chat.StreamChat(chatCtx, req)
	if err != nil {
		if cctx.Err() != nil {
			return outcomeCanceled
		}
		c.emitError(StageChat, err.Error())
		return outcomeError
	}

	sentences := make(chan string, 16)
	speakerDone := make(chan error, 1)
	go func() { speakerDone <- c.speaker.Stream(chatCtx, sentences, c.playback) }()

	var (
		assembler synth.Assembler
		full      strings.Builder
		speaking  bool
		chatErr   error
	)
	firstChunk := time.NewTimer(c.cfg.FirstChunkTimeout)
	defer firstChunk.Stop()

	speak := func(sentence string) {
		if !speaking {
			c.emitState(StateSpeaking)
			speaking = true
		}
		select {
		case sentences <- sentence:
		case <-chatCtx.Done():
		}
	}

stream:
	for {
		select {
		case <-cctx.Done():
			chatErr = cctx.Err()
			break stream

		case <-firstChunk.C:
			chatCancel()
			c.emitError(StageTimeout, "no response from chat backend")
			chatErr = context.DeadlineExceeded
			break stream

		case chunk, ok := <-chunks:
			if !ok {
				break stream
			}
			firstChunk.Stop()
			if chunk.Text != "" {
				if full.Len() == 0 && c.metrics != nil {
					c.metrics.ChatFirstChunk.Record(context.WithoutCancel(cctx), time.Since(chatStart).Seconds())
				}
				full.WriteString(chunk.Text)
				c.emit(Event{Kind: EventAssistantChunk, Text: chunk.Text})
				for _, s := range assembler.Push(chunk.Text) {
					speak(s)
				}
			}
			if chunk.Err != nil {
				chatErr = chunk.Err
				break stream
			}
			if chunk.Done {
				break stream
			}
		}
	}

	if chatErr == nil {
		if tail := assembler.Flush(); tail != "" {
			speak(tail)
		}
	}
	close(sentences)
	speakErr := <-speakerDone

	if c.metrics != nil {
		c.metrics.ChatDuration.Record(context.WithoutCancel(cctx), time.Since(chatStart).Seconds())
	}
	if errors.Is(speakErr, synth.ErrSentenceSkipped) && cctx.Err() == nil {
		// The rest of the response played; report the gap without failing the
		// cycle.
		c.emitError(StageTTS, speakErr.Error())
	}

	// Partial text survives interruption: whatever the stream's fate, the
	// exchange enters history so the next turn has context.
	if full.Len() > 0 || chatErr == nil {
		c.history.AppendExchange(text, full.String())
	}

	switch {
	case cctx.Err() != nil:
		return outcomeCanceled
	case errors.Is(chatErr, context.DeadlineExceeded):
		return outcomeError
	case chatErr != nil:
		c.emitError(StageChat, chatErr.Error())
		c.emit(Event{Kind: EventAssistantDone, Text: full.String()})
		return outcomeError
	}

	// Let playback finish before reporting the cycle done.
	if err := synth.Drain(cctx, c.playback); err != nil {
		return outcomeCanceled
	}

	c.emit(Event{Kind: EventAssistantDone, Text: full.String()})
	return outcomeCompleted
}

func (c *Coordinator) emitState(s State) {
	c.emit(Event{Kind: EventState, State: s})
}

func (c *Coordinator) emitError(stage Stage, msg string) {
	c.log.Error("pipeline error", "stage", string(stage), "message", msg)
	if c.metrics != nil {
		c.metrics.RecordPipelineError(context.Background(), string(stage))
	}
	c.emit(Event{Kind: EventError, Stage: stage, Message: msg})
}

// emit publishes an event without ever blocking the pipeline. A full buffer
// drops the event and counts it.
func (c *Coordinator) emit(ev Event) {
	ev.Seq = c.seq.Add(1)
	select {
	case c.events <- ev:
	default:
		c.eventsDropped.Add(1)
	}
}
