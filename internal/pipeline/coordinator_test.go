package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/perchlabs/parley/internal/pipeline"
	"github.com/perchlabs/parley/internal/synth"
	"github.com/perchlabs/parley/internal/voicecmd"
	"github.com/perchlabs/parley/pkg/audio"
	"github.com/perchlabs/parley/pkg/provider/llm"
	llmmock "github.com/perchlabs/parley/pkg/provider/llm/mock"
	"github.com/perchlabs/parley/pkg/provider/stt"
	sttmock "github.com/perchlabs/parley/pkg/provider/stt/mock"
	ttsmock "github.com/perchlabs/parley/pkg/provider/tts/mock"
)

const eventTimeout = 5 * time.Second

type fixture struct {
	coord    *pipeline.Coordinator
	stt      *sttmock.Engine
	chat     *llmmock.Provider
	tts      *ttsmock.Synthesizer
	playback *audio.FrameBus

	// played counts frames consumed by the fixture's playback drainer, which
	// stands in for the audio device.
	played atomic.Int64
}

func newFixture(t *testing.T, cfg pipeline.Config, filter *voicecmd.Filter) *fixture {
	t.Helper()

	f := &fixture{
		stt:      &sttmock.Engine{},
		chat:     &llmmock.Provider{},
		tts:      &ttsmock.Synthesizer{},
		playback: audio.NewFrameBus(256),
	}
	logger := slog.New(slog.DiscardHandler)
	speaker := synth.NewSpeaker(f.tts, logger)
	f.coord = pipeline.New(cfg, f.stt, f.chat, speaker, f.playback, filter, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.coord.Run(ctx)
	}()
	go func() {
		for {
			for {
				if _, ok := f.playback.TryPop(); !ok {
					break
				}
				f.played.Add(1)
			}
			select {
			case <-ctx.Done():
				return
			case <-f.playback.Wait():
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(eventTimeout):
			t.Error("coordinator did not stop")
		}
	})
	return f
}

func testUtterance() pipeline.Utterance {
	return pipeline.Utterance{Samples: make([]float32, 16000), SampleRate: 16000}
}

// collectUntil reads events until stop returns true, failing the test on
// timeout. The stopping event is included in the result.
func collectUntil(t *testing.T, events <-chan pipeline.Event, stop func(pipeline.Event) bool) []pipeline.Event {
	t.Helper()

	var got []pipeline.Event
	deadline := time.After(eventTimeout)
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
			if stop(ev) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event, got %+v", got)
		}
	}
}

// cycleEnd stops at the return-to-listening transition, skipping the initial
// listening event Run publishes at startup.
func cycleEnd() func(pipeline.Event) bool {
	seenOther := false
	return func(ev pipeline.Event) bool {
		if ev.Kind == pipeline.EventState && ev.State == pipeline.StateListening {
			return seenOther
		}
		seenOther = true
		return false
	}
}

func kinds(events []pipeline.Event) []pipeline.EventKind {
	out := make([]pipeline.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func findEvent(events []pipeline.Event, kind pipeline.EventKind) (pipeline.Event, bool) {
	for _, ev := range events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return pipeline.Event{}, false
}

func TestCoordinatorHappyCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Config{}, nil)
	f.stt.Text = "tell me a joke"
	f.chat.Chunks = []llm.Chunk{
		{Text: "Hel"},
		{Text: "lo there. How "},
		{Text: "are you?"},
		{Done: true},
	}

	f.coord.Submit(context.Background(), testUtterance())
	got := collectUntil(t, f.coord.Events(), cycleEnd())

	transcript, ok := findEvent(got, pipeline.EventUserTranscript)
	if !ok || transcript.Text != "tell me a joke" {
		t.Errorf("user transcript = %+v, want %q", transcript, "tell me a joke")
	}

	var streamed string
	for _, ev := range got {
		if ev.Kind == pipeline.EventAssistantChunk {
			streamed += ev.Text
		}
	}
	if streamed != "Hello there. How are you?" {
		t.Errorf("streamed chunks = %q, want %q", streamed, "Hello there. How are you?")
	}

	done, ok := findEvent(got, pipeline.EventAssistantDone)
	if !ok || done.Text != "Hello there. How are you?" {
		t.Errorf("assistant done = %+v", done)
	}

	sentences := f.tts.Synthesized()
	want := []string{"Hello there.", "How are you?"}
	if len(sentences) != len(want) {
		t.Fatalf("synthesized %v, want %v", sentences, want)
	}
	for i := range want {
		if sentences[i] != want[i] {
			t.Errorf("sentence %d = %q, want %q", i, sentences[i], want[i])
		}
	}

	if f.played.Load() == 0 {
		t.Error("no frames reached the playback bus")
	}

	if got := f.coord.History().Len(); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}

	// Seq must be strictly increasing across the whole feed.
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Errorf("event %d seq %d not after %d", i, got[i].Seq, got[i-1].Seq)
		}
	}
}

func TestCoordinatorRejectsSecondUtteranceWhileBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Config{}, nil)
	f.stt.Text = "first question"

	release := make(chan struct{})
	ready := make(chan struct{})
	closedCh := make(chan struct{})
	close(closedCh)
	f.chat.Chunks = []llm.Chunk{{Text: "Thinking. "}}
	f.chat.ChunkDelay = func(i int) <-chan struct{} {
		if i == 0 {
			return closedCh
		}
		close(ready)
		return release
	}

	f.coord.Submit(context.Background(), testUtterance())
	<-ready // the first cycle is now mid-stream

	f.coord.Submit(context.Background(), testUtterance())

	got := collectUntil(t, f.coord.Events(), func(ev pipeline.Event) bool {
		return ev.Kind == pipeline.EventBusy
	})
	if _, ok := findEvent(got, pipeline.EventBusy); !ok {
		t.Fatalf("no busy event in %v", kinds(got))
	}

	close(release)
	collectUntil(t, f.coord.Events(), cycleEnd())

	if got := f.chat.RequestCount(); got != 1 {
		t.Errorf("chat requests = %d, want 1 (second utterance must not start a cycle)", got)
	}
}

func TestCoordinatorSpokenCancelAbortsCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Config{}, voicecmd.New())

	var calls atomic.Int32
	f.stt.TranscribeFunc = func(ctx context.Context, samples []float32, rate int) (string, error) {
		if calls.Add(1) == 1 {
			return "what is the weather", nil
		}
		return "stop", nil
	}

	never := make(chan struct{})
	closedCh := make(chan struct{})
	close(closedCh)
	f.chat.Chunks = []llm.Chunk{{Text: "The weather today is. "}}
	f.chat.ChunkDelay = func(i int) <-chan struct{} {
		if i == 0 {
			return closedCh
		}
		return never // stream stalls until cancelled
	}

	f.coord.Submit(context.Background(), testUtterance())
	collectUntil(t, f.coord.Events(), func(ev pipeline.Event) bool {
		return ev.Kind == pipeline.EventAssistantChunk
	})

	// Spoken "stop" while the cycle is active cancels it instead of
	// reporting busy.
	f.coord.Submit(context.Background(), testUtterance())
	got := collectUntil(t, f.coord.Events(), cycleEnd())

	if _, ok := findEvent(got, pipeline.EventBusy); ok {
		t.Error("cancel command produced a busy event")
	}
	if _, ok := findEvent(got, pipeline.EventAssistantDone); ok {
		t.Error("cancelled cycle still reported assistant done")
	}
	if n := f.playback.Len(); n != 0 {
		t.Errorf("playback bus holds %d frames after cancel, want 0", n)
	}
}

func TestCoordinatorCancelPreservesPartialHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Config{}, nil)
	f.stt.Text = "long question"

	never := make(chan struct{})
	closedCh := make(chan struct{})
	close(closedCh)
	f.chat.Chunks = []llm.Chunk{{Text: "partial answer"}}
	f.chat.ChunkDelay = func(i int) <-chan struct{} {
		if i == 0 {
			return closedCh
		}
		return never
	}

	f.coord.Submit(context.Background(), testUtterance())
	collectUntil(t, f.coord.Events(), func(ev pipeline.Event) bool {
		return ev.Kind == pipeline.EventAssistantChunk
	})

	f.coord.Cancel()
	collectUntil(t, f.coord.Events(), cycleEnd())

	msgs := f.coord.History().Messages()
	if len(msgs) != 2 {
		t.Fatalf("history = %+v, want user + partial assistant", msgs)
	}
	if msgs[1].Role != llm.RoleAssistant || msgs[1].Content != "partial answer" {
		t.Errorf("assistant history = %s %q, want partial answer", msgs[1].Role, msgs[1].Content)
	}
}

func TestCoordinatorStreamFailureEmitsPartial(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Config{}, nil)
	f.stt.Text = "question"
	f.chat.Chunks = []llm.Chunk{
		{Text: "partial "},
		{Text: "answer"},
		{Err: fmt.Errorf("%w: connection reset", llm.ErrStreamInterrupted)},
	}

	f.coord.Submit(context.Background(), testUtterance())
	got := collectUntil(t, f.coord.Events(), cycleEnd())

	errEv, ok := findEvent(got, pipeline.EventError)
	if !ok || errEv.Stage != pipeline.StageChat {
		t.Errorf("error event = %+v, want chat stage", errEv)
	}
	done, ok := findEvent(got, pipeline.EventAssistantDone)
	if !ok || done.Text != "partial answer" {
		t.Errorf("assistant done = %+v, want partial text", done)
	}

	msgs := f.coord.History().Messages()
	if len(msgs) != 2 || msgs[1].Content != "partial answer" {
		t.Errorf("history = %+v, want partial answer recorded", msgs)
	}
}

func TestCoordinatorSTTTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Config{STTTimeout: 30 * time.Millisecond}, nil)
	f.stt.TranscribeFunc = func(ctx context.Context, samples []float32, rate int) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	f.coord.Submit(context.Background(), testUtterance())
	got := collectUntil(t, f.coord.Events(), cycleEnd())

	errEv, ok := findEvent(got, pipeline.EventError)
	if !ok || errEv.Stage != pipeline.StageTimeout {
		t.Errorf("error event = %+v, want timeout stage", errEv)
	}
	if f.chat.RequestCount() != 0 {
		t.Error("chat was called despite transcription timeout")
	}
}

func TestCoordinatorSTTTimeoutUninterruptibleEngine(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Config{STTTimeout: 100 * time.Millisecond}, nil)
	// An engine that ignores cancellation entirely, like a native inference
	// call that cannot be interrupted mid-run.
	f.stt.TranscribeFunc = func(ctx context.Context, samples []float32, rate int) (string, error) {
		time.Sleep(2 * time.Second)
		return "far too late", nil
	}

	start := time.Now()
	f.coord.Submit(context.Background(), testUtterance())
	got := collectUntil(t, f.coord.Events(), cycleEnd())

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cycle ended after %v despite the blocked engine, want ~100ms", elapsed)
	}
	errEv, ok := findEvent(got, pipeline.EventError)
	if !ok || errEv.Stage != pipeline.StageTimeout {
		t.Errorf("error event = %+v, want timeout stage", errEv)
	}
	if f.chat.RequestCount() != 0 {
		t.Error("chat was called despite transcription timeout")
	}
}

func TestCoordinatorReportsSkippedSentence(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Config{}, nil)
	f.stt.Text = "two sentences please"
	f.chat.Chunks = []llm.Chunk{
		{Text: "First one. Second one. "},
		{Done: true},
	}
	f.tts.SynthesizeFunc = func(ctx context.Context, text string) (audio.Clip, error) {
		if text == "First one." {
			return audio.Clip{}, errors.New("voice server hiccup")
		}
		return audio.Clip{Samples: make([]int16, 256), SampleRate: 22050}, nil
	}

	f.coord.Submit(context.Background(), testUtterance())
	got := collectUntil(t, f.coord.Events(), cycleEnd())

	errEv, ok := findEvent(got, pipeline.EventError)
	if !ok || errEv.Stage != pipeline.StageTTS {
		t.Errorf("error event = %+v, want tts stage", errEv)
	}
	done, ok := findEvent(got, pipeline.EventAssistantDone)
	if !ok || done.Text != "First one. Second one. " {
		t.Errorf("assistant done = %+v, want full text despite the skip", done)
	}
	if f.played.Load() == 0 {
		t.Error("surviving sentence never reached the playback bus")
	}
}

func TestCoordinatorFirstChunkTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Config{FirstChunkTimeout: 30 * time.Millisecond}, nil)
	f.stt.Text = "question"
	f.chat.Chunks = []llm.Chunk{{Text: "too late"}}
	f.chat.ChunkDelay = func(i int) <-chan struct{} {
		return make(chan struct{}) // never delivers
	}

	f.coord.Submit(context.Background(), testUtterance())
	got := collectUntil(t, f.coord.Events(), cycleEnd())

	errEv, ok := findEvent(got, pipeline.EventError)
	if !ok || errEv.Stage != pipeline.StageTimeout {
		t.Errorf("error event = %+v, want timeout stage", errEv)
	}
	if _, ok := findEvent(got, pipeline.EventAssistantChunk); ok {
		t.Error("chunks arrived despite first-chunk timeout")
	}
}

func TestCoordinatorIgnoresEmptyUtterance(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Config{}, nil)
	f.stt.Err = stt.ErrEmptyUtterance

	f.coord.Submit(context.Background(), testUtterance())
	got := collectUntil(t, f.coord.Events(), cycleEnd())

	for _, kind := range []pipeline.EventKind{pipeline.EventUserTranscript, pipeline.EventError} {
		if _, ok := findEvent(got, kind); ok {
			t.Errorf("empty utterance produced %s event", kind)
		}
	}
	if f.chat.RequestCount() != 0 {
		t.Error("chat was called for an empty utterance")
	}
}

func TestCoordinatorSwallowsIdleCancelCommand(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Config{}, voicecmd.New())
	f.stt.Text = "never mind"

	f.coord.Submit(context.Background(), testUtterance())
	got := collectUntil(t, f.coord.Events(), cycleEnd())

	if _, ok := findEvent(got, pipeline.EventUserTranscript); ok {
		t.Error("idle cancel command reached the chat stage")
	}
	if f.chat.RequestCount() != 0 {
		t.Error("chat was called for a cancel command")
	}
}

func TestCoordinatorChatStartError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Config{}, nil)
	f.stt.Text = "question"
	f.chat.StartErr = errors.New("backend unreachable")

	f.coord.Submit(context.Background(), testUtterance())
	got := collectUntil(t, f.coord.Events(), cycleEnd())

	errEv, ok := findEvent(got, pipeline.EventError)
	if !ok || errEv.Stage != pipeline.StageChat {
		t.Errorf("error event = %+v, want chat stage", errEv)
	}
	if got := f.coord.History().Len(); got != 0 {
		t.Errorf("history length = %d, want 0 after failed start", got)
	}
}

func TestCoordinatorAnnounceModelMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Config{}, nil)
	f.coord.AnnounceModelMissing("llama3.2:3b")

	got := collectUntil(t, f.coord.Events(), func(ev pipeline.Event) bool {
		return ev.Kind == pipeline.EventModelUnavailable
	})
	ev := got[len(got)-1]
	if ev.Text != "llama3.2:3b" {
		t.Errorf("model = %q, want llama3.2:3b", ev.Text)
	}
}
