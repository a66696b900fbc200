// Package pipeline contains the coordinator that glues the voice pipeline
// together: utterances in from the listener, transcription, the streaming
// chat exchange, sentence synthesis out to playback, and the ordered event
// feed consumed by the presentation layer.
package pipeline

// State is the pipeline's user-visible activity, published to the
// presentation layer on every transition.
type State string

const (
	// StateListening means the pipeline is idle and capturing audio.
	StateListening State = "listening"

	// StateTranscribing means an utterance is being transcribed.
	StateTranscribing State = "transcribing"

	// StateThinking means the chat backend is generating a response.
	StateThinking State = "thinking"

	// StateSpeaking means response audio is being synthesized or played.
	StateSpeaking State = "speaking"
)

// EventKind discriminates the presentation event vocabulary.
type EventKind string

const (
	// EventState carries a State transition.
	EventState EventKind = "state"

	// EventUserTranscript carries the recognized user utterance text.
	EventUserTranscript EventKind = "user_transcript"

	// EventAssistantChunk carries one incremental fragment of response text,
	// in stream order.
	EventAssistantChunk EventKind = "assistant_chunk"

	// EventAssistantDone carries the complete response text after the stream
	// ends. On an interrupted stream the text is the partial response.
	EventAssistantDone EventKind = "assistant_done"

	// EventError carries a pipeline failure, tagged with the stage that
	// failed.
	EventError EventKind = "error"

	// EventBusy reports that an utterance was rejected because a cycle was
	// already running.
	EventBusy EventKind = "busy"

	// EventModelUnavailable reports at startup that the configured chat
	// model is not installed on the backend; the pipeline runs degraded.
	EventModelUnavailable EventKind = "model_unavailable"
)

// Stage tags an error event with the pipeline stage that produced it.
type Stage string

const (
	StageSTT     Stage = "stt"
	StageChat    Stage = "chat"
	StageTTS     Stage = "tts"
	StageTimeout Stage = "timeout"
)

// Event is one entry of the ordered presentation feed. Events are emitted in
// causal order; Seq increases monotonically so consumers can detect gaps
// from a slow connection.
type Event struct {
	Seq     uint64    `json:"seq"`
	Kind    EventKind `json:"kind"`
	State   State     `json:"state,omitempty"`
	Text    string    `json:"text,omitempty"`
	Stage   Stage     `json:"stage,omitempty"`
	Message string    `json:"message,omitempty"`
}
