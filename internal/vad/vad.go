// Package vad turns a stream of classified audio frames into discrete
// utterances. A [Detector] runs the Idle → Speech → TrailingSilence state
// machine over frames from the capture bus, accumulating samples while
// speech is active and finalizing one utterance per speech run once enough
// trailing silence has elapsed.
//
// Frame-level speech classification is delegated to a [Classifier] so the
// state machine is independent of the detection backend (energy threshold,
// Silero ONNX, or a test stub).
package vad

import (
	"time"

	"github.com/perchlabs/parley/pkg/audio"
)

// State is the detector's position in the utterance state machine.
type State int

const (
	// StateIdle means no speech is being accumulated.
	StateIdle State = iota

	// StateSpeech means speech frames are being accumulated.
	StateSpeech

	// StateTrailingSilence means speech was heard recently and the detector
	// is waiting out the silence window before finalizing.
	StateTrailingSilence
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeech:
		return "speech"
	case StateTrailingSilence:
		return "trailing_silence"
	default:
		return "unknown"
	}
}

// Classifier decides whether a single frame contains speech. Implementations
// may keep internal smoothing state; Reset clears it between utterances.
//
// A Classifier is driven from a single goroutine and does not need to be
// safe for concurrent use.
type Classifier interface {
	IsSpeech(f audio.Frame) bool
	Reset()
}

const (
	defaultSilenceWindow = 1 * time.Second
	defaultMinUtterance  = 500 * time.Millisecond
	defaultMaxUtterance  = 30 * time.Second
)

// Option is a functional option for configuring a [Detector].
type Option func(*Detector)

// WithSilenceWindow sets how much continuous trailing silence ends an
// utterance. Default: 1s.
func WithSilenceWindow(d time.Duration) Option {
	return func(det *Detector) { det.silenceWindow = d }
}

// WithMinUtterance sets the minimum utterance length. Shorter utterances are
// discarded at finalize time instead of being emitted. Default: 500ms.
func WithMinUtterance(d time.Duration) Option {
	return func(det *Detector) { det.minUtterance = d }
}

// WithMaxUtterance sets the length at which an in-progress utterance is
// force-finalized even though speech is still ongoing. Default: 30s.
func WithMaxUtterance(d time.Duration) Option {
	return func(det *Detector) { det.maxUtterance = d }
}

// Detector accumulates speech frames into utterances.
//
// Feed and PushToTalk must be called from a single goroutine (the pipeline's
// frame loop). The detector emits at most one utterance per speech run.
type Detector struct {
	classifier    Classifier
	silenceWindow time.Duration
	minUtterance  time.Duration
	maxUtterance  time.Duration

	state      State
	buf        []int16
	sampleRate int

	// speechEnd is the buffer length just after the last speech-classified
	// frame. Samples past it are trailing silence and are trimmed at
	// finalize time.
	speechEnd      int
	silenceElapsed time.Duration
	pttHeld        bool
}

// New returns a detector driving the given classifier.
func New(classifier Classifier, opts ...Option) *Detector {
	d := &Detector{
		classifier:    classifier,
		silenceWindow: defaultSilenceWindow,
		minUtterance:  defaultMinUtterance,
		maxUtterance:  defaultMaxUtterance,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// State reports the detector's current state.
func (d *Detector) State() State { return d.state }

// Feed processes one capture frame. When the frame completes an utterance,
// Feed returns the utterance samples (trailing silence trimmed) and
// final=true; otherwise final is false.
//
// Utterances shorter than the minimum length are discarded silently: the
// detector returns to idle without emitting.
func (d *Detector) Feed(f audio.Frame) (utterance []int16, final bool) {
	speech := d.pttHeld || d.classifier.IsSpeech(f)

	switch d.state {
	case StateIdle:
		if !speech {
			return nil, false
		}
		d.state = StateSpeech
		d.sampleRate = f.SampleRate
		d.buf = append(d.buf[:0], f.Samples...)
		d.speechEnd = len(d.buf)
		d.silenceElapsed = 0

	case StateSpeech:
		d.buf = append(d.buf, f.Samples...)
		if speech {
			d.speechEnd = len(d.buf)
		} else {
			d.state = StateTrailingSilence
			d.silenceElapsed = f.Duration()
		}

	case StateTrailingSilence:
		d.buf = append(d.buf, f.Samples...)
		if speech {
			d.state = StateSpeech
			d.speechEnd = len(d.buf)
			d.silenceElapsed = 0
		} else {
			d.silenceElapsed += f.Duration()
			if d.silenceElapsed >= d.silenceWindow {
				return d.finalize()
			}
		}
	}

	if d.state != StateIdle && d.bufferedDuration() >= d.maxUtterance {
		return d.finalize()
	}
	return nil, false
}

// PushToTalk overrides frame classification. While held every frame counts
// as speech regardless of the classifier; releasing finalizes the current
// utterance immediately, skipping the silence window.
func (d *Detector) PushToTalk(held bool) (utterance []int16, final bool) {
	if d.pttHeld == held {
		return nil, false
	}
	d.pttHeld = held
	if !held && d.state != StateIdle {
		return d.finalize()
	}
	return nil, false
}

// Reset discards any in-progress utterance and returns the detector to idle.
func (d *Detector) Reset() {
	d.state = StateIdle
	d.buf = d.buf[:0]
	d.speechEnd = 0
	d.silenceElapsed = 0
	d.classifier.Reset()
}

// SampleRate reports the rate of the current or most recently finalized
// utterance, or 0 before any speech has been seen. The value survives
// finalization so callers can read it after Feed reports final.
func (d *Detector) SampleRate() int { return d.sampleRate }

func (d *Detector) bufferedDuration() time.Duration {
	if d.sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(d.buf)) * time.Second / time.Duration(d.sampleRate)
}

func (d *Detector) finalize() ([]int16, bool) {
	utt := make([]int16, d.speechEnd)
	copy(utt, d.buf[:d.speechEnd])
	d.Reset()

	minSamples := int(d.minUtterance.Seconds() * float64(d.sampleRate))
	if d.sampleRate > 0 && len(utt) < minSamples {
		return nil, false
	}
	return utt, true
}
