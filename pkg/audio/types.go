// Package audio provides the PCM primitives shared across the pipeline:
// frame and clip types, sample-format conversion and resampling helpers, and
// the bounded drop-oldest [FrameBus] that bridges real-time device callbacks
// to the processing goroutines.
package audio

import "time"

// Frame represents a single fixed-duration frame of mono PCM audio flowing
// through the pipeline. Frames are the atomic transport unit: captured from
// the input device, classified by the VAD, accumulated into utterances, and
// queued for playback.
//
// A Frame is immutable once produced. Stages hand frames onward by value and
// must not modify Samples in place.
type Frame struct {
	// Samples is signed 16-bit mono PCM.
	Samples []int16

	// SampleRate in Hz (e.g. 16000 for capture).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Clip is a contiguous run of synthesized mono PCM, typically one sentence of
// TTS output. Playback splits a clip into device-sized frames.
type Clip struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the play time of the clip at its sample rate.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Frames splits the clip into frames of frameSamples samples each. The last
// frame may be shorter. Returned frames alias the clip's backing array.
func (c Clip) Frames(frameSamples int) []Frame {
	if frameSamples <= 0 || len(c.Samples) == 0 {
		return nil
	}
	out := make([]Frame, 0, (len(c.Samples)+frameSamples-1)/frameSamples)
	var ts time.Duration
	for start := 0; start < len(c.Samples); start += frameSamples {
		end := min(start+frameSamples, len(c.Samples))
		f := Frame{Samples: c.Samples[start:end], SampleRate: c.SampleRate, Timestamp: ts}
		ts += f.Duration()
		out = append(out, f)
	}
	return out
}

// Platform abstracts the local audio device layer. Implementations open a
// capture stream that pushes microphone frames into a [FrameBus] and a
// playback stream that drains an output [FrameBus] to the speakers.
type Platform interface {
	// StartCapture begins pushing fixed-size mono frames at sampleRate into
	// bus. frameSamples is the per-frame sample count (e.g. 480 for 30 ms at
	// 16 kHz). Capture runs until Close.
	StartCapture(bus *FrameBus, sampleRate, frameSamples int) error

	// StartPlayback begins draining bus to the default output device at
	// sampleRate. Missing frames play as silence.
	StartPlayback(bus *FrameBus, sampleRate, frameSamples int) error

	// Close stops both streams and releases device resources.
	Close() error
}
