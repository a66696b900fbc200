// Package portaudio implements [audio.Platform] on top of PortAudio's
// default input and output devices. Device callbacks run on PortAudio's
// real-time thread and touch nothing but the frame buses.
package portaudio

import (
	"fmt"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/perchlabs/parley/pkg/audio"
)

// Platform owns the PortAudio streams for capture and playback.
// It is not safe to run more than one Platform per process.
type Platform struct {
	mu       sync.Mutex
	capture  *pa.Stream
	playback *pa.Stream
	closed   bool
}

var _ audio.Platform = (*Platform)(nil)

// New initializes the PortAudio runtime and returns a Platform.
// Callers must Close the platform to release the runtime.
func New() (*Platform, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Platform{}, nil
}

// StartCapture opens the default input device and pushes each device buffer
// into bus as one mono frame. The callback copies samples out of the device
// buffer; frames handed to the bus never alias PortAudio memory.
func (p *Platform) StartCapture(bus *audio.FrameBus, sampleRate, frameSamples int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("portaudio: capture on closed platform")
	}
	if p.capture != nil {
		return fmt.Errorf("portaudio: capture already started")
	}

	start := time.Now()
	stream, err := pa.OpenDefaultStream(1, 0, float64(sampleRate), frameSamples, func(in []int16) {
		samples := make([]int16, len(in))
		copy(samples, in)
		bus.Push(audio.Frame{
			Samples:    samples,
			SampleRate: sampleRate,
			Timestamp:  time.Since(start),
		})
	})
	if err != nil {
		return fmt.Errorf("portaudio: open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("portaudio: start capture stream: %w", err)
	}
	p.capture = stream
	return nil
}

// StartPlayback opens the default output device and fills each device buffer
// from bus. When the bus runs dry the remainder of the buffer is zeroed, so
// gaps between synthesized sentences play as silence.
func (p *Platform) StartPlayback(bus *audio.FrameBus, sampleRate, frameSamples int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("portaudio: playback on closed platform")
	}
	if p.playback != nil {
		return fmt.Errorf("portaudio: playback already started")
	}

	// pending holds the tail of a popped frame that did not fit the device
	// buffer. Only the playback callback touches it.
	var pending []int16

	stream, err := pa.OpenDefaultStream(0, 1, float64(sampleRate), frameSamples, func(out []int16) {
		n := 0
		for n < len(out) {
			if len(pending) == 0 {
				f, ok := bus.TryPop()
				if !ok {
					break
				}
				pending = f.Samples
			}
			c := copy(out[n:], pending)
			pending = pending[c:]
			n += c
		}
		for ; n < len(out); n++ {
			out[n] = 0
		}
	})
	if err != nil {
		return fmt.Errorf("portaudio: open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("portaudio: start playback stream: %w", err)
	}
	p.playback = stream
	return nil
}

// Close stops both streams and terminates the PortAudio runtime.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for _, s := range []*pa.Stream{p.capture, p.playback} {
		if s == nil {
			continue
		}
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := pa.Terminate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("portaudio: close: %w", errs[0])
	}
	return nil
}
