package pipeline

import (
	"context"
	"log/slog"

	"github.com/perchlabs/parley/internal/vad"
	"github.com/perchlabs/parley/pkg/audio"
)

// Utterance is one finalized run of speech handed to the coordinator.
type Utterance struct {
	// Samples is mono float32 PCM in [-1, 1], trailing silence trimmed.
	Samples []float32

	// SampleRate of the samples in Hz.
	SampleRate int
}

// Listener drains the capture bus through the voice activity detector and
// submits finalized utterances to the coordinator. It is the only consumer
// of the capture bus and the only driver of the detector.
type Listener struct {
	bus      *audio.FrameBus
	detector *vad.Detector
	coord    *Coordinator
	log      *slog.Logger

	// ptt carries push-to-talk transitions onto the listener goroutine so
	// the detector stays single-threaded.
	ptt chan bool
}

// NewListener wires a capture bus and detector to the coordinator.
func NewListener(bus *audio.FrameBus, detector *vad.Detector, coord *Coordinator, logger *slog.Logger) *Listener {
	l := &Listener{
		bus:      bus,
		detector: detector,
		coord:    coord,
		log:      logger,
		ptt:      make(chan bool, 4),
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l
}

// PushToTalk forwards a push-to-talk press (true) or release (false) to the
// listener goroutine. Safe to call from any goroutine.
func (l *Listener) PushToTalk(held bool) {
	select {
	case l.ptt <- held:
	default:
		// A burst of transitions beyond the buffer means the newest state
		// will arrive with the next one; dropping is harmless.
	}
}

// Run processes frames until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	for {
		// Drain everything queued before sleeping again.
		for {
			frame, ok := l.bus.TryPop()
			if !ok {
				break
			}
			if utt, final := l.detector.Feed(frame); final {
				l.submit(ctx, utt)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case held := <-l.ptt:
			if utt, final := l.detector.PushToTalk(held); final {
				l.submit(ctx, utt)
			}
		case <-l.bus.Wait():
		}
	}
}

func (l *Listener) submit(ctx context.Context, samples []int16) {
	rate := l.detector.SampleRate()
	u := Utterance{Samples: audio.Int16ToFloat32(samples), SampleRate: rate}
	l.log.Debug("utterance finalized",
		"samples", len(samples),
		"duration", audio.Frame{Samples: samples, SampleRate: rate}.Duration(),
	)
	l.coord.Submit(ctx, u)
}
