package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perchlabs/parley/internal/observe"
	"github.com/perchlabs/parley/pkg/audio"
	"github.com/perchlabs/parley/pkg/provider/tts"
)

// ErrSentenceSkipped is wrapped into Stream's return value when one or more
// sentences failed to synthesize and were skipped. Delivery of the remaining
// sentences is unaffected.
var ErrSentenceSkipped = errors.New("synth: sentence skipped")

const (
	// defaultWorkers is the synthesis overlap: how many sentences may be in
	// flight at the TTS backend simultaneously.
	defaultWorkers = 2

	// defaultFrameSamples sizes the playback frames cut from each clip.
	defaultFrameSamples = 1024

	drainPollInterval = 20 * time.Millisecond
)

// Option is a functional option for configuring a [Speaker].
type Option func(*Speaker)

// WithWorkers sets how many sentences may be synthesized concurrently.
// Delivery order is unaffected. Default: 2.
func WithWorkers(n int) Option {
	return func(s *Speaker) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithFrameSamples sets the per-frame sample count used when splitting clips
// for the playback bus. Default: 1024.
func WithFrameSamples(n int) Option {
	return func(s *Speaker) {
		if n > 0 {
			s.frameSamples = n
		}
	}
}

// WithMetrics attaches metric instruments: Stream records per-sentence
// synthesis latency and ok/failed counts through them.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Speaker) { s.metrics = m }
}

// Speaker synthesizes sentences and delivers their audio to a playback bus.
//
// Synthesis of adjacent sentences overlaps up to the worker limit, but frames
// reach the bus strictly in sentence order: sentence N+1's audio is held back
// until sentence N's frames are enqueued. A sentence that fails to synthesize
// is logged and skipped; later sentences still play.
type Speaker struct {
	synth        tts.Synthesizer
	log          *slog.Logger
	metrics      *observe.Metrics
	workers      int
	frameSamples int
}

// NewSpeaker returns a speaker using the given synthesizer.
func NewSpeaker(synth tts.Synthesizer, logger *slog.Logger, opts ...Option) *Speaker {
	s := &Speaker{
		synth:        synth,
		log:          logger,
		workers:      defaultWorkers,
		frameSamples: defaultFrameSamples,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type clipResult struct {
	clip audio.Clip
	err  error
}

// Stream consumes sentences until the channel closes and pushes synthesized
// frames to out. It returns once every sentence's audio is enqueued (or
// skipped), or earlier when ctx is cancelled. When sentences were skipped the
// returned error wraps [ErrSentenceSkipped]. The caller sizes out to hold a
// full response; Stream does not pace pushes.
func (s *Speaker) Stream(ctx context.Context, sentences <-chan string, out *audio.FrameBus) error {
	// jobs preserves sentence order; its buffer bounds how far synthesis may
	// run ahead of delivery.
	jobs := make(chan chan clipResult, s.workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers + 1) // workers plus the dispatch loop below

	g.Go(func() error {
		defer close(jobs)
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case sentence, ok := <-sentences:
				if !ok {
					return nil
				}
				result := make(chan clipResult, 1)
				select {
				case jobs <- result:
				case <-gctx.Done():
					return gctx.Err()
				}
				g.Go(func() error {
					start := time.Now()
					clip, err := s.synth.Synthesize(gctx, sentence)
					if err == nil && s.metrics != nil {
						s.metrics.TTSDuration.Record(context.WithoutCancel(gctx), time.Since(start).Seconds())
					}
					result <- clipResult{clip: clip, err: err}
					return nil
				})
			}
		}
	})

	// Deliver in order on this goroutine.
	var deliverErr error
	var skipped []error
	for result := range jobs {
		select {
		case r := <-result:
			if r.err != nil {
				s.log.Warn("sentence synthesis failed, skipping", "error", r.err)
				if s.metrics != nil {
					s.metrics.RecordSentence(context.WithoutCancel(ctx), "failed")
				}
				skipped = append(skipped, fmt.Errorf("%w: %v", ErrSentenceSkipped, r.err))
				continue
			}
			if s.metrics != nil {
				s.metrics.RecordSentence(context.WithoutCancel(ctx), "ok")
			}
			for _, f := range r.clip.Frames(s.frameSamples) {
				out.Push(f)
			}
		case <-ctx.Done():
			deliverErr = ctx.Err()
			// Keep draining jobs so workers can finish writing results.
			go func() {
				for range jobs {
				}
			}()
		}
		if deliverErr != nil {
			break
		}
	}

	if err := g.Wait(); err != nil && deliverErr == nil && !errors.Is(err, context.Canceled) {
		deliverErr = err
	}
	if deliverErr == nil {
		deliverErr = errors.Join(skipped...)
	}
	return deliverErr
}

// Drain blocks until the bus is empty (playback caught up) or ctx is
// cancelled. Used to delay the return-to-idle transition until the last
// frame has been handed to the device.
func Drain(ctx context.Context, bus *audio.FrameBus) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		if bus.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
