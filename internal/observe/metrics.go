// Package observe provides the application's observability primitives:
// OpenTelemetry metric instruments and the SDK wiring that exposes them
// through a Prometheus /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/perchlabs/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks utterance transcription latency.
	STTDuration metric.Float64Histogram

	// ChatFirstChunk tracks time from chat request to first streamed chunk.
	ChatFirstChunk metric.Float64Histogram

	// ChatDuration tracks full chat stream duration.
	ChatDuration metric.Float64Histogram

	// TTSDuration tracks per-sentence synthesis latency.
	TTSDuration metric.Float64Histogram

	// CycleDuration tracks end-of-utterance to end-of-playback latency.
	CycleDuration metric.Float64Histogram

	// --- Counters ---

	// Cycles counts interaction cycles by outcome. Use with attribute:
	//   attribute.String("outcome", "completed"|"canceled"|"error"|"busy")
	Cycles metric.Int64Counter

	// PipelineErrors counts pipeline errors by stage. Use with attribute:
	//   attribute.String("stage", "stt"|"chat"|"tts"|"timeout")
	PipelineErrors metric.Int64Counter

	// DroppedFrames counts capture frames discarded by the frame bus.
	DroppedFrames metric.Int64Counter

	// Sentences counts synthesized sentences by status. Use with attribute:
	//   attribute.String("status", "ok"|"failed")
	Sentences metric.Int64Counter

	// --- Gauges ---

	// ActiveCycle is 1 while an interaction cycle is running.
	ActiveCycle metric.Int64UpDownCounter

	// BridgeClients tracks connected presentation clients.
	BridgeClients metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("parley.stt.duration",
		metric.WithDescription("Latency of utterance transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChatFirstChunk, err = m.Float64Histogram("parley.chat.first_chunk",
		metric.WithDescription("Time from chat request to first streamed chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChatDuration, err = m.Float64Histogram("parley.chat.duration",
		metric.WithDescription("Full chat stream duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("parley.tts.duration",
		metric.WithDescription("Per-sentence synthesis latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CycleDuration, err = m.Float64Histogram("parley.cycle.duration",
		metric.WithDescription("End-of-utterance to end-of-playback latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Cycles, err = m.Int64Counter("parley.cycles",
		metric.WithDescription("Total interaction cycles by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("parley.pipeline.errors",
		metric.WithDescription("Total pipeline errors by stage."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("parley.audio.dropped_frames",
		metric.WithDescription("Capture frames discarded by the frame bus."),
	); err != nil {
		return nil, err
	}
	if met.Sentences, err = m.Int64Counter("parley.tts.sentences",
		metric.WithDescription("Synthesized sentences by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCycle, err = m.Int64UpDownCounter("parley.active_cycle",
		metric.WithDescription("1 while an interaction cycle is running."),
	); err != nil {
		return nil, err
	}
	if met.BridgeClients, err = m.Int64UpDownCounter("parley.bridge.clients",
		metric.WithDescription("Connected presentation clients."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordCycle records one finished interaction cycle.
func (m *Metrics) RecordCycle(ctx context.Context, outcome string) {
	m.Cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPipelineError records one pipeline error at the given stage.
func (m *Metrics) RecordPipelineError(ctx context.Context, stage string) {
	m.PipelineErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordSentence records one synthesized sentence.
func (m *Metrics) RecordSentence(ctx context.Context, status string) {
	m.Sentences.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
