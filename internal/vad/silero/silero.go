// Package silero adapts the Silero VAD ONNX model to the frame [vad.Classifier]
// interface. The model emits speech start/end events over a rolling stream;
// the adapter folds those into a per-frame boolean.
package silero

import (
	"fmt"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/perchlabs/parley/internal/vad"
	"github.com/perchlabs/parley/pkg/audio"
)

// Config configures the Silero classifier.
type Config struct {
	// ModelPath is the path to the silero_vad.onnx file.
	ModelPath string

	// SampleRate must match the capture rate. Silero supports 8000 and 16000.
	SampleRate int

	// Threshold is the speech probability threshold. Zero means 0.5.
	Threshold float64
}

// Classifier wraps a Silero stream detector.
type Classifier struct {
	detector *speech.Detector
	inSpeech bool
}

var _ vad.Classifier = (*Classifier)(nil)

// New loads the ONNX model and returns a ready classifier. Callers must
// Close it to release the ONNX session.
func New(cfg Config) (*Classifier, error) {
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	detector, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:  cfg.ModelPath,
		SampleRate: cfg.SampleRate,
		Threshold:  float32(cfg.Threshold),
	})
	if err != nil {
		return nil, fmt.Errorf("silero: load model %q: %w", cfg.ModelPath, err)
	}
	return &Classifier{detector: detector}, nil
}

// IsSpeech feeds the frame to the model and reports whether the stream is
// currently inside a speech segment. Model errors reset the detector and
// report the previous classification, so a single bad frame cannot truncate
// an utterance.
func (c *Classifier) IsSpeech(f audio.Frame) bool {
	event, err := c.detector.DetectStreamFrame(audio.Int16ToFloat32(f.Samples))
	if err != nil {
		c.detector.Reset()
		return c.inSpeech
	}
	if event != nil {
		if event.IsStart {
			c.inSpeech = true
		}
		if event.IsEnd {
			c.inSpeech = false
		}
	}
	return c.inSpeech
}

// Reset clears the model's rolling state.
func (c *Classifier) Reset() {
	c.detector.Reset()
	c.inSpeech = false
}

// Close releases the ONNX session.
func (c *Classifier) Close() error {
	c.detector.Destroy()
	return nil
}
