package vad

import (
	"fmt"

	"github.com/perchlabs/parley/pkg/audio"
)

// Aggressiveness tunes the energy classifier's filtering strictness on a
// 0–3 scale: 0 passes almost everything, 3 only clear speech.
type Aggressiveness int

// rmsThresholds maps aggressiveness to the minimum normalised RMS a frame
// needs to count as speech. Values were tuned against 16 kHz microphone
// capture with typical room noise floors.
var rmsThresholds = [4]float64{0.0045, 0.009, 0.018, 0.036}

// hangoverFrames is how many consecutive sub-threshold frames the classifier
// absorbs before reporting silence. Smooths over intra-word dips so single
// quiet frames do not split an utterance.
const hangoverFrames = 3

// EnergyClassifier classifies frames as speech by RMS energy. It is the
// default classifier: dependency-free and cheap enough for per-frame use on
// the capture path.
type EnergyClassifier struct {
	threshold float64
	quietRun  int
	active    bool
}

var _ Classifier = (*EnergyClassifier)(nil)

// NewEnergyClassifier returns a classifier for the given aggressiveness.
// Aggressiveness outside 0–3 is an error.
func NewEnergyClassifier(a Aggressiveness) (*EnergyClassifier, error) {
	if a < 0 || a > 3 {
		return nil, fmt.Errorf("vad: aggressiveness %d out of range 0-3", a)
	}
	return &EnergyClassifier{threshold: rmsThresholds[a]}, nil
}

// IsSpeech reports whether the frame's RMS energy clears the threshold,
// with hangover smoothing across brief dips.
func (c *EnergyClassifier) IsSpeech(f audio.Frame) bool {
	if audio.RMS(f.Samples) >= c.threshold {
		c.active = true
		c.quietRun = 0
		return true
	}
	if c.active {
		c.quietRun++
		if c.quietRun <= hangoverFrames {
			return true
		}
		c.active = false
	}
	return false
}

// Reset clears the smoothing state.
func (c *EnergyClassifier) Reset() {
	c.quietRun = 0
	c.active = false
}
