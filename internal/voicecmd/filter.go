// Package voicecmd implements spoken-command detection on transcripts. It
// checks each transcribed utterance against a small set of control phrases
// ("stop", "cancel", "never mind") so the user can abort a response by voice
// while the assistant is speaking.
//
// Matching is phonetic rather than literal: STT output for a short command is
// frequently mangled ("cancel" → "can sell"), so candidates are filtered by
// Double Metaphone code overlap and ranked by Jaro-Winkler similarity.
package voicecmd

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Action is what a matched command asks the pipeline to do.
type Action int

const (
	// ActionNone means the transcript is ordinary speech.
	ActionNone Action = iota

	// ActionCancel aborts the active cycle and discards the utterance.
	ActionCancel
)

const (
	defaultThreshold      = 0.82
	defaultFuzzyThreshold = 0.90

	// maxCommandWords bounds how long a transcript may be and still count as
	// a command; anything longer is a real utterance even if it starts with
	// a command phrase.
	maxCommandWords = 4
)

var defaultCancelPhrases = []string{
	"stop",
	"cancel",
	"never mind",
	"nevermind",
	"be quiet",
}

// Option is a functional option for configuring a [Filter].
type Option func(*Filter)

// WithCancelPhrases replaces the default cancel phrase set.
func WithCancelPhrases(phrases []string) Option {
	return func(f *Filter) { f.cancel = phrases }
}

// WithThreshold sets the minimum Jaro-Winkler score for a phonetic candidate
// to be accepted. Default: 0.82.
func WithThreshold(threshold float64) Option {
	return func(f *Filter) { f.threshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// overlap exists. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(f *Filter) { f.fuzzyThreshold = threshold }
}

// Filter matches transcripts against command phrases. It is read-only after
// construction and safe for concurrent use.
type Filter struct {
	cancel         []string
	threshold      float64
	fuzzyThreshold float64
}

// New returns a filter with the default phrase set.
func New(opts ...Option) *Filter {
	f := &Filter{
		cancel:         defaultCancelPhrases,
		threshold:      defaultThreshold,
		fuzzyThreshold: defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Match classifies a transcript. Only short transcripts are considered; a
// command phrase embedded in a longer sentence does not trigger.
func (f *Filter) Match(transcript string) Action {
	text := normalize(transcript)
	if text == "" {
		return ActionNone
	}
	words := strings.Fields(text)
	if len(words) > maxCommandWords {
		return ActionNone
	}

	inputCodes := codesForTokens(words)
	for _, phrase := range f.cancel {
		if text == phrase {
			return ActionCancel
		}
		phraseTokens := strings.Fields(phrase)
		score := bestJWScore(words, phraseTokens, text, phrase)

		// Phonetic candidates get the lower threshold; otherwise fall back
		// to pure string similarity with a stricter one.
		if codesOverlap(inputCodes, codesForTokens(phraseTokens)) {
			if score >= f.threshold {
				return ActionCancel
			}
		} else if score >= f.fuzzyThreshold {
			return ActionCancel
		}
	}
	return ActionNone
}

// normalize lowercases and strips punctuation so "Stop." and "stop" compare
// equal.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '\'':
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the
// transcript and the phrase: full strings, space-stripped concatenations,
// and the best pairwise token score.
func bestJWScore(inputTokens, phraseTokens []string, inputFull, phraseFull string) float64 {
	score := matchr.JaroWinkler(inputFull, phraseFull, false)

	if len(inputTokens) > 1 || len(phraseTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(phraseTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, pt := range phraseTokens {
			if s := matchr.JaroWinkler(it, pt, false); s > score {
				score = s
			}
		}
	}
	return score
}
