// Package synth turns a streaming text response into ordered speech.
//
// The [Assembler] reassembles arbitrarily fragmented response text into
// complete sentences, and the [Speaker] synthesizes those sentences with
// bounded overlap while delivering the resulting audio strictly in sentence
// order.
package synth

import "strings"

// An Assembler accumulates streamed text fragments and emits complete
// sentences as soon as their boundary arrives. Fragment boundaries carry no
// meaning: a fragment may split a word, a sentence, or contain several
// sentences.
//
// An Assembler is used from a single goroutine.
type Assembler struct {
	buf strings.Builder
}

// Push appends a fragment and returns the complete sentences it unlocked, in
// order. Most pushes return nil.
func (a *Assembler) Push(fragment string) []string {
	if fragment == "" {
		return nil
	}
	a.buf.WriteString(fragment)

	var sentences []string
	for {
		idx := firstSentenceBoundary(a.buf.String())
		if idx < 0 {
			break
		}
		sentence := a.buf.String()[:idx+1]
		rest := a.buf.String()[idx+1:]
		a.buf.Reset()
		a.buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
		sentences = append(sentences, sentence)
	}
	return sentences
}

// Flush returns whatever text remains after the stream ends, trimmed. Text
// without a terminal boundary is still spoken; the end of the stream is the
// boundary. Returns "" when nothing is pending.
func (a *Assembler) Flush() string {
	rest := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	return rest
}

// Pending reports how many buffered bytes await a sentence boundary.
func (a *Assembler) Pending() int { return a.buf.Len() }

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// immediately followed by whitespace, or -1 when the buffered text holds no
// complete sentence yet. A terminator at the very end of the buffer does not
// count: the next fragment may continue the token (e.g. "3." in "3.14").
// A period trailing a title abbreviation or a single-letter initial is not a
// boundary either ("Dr. Smith", "J. R. Tolkien").
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.':
			if boundaryFollower(s[i+1]) && !abbreviationAt(s, i) {
				return i
			}
		case '!', '?':
			if boundaryFollower(s[i+1]) {
				return i
			}
		}
	}
	return -1
}

func boundaryFollower(b byte) bool {
	switch b {
	case ' ', '\n', '\r', '\t':
		return true
	}
	return false
}

// abbreviations are lowercased tokens whose trailing period does not end a
// sentence.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {},
	"sr": {}, "jr": {}, "st": {}, "vs": {},
}

// abbreviationAt reports whether the period at s[i] trails an abbreviation or
// a single-letter initial.
func abbreviationAt(s string, i int) bool {
	start := i
	for start > 0 && isLetter(s[start-1]) {
		start--
	}
	token := s[start:i]
	if len(token) == 1 && token[0] >= 'A' && token[0] <= 'Z' {
		return true
	}
	_, ok := abbreviations[strings.ToLower(token)]
	return ok
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
