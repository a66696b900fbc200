package voicecmd

import "testing"

func TestMatchExactPhrases(t *testing.T) {
	t.Parallel()

	f := New()
	for _, text := range []string{"stop", "Stop.", "CANCEL", "never mind", "Nevermind!"} {
		if got := f.Match(text); got != ActionCancel {
			t.Errorf("Match(%q) = %v, want ActionCancel", text, got)
		}
	}
}

func TestMatchPhoneticVariants(t *testing.T) {
	t.Parallel()

	f := New()
	// Typical STT manglings of the command words.
	for _, text := range []string{"stopp", "cancle", "never mined"} {
		if got := f.Match(text); got != ActionCancel {
			t.Errorf("Match(%q) = %v, want ActionCancel", text, got)
		}
	}
}

func TestMatchOrdinarySpeech(t *testing.T) {
	t.Parallel()

	f := New()
	for _, text := range []string{
		"",
		"what is the weather today",
		"tell me a story",
		"I could not stop thinking about the bus stop near the old cancelled route yesterday",
	} {
		if got := f.Match(text); got != ActionNone {
			t.Errorf("Match(%q) = %v, want ActionNone", text, got)
		}
	}
}

func TestMatchCommandInsideLongSentenceIgnored(t *testing.T) {
	t.Parallel()

	f := New()
	if got := f.Match("please do not stop reading the whole article to me"); got != ActionNone {
		t.Errorf("long sentence containing a command word matched: %v", got)
	}
}

func TestWithCancelPhrases(t *testing.T) {
	t.Parallel()

	f := New(WithCancelPhrases([]string{"halt"}))
	if got := f.Match("halt"); got != ActionCancel {
		t.Errorf("Match(halt) = %v, want ActionCancel", got)
	}
	if got := f.Match("stop"); got != ActionNone {
		t.Errorf("Match(stop) with custom phrases = %v, want ActionNone", got)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"  Stop.  ":    "stop",
		"Never-Mind!":  "nevermind",
		"CAN'T":        "can't",
		"two   spaces": "two spaces",
	}
	for in, want := range cases {
		if got := normalize(in); got != want {
			t.Errorf("normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
