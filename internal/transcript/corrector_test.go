package transcript_test

import (
	"testing"

	"github.com/MrWong99/meetscribe/internal/transcript"
	"github.com/MrWong99/meetscribe/internal/transcript/phonetic"
)

func TestCorrector_Correct(t *testing.T) {
	t.Parallel()
	c := transcript.New([]string{"Eldrinax", "Tower of Whispers"})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "split name", in: "we met elder nacks", want: "we met Eldrinax"},
		{name: "keeps trailing punctuation", in: "we met elder nacks.", want: "we met Eldrinax."},
		{name: "multi-word hotword", in: "tower of wispers", want: "Tower of Whispers"},
		{name: "casing only", in: "eldrinax", want: "Eldrinax"},
		{name: "nothing to fix", in: "hello  there", want: "hello  there"},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := c.Correct(tt.in); got != tt.want {
				t.Errorf("Correct(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCorrector_Apply(t *testing.T) {
	t.Parallel()
	c := transcript.New([]string{"Eldrinax"})

	got, corrections := c.Apply("we met elder nacks")
	if got != "we met Eldrinax" {
		t.Fatalf("Apply = %q", got)
	}
	if len(corrections) != 1 {
		t.Fatalf("got %d corrections, want 1", len(corrections))
	}
	cr := corrections[0]
	if cr.Original != "elder nacks" || cr.Corrected != "Eldrinax" {
		t.Errorf("correction = %+v", cr)
	}
	if cr.Confidence <= 0 || cr.Confidence > 1 {
		t.Errorf("confidence = %f, want (0,1]", cr.Confidence)
	}

	if _, corrections := c.Apply("Eldrinax"); len(corrections) != 0 {
		t.Errorf("exact hotword produced corrections: %+v", corrections)
	}
}

func TestCorrector_NoHotwords(t *testing.T) {
	t.Parallel()
	c := transcript.New(nil)
	if got := c.Correct("elder nacks"); got != "elder nacks" {
		t.Errorf("Correct without hotwords = %q", got)
	}
}

func TestCorrector_WithMatcher(t *testing.T) {
	t.Parallel()
	strict := phonetic.New(phonetic.WithPhoneticThreshold(0.99), phonetic.WithFuzzyThreshold(0.99))
	c := transcript.New([]string{"Eldrinax"}, transcript.WithMatcher(strict))
	if got := c.Correct("elder nacks"); got != "elder nacks" {
		t.Errorf("strict Correct = %q, want unchanged", got)
	}
}
