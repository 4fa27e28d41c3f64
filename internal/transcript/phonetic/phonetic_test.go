package phonetic_test

import (
	"testing"

	"github.com/MrWong99/meetscribe/internal/transcript/phonetic"
)

var vocab = phonetic.NewVocabulary([]string{"Eldrinax", "Grimjaw", "Tower of  Whispers", "  "})

func TestMatcher_Match(t *testing.T) {
	t.Parallel()
	m := phonetic.New()

	tests := []struct {
		phrase  string
		want    string
		matched bool
	}{
		{phrase: "elder nacks", want: "Eldrinax", matched: true},
		{phrase: "tower of wispers", want: "Tower of Whispers", matched: true},
		{phrase: "ELDRINAX", want: "Eldrinax", matched: true},
		{phrase: "grimjaw", want: "Grimjaw", matched: true},
		{phrase: "hello", want: "hello", matched: false},
		{phrase: "we met elder", want: "we met elder", matched: false},
		{phrase: "ok", want: "ok", matched: false},
		{phrase: "   ", want: "   ", matched: false},
	}
	for _, tt := range tests {
		t.Run(tt.phrase, func(t *testing.T) {
			t.Parallel()
			got, conf, ok := m.Match(tt.phrase, vocab)
			if ok != tt.matched {
				t.Fatalf("Match(%q) matched = %v, want %v", tt.phrase, ok, tt.matched)
			}
			if got != tt.want {
				t.Errorf("Match(%q) = %q, want %q", tt.phrase, got, tt.want)
			}
			if ok && conf < 0.75 {
				t.Errorf("Match(%q) confidence = %f, want >= 0.75", tt.phrase, conf)
			}
			if !ok && conf != 0 {
				t.Errorf("Match(%q) confidence = %f, want 0", tt.phrase, conf)
			}
		})
	}
}

func TestMatcher_ExactMatchScoresOne(t *testing.T) {
	t.Parallel()
	_, conf, ok := phonetic.New().Match("Grimjaw", vocab)
	if !ok || conf != 1 {
		t.Errorf("exact match: matched=%v conf=%f, want true and 1", ok, conf)
	}
}

func TestMatcher_Thresholds(t *testing.T) {
	t.Parallel()
	strict := phonetic.New(phonetic.WithPhoneticThreshold(0.99), phonetic.WithFuzzyThreshold(0.99))
	if _, _, ok := strict.Match("elder nacks", vocab); ok {
		t.Error("strict matcher accepted a near miss")
	}
}

func TestVocabulary(t *testing.T) {
	t.Parallel()
	if vocab.Len() != 3 {
		t.Errorf("Len = %d, want 3 (blank entry skipped)", vocab.Len())
	}
	if vocab.MaxWords() != 4 {
		t.Errorf("MaxWords = %d, want 4", vocab.MaxWords())
	}
	if empty := phonetic.NewVocabulary(nil); empty.MaxWords() != 0 {
		t.Errorf("empty MaxWords = %d, want 0", empty.MaxWords())
	}
	if _, _, ok := phonetic.New().Match("eldrinax", nil); ok {
		t.Error("nil vocabulary matched")
	}
}
