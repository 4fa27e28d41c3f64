// Package phonetic matches misheard phrases against a hotword vocabulary
// using Double Metaphone codes and Jaro-Winkler similarity.
//
// A phrase is a candidate for a hotword when their metaphone code sets
// overlap; it is accepted when the Jaro-Winkler score of the full or
// space-stripped strings reaches the phonetic threshold. Without a code
// overlap the stricter fuzzy threshold applies.
package phonetic

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.75
	defaultFuzzyThreshold    = 0.85

	// Phrases shorter than this, spaces excluded, are never matched.
	minPhraseRunes = 3
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum score for a phrase whose metaphone
// codes overlap with the hotword's. Default: 0.75.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum score for a phrase without code
// overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher scores phrases against a [Vocabulary]. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher with the given options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type hotword struct {
	text   string
	lower  string
	concat string
	words  int
	codes  map[string]struct{}
}

// Vocabulary is a precomputed hotword list.
type Vocabulary struct {
	words    []hotword
	maxWords int
}

// NewVocabulary precomputes codes for hotwords. Blank entries are skipped.
func NewVocabulary(hotwords []string) *Vocabulary {
	v := &Vocabulary{}
	for _, w := range hotwords {
		lower := strings.ToLower(strings.TrimSpace(w))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		v.words = append(v.words, hotword{
			text:   strings.Join(strings.Fields(w), " "),
			lower:  strings.Join(tokens, " "),
			concat: strings.Join(tokens, ""),
			words:  len(tokens),
			codes:  codes(tokens),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len returns the number of hotwords.
func (v *Vocabulary) Len() int { return len(v.words) }

// MaxWords returns the word count of the longest hotword, plus one so that
// a hotword split into an extra word by the recognizer can still match.
func (v *Vocabulary) MaxWords() int {
	if v.maxWords == 0 {
		return 0
	}
	return v.maxWords + 1
}

// Match returns the hotword in v that best matches phrase. Only hotwords
// whose word count differs from the phrase's by at most one are compared.
// When matched is false, corrected equals phrase and confidence is 0.
func (m *Matcher) Match(phrase string, v *Vocabulary) (corrected string, confidence float64, matched bool) {
	tokens := strings.Fields(strings.ToLower(phrase))
	concat := strings.Join(tokens, "")
	if v == nil || utf8.RuneCountInString(concat) < minPhraseRunes {
		return phrase, 0, false
	}
	lower := strings.Join(tokens, " ")
	in := codes(tokens)

	var (
		best      string
		bestScore float64
	)
	for _, h := range v.words {
		if d := len(tokens) - h.words; d > 1 || d < -1 {
			continue
		}
		score := matchr.JaroWinkler(lower, h.lower, false)
		if s := matchr.JaroWinkler(concat, h.concat, false); s > score {
			score = s
		}
		threshold := m.fuzzyThreshold
		if overlap(in, h.codes) {
			threshold = m.phoneticThreshold
		}
		if score >= threshold && score > bestScore {
			best, bestScore = h.text, score
		}
	}
	if best == "" {
		return phrase, 0, false
	}
	return best, bestScore, true
}

// codes returns the union of the Double Metaphone codes of tokens.
func codes(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			out[p] = struct{}{}
		}
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}
