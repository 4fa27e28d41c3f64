// Package transcript corrects recognizer output against a list of hotwords:
// names, jargon, and other vocabulary that speech recognizers commonly
// mishear.
//
// The [Corrector] slides windows of up to [phonetic.Vocabulary.MaxWords]
// tokens over the text and replaces the best-scoring window at each position
// with the matching hotword. Trailing punctuation of the replaced window is
// preserved.
package transcript

import (
	"strings"
	"unicode"

	"github.com/MrWong99/meetscribe/internal/transcript/phonetic"
)

// Correction is one substitution made by a [Corrector].
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithMatcher replaces the default phonetic matcher.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(c *Corrector) {
		if m != nil {
			c.matcher = m
		}
	}
}

// Corrector rewrites misheard hotwords. It is read-only after construction
// and safe for concurrent use.
type Corrector struct {
	matcher *phonetic.Matcher
	vocab   *phonetic.Vocabulary
}

// New returns a Corrector for hotwords.
func New(hotwords []string, opts ...Option) *Corrector {
	c := &Corrector{
		matcher: phonetic.New(),
		vocab:   phonetic.NewVocabulary(hotwords),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct returns text with misheard hotwords replaced.
func (c *Corrector) Correct(text string) string {
	out, _ := c.Apply(text)
	return out
}

// Apply returns the corrected text and every substitution made. Text
// without any match is returned unchanged, whitespace included.
func (c *Corrector) Apply(text string) (string, []Correction) {
	maxN := c.vocab.MaxWords()
	if maxN == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		n, hit, conf := c.bestWindow(tokens[i:min(i+maxN, len(tokens))])
		if n == 0 {
			out = append(out, tokens[i])
			i++
			continue
		}
		window := tokens[i : i+n]
		_, suffix := splitPunct(window[n-1])
		original := strings.Join(window, " ")
		out = append(out, hit+suffix)
		if hit+suffix != original {
			corrections = append(corrections, Correction{Original: original, Corrected: hit + suffix, Confidence: conf})
		}
		i += n
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// bestWindow scores every prefix of tokens and returns the length of the
// best match. Longer windows win ties.
func (c *Corrector) bestWindow(tokens []string) (n int, hit string, conf float64) {
	for size := len(tokens); size >= 1; size-- {
		words := make([]string, size)
		for j, tok := range tokens[:size] {
			words[j], _ = splitPunct(tok)
		}
		// Punctuation inside a window ends a phrase.
		if size > 1 && hasInnerPunct(tokens[:size-1]) {
			continue
		}
		got, score, ok := c.matcher.Match(strings.Join(words, " "), c.vocab)
		if ok && score > conf {
			n, hit, conf = size, got, score
		}
	}
	return n, hit, conf
}

// splitPunct splits tok into its core and trailing punctuation. Leading
// punctuation is dropped from the core.
func splitPunct(tok string) (core, suffix string) {
	core = strings.TrimRightFunc(tok, unicode.IsPunct)
	suffix = tok[len(core):]
	return strings.TrimLeftFunc(core, unicode.IsPunct), suffix
}

func hasInnerPunct(tokens []string) bool {
	for _, t := range tokens {
		if _, s := splitPunct(t); s != "" {
			return true
		}
	}
	return false
}
