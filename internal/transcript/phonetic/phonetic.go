// Package phonetic matches spoken phrases against a fixed vocabulary using
// Double Metaphone encoding combined with Jaro-Winkler string similarity.
//
// Matching proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     the input and for each vocabulary term, with spaces removed, so that a
//     term split into several spoken words still encodes the same. A term
//     whose codes overlap with the input's becomes a phonetic candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates the term with the
//     highest similarity wins, provided it clears the phonetic threshold.
//     Without any phonetic candidate a stricter fuzzy threshold applies to
//     pure string similarity.
//
// Term codes are computed once in [Matcher.Prepare]; the resulting
// [Vocabulary] is read-only and safe for concurrent use.
package phonetic

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultMinLength         = 4

	// minLengthRatio bounds how much shorter or longer the input may be than
	// a term, comparing rune counts with spaces removed.
	minLengthRatio = 0.75
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// WithMinLength sets the shortest input, in runes, that is considered at
// all. Short function words otherwise collide with short terms. Default: 4.
func WithMinLength(n int) Option {
	return func(m *Matcher) {
		m.minLength = n
	}
}

// Matcher holds the matching thresholds.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	minLength         int
}

// New returns a new [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minLength:         defaultMinLength,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type term struct {
	text    string
	lower   string
	tokens  []string
	codes   map[string]struct{}
	compact int
}

// Vocabulary is a prepared term list bound to a [Matcher].
type Vocabulary struct {
	m        *Matcher
	terms    []term
	maxWords int
}

// Prepare precomputes phonetic codes for terms. Blank terms are skipped.
func (m *Matcher) Prepare(terms []string) *Vocabulary {
	v := &Vocabulary{m: m, terms: make([]term, 0, len(terms))}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		joined := strings.Join(tokens, "")
		v.terms = append(v.terms, term{
			text:    strings.TrimSpace(t),
			lower:   lower,
			tokens:  tokens,
			codes:   codesFor(joined),
			compact: utf8.RuneCountInString(joined),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len returns the number of usable terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// MaxWords returns the token count of the longest term, or 0 when empty.
func (v *Vocabulary) MaxWords() int { return v.maxWords }

// Match returns the term most similar to phrase. phrase may span several
// words. When matched is false, corrected equals phrase and confidence is 0.
func (v *Vocabulary) Match(phrase string) (corrected string, confidence float64, matched bool) {
	input := strings.ToLower(strings.TrimSpace(phrase))
	if len(v.terms) == 0 || utf8.RuneCountInString(input) < v.m.minLength {
		return phrase, 0, false
	}
	inputTokens := strings.Fields(input)
	joined := strings.Join(inputTokens, "")
	inputCodes := codesFor(joined)
	compact := utf8.RuneCountInString(joined)

	var (
		best      string
		bestScore float64
		bestViaDM bool
	)
	for _, t := range v.terms {
		if t.lower == input {
			return t.text, 1, true
		}
		if float64(min(compact, t.compact)) < minLengthRatio*float64(max(compact, t.compact)) {
			continue
		}
		score := bestJWScore(inputTokens, t.tokens, input, t.lower)
		if codesOverlap(inputCodes, t.codes) {
			if score >= v.m.phoneticThreshold && (!bestViaDM || score > bestScore) {
				best, bestScore, bestViaDM = t.text, score, true
			}
		} else if !bestViaDM && score >= v.m.fuzzyThreshold && score > bestScore {
			best, bestScore = t.text, score
		}
	}
	if best == "" {
		return phrase, 0, false
	}
	return best, bestScore, true
}

// Match is a convenience for one-off lookups; it prepares terms on every call.
func (m *Matcher) Match(phrase string, terms []string) (string, float64, bool) {
	return m.Prepare(terms).Match(phrase)
}

// codesFor returns the non-empty Double Metaphone codes of s.
func codesFor(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, sec := matchr.DoubleMetaphone(s)
	if p != "" {
		codes[p] = struct{}{}
	}
	if sec != "" {
		codes[sec] = struct{}{}
	}
	return codes
}

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

// bestJWScore is the higher Jaro-Winkler similarity of the full strings and
// of the space-stripped strings.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)
	if len(inputTokens) > 1 || len(termTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(termTokens, ""), false); s > score {
			score = s
		}
	}
	return score
}
