package app

import (
	"sync/atomic"

	"github.com/MrWong99/duoscribe/internal/transcript"
	"github.com/MrWong99/duoscribe/internal/transcript/phonetic"
)

// Vocabulary is a [transcript.Rewriter] whose term list can be replaced while
// a pipeline is running. With no terms it leaves phrases unchanged.
type Vocabulary struct {
	matcher   *phonetic.Matcher
	corrector atomic.Pointer[transcript.Corrector]
	terms     atomic.Int64
}

var _ transcript.Rewriter = (*Vocabulary)(nil)

// NewVocabulary returns a Vocabulary prepared with terms.
func NewVocabulary(terms []string) *Vocabulary {
	v := &Vocabulary{matcher: phonetic.New()}
	v.Set(terms)
	return v
}

// Set replaces the term list. Phrases flushed after Set see the new terms.
func (v *Vocabulary) Set(terms []string) {
	v.terms.Store(int64(len(terms)))
	if len(terms) == 0 {
		v.corrector.Store(nil)
		return
	}
	v.corrector.Store(transcript.NewCorrector(v.matcher.Prepare(terms)))
}

// Len returns the number of terms.
func (v *Vocabulary) Len() int { return int(v.terms.Load()) }

// Rewrite implements [transcript.Rewriter].
func (v *Vocabulary) Rewrite(text string) string {
	c := v.corrector.Load()
	if c == nil {
		return text
	}
	return c.Rewrite(text)
}
