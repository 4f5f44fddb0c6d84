package transcript

import (
	"log/slog"
	"strings"
	"unicode"
)

// PhraseMatcher looks up a (possibly multi-word) phrase in a vocabulary.
// *phonetic.Vocabulary implements it.
type PhraseMatcher interface {
	Match(phrase string) (corrected string, confidence float64, matched bool)
	MaxWords() int
}

// Correction records one vocabulary substitution.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// Corrector rewrites misrecognized vocabulary terms inside a phrase. It
// implements [Rewriter] and is safe for concurrent use when its matcher is.
type Corrector struct {
	matcher PhraseMatcher
}

var _ Rewriter = (*Corrector)(nil)

// NewCorrector returns a Corrector backed by m.
func NewCorrector(m PhraseMatcher) *Corrector {
	return &Corrector{matcher: m}
}

// Rewrite implements [Rewriter]. Corrections are logged at debug level.
func (c *Corrector) Rewrite(text string) string {
	out, corrections := c.Correct(text)
	for _, cr := range corrections {
		slog.Debug("vocabulary correction",
			"original", cr.Original,
			"corrected", cr.Corrected,
			"confidence", cr.Confidence,
		)
	}
	return out
}

// Correct returns text with vocabulary matches substituted, plus the list of
// substitutions. At every token position windows of up to one word more than
// the longest term are tried, so a term spoken as two words is still found;
// the best scoring window wins and ties go to the shorter one. Punctuation
// around a window is kept; the text is re-joined with single spaces.
func (c *Corrector) Correct(text string) (string, []Correction) {
	tokens := strings.Fields(text)
	maxWords := c.matcher.MaxWords()
	if len(tokens) == 0 || maxWords == 0 {
		return text, nil
	}

	var (
		output      []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		bestN, bestScore := 0, 0.0
		var bestOut string
		var bestCorr *Correction
		for n := 1; n <= min(maxWords+1, len(tokens)-i); n++ {
			lead, core, trail := splitPunct(strings.Join(tokens[i:i+n], " "))
			if core == "" {
				continue
			}
			term, conf, ok := c.matcher.Match(core)
			if !ok || conf <= bestScore {
				continue
			}
			bestN, bestScore, bestOut = n, conf, lead+term+trail
			bestCorr = nil
			if term != core {
				bestCorr = &Correction{Original: core, Corrected: term, Confidence: conf}
			}
		}
		if bestN == 0 {
			output = append(output, tokens[i])
			i++
			continue
		}
		output = append(output, bestOut)
		if bestCorr != nil {
			corrections = append(corrections, *bestCorr)
		}
		i += bestN
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(output, " "), corrections
}

// splitPunct separates leading and trailing punctuation from s.
func splitPunct(s string) (lead, core, trail string) {
	core = strings.TrimLeftFunc(s, unicode.IsPunct)
	lead = s[:len(s)-len(core)]
	trimmed := strings.TrimRightFunc(core, unicode.IsPunct)
	trail = core[len(trimmed):]
	return lead, trimmed, trail
}
