package transcript

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Rewriter post-processes a completed phrase before it is emitted, for
// example to correct domain vocabulary.
type Rewriter interface {
	Rewrite(text string) string
}

// AssemblerOption configures an [Assembler].
type AssemblerOption func(*Assembler)

// WithRewriter applies r to every phrase before emission.
func WithRewriter(r Rewriter) AssemblerOption {
	return func(a *Assembler) {
		a.rewriter = r
	}
}

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) AssemblerOption {
	return func(a *Assembler) {
		a.now = now
	}
}

// WithSessionID stamps id on every message.
func WithSessionID(id string) AssemblerOption {
	return func(a *Assembler) {
		a.sessionID = id
	}
}

// AssemblerStats are the counters of an [Assembler].
type AssemblerStats struct {
	Fragments uint64 `json:"fragments"`
	Phrases   uint64 `json:"phrases"`
	Dropped   uint64 `json:"dropped"`
}

var lineBreaks = strings.NewReplacer("\r", "", "\n", "")

// Assembler merges fragments into phrases. It is not safe for concurrent use;
// the owning goroutine must serialize calls.
type Assembler struct {
	emit     func(Message) bool
	rewriter Rewriter
	now      func() time.Time

	sessionID string

	pending string
	speaker Kind
	set     bool

	stats AssemblerStats
}

// NewAssembler returns an Assembler that hands every phrase to emit. emit
// reports whether the phrase was accepted; refusals are counted as drops.
// [Results.TryPush] is the usual emit function.
func NewAssembler(emit func(Message) bool, opts ...AssemblerOption) *Assembler {
	a := &Assembler{emit: emit, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Add feeds one fragment recognized on channel.
func (a *Assembler) Add(channel int, text string) {
	text = lineBreaks.Replace(text)
	if strings.TrimSpace(text) == "" {
		return
	}
	a.stats.Fragments++
	kind := KindForChannel(channel)

	switch {
	case !a.set:
		a.pending, a.speaker, a.set = text, kind, true
	case kind == a.speaker:
		a.pending = join(a.pending, text)
	default:
		a.flush(a.speaker, a.pending)
		a.pending, a.speaker = text, kind
	}

	sentences, rest := splitSentences(a.pending)
	for _, s := range sentences {
		a.flush(a.speaker, s)
	}
	a.pending = strings.TrimLeftFunc(rest, unicode.IsSpace)
	if a.pending == "" {
		a.set = false
	}
}

// Flush emits the unterminated remainder, if any, and resets the state.
func (a *Assembler) Flush() {
	if a.set {
		a.flush(a.speaker, a.pending)
	}
	a.pending, a.set = "", false
}

// Pending returns the buffered text and its speaker. ok is false when nothing
// is pending.
func (a *Assembler) Pending() (text string, speaker Kind, ok bool) {
	return a.pending, a.speaker, a.set
}

// Stats returns the assembler counters.
func (a *Assembler) Stats() AssemblerStats { return a.stats }

func (a *Assembler) flush(kind Kind, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	msg := Message{Kind: kind, Text: text, At: a.now(), SessionID: a.sessionID}
	if a.rewriter != nil {
		if rewritten := a.rewriter.Rewrite(text); rewritten != text {
			msg.Text, msg.Raw = rewritten, text
		}
	}
	a.stats.Phrases++
	if a.emit == nil || !a.emit(msg) {
		a.stats.Dropped++
	}
}

// join appends next to prev with a single space when neither side already
// has whitespace at the seam.
func join(prev, next string) string {
	last, _ := utf8.DecodeLastRuneInString(prev)
	first, _ := utf8.DecodeRuneInString(next)
	if unicode.IsSpace(last) || unicode.IsSpace(first) {
		return prev + next
	}
	return prev + " " + next
}

func isTerminal(b byte) bool { return b == '.' || b == '?' || b == '!' }

// splitSentences cuts s after every run of terminal marks that is followed by
// whitespace or the end of s. This is narrower than splitting at each mark:
// a run such as "?!" counts once, and runs inside a token, as in "3.5",
// "e.g" or "Hello.World", do not end a sentence.
func splitSentences(s string) (sentences []string, rest string) {
	start := 0
	for i := 0; i < len(s); {
		if !isTerminal(s[i]) {
			i++
			continue
		}
		j := i
		for j < len(s) && isTerminal(s[j]) {
			j++
		}
		if j == len(s) {
			sentences = append(sentences, s[start:j])
			start = j
		} else if r, _ := utf8.DecodeRuneInString(s[j:]); unicode.IsSpace(r) {
			sentences = append(sentences, s[start:j])
			start = j
		}
		i = j
	}
	return sentences, s[start:]
}
