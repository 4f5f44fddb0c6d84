package stt

import "time"

// Event is one item of a session's event stream. The concrete type is always
// one of [Fragment], [Status] or [Failure].
type Event interface {
	sttEvent()
}

// Fragment is a piece of recognized text for one audio channel.
type Fragment struct {
	// Channel is the zero-based channel index the text was recognized on.
	Channel int

	// Text is the transcribed speech content, never empty.
	Text string

	// IsFinal reports whether the provider has committed to this text.
	IsFinal bool

	// SpeechFinal reports whether the provider detected an end of utterance
	// after this fragment.
	SpeechFinal bool

	// Confidence is the provider's score in [0, 1], or zero if not reported.
	Confidence float64

	// Start is the offset of the fragment from the start of the stream.
	Start time.Duration

	// Duration is the length of audio the fragment covers.
	Duration time.Duration

	// Seq is the arrival order of the fragment within its session, from 1.
	Seq uint64
}

// StatusKind classifies non-transcript notices from the provider.
type StatusKind int

const (
	StatusMetadata StatusKind = iota
	StatusSpeechStarted
	StatusUtteranceEnd
)

// String returns the provider-neutral name of the status kind.
func (k StatusKind) String() string {
	switch k {
	case StatusMetadata:
		return "metadata"
	case StatusSpeechStarted:
		return "speech_started"
	case StatusUtteranceEnd:
		return "utterance_end"
	default:
		return "unknown"
	}
}

// Status is an informational notice. It carries no transcript text.
type Status struct {
	Kind StatusKind

	// RequestID is the provider's identifier of the stream, when reported.
	RequestID string

	// Channel is set for per-channel notices, -1 otherwise.
	Channel int
}

// Failure reports that the session ended unexpectedly. It is the last event
// before the events channel is closed.
type Failure struct {
	Err error
}

func (Fragment) sttEvent() {}
func (Status) sttEvent()   {}
func (Failure) sttEvent()  {}

// KeywordBoost represents a keyword to boost in recognition.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Kubernetes").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
