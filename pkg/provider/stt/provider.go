// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// An STT provider wraps a real-time transcription service (Deepgram, or a test
// double) behind a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw linear16 PCM chunks and
// emits a single ordered stream of [Event] values. Events are a closed set of
// types (see [Fragment], [Status] and [Failure]); consumers handle them with a
// type switch.
//
// Audio delivery is best-effort. SendAudio never blocks: when the outbound
// queue is full the chunk is refused with [ErrSendBackpressure] and the caller
// is expected to drop it.
package stt

import (
	"context"
	"errors"
)

var (
	// ErrSessionClosed is returned by SendAudio after Close, or after the
	// session ended on its own.
	ErrSessionClosed = errors.New("stt: session is closed")

	// ErrSendBackpressure is returned by SendAudio when the outbound queue is
	// full. The chunk was not queued.
	ErrSendBackpressure = errors.New("stt: outbound audio queue full")
)

// StreamConfig describes the audio format and recognition options for a new
// STT session. The zero value of every field lets the provider pick its
// default.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. duoscribe always sends 16000.
	SampleRate int

	// Channels is the number of interleaved channels in each chunk.
	Channels int

	// Multichannel asks the provider to transcribe each channel independently
	// and tag every fragment with its channel index.
	Multichannel bool

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	Language string

	// Model selects the provider's recognition model (e.g., "nova-2").
	Model string

	// SmartFormat enables punctuation and formatting of numbers and dates.
	SmartFormat bool

	// Encoding is the wire encoding of the audio. Default: "linear16".
	Encoding string

	// Keywords is a list of vocabulary hints that raise the recognition
	// probability of uncommon words such as product names.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session. All methods are
// safe for concurrent use.
type SessionHandle interface {
	// SendAudio queues a chunk of PCM bytes matching the StreamConfig. It never
	// blocks. It returns [ErrSessionClosed] once the session has ended and
	// [ErrSendBackpressure] when the chunk could not be queued.
	SendAudio(chunk []byte) error

	// Events returns the channel on which the session delivers fragments,
	// status notices and failures in arrival order. The channel is closed when
	// the session ends, either after Close or after a [Failure].
	Events() <-chan Event

	// Close half-closes the stream so the provider can finish in-flight
	// recognition, waits a bounded time for the remaining events, then releases
	// the connection. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend. Implementations must be
// safe for concurrent use.
type Provider interface {
	// StartStream opens a new streaming session. The returned handle is ready
	// to accept audio immediately. The caller owns it and must call Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
