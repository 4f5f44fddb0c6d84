// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled events and inspect which audio
// chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Emit(stt.Fragment{Channel: 0, Text: "Hello."})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/duoscribe/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a fresh Session from NewSession for every call.
	Session stt.SessionHandle

	// Sessions records every session handed out, in order.
	Sessions []stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// FailFirst makes the first FailFirst calls return StartStreamErr; later
	// calls succeed. Zero means every call uses StartStreamErr.
	FailFirst int

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil && (p.FailFirst == 0 || len(p.StartStreamCalls) <= p.FailFirst) {
		return nil, p.StartStreamErr
	}
	var s stt.SessionHandle = p.Session
	if s == nil {
		s = NewSession()
	}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// CallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Last returns the most recently handed out session as a *Session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	s, _ := p.Sessions[len(p.Sessions)-1].(*Session)
	return s
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.Sessions = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of stt.SessionHandle. Events pushed with
// Emit are delivered on Events; Close closes the events channel after the
// optional FinalEvents have been delivered, like a real provider flushing
// its last results.
type Session struct {
	mu sync.Mutex

	events chan stt.Event
	closed bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// FinalEvents are emitted by Close before the events channel is closed.
	FinalEvents []stt.Event

	// FinalDelay is waited before each of FinalEvents, like a provider that
	// trickles its last results.
	FinalDelay time.Duration

	// SendAudioCalls records every successful call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{events: make(chan stt.Event, 64)}
}

// SendAudio records the call and returns SendAudioErr. After Close or Fail
// it returns stt.ErrSessionClosed.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return nil
}

// Events returns the events channel.
func (s *Session) Events() <-chan stt.Event { return s.events }

// Emit delivers ev on the events channel. It reports false if the session is
// already closed.
func (s *Session) Emit(ev stt.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	return true
}

// Fail emits an stt.Failure and ends the session, like a dropped connection.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- stt.Failure{Err: err}
	s.closed = true
	close(s.events)
}

// Close records the call, emits FinalEvents and closes the events channel.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		for _, ev := range s.FinalEvents {
			if s.FinalDelay > 0 {
				time.Sleep(s.FinalDelay)
			}
			s.events <- ev
		}
		s.closed = true
		close(s.events)
	}
	return s.CloseErr
}

// SendAudioCallCount returns the number of recorded SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// SentBytes returns the concatenation of every recorded chunk. Thread-safe.
func (s *Session) SentBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, c := range s.SendAudioCalls {
		out = append(out, c.Chunk...)
	}
	return out
}

// Closed reports whether Close or Fail was called. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
