// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/duoscribe/pkg/provider/stt"
)

const (
	deepgramEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel       = "nova-2"
	defaultLanguage    = "en-US"
	defaultSampleRate  = 16000
	defaultEncoding    = "linear16"
	defaultCloseWait   = 5 * time.Second
	defaultSendQueue   = 256
	eventBufferSize    = 64
	closeStreamMessage = `{"type":"CloseStream"}`
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2", "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithBaseURL overrides the streaming endpoint. Used for proxies and tests.
func WithBaseURL(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithCloseTimeout bounds how long Close waits for the server to finish
// after CloseStream. Default: 5s.
func WithCloseTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.closeWait = d
		}
	}
}

// WithSendQueue sets the capacity of the outbound audio queue. Default: 256.
func WithSendQueue(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.sendQueue = n
		}
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
	closeWait  time.Duration
	sendQueue  int
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		closeWait:  defaultCloseWait,
		sendQueue:  defaultSendQueue,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram. The
// session outlives ctx: cancelling ctx aborts the dial, but an established
// session ends only through Close or a connection failure.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:      conn,
		ctx:       sctx,
		cancel:    cancel,
		closeWait: p.closeWait,
		events:    make(chan stt.Event, eventBufferSize),
		audio:     make(chan []byte, p.sendQueue),
		closing:   make(chan struct{}),
		abort:     make(chan struct{}),
		writeDone: make(chan struct{}),
		readDone:  make(chan struct{}),
	}

	go sess.readLoop()
	go sess.writeLoop()

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = defaultEncoding
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("encoding", enc)
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("multichannel", strconv.FormatBool(cfg.Multichannel))

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Kubernetes:2")
		val := fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost)
		q.Add("keywords", val)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	closeWait time.Duration

	events chan stt.Event
	audio  chan []byte

	// closing is closed by Close; the write loop then flushes and half-closes.
	closing chan struct{}
	// abort unblocks a read loop stuck delivering events nobody reads.
	abort     chan struct{}
	writeDone chan struct{}
	readDone  chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	seq       uint64
}

var _ stt.SessionHandle = (*session)(nil)

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	if s.closed.Load() {
		return stt.ErrSessionClosed
	}
	select {
	case <-s.readDone:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	default:
		return stt.ErrSendBackpressure
	}
}

// Events returns the channel of session events.
func (s *session) Events() <-chan stt.Event { return s.events }

// Close half-closes the stream and waits for Deepgram to deliver the final
// results of audio already sent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closing)
		<-s.writeDone

		timer := time.NewTimer(s.closeWait)
		defer timer.Stop()
		select {
		case <-s.readDone:
		case <-timer.C:
			slog.Warn("deepgram: server did not finish the stream in time", "timeout", s.closeWait)
			close(s.abort)
			_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
			<-s.readDone
		}
		s.cancel()
		// Close after a completed handshake reports an error; it carries no
		// information for the caller.
		if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			slog.Debug("deepgram: close connection", "err", err)
		}
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to
// Deepgram. On Close it flushes the queue and sends CloseStream.
func (s *session) writeLoop() {
	defer close(s.writeDone)
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
				slog.Debug("deepgram: write audio", "err", err)
				s.waitClosing()
				return
			}
		case <-s.readDone:
			s.waitClosing()
			return
		case <-s.closing:
			for {
				select {
				case chunk := <-s.audio:
					if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
				default:
					if err := s.conn.Write(s.ctx, websocket.MessageText, []byte(closeStreamMessage)); err != nil {
						slog.Debug("deepgram: send CloseStream", "err", err)
					}
					return
				}
			}
		}
	}
}

// waitClosing parks a failed write loop until Close, so that Close always
// observes writeDone in order.
func (s *session) waitClosing() {
	<-s.closing
	audioDiscard(s.audio)
}

func audioDiscard(ch chan []byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and turns them into events.
func (s *session) readLoop() {
	defer close(s.events)
	defer close(s.readDone)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.emit(stt.Failure{Err: fmt.Errorf("deepgram: read: %w", err)})
			return
		}

		ev, ok := parseMessage(msg)
		if !ok {
			continue
		}
		if f, isFragment := ev.(stt.Fragment); isFragment {
			s.seq++
			f.Seq = s.seq
			ev = f
		}
		if !s.emit(ev) {
			return
		}
	}
}

// emit delivers ev, blocking until it is read or the session is aborted.
func (s *session) emit(ev stt.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.abort:
		return false
	}
}

// envelope carries the message type shared by every Deepgram message.
type envelope struct {
	Type string `json:"type"`
}

// resultsMessage is the JSON structure returned by Deepgram for a Results event.
type resultsMessage struct {
	ChannelIndex []int   `json:"channel_index"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	Channel      *struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// noticeMessage covers Metadata, SpeechStarted and UtteranceEnd.
type noticeMessage struct {
	RequestID string `json:"request_id"`
	Channel   []int  `json:"channel"`
}

// parseMessage converts a raw Deepgram WebSocket message into an event.
// Returns (nil, false) if the message should be ignored.
func parseMessage(data []byte) (stt.Event, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}
	switch env.Type {
	case "Results", "":
		return parseResults(data)
	case "Metadata":
		return parseNotice(data, stt.StatusMetadata), true
	case "SpeechStarted":
		return parseNotice(data, stt.StatusSpeechStarted), true
	case "UtteranceEnd":
		return parseNotice(data, stt.StatusUtteranceEnd), true
	default:
		return nil, false
	}
}

func parseResults(data []byte) (stt.Event, bool) {
	var r resultsMessage
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false
	}
	if r.Channel == nil || len(r.Channel.Alternatives) == 0 || len(r.ChannelIndex) == 0 {
		return nil, false
	}
	alt := r.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return nil, false
	}
	return stt.Fragment{
		Channel:     r.ChannelIndex[0],
		Text:        alt.Transcript,
		IsFinal:     r.IsFinal,
		SpeechFinal: r.SpeechFinal,
		Confidence:  alt.Confidence,
		Start:       time.Duration(r.Start * float64(time.Second)),
		Duration:    time.Duration(r.Duration * float64(time.Second)),
	}, true
}

func parseNotice(data []byte, kind stt.StatusKind) stt.Status {
	st := stt.Status{Kind: kind, Channel: -1}
	var n noticeMessage
	if err := json.Unmarshal(data, &n); err == nil {
		st.RequestID = n.RequestID
		if len(n.Channel) > 0 {
			st.Channel = n.Channel[0]
		}
	}
	return st
}
