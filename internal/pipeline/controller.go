// Package pipeline runs one capture → mix → recognize → assemble session at a
// time and exposes it through a small control surface: Start, Stop, State,
// Results and Stats.
//
// A run owns one capture source per device, a mixer, a recognition session
// and a phrase assembler. The mixer and the assembler are only touched by the
// run's loop goroutine; capture consumers and the recognition session reach
// it through channels.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duoscribe/internal/observe"
	"github.com/MrWong99/duoscribe/internal/resilience"
	"github.com/MrWong99/duoscribe/internal/session"
	"github.com/MrWong99/duoscribe/internal/transcript"
	"github.com/MrWong99/duoscribe/pkg/audio"
	"github.com/MrWong99/duoscribe/pkg/audio/capture"
	"github.com/MrWong99/duoscribe/pkg/audio/mixer"
	"github.com/MrWong99/duoscribe/pkg/audio/sink"
	"github.com/MrWong99/duoscribe/pkg/provider/stt"
)

// MaxDevices is the number of devices a run can mix.
const MaxDevices = 2

var (
	// ErrInvalidDevices is returned by Start for an empty device list, more
	// than [MaxDevices] devices, duplicate ids or a non-positive rate.
	ErrInvalidDevices = errors.New("pipeline: invalid devices")

	// ErrAlreadyRunning is returned by Start when the controller is not idle.
	ErrAlreadyRunning = errors.New("pipeline: already running")
)

// State is the controller lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ReconnectConfig enables re-dialing a dropped recognition session.
// MaxRetries 0 disables it.
type ReconnectConfig struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// BreakerConfig tunes the send-path circuit breaker. Zero values select the
// breaker defaults.
type BreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMode forces the mix mode. By default more than one device selects
// [mixer.ModeMultichannel] and a single device [mixer.ModeMonoSum].
func WithMode(m mixer.Mode) Option {
	return func(c *Controller) { c.mode = &m }
}

// WithLengthPolicy sets how the mixer aligns frames of different lengths.
func WithLengthPolicy(p mixer.LengthPolicy) Option {
	return func(c *Controller) { c.lengthPolicy = p }
}

// WithPersist appends every mixed buffer to path in format.
func WithPersist(path string, format sink.Format) Option {
	return func(c *Controller) {
		c.persistPath = path
		c.persistFormat = format
	}
}

// WithQueueSize sets the per-device capture queue bound.
func WithQueueSize(n int) Option {
	return func(c *Controller) { c.queueSize = n }
}

// WithResultsCapacity sets the results queue bound. Default: 10.
func WithResultsCapacity(n int) Option {
	return func(c *Controller) { c.resultsCap = n }
}

// WithResults shares q as the phrase queue, so consumers keep reading the
// same queue across controllers. It takes precedence over
// [WithResultsCapacity].
func WithResults(q *transcript.Results) Option {
	return func(c *Controller) { c.results = q }
}

// WithRewriter applies r to every phrase before it is queued.
func WithRewriter(r transcript.Rewriter) Option {
	return func(c *Controller) { c.rewriter = r }
}

// WithStreamDefaults sets the model, smart formatting and boosted keywords
// passed to the recognition provider on every run.
func WithStreamDefaults(model string, smartFormat bool, keywords []stt.KeywordBoost) Option {
	return func(c *Controller) {
		c.model = model
		c.smartFormat = smartFormat
		c.keywords = keywords
	}
}

// WithReconnect enables re-dialing after a session drop.
func WithReconnect(cfg ReconnectConfig) Option {
	return func(c *Controller) { c.reconnect = cfg }
}

// WithBreaker tunes the send-path circuit breaker.
func WithBreaker(cfg BreakerConfig) Option {
	return func(c *Controller) { c.breaker = cfg }
}

// WithMetrics records pipeline metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller runs at most one pipeline at a time. All methods are safe for
// concurrent use.
type Controller struct {
	provider stt.Provider
	backend  capture.Backend
	results  *transcript.Results
	metrics  *observe.Metrics

	mode          *mixer.Mode
	lengthPolicy  mixer.LengthPolicy
	persistPath   string
	persistFormat sink.Format
	queueSize     int
	resultsCap    int
	rewriter      transcript.Rewriter
	model         string
	smartFormat   bool
	keywords      []stt.KeywordBoost
	reconnect     ReconnectConfig
	breaker       BreakerConfig

	// mu serializes Start and Stop.
	mu      sync.Mutex
	state   atomic.Int32
	current atomic.Pointer[run]
	last    atomic.Pointer[Stats]
}

// New returns an idle controller that opens recognition sessions on provider
// and devices on backend.
func New(provider stt.Provider, backend capture.Backend, opts ...Option) *Controller {
	c := &Controller{
		provider:    provider,
		backend:     backend,
		smartFormat: true,
		queueSize:   capture.DefaultQueueSize,
		resultsCap:  transcript.DefaultCapacity,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.results == nil {
		c.results = transcript.NewResults(c.resultsCap)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Results returns the phrase queue. It outlives individual runs.
func (c *Controller) Results() *transcript.Results { return c.results }

// SessionID returns the id of the current run, or of the last run when idle.
// It is empty before the first run.
func (c *Controller) SessionID() string {
	if r := c.current.Load(); r != nil {
		return r.id
	}
	if s := c.last.Load(); s != nil {
		return s.SessionID
	}
	return ""
}

// Start opens the recognition session, the optional persistence sink, the
// mixer and one capture source per device, in that order. Anything opened
// before a failure is torn down again and the controller returns to idle.
//
// The run outlives ctx; ctx only bounds the start itself.
func (c *Controller) Start(ctx context.Context, devices []audio.Device, language string) error {
	if err := validateDevices(devices); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		slog.Warn("pipeline start refused", "state", c.State().String(), "session_id", c.SessionID())
		return ErrAlreadyRunning
	}

	r, err := c.startRun(ctx, devices, language)
	if err != nil {
		c.state.Store(int32(StateIdle))
		return err
	}
	c.current.Store(r)
	c.state.Store(int32(StateRunning))
	c.metrics.ActivePipelines.Add(ctx, 1)

	slog.Info("pipeline started",
		"session_id", r.id,
		"devices", len(devices),
		"mode", r.mode.String(),
		"channels", r.channels,
		"language", language,
	)
	return nil
}

// Stop tears the current run down: capture first, then the recognition
// session (whose final results are still assembled), then the loop, the
// assembler remainder and the sink. It is a no-op when idle. When ctx expires
// first the loop is cancelled and the remaining teardown still completes.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.current.Load()
	if r == nil {
		return nil
	}
	c.state.Store(int32(StateStopping))

	spanCtx, span := observe.StartPipelineSpan(ctx, "stop", r.id)
	err := r.stop(spanCtx)
	observe.EndSpan(span, err)

	final := r.stats()
	final.State = StateIdle
	c.last.Store(&final)
	c.current.Store(nil)
	c.state.Store(int32(StateIdle))
	c.metrics.ActivePipelines.Add(context.WithoutCancel(ctx), -1)

	slog.Info("pipeline stopped",
		"session_id", r.id,
		"mixes", final.Mixes,
		"bytes_sent", final.BytesSent,
		"send_failures", final.SendFailures,
		"phrases", final.Phrases,
		"dropped_phrases", final.DroppedPhrases,
	)
	if err != nil {
		slog.Warn("pipeline stop finished with errors", "session_id", r.id, "err", err)
	}
	return err
}

// Stats returns the counters of the current run, or of the last run when
// idle.
func (c *Controller) Stats() Stats {
	if r := c.current.Load(); r != nil {
		s := r.stats()
		s.State = c.State()
		return s
	}
	if s := c.last.Load(); s != nil {
		out := *s
		out.State = c.State()
		return out
	}
	return Stats{State: c.State()}
}

// resolveMode picks the mix mode for n devices.
func (c *Controller) resolveMode(n int) mixer.Mode {
	if c.mode != nil {
		return *c.mode
	}
	if n > 1 {
		return mixer.ModeMultichannel
	}
	return mixer.ModeMonoSum
}

func (c *Controller) startRun(ctx context.Context, devices []audio.Device, language string) (r *run, err error) {
	mode := c.resolveMode(len(devices))
	channels := mode.Channels(len(devices))
	id := uuid.NewString()

	spanCtx, span := observe.StartPipelineSpan(ctx, "start", id,
		attribute.Int("devices", len(devices)),
		attribute.String("mode", mode.String()),
	)
	defer func() { observe.EndSpan(span, err) }()

	streamCfg := stt.StreamConfig{
		SampleRate:   audio.CanonicalRate,
		Channels:     channels,
		Multichannel: mode == mixer.ModeMultichannel,
		Language:     language,
		Model:        c.model,
		SmartFormat:  c.smartFormat,
		Encoding:     "linear16",
		Keywords:     c.keywords,
	}

	opened := time.Now()
	sess, err := c.provider.StartStream(spanCtx, streamCfg)
	c.metrics.SessionOpenDuration.Record(ctx, time.Since(opened).Seconds())
	if err != nil {
		c.metrics.RecordProviderError(ctx, "stt", "start_stream")
		observe.Logger(spanCtx).Error("pipeline: recognition session failed to open", "session_id", id, "err", err)
		return nil, fmt.Errorf("pipeline: open recognition session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r = &run{
		id:       id,
		mode:     mode,
		channels: channels,
		devices:  devices,
		metrics:  c.metrics,
		results:  c.results,
		sess:     sess,
		cancel:   cancel,
		frames:   make(chan audio.Frame, len(devices)*4),
		swap:     make(chan stt.SessionHandle),
		closeReq: make(chan struct{}),
		done:     make(chan struct{}),
		started:  time.Now(),
	}
	r.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "asr-send",
		MaxFailures:   c.breaker.MaxFailures,
		ResetTimeout:  c.breaker.ResetTimeout,
		OnStateChange: r.onBreakerChange,
	})

	var mixOpts []mixer.Option
	mixOpts = append(mixOpts, mixer.WithLengthPolicy(c.lengthPolicy))
	if c.persistPath != "" {
		w, err := sink.Open(c.persistPath, c.persistFormat, audio.CanonicalRate, channels)
		if err != nil {
			cancel()
			_ = sess.Close()
			return nil, fmt.Errorf("pipeline: open persistence sink: %w", err)
		}
		r.sink = w
		mixOpts = append(mixOpts, mixer.WithPersist(w))
	}

	ids := make([]int, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	r.mixer, err = mixer.New(ids, mode, r.send, mixOpts...)
	if err != nil {
		cancel()
		_ = sess.Close()
		if r.sink != nil {
			_ = r.sink.Close()
		}
		return nil, fmt.Errorf("pipeline: build mixer: %w", err)
	}

	asmOpts := []transcript.AssemblerOption{transcript.WithSessionID(id)}
	if c.rewriter != nil {
		asmOpts = append(asmOpts, transcript.WithRewriter(c.rewriter))
	}
	r.assembler = transcript.NewAssembler(r.emit, asmOpts...)

	if c.reconnect.MaxRetries > 0 {
		r.reconnector = session.NewReconnector(session.ReconnectorConfig{
			Dial: func(ctx context.Context) (stt.SessionHandle, error) {
				return c.provider.StartStream(ctx, streamCfg)
			},
			Name:        id,
			MaxRetries:  c.reconnect.MaxRetries,
			Backoff:     c.reconnect.Backoff,
			MaxBackoff:  c.reconnect.MaxBackoff,
			OnReconnect: r.handOver,
			OnGiveUp:    r.giveUp,
		})
		r.reconnector.Monitor(runCtx)
	}

	go r.loop(runCtx)

	r.sources = make([]*capture.Source, len(devices))
	var g errgroup.Group
	for i, dev := range devices {
		g.Go(func() error {
			src, err := capture.Open(runCtx, c.backend, dev, r.forward, capture.WithQueueSize(c.queueSize))
			if err != nil {
				return err
			}
			r.setSource(i, src)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		observe.Logger(spanCtx).Error("pipeline: capture failed to open, tearing down", "session_id", id, "err", err)
		if stopErr := r.stop(ctx); stopErr != nil {
			slog.Warn("pipeline: teardown after failed start", "session_id", id, "err", stopErr)
		}
		return nil, fmt.Errorf("pipeline: open capture: %w", err)
	}
	return r, nil
}

func validateDevices(devices []audio.Device) error {
	if len(devices) == 0 {
		return fmt.Errorf("%w: no devices", ErrInvalidDevices)
	}
	if len(devices) > MaxDevices {
		return fmt.Errorf("%w: %d devices, at most %d supported", ErrInvalidDevices, len(devices), MaxDevices)
	}
	seen := make(map[int]bool, len(devices))
	for _, d := range devices {
		if d.NativeRate <= 0 {
			return fmt.Errorf("%w: device %d has rate %d", ErrInvalidDevices, d.ID, d.NativeRate)
		}
		if seen[d.ID] {
			return fmt.Errorf("%w: device %d listed twice", ErrInvalidDevices, d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}
