package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

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

// metricsInterval is how often capture counters are published as metrics.
const metricsInterval = 5 * time.Second

// Stats are the counters of one run.
type Stats struct {
	SessionID string    `json:"session_id,omitempty"`
	State     State     `json:"state"`
	Mode      string    `json:"mode,omitempty"`
	Channels  int       `json:"channels,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`

	Devices []capture.Stats `json:"devices,omitempty"`

	Mixes      uint64 `json:"mixes"`
	Overruns   uint64 `json:"overruns"`
	Misaligned uint64 `json:"misaligned"`

	BytesSent    uint64 `json:"bytes_sent"`
	SendFailures uint64 `json:"send_failures"`
	Breaker      string `json:"breaker,omitempty"`

	Fragments      uint64 `json:"fragments"`
	Phrases        uint64 `json:"phrases"`
	DroppedPhrases uint64 `json:"dropped_phrases"`

	SessionDrops uint64 `json:"session_drops"`
	Reconnects   uint64 `json:"reconnects"`
}

// run is one Start..Stop cycle.
type run struct {
	id       string
	mode     mixer.Mode
	channels int
	devices  []audio.Device
	started  time.Time
	metrics  *observe.Metrics
	results  *transcript.Results
	cancel   context.CancelFunc

	srcMu   sync.Mutex
	sources []*capture.Source

	sink        sink.Writer
	breaker     *resilience.CircuitBreaker
	reconnector *session.Reconnector

	// Owned by the loop goroutine.
	mixer     *mixer.Mixer
	assembler *transcript.Assembler
	sess      stt.SessionHandle
	closing   bool
	published []capture.Stats

	frames   chan audio.Frame
	swap     chan stt.SessionHandle
	closeReq chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error

	// closers tracks sessions being closed in the background.
	closers sync.WaitGroup

	mixes        atomic.Uint64
	overruns     atomic.Uint64
	misaligned   atomic.Uint64
	bytesSent    atomic.Uint64
	sendFailures atomic.Uint64
	fragments    atomic.Uint64
	phrases      atomic.Uint64
	dropped      atomic.Uint64
	drops        atomic.Uint64
}

// forward is the capture sink. It runs on the per-device consumer goroutines.
func (r *run) forward(ctx context.Context, f audio.Frame) {
	select {
	case r.frames <- f:
	case <-ctx.Done():
	}
}

// loop owns the mixer, the assembler and the current session.
func (r *run) loop(ctx context.Context) {
	defer close(r.done)
	defer r.finish()

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		var events <-chan stt.Event
		if r.sess != nil {
			events = r.sess.Events()
		}

		select {
		case <-ctx.Done():
			return

		case f := <-r.frames:
			if r.closing {
				continue
			}
			r.handleFrame(ctx, f)

		case ev, ok := <-events:
			if !ok {
				if r.closing {
					r.sess = nil
					return
				}
				r.sessionLost(ctx)
				continue
			}
			r.handleEvent(ctx, ev)

		case next := <-r.swap:
			if r.closing {
				r.abandon(next)
				continue
			}
			if r.sess != nil {
				r.abandon(r.sess)
			}
			r.sess = next
			r.breaker.Reset()
			r.metrics.Reconnects.Add(ctx, 1)
			slog.Info("pipeline: recognition session restored", "session_id", r.id)

		case <-r.closeReq:
			r.closing = true
			r.mixer.Reset()
			if r.sess == nil {
				return
			}
			r.closeAsync(r.sess)

		case <-ticker.C:
			r.publishCapture(ctx)
		}
	}
}

// finish runs on loop exit. The partial mix is discarded; the unterminated
// phrase is flushed.
func (r *run) finish() {
	r.mixer.Reset()
	r.assembler.Flush()
	r.syncAssembler()
	if r.sess != nil {
		r.abandon(r.sess)
	}
	r.sess = nil
}

func (r *run) handleFrame(ctx context.Context, f audio.Frame) {
	if _, err := r.mixer.Handle(f.DeviceID, f.Data); err != nil {
		slog.Warn("pipeline: frame rejected by mixer", "session_id", r.id, "device_id", f.DeviceID, "err", err)
		return
	}
	st := r.mixer.Stats()
	if d := st.Overruns - r.overruns.Load(); d > 0 {
		r.metrics.MixOverruns.Add(ctx, int64(d))
	}
	r.mixes.Store(st.Mixes)
	r.overruns.Store(st.Overruns)
	r.misaligned.Store(st.Misaligned)
}

// send is the mixer's emit function. Sending is best effort: failures are
// counted and logged, never propagated.
func (r *run) send(buf []byte) {
	ctx := context.Background()
	r.metrics.Mixes.Add(ctx, 1)
	if r.sess == nil {
		r.sendFailed(ctx, "disconnected", nil)
		return
	}
	sess := r.sess
	err := r.breaker.Execute(func() error { return sess.SendAudio(buf) })
	switch {
	case err == nil:
		r.bytesSent.Add(uint64(len(buf)))
		r.metrics.BytesSent.Add(ctx, int64(len(buf)))
	case errors.Is(err, resilience.ErrCircuitOpen):
		r.sendFailed(ctx, "breaker_open", nil)
	case errors.Is(err, stt.ErrSendBackpressure):
		r.sendFailed(ctx, "backpressure", err)
	case errors.Is(err, stt.ErrSessionClosed):
		r.sendFailed(ctx, "closed", err)
	default:
		r.sendFailed(ctx, "error", err)
	}
}

func (r *run) sendFailed(ctx context.Context, reason string, err error) {
	n := r.sendFailures.Add(1)
	r.metrics.RecordSendFailure(ctx, reason)
	if err != nil && (n == 1 || n%100 == 0) {
		slog.Warn("pipeline: audio chunk not sent", "session_id", r.id, "reason", reason, "failures_total", n, "err", err)
	}
}

func (r *run) handleEvent(ctx context.Context, ev stt.Event) {
	switch ev := ev.(type) {
	case stt.Fragment:
		r.fragments.Add(1)
		r.metrics.RecordFragment(ctx, ev.Channel)
		r.assembler.Add(ev.Channel, ev.Text)
		r.syncAssembler()
	case stt.Status:
		slog.Debug("pipeline: recognition status", "session_id", r.id, "kind", ev.Kind.String(), "channel", ev.Channel, "request_id", ev.RequestID)
	case stt.Failure:
		r.metrics.RecordProviderError(ctx, "stt", "stream")
		slog.Warn("pipeline: recognition session failed", "session_id", r.id, "err", ev.Err)
	}
}

// sessionLost handles an events channel that closed while the run was not
// stopping.
func (r *run) sessionLost(ctx context.Context) {
	r.drops.Add(1)
	r.closeAsync(r.sess)
	r.sess = nil
	if r.reconnector != nil {
		slog.Warn("pipeline: recognition session lost, reconnecting", "session_id", r.id)
		r.reconnector.NotifyDisconnect()
		return
	}
	r.metrics.RecordProviderError(ctx, "stt", "session_lost")
	slog.Error("pipeline: recognition session lost, transcription stopped until restart", "session_id", r.id)
}

// handOver passes a re-dialed session to the loop. It runs on the
// reconnector goroutine.
func (r *run) handOver(s stt.SessionHandle) {
	select {
	case r.swap <- s:
	case <-r.done:
		_ = s.Close()
	}
}

func (r *run) giveUp(err error) {
	slog.Error("pipeline: recognition session could not be restored", "session_id", r.id, "err", err)
}

func (r *run) closeAsync(s stt.SessionHandle) {
	r.closers.Add(1)
	go func() {
		defer r.closers.Done()
		if err := s.Close(); err != nil {
			slog.Warn("pipeline: closing recognition session", "session_id", r.id, "err", err)
		}
	}()
}

// abandon closes a session whose events the loop no longer reads. Its
// remaining events are discarded so the session's reader never blocks.
func (r *run) abandon(s stt.SessionHandle) {
	r.closers.Add(1)
	go func() {
		defer r.closers.Done()
		audio.Drain(s.Events())
	}()
	r.closeAsync(s)
}

// emit is the assembler's output.
func (r *run) emit(m transcript.Message) bool {
	ctx := context.Background()
	if !r.results.TryPush(m) {
		r.metrics.PhrasesDropped.Add(ctx, 1)
		return false
	}
	r.metrics.RecordPhrase(ctx, m.Kind.Label())
	if m.Raw != "" {
		r.metrics.Corrections.Add(ctx, 1)
	}
	return true
}

func (r *run) syncAssembler() {
	st := r.assembler.Stats()
	r.phrases.Store(st.Phrases)
	r.dropped.Store(st.Dropped)
}

func (r *run) onBreakerChange(from, to resilience.State) {
	r.metrics.BreakerState.Record(context.Background(), int64(to))
	slog.Info("pipeline: send breaker state changed", "session_id", r.id, "from", from.String(), "to", to.String())
}

// publishCapture adds the capture deltas since the last call to the metrics.
func (r *run) publishCapture(ctx context.Context) {
	cur := r.captureStats()
	if r.published == nil {
		r.published = make([]capture.Stats, len(r.devices))
	}
	for i, st := range cur {
		prev := r.published[i]
		r.metrics.RecordCapture(ctx, st.DeviceID, int64(st.Captured-prev.Captured), int64(st.Dropped-prev.Dropped))
		r.published[i] = st
	}
}

func (r *run) captureStats() []capture.Stats {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	out := make([]capture.Stats, len(r.devices))
	for i, d := range r.devices {
		out[i] = capture.Stats{DeviceID: d.ID}
		if i < len(r.sources) && r.sources[i] != nil {
			out[i] = r.sources[i].Stats()
		}
	}
	return out
}

func (r *run) setSource(i int, s *capture.Source) {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	r.sources[i] = s
}

// stop tears the run down. It is safe to call more than once.
func (r *run) stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		var errs []error

		r.srcMu.Lock()
		sources := append([]*capture.Source(nil), r.sources...)
		r.srcMu.Unlock()
		for _, s := range sources {
			if s == nil {
				continue
			}
			if err := s.Stop(); err != nil {
				errs = append(errs, err)
			}
		}

		if r.reconnector != nil {
			r.reconnector.Stop()
		}

		select {
		case r.closeReq <- struct{}{}:
		case <-r.done:
		}

		select {
		case <-r.done:
		case <-ctx.Done():
			r.cancel()
			<-r.done
			errs = append(errs, fmt.Errorf("pipeline: stop: final results abandoned: %w", ctx.Err()))
		}
		r.cancel()

		r.publishCapture(context.WithoutCancel(ctx))
		if r.sink != nil {
			if err := r.sink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("pipeline: close sink: %w", err))
			}
		}
		r.closers.Wait()
		r.stopErr = errors.Join(errs...)
	})
	return r.stopErr
}

func (r *run) stats() Stats {
	s := Stats{
		SessionID:      r.id,
		Mode:           r.mode.String(),
		Channels:       r.channels,
		StartedAt:      r.started,
		Devices:        r.captureStats(),
		Mixes:          r.mixes.Load(),
		Overruns:       r.overruns.Load(),
		Misaligned:     r.misaligned.Load(),
		BytesSent:      r.bytesSent.Load(),
		SendFailures:   r.sendFailures.Load(),
		Breaker:        r.breaker.State().String(),
		Fragments:      r.fragments.Load(),
		Phrases:        r.phrases.Load(),
		DroppedPhrases: r.dropped.Load(),
		SessionDrops:   r.drops.Load(),
	}
	if r.reconnector != nil {
		s.Reconnects = r.reconnector.Reconnects()
	}
	return s
}
