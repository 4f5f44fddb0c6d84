package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/duoscribe/internal/observe"
	"github.com/MrWong99/duoscribe/internal/pipeline"
	"github.com/MrWong99/duoscribe/internal/transcript"
	"github.com/MrWong99/duoscribe/pkg/audio"
	capturemock "github.com/MrWong99/duoscribe/pkg/audio/capture/mock"
	"github.com/MrWong99/duoscribe/pkg/audio/mixer"
	"github.com/MrWong99/duoscribe/pkg/audio/sink"
	"github.com/MrWong99/duoscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/duoscribe/pkg/provider/stt/mock"
)

var (
	mic      = audio.Device{ID: 3, Name: "mic", NativeRate: 48000, Role: audio.RolePrimary}
	loopback = audio.Device{ID: 7, Name: "loopback", NativeRate: 16000, Role: audio.RoleSecondary}
)

type fixture struct {
	ctrl     *pipeline.Controller
	provider *sttmock.Provider
	backend  *capturemock.Backend
	reader   *sdkmetric.ManualReader
}

func newFixture(t *testing.T, opts ...pipeline.Option) *fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		provider: &sttmock.Provider{},
		backend:  &capturemock.Backend{},
		reader:   reader,
	}
	f.ctrl = pipeline.New(f.provider, f.backend, append([]pipeline.Option{pipeline.WithMetrics(m)}, opts...)...)
	t.Cleanup(func() { _ = f.ctrl.Stop(context.Background()) })
	return f
}

// counter returns the summed value of an int64 sum metric.
func (f *fixture) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func constant(n int, v int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return s
}

// pushRound feeds one capture period to every device and waits until the
// mixed chunk reached the session.
func (f *fixture) pushRound(t *testing.T, sess *sttmock.Session, devices []audio.Device, values ...int16) {
	t.Helper()
	before := sess.SendAudioCallCount()
	for i, d := range devices {
		if !f.backend.Stream(d.ID).Push(constant(audio.FramesPerBuffer(d.NativeRate), values[i])) {
			t.Fatalf("device %d stream not running", d.ID)
		}
	}
	waitFor(t, "mixed chunk", func() bool { return sess.SendAudioCallCount() > before })
}

func TestController_TwoDeviceRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	devices := []audio.Device{mic, loopback}

	if err := f.ctrl.Start(ctx, devices, "de-DE"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.ctrl.State() != pipeline.StateRunning {
		t.Fatalf("State = %v, want running", f.ctrl.State())
	}
	if f.ctrl.SessionID() == "" {
		t.Error("SessionID is empty while running")
	}

	cfg := f.provider.StartStreamCalls[0].Cfg
	if cfg.SampleRate != audio.CanonicalRate || cfg.Channels != 2 || !cfg.Multichannel {
		t.Errorf("StreamConfig = %+v, want 16 kHz, 2 channels, multichannel", cfg)
	}
	if cfg.Language != "de-DE" || !cfg.SmartFormat {
		t.Errorf("StreamConfig language/smart format = %q/%v", cfg.Language, cfg.SmartFormat)
	}

	sess := f.provider.Last()
	f.pushRound(t, sess, devices, 100, -200)

	samples, err := audio.DecodePCM16(sess.SentBytes())
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	if len(samples) != 2*audio.BaseFrameSamples {
		t.Fatalf("sent %d samples, want %d", len(samples), 2*audio.BaseFrameSamples)
	}
	for i := 0; i < len(samples); i += 2 {
		if samples[i] != 100 || samples[i+1] != -200 {
			t.Fatalf("frame %d = (%d,%d), want (100,-200)", i/2, samples[i], samples[i+1])
		}
	}

	sess.Emit(stt.Fragment{Channel: 0, Text: "Hello there. How", IsFinal: true})
	sess.Emit(stt.Fragment{Channel: 1, Text: "Breaking news.", IsFinal: true})

	got := readN(t, f.ctrl.Results(), 2)
	if got[0].Kind != transcript.KindUser || got[0].Text != "Hello there." {
		t.Errorf("first = %+v, want user %q", got[0], "Hello there.")
	}
	if got[1].Kind != transcript.KindUser || got[1].Text != "How" {
		t.Errorf("second = %+v, want user %q", got[1], "How")
	}
	got = readN(t, f.ctrl.Results(), 1)
	if got[0].Kind != transcript.KindSystem || got[0].Text != "Breaking news." {
		t.Errorf("third = %+v, want system %q", got[0], "Breaking news.")
	}

	st := f.ctrl.Stats()
	if st.Mixes != 1 || st.BytesSent != uint64(4*audio.BaseFrameSamples) {
		t.Errorf("Stats mixes/bytes = %d/%d", st.Mixes, st.BytesSent)
	}
	if st.Mode != mixer.ModeMultichannel.String() || st.Channels != 2 || len(st.Devices) != 2 {
		t.Errorf("Stats = %+v", st)
	}

	if err := f.ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.ctrl.State() != pipeline.StateIdle {
		t.Errorf("State after Stop = %v, want idle", f.ctrl.State())
	}
	if !sess.Closed() {
		t.Error("session not closed by Stop")
	}
	for _, d := range devices {
		if f.backend.Stream(d.ID).Running() {
			t.Errorf("device %d still capturing after Stop", d.ID)
		}
	}
	if n := f.counter(t, "duoscribe.asr.sent"); n != int64(4*audio.BaseFrameSamples) {
		t.Errorf("asr.sent = %d", n)
	}
	if n := f.counter(t, "duoscribe.transcript.phrases"); n != 3 {
		t.Errorf("transcript.phrases = %d, want 3", n)
	}
}

func readN(t *testing.T, r *transcript.Results, n int) []transcript.Message {
	t.Helper()
	var out []transcript.Message
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case m := <-r.C():
			out = append(out, m)
		case <-timeout:
			t.Fatalf("got %d messages, want %d", len(out), n)
		}
	}
	return out
}

func TestController_SingleDeviceMonoSum(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background(), []audio.Device{mic}, "en-US"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cfg := f.provider.StartStreamCalls[0].Cfg
	if cfg.Channels != 1 || cfg.Multichannel {
		t.Errorf("StreamConfig = %+v, want mono", cfg)
	}
	sess := f.provider.Last()
	f.pushRound(t, sess, []audio.Device{mic}, 42)
	if n := len(sess.SentBytes()); n != 2*audio.BaseFrameSamples {
		t.Errorf("sent %d bytes, want %d", n, 2*audio.BaseFrameSamples)
	}
}

func TestController_ForcedMonoWithTwoDevices(t *testing.T) {
	f := newFixture(t, pipeline.WithMode(mixer.ModeMonoSum))
	devices := []audio.Device{mic, loopback}
	if err := f.ctrl.Start(context.Background(), devices, "en-US"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := f.provider.Last()
	f.pushRound(t, sess, devices, 100, 201)
	samples, _ := audio.DecodePCM16(sess.SentBytes())
	if len(samples) != audio.BaseFrameSamples || samples[0] != 151 {
		t.Errorf("got %d samples starting %d, want %d samples of 151", len(samples), samples[0], audio.BaseFrameSamples)
	}
}

func TestController_InvalidDevices(t *testing.T) {
	tests := []struct {
		name    string
		devices []audio.Device
	}{
		{"empty", nil},
		{"three", []audio.Device{mic, loopback, {ID: 9, NativeRate: 44100}}},
		{"zero rate", []audio.Device{{ID: 1}}},
		{"duplicate id", []audio.Device{mic, {ID: mic.ID, NativeRate: 16000}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			err := f.ctrl.Start(context.Background(), tt.devices, "en-US")
			if !errors.Is(err, pipeline.ErrInvalidDevices) {
				t.Fatalf("Start error = %v, want ErrInvalidDevices", err)
			}
			if f.provider.CallCount() != 0 {
				t.Error("recognition session opened for invalid devices")
			}
			if f.ctrl.State() != pipeline.StateIdle {
				t.Errorf("State = %v, want idle", f.ctrl.State())
			}
		})
	}
}

func TestController_StartWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.ctrl.Start(ctx, []audio.Device{mic}, "en-US"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.ctrl.Start(ctx, []audio.Device{loopback}, "en-US"); !errors.Is(err, pipeline.ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if f.provider.CallCount() != 1 {
		t.Errorf("StartStream calls = %d, want 1", f.provider.CallCount())
	}
}

func TestController_SessionOpenFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.StartStreamErr = errors.New("unauthorized")

	err := f.ctrl.Start(context.Background(), []audio.Device{mic}, "en-US")
	if err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("Start error = %v, want wrapped provider error", err)
	}
	if f.ctrl.State() != pipeline.StateIdle {
		t.Errorf("State = %v, want idle", f.ctrl.State())
	}
	if len(f.backend.OpenCalls) != 0 {
		t.Error("capture opened although the session failed")
	}
	if n := f.counter(t, "duoscribe.provider.errors"); n != 1 {
		t.Errorf("provider.errors = %d, want 1", n)
	}

	// The controller is usable again.
	f.provider.StartStreamErr = nil
	if err := f.ctrl.Start(context.Background(), []audio.Device{mic}, "en-US"); err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
}

func TestController_CaptureOpenFailureTearsDown(t *testing.T) {
	f := newFixture(t)
	f.backend.OpenErrByDevice = map[int]error{loopback.ID: errors.New("device busy")}

	err := f.ctrl.Start(context.Background(), []audio.Device{mic, loopback}, "en-US")
	if err == nil || !strings.Contains(err.Error(), "device busy") {
		t.Fatalf("Start error = %v, want device busy", err)
	}
	if f.ctrl.State() != pipeline.StateIdle {
		t.Errorf("State = %v, want idle", f.ctrl.State())
	}
	if !f.provider.Last().Closed() {
		t.Error("recognition session left open")
	}
	if s := f.backend.Stream(mic.ID); s != nil && s.Running() {
		t.Error("opened device left running")
	}
}

func TestController_StopFlushesFinalResults(t *testing.T) {
	sess := sttmock.NewSession()
	sess.FinalEvents = []stt.Event{
		stt.Fragment{Channel: 1, Text: "and that was the", IsFinal: true},
		stt.Fragment{Channel: 1, Text: "weather", IsFinal: true},
	}
	f := newFixture(t)
	f.provider.Session = sess

	if err := f.ctrl.Start(context.Background(), []audio.Device{mic, loopback}, "en-US"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	m, ok := f.ctrl.Results().Poll()
	if !ok {
		t.Fatal("no phrase flushed at Stop")
	}
	if m.Kind != transcript.KindSystem || m.Text != "and that was the weather" {
		t.Errorf("flushed = %+v", m)
	}

	st := f.ctrl.Stats()
	if st.State != pipeline.StateIdle || st.Fragments != 2 || st.Phrases != 1 {
		t.Errorf("Stats after Stop = %+v", st)
	}
}

func TestController_StopMidCycleDiscardsPartialRound(t *testing.T) {
	f := newFixture(t)
	baseline := runtime.NumGoroutine()

	if err := f.ctrl.Start(context.Background(), []audio.Device{mic, loopback}, "en-US"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := f.provider.Last()

	// Only the mic delivers; the round stays incomplete.
	if !f.backend.Stream(mic.ID).Push(constant(audio.FramesPerBuffer(mic.NativeRate), 500)) {
		t.Fatal("mic stream not running")
	}
	waitFor(t, "mic frame captured", func() bool {
		devs := f.ctrl.Stats().Devices
		return len(devs) > 0 && devs[0].Captured == 1
	})
	time.Sleep(20 * time.Millisecond)

	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if n := sess.SendAudioCallCount(); n != 0 {
		t.Errorf("sent %d chunks for an incomplete round, want 0", n)
	}
	if st := f.ctrl.Stats(); st.Mixes != 0 {
		t.Errorf("Mixes = %d, want 0", st.Mixes)
	}
	waitFor(t, "pipeline goroutines to exit", func() bool { return runtime.NumGoroutine() <= baseline })
}

func TestController_StopWhenIdle(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on idle controller: %v", err)
	}
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if st := f.ctrl.Stats(); st.State != pipeline.StateIdle || st.SessionID != "" {
		t.Errorf("Stats = %+v", st)
	}
}

func TestController_ConcurrentStop(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background(), []audio.Device{mic}, "en-US"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.ctrl.Stop(context.Background())
		}()
	}
	wg.Wait()
	if f.ctrl.State() != pipeline.StateIdle {
		t.Errorf("State = %v, want idle", f.ctrl.State())
	}
	if !f.provider.Last().Closed() {
		t.Error("session never closed")
	}
}

func TestController_BreakerOpensOnSendFailures(t *testing.T) {
	sess := sttmock.NewSession()
	sess.SendAudioErr = stt.ErrSendBackpressure
	f := newFixture(t, pipeline.WithBreaker(pipeline.BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}))
	f.provider.Session = sess

	if err := f.ctrl.Start(context.Background(), []audio.Device{loopback}, "en-US"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := range 4 {
		before := f.ctrl.Stats().SendFailures
		f.backend.Stream(loopback.ID).Push(constant(audio.BaseFrameSamples, int16(i)))
		waitFor(t, "send failure", func() bool { return f.ctrl.Stats().SendFailures > before })
	}

	st := f.ctrl.Stats()
	if st.Breaker != "open" {
		t.Errorf("Breaker = %q, want open", st.Breaker)
	}
	if st.SendFailures != 4 || st.BytesSent != 0 {
		t.Errorf("SendFailures/BytesSent = %d/%d, want 4/0", st.SendFailures, st.BytesSent)
	}
	if f.ctrl.State() != pipeline.StateRunning {
		t.Error("send failures stopped the pipeline")
	}
}

func TestController_ReconnectsAfterDrop(t *testing.T) {
	f := newFixture(t, pipeline.WithReconnect(pipeline.ReconnectConfig{
		MaxRetries: 3,
		Backoff:    time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
	}))
	if err := f.ctrl.Start(context.Background(), []audio.Device{loopback}, "en-US"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := f.provider.Last()
	first.Fail(errors.New("connection reset"))

	waitFor(t, "reconnect", func() bool { return f.ctrl.Stats().Reconnects == 1 })
	second := f.provider.Last()
	if second == first {
		t.Fatal("no new session dialed")
	}
	if c0, c1 := f.provider.StartStreamCalls[0].Cfg, f.provider.StartStreamCalls[1].Cfg; c0.Channels != c1.Channels || c0.Language != c1.Language {
		t.Errorf("reconnect StreamConfig = %+v, want %+v", c1, c0)
	}

	f.pushRound(t, second, []audio.Device{loopback}, 5)
	second.Emit(stt.Fragment{Channel: 0, Text: "Back again.", IsFinal: true})
	if m := readN(t, f.ctrl.Results(), 1)[0]; m.Text != "Back again." {
		t.Errorf("phrase after reconnect = %+v", m)
	}
	if st := f.ctrl.Stats(); st.SessionDrops != 1 {
		t.Errorf("SessionDrops = %d, want 1", st.SessionDrops)
	}
}

func TestController_DropWithoutReconnectKeepsRunning(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background(), []audio.Device{loopback}, "en-US"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.provider.Last().Fail(errors.New("gone"))
	waitFor(t, "session drop", func() bool { return f.ctrl.Stats().SessionDrops == 1 })

	f.backend.Stream(loopback.ID).Push(constant(audio.BaseFrameSamples, 1))
	waitFor(t, "failed send", func() bool { return f.ctrl.Stats().SendFailures == 1 })
	if f.ctrl.State() != pipeline.StateRunning {
		t.Errorf("State = %v, want running", f.ctrl.State())
	}
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

type upper struct{}

func (upper) Rewrite(s string) string { return strings.ToUpper(s) }

func TestController_RewriterKeepsRawText(t *testing.T) {
	f := newFixture(t, pipeline.WithRewriter(upper{}))
	if err := f.ctrl.Start(context.Background(), []audio.Device{mic}, "en-US"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.provider.Last().Emit(stt.Fragment{Channel: 0, Text: "quiet please.", IsFinal: true})
	m := readN(t, f.ctrl.Results(), 1)[0]
	if m.Text != "QUIET PLEASE." || m.Raw != "quiet please." {
		t.Errorf("message = %+v", m)
	}
	if n := f.counter(t, "duoscribe.transcript.corrections"); n != 1 {
		t.Errorf("corrections = %d, want 1", n)
	}
}

func TestController_PersistsMixedAudio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mix.wav")
	f := newFixture(t, pipeline.WithPersist(path, sink.FormatWAV))
	devices := []audio.Device{mic, loopback}
	if err := f.ctrl.Start(context.Background(), devices, "en-US"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := f.provider.Last()
	f.pushRound(t, sess, devices, 1, 2)
	f.pushRound(t, sess, devices, 3, 4)
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if want := int64(44 + 2*4*audio.BaseFrameSamples); info.Size() != want {
		t.Errorf("file size = %d, want %d", info.Size(), want)
	}
}

func TestController_StopTimeoutStillTearsDown(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background(), []audio.Device{mic}, "en-US"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = f.ctrl.Stop(ctx)
	if f.ctrl.State() != pipeline.StateIdle {
		t.Errorf("State = %v, want idle", f.ctrl.State())
	}
	if f.backend.Stream(mic.ID).Running() {
		t.Error("capture still running")
	}
}

func TestState_String(t *testing.T) {
	tests := map[pipeline.State]string{
		pipeline.StateIdle:     "idle",
		pipeline.StateStarting: "starting",
		pipeline.StateRunning:  "running",
		pipeline.StateStopping: "stopping",
		pipeline.State(42):     "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
