package app_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duoscribe/internal/app"
	"github.com/MrWong99/duoscribe/internal/config"
	"github.com/MrWong99/duoscribe/internal/pipeline"
	capturemock "github.com/MrWong99/duoscribe/pkg/audio/capture/mock"
	memorymock "github.com/MrWong99/duoscribe/pkg/memory/mock"
	"github.com/MrWong99/duoscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/duoscribe/pkg/provider/stt/mock"
)

// testConfig returns a config with two 16 kHz devices and defaults applied.
func testConfig() *config.Config {
	cfg := &config.Config{
		Capture: config.CaptureConfig{
			Devices: []config.DeviceConfig{
				{ID: 1, Name: "mic", NativeRate: 16000, Role: "primary"},
				{ID: 2, Name: "loopback", NativeRate: 16000, Role: "secondary"},
			},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

type mocks struct {
	stt     *sttmock.Provider
	capture *capturemock.Backend
	store   *memorymock.PhraseStore
	out     *syncBuffer
}

func (m *mocks) providers() *app.Providers {
	return &app.Providers{STT: m.stt, Capture: m.capture}
}

func newMocks() *mocks {
	return &mocks{
		stt:     &sttmock.Provider{},
		capture: &capturemock.Backend{},
		store:   &memorymock.PhraseStore{},
		out:     &syncBuffer{},
	}
}

func newTestApp(t *testing.T, cfg *config.Config, m *mocks, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithPhraseStore(m.store), app.WithOutput(m.out)}, opts...)
	a, err := app.New(context.Background(), cfg, m.providers(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

// syncBuffer is a bytes.Buffer safe for the delivery goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
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

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(), newMocks())
	if a.Sessions().IsActive() {
		t.Error("session active right after New")
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(), &app.Providers{Capture: &capturemock.Backend{}})
	if err == nil {
		t.Fatal("New() without a recognition provider succeeded")
	}
}

func TestApp_RunDeliversPhrases(t *testing.T) {
	t.Parallel()

	m := newMocks()
	a := newTestApp(t, testConfig(), m)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	waitFor(t, "session start", func() bool { return a.Sessions().IsActive() })
	sess := m.stt.Last()
	sessionID := a.Sessions().Info().SessionID

	sess.Emit(stt.Fragment{Channel: 0, Text: "Hello there.", IsFinal: true})
	sess.Emit(stt.Fragment{Channel: 1, Text: "Top story tonight", IsFinal: true})
	waitFor(t, "first phrase", func() bool { return strings.Contains(m.out.String(), "user: Hello there.\n") })

	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if !strings.Contains(m.out.String(), "system: Top story tonight\n") {
		t.Errorf("pending phrase not flushed at shutdown; output:\n%s", m.out.String())
	}
	written := m.store.Written()
	if len(written) != 2 {
		t.Fatalf("stored %d phrases, want 2", len(written))
	}
	if written[0].SessionID != sessionID || written[0].Speaker != "user" || written[0].Text != "Hello there." {
		t.Errorf("first stored phrase = %+v", written[0])
	}
	if a.History().Len() != 2 {
		t.Errorf("history holds %d phrases, want 2", a.History().Len())
	}
	if !sess.Closed() {
		t.Error("recognition session not closed")
	}
}

func TestApp_StoreErrorDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	m := newMocks()
	m.store.WritePhraseErr = errors.New("db down")
	a := newTestApp(t, testConfig(), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	waitFor(t, "session start", func() bool { return a.Sessions().IsActive() })
	m.stt.Last().Emit(stt.Fragment{Channel: 0, Text: "One. Two.", IsFinal: true})
	waitFor(t, "both phrases", func() bool { return strings.Count(m.out.String(), "user: ") == 2 })
}

func TestApp_StopDeliversEveryFinalPhrase(t *testing.T) {
	t.Parallel()

	const finals = 15
	m := newMocks()
	sess := sttmock.NewSession()
	sess.FinalDelay = 20 * time.Millisecond
	for i := range finals {
		sess.FinalEvents = append(sess.FinalEvents, stt.Fragment{Channel: 0, Text: fmt.Sprintf("Sentence %d.", i), IsFinal: true})
	}
	m.stt.Session = sess
	a := newTestApp(t, testConfig(), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	waitFor(t, "session start", func() bool { return a.Sessions().IsActive() })
	sessionID := a.Sessions().Info().SessionID

	stopped := make(chan error, 1)
	go func() { stopped <- a.Sessions().Stop(context.Background()) }()

	// Status stays readable while the recognizer trickles its final results.
	waitFor(t, "stopping state", func() bool { return a.Sessions().Status().State == pipeline.StateStopping })

	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "final phrases", func() bool { return strings.Count(m.out.String(), "user: Sentence ") == finals })

	if dropped := a.Sessions().Status().Stats.DroppedPhrases; dropped != 0 {
		t.Errorf("dropped %d final phrases", dropped)
	}
	for _, e := range a.History().Recent(finals) {
		if e.SessionID != sessionID {
			t.Errorf("history entry %q has session %q, want %q", e.Text, e.SessionID, sessionID)
		}
	}
}

func TestApp_RunWithoutDevicesWaits(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Capture.Devices = nil
	m := newMocks()
	a := newTestApp(t, cfg, m)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() = %v, want deadline exceeded", err)
	}
	if m.stt.CallCount() != 0 {
		t.Error("session started without configured devices")
	}
}

func TestApp_RunStartFailure(t *testing.T) {
	t.Parallel()

	m := newMocks()
	m.stt.StartStreamErr = errors.New("unauthorized")
	a := newTestApp(t, testConfig(), m)

	if err := a.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("Run() = %v, want start error", err)
	}
}

func TestApp_ApplyConfig_LiveSettings(t *testing.T) {
	t.Parallel()

	lv := new(slog.LevelVar)
	m := newMocks()
	old := testConfig()
	a := newTestApp(t, old, m, app.WithLevelVar(lv))
	if err := a.Sessions().Start(context.Background(), nil, "", "cli"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	next := *old
	next.Server.LogLevel = config.LogDebug
	next.Transcript.Vocabulary = []string{"Kubernetes"}
	if err := a.ApplyConfig(context.Background(), old, &next); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	if m.stt.CallCount() != 1 {
		t.Errorf("live settings restarted the session (%d StartStream calls)", m.stt.CallCount())
	}

	m.stt.Last().Emit(stt.Fragment{Channel: 0, Text: "kubernetties is up.", IsFinal: true})
	msg := <-a.Sessions().Results().C()
	if msg.Text != "Kubernetes is up." || msg.Raw != "kubernetties is up." {
		t.Errorf("phrase after vocabulary reload = %+v", msg)
	}
}

func TestApp_ApplyConfig_RestartsSession(t *testing.T) {
	t.Parallel()

	m := newMocks()
	old := testConfig()
	a := newTestApp(t, old, m)
	if err := a.Sessions().Start(context.Background(), nil, "", "cli"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := m.stt.Last()

	next := *old
	next.Capture.Language = "de-DE"
	if err := a.ApplyConfig(context.Background(), old, &next); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	if !first.Closed() {
		t.Error("old session not closed")
	}
	if m.stt.CallCount() != 2 {
		t.Fatalf("StartStream calls = %d, want 2", m.stt.CallCount())
	}
	info := a.Sessions().Info()
	if info.StartedBy != "reload" || info.Language != "de-DE" {
		t.Errorf("restarted session = %+v", info)
	}
	if a.Config() != &next {
		t.Error("Config() not updated")
	}
}

func TestApp_ApplyConfig_RebuildsProviders(t *testing.T) {
	t.Parallel()

	m := newMocks()
	replacement := &sttmock.Provider{}
	built := 0
	old := testConfig()
	a := newTestApp(t, old, m, app.WithProviderBuilder(func(*config.Config) (*app.Providers, error) {
		built++
		return &app.Providers{STT: replacement, Capture: m.capture}, nil
	}))
	if err := a.Sessions().Start(context.Background(), nil, "", "cli"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	next := *old
	next.Providers.STT.Model = "nova-3"
	if err := a.ApplyConfig(context.Background(), old, &next); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if built != 1 {
		t.Errorf("provider builder called %d times, want 1", built)
	}
	if replacement.CallCount() != 1 {
		t.Fatalf("new provider StartStream calls = %d, want 1", replacement.CallCount())
	}
	if got := replacement.StartStreamCalls[0].Cfg.Model; got != "nova-3" {
		t.Errorf("model = %q, want nova-3", got)
	}
}

func TestApp_ShutdownWithoutRun(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(), newMocks())
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Idempotent.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
