// Package app wires all duoscribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API, starts the configured pipeline and
// delivers phrases until ctx is cancelled, and Shutdown tears everything down
// in order.
//
// For testing, inject mock implementations via functional options
// (WithPhraseStore, WithOutput, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/duoscribe/internal/config"
	"github.com/MrWong99/duoscribe/internal/health"
	"github.com/MrWong99/duoscribe/internal/observe"
	"github.com/MrWong99/duoscribe/internal/transcript"
	"github.com/MrWong99/duoscribe/pkg/audio/capture"
	"github.com/MrWong99/duoscribe/pkg/memory"
	"github.com/MrWong99/duoscribe/pkg/memory/postgres"
	"github.com/MrWong99/duoscribe/pkg/provider/stt"
)

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	STT     stt.Provider
	Capture capture.Backend
}

// ProviderBuilder creates providers from a config. The app calls it again
// when a reload changes the providers section.
type ProviderBuilder func(cfg *config.Config) (*Providers, error)

// App owns all subsystem lifetimes.
type App struct {
	cfgMu sync.Mutex
	cfg   *config.Config

	sessions *SessionManager
	vocab    *Vocabulary
	history  *History
	store    memory.PhraseStore
	health   *health.Handler
	metrics  *observe.Metrics
	out      io.Writer
	level    *slog.LevelVar
	build    ProviderBuilder

	server   *http.Server
	listener net.Listener

	// running is set once Run started the result consumer; delivered is
	// closed when it has returned.
	running   atomic.Bool
	delivered chan struct{}
	quit      chan struct{}

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPhraseStore injects a phrase store instead of connecting to PostgreSQL.
func WithPhraseStore(s memory.PhraseStore) Option {
	return func(a *App) { a.store = s }
}

// WithOutput sets where delivered phrases are printed. Default: os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithLevelVar lets reloads change the log level of the handler using lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithProviderBuilder enables rebuilding providers on reload.
func WithProviderBuilder(b ProviderBuilder) Option {
	return func(a *App) { a.build = b }
}

// WithListener serves the HTTP API on l instead of server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App by wiring all subsystems together. The providers come
// from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		out:       os.Stdout,
		delivered: make(chan struct{}),
		quit:      make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Phrase store ──────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init phrase store: %w", err)
	}

	// ── 2. Vocabulary + history ──────────────────────────────────────────
	a.vocab = NewVocabulary(cfg.Transcript.Vocabulary)
	a.history = NewHistory(cfg.Transcript.History)

	// ── 3. Pipeline ──────────────────────────────────────────────────────
	sm, err := NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: providers,
		Results:   transcript.NewResults(cfg.Transcript.ResultsCapacity),
		Rewriter:  a.vocab,
		Metrics:   a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	a.sessions = sm

	// ── 4. Health ────────────────────────────────────────────────────────
	a.health = health.New(health.Checker{Name: "asr", Check: a.checkASR})
	if a.store != nil {
		a.health.Add(health.Checker{Name: "phrase_store", Check: a.store.Ping})
	}

	slog.Info("app initialised",
		"vocabulary", a.vocab.Len(),
		"history", cfg.Transcript.History,
		"phrase_store", a.store != nil,
	)
	return a, nil
}

// initStore connects the PostgreSQL phrase store when configured and none
// was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Transcript.Store.PostgresDSN
	if dsn == "" {
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// History returns the in-memory phrase history.
func (a *App) History() *History { return a.history }

// Config returns the active config.
func (a *App) Config() *config.Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

// Run serves the HTTP API, starts a session on the configured devices (when
// any are configured) and delivers phrases until ctx is cancelled. It returns
// ctx.Err() on cancellation.
func (a *App) Run(ctx context.Context) error {
	a.running.Store(true)
	go a.deliverLoop(context.WithoutCancel(ctx))

	if err := a.serveHTTP(); err != nil {
		return err
	}

	if len(a.Config().Capture.Devices) > 0 {
		if err := a.sessions.Start(ctx, nil, "", "cli"); err != nil {
			return fmt.Errorf("app: start session: %w", err)
		}
	} else {
		slog.Info("no capture devices configured, waiting for a start request")
	}

	slog.Info("app running")
	<-ctx.Done()
	return ctx.Err()
}

// serveHTTP starts the API server when a listener or listen address is set.
func (a *App) serveHTTP() error {
	addr := a.Config().Server.ListenAddr
	if a.listener == nil && addr == "" {
		return nil
	}
	if a.listener == nil {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", addr, err)
		}
		a.listener = l
	}
	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
		}
	}()
	slog.Info("http api listening", "addr", a.listener.Addr().String())
	return nil
}

// deliverLoop drains the results queue until Shutdown, then delivers what
// the final flush left behind. ctx carries values only; the loop ends on quit.
func (a *App) deliverLoop(ctx context.Context) {
	defer close(a.delivered)
	results := a.sessions.Results()
	for {
		select {
		case m := <-results.C():
			a.deliver(ctx, m)
		case <-a.quit:
			for {
				m, ok := results.Poll()
				if !ok {
					return
				}
				a.deliver(ctx, m)
			}
		}
	}
}

// deliver prints one phrase, records it in the history and persists it.
func (a *App) deliver(ctx context.Context, m transcript.Message) {
	sessionID := m.SessionID
	if _, err := fmt.Fprintf(a.out, "%s: %s\n", m.Kind.Label(), m.Text); err != nil {
		slog.Warn("failed to print phrase", "err", err)
	}
	a.history.Add(Entry{SessionID: sessionID, Message: m})

	if a.store == nil {
		return
	}
	err := a.store.WritePhrase(ctx, memory.PhraseEntry{
		SessionID: sessionID,
		Speaker:   m.Kind.Label(),
		Text:      m.Text,
		RawText:   m.Raw,
		Timestamp: m.At,
	})
	if err != nil {
		slog.Warn("failed to store phrase", "session_id", sessionID, "err", err)
	}
}

// checkASR fails readiness while the send breaker is open.
func (a *App) checkASR(context.Context) error {
	st := a.sessions.Status()
	if st.Session != nil && st.Stats.Breaker == "open" {
		return fmt.Errorf("send breaker open after %d failures", st.Stats.SendFailures)
	}
	return nil
}

// ApplyConfig reacts to a reloaded config: the log level and the vocabulary
// change live, capture, mixer, ASR and provider changes rebuild the pipeline
// and restart a running session.
func (a *App) ApplyConfig(ctx context.Context, old, cfg *config.Config) error {
	d := config.Diff(old, cfg)

	a.cfgMu.Lock()
	a.cfg = cfg
	a.cfgMu.Unlock()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VocabularyChanged {
		a.vocab.Set(cfg.Transcript.Vocabulary)
		slog.Info("vocabulary reloaded", "terms", a.vocab.Len())
	}
	if !d.RestartRequired() {
		return nil
	}

	providers := a.sessions.Providers()
	if d.ProvidersChanged {
		if a.build == nil {
			slog.Warn("provider change ignored, no provider builder configured")
		} else {
			p, err := a.build(cfg)
			if err != nil {
				return fmt.Errorf("app: rebuild providers: %w", err)
			}
			providers = p
		}
	}

	slog.Info("pipeline settings changed, rebuilding",
		"capture", d.CaptureChanged,
		"mixer", d.MixerChanged,
		"asr", d.ASRChanged,
		"providers", d.ProvidersChanged,
	)
	return a.sessions.Reconfigure(ctx, cfg, providers)
}

// Shutdown stops the session, delivers its final phrases, stops the HTTP
// server and runs the closers. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.sessions.Stop(ctx); err != nil && !errors.Is(err, ErrNoActiveSession) {
			slog.Warn("session stop error", "err", err)
		}

		close(a.quit)
		if a.running.Load() {
			select {
			case <-a.delivered:
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded while delivering phrases")
			}
		}

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
