package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/duoscribe/internal/config"
	"github.com/MrWong99/duoscribe/internal/observe"
	"github.com/MrWong99/duoscribe/internal/pipeline"
	"github.com/MrWong99/duoscribe/internal/transcript"
	"github.com/MrWong99/duoscribe/pkg/audio"
)

// ErrNoActiveSession is returned by [SessionManager.Stop] when nothing runs.
var ErrNoActiveSession = errors.New("app: no active session")

// DeviceInfo is the JSON view of a capture device.
type DeviceInfo struct {
	ID         int    `json:"id"`
	Name       string `json:"name,omitempty"`
	NativeRate int    `json:"native_rate"`
	Role       string `json:"role"`
}

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// SessionID is the pipeline run id.
	SessionID string `json:"session_id"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at"`

	// StartedBy names the caller: "cli", "http" or "reload".
	StartedBy string `json:"started_by"`

	Language string       `json:"language"`
	Devices  []DeviceInfo `json:"devices"`
}

// Status is a point-in-time view of the manager.
type Status struct {
	State   pipeline.State `json:"state"`
	Session *SessionInfo   `json:"session,omitempty"`
	Stats   pipeline.Stats `json:"stats"`
}

// SessionManager owns the pipeline controller and restarts it when the
// configuration changes. Only one session can be active at a time. All
// exported methods are safe for concurrent use.
//
// mu serializes Start, Stop and Reconfigure, which may block for the whole
// teardown. viewMu guards the fields readers see; it is held only briefly so
// status queries never wait on a running Stop. Writers hold both.
type SessionManager struct {
	mu sync.Mutex

	viewMu    sync.RWMutex
	ctrl      *pipeline.Controller
	info      SessionInfo
	active    bool
	providers *Providers

	// fromConfig marks a session started with the configured devices; a
	// restart then picks up the new device list.
	fromConfig bool
	devices    []audio.Device

	cfg       *config.Config
	results   *transcript.Results
	rewriter  transcript.Rewriter
	metrics   *observe.Metrics
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers

	// Results is shared by every controller the manager builds.
	Results *transcript.Results

	// Rewriter, when set, is applied to every phrase.
	Rewriter transcript.Rewriter

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// NewSessionManager creates a SessionManager with an idle controller.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	sm := &SessionManager{
		cfg:       cfg.Config,
		providers: cfg.Providers,
		results:   cfg.Results,
		rewriter:  cfg.Rewriter,
		metrics:   cfg.Metrics,
	}
	if sm.results == nil {
		sm.results = transcript.NewResults(cfg.Config.Transcript.ResultsCapacity)
	}
	ctrl, err := sm.newController(cfg.Config, cfg.Providers)
	if err != nil {
		return nil, err
	}
	sm.ctrl = ctrl
	return sm, nil
}

// newController builds a controller from cfg. The caller holds sm.mu or owns
// sm exclusively. It reads only its arguments and immutable fields.
func (sm *SessionManager) newController(cfg *config.Config, providers *Providers) (*pipeline.Controller, error) {
	if providers == nil || providers.STT == nil {
		return nil, fmt.Errorf("app: no recognition provider configured")
	}
	if providers.Capture == nil {
		return nil, fmt.Errorf("app: no capture backend configured")
	}

	opts := []pipeline.Option{
		pipeline.WithResults(sm.results),
		pipeline.WithLengthPolicy(cfg.Mixer.LengthPolicy.Mixer()),
		pipeline.WithStreamDefaults(cfg.Providers.STT.Model, cfg.ASR.SmartFormatEnabled(), cfg.ASR.KeywordBoosts()),
		pipeline.WithBreaker(pipeline.BreakerConfig{
			MaxFailures:  cfg.ASR.CircuitBreaker.MaxFailures,
			ResetTimeout: cfg.ASR.CircuitBreaker.ResetTimeout,
		}),
	}
	if cfg.Mixer.Mode == config.MixMono || cfg.Mixer.Mode == config.MixMultichannel {
		opts = append(opts, pipeline.WithMode(cfg.Mixer.Mode.Resolve(0)))
	}
	if cfg.Capture.QueueSize > 0 {
		opts = append(opts, pipeline.WithQueueSize(cfg.Capture.QueueSize))
	}
	if cfg.Mixer.PersistPath != "" {
		format, err := cfg.Mixer.Format()
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		opts = append(opts, pipeline.WithPersist(cfg.Mixer.PersistPath, format))
	}
	if r := cfg.ASR.Reconnect; r.Enabled() {
		opts = append(opts, pipeline.WithReconnect(pipeline.ReconnectConfig{
			MaxRetries: r.MaxRetries,
			Backoff:    r.Backoff,
			MaxBackoff: r.MaxBackoff,
		}))
	}
	if sm.rewriter != nil {
		opts = append(opts, pipeline.WithRewriter(sm.rewriter))
	}
	if sm.metrics != nil {
		opts = append(opts, pipeline.WithMetrics(sm.metrics))
	}
	return pipeline.New(providers.STT, providers.Capture, opts...), nil
}

// Start begins a session on devices. A nil device list selects the
// configured devices and an empty language the configured one.
//
// Returns [pipeline.ErrAlreadyRunning] if a session is already active.
func (sm *SessionManager) Start(ctx context.Context, devices []audio.Device, language, startedBy string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.startLocked(ctx, devices, language, startedBy)
}

func (sm *SessionManager) startLocked(ctx context.Context, devices []audio.Device, language, startedBy string) error {
	if sm.active {
		return fmt.Errorf("%w (id=%s)", pipeline.ErrAlreadyRunning, sm.info.SessionID)
	}

	fromConfig := devices == nil
	if fromConfig {
		var err error
		devices, err = sm.cfg.Capture.AudioDevices()
		if err != nil {
			return fmt.Errorf("app: configured devices: %w", err)
		}
	}
	if language == "" {
		language = sm.cfg.Capture.Language
	}

	if err := sm.ctrl.Start(ctx, devices, language); err != nil {
		return err
	}

	sm.fromConfig = fromConfig
	sm.devices = devices
	sm.viewMu.Lock()
	sm.active = true
	sm.info = SessionInfo{
		SessionID: sm.ctrl.SessionID(),
		StartedAt: time.Now().UTC(),
		StartedBy: startedBy,
		Language:  language,
		Devices:   deviceInfos(devices),
	}
	sm.viewMu.Unlock()

	slog.Info("session started",
		"session_id", sm.info.SessionID,
		"started_by", startedBy,
		"devices", len(devices),
		"language", language,
	)
	return nil
}

// Stop ends the active session and waits for its final phrases.
//
// Returns [ErrNoActiveSession] if no session is active.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.stopLocked(ctx)
}

func (sm *SessionManager) stopLocked(ctx context.Context) error {
	if !sm.active {
		return ErrNoActiveSession
	}
	sessionID := sm.info.SessionID

	err := sm.ctrl.Stop(ctx)

	sm.viewMu.Lock()
	sm.active = false
	sm.info = SessionInfo{}
	sm.viewMu.Unlock()
	sm.devices = nil

	slog.Info("session stopped", "session_id", sessionID)
	if err != nil {
		return fmt.Errorf("app: stop session %s: %w", sessionID, err)
	}
	return nil
}

// Reconfigure replaces the configuration and providers. A running session
// is stopped, the controller rebuilt and the session started again with the
// same language and, unless it used the configured devices, the same devices.
func (sm *SessionManager) Reconfigure(ctx context.Context, cfg *config.Config, providers *Providers) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	wasActive := sm.active
	var (
		devices  []audio.Device
		language string
	)
	if wasActive {
		if !sm.fromConfig {
			devices = sm.devices
		}
		language = sm.info.Language
		if err := sm.stopLocked(ctx); err != nil {
			slog.Warn("session: stop before reconfigure", "err", err)
		}
	}

	ctrl, err := sm.newController(cfg, providers)
	if err != nil {
		return err
	}
	sm.viewMu.Lock()
	sm.ctrl = ctrl
	sm.providers = providers
	sm.viewMu.Unlock()
	sm.cfg = cfg

	if !wasActive {
		return nil
	}
	if devices == nil {
		// Configured devices come with the configured language.
		language = ""
	}
	if err := sm.startLocked(ctx, devices, language, "reload"); err != nil {
		return fmt.Errorf("app: restart session: %w", err)
	}
	return nil
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.viewMu.RLock()
	defer sm.viewMu.RUnlock()
	return sm.active
}

// Info returns metadata about the active session.
// Returns zero value if no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.viewMu.RLock()
	defer sm.viewMu.RUnlock()
	return sm.info
}

// Status returns the state, the active session and the pipeline counters.
func (sm *SessionManager) Status() Status {
	sm.viewMu.RLock()
	defer sm.viewMu.RUnlock()
	st := Status{
		State: sm.ctrl.State(),
		Stats: sm.ctrl.Stats(),
	}
	if sm.active {
		info := sm.info
		st.Session = &info
	}
	return st
}

// SessionID returns the id of the active session, or of the last one.
func (sm *SessionManager) SessionID() string {
	sm.viewMu.RLock()
	defer sm.viewMu.RUnlock()
	return sm.ctrl.SessionID()
}

// Results returns the phrase queue shared by all sessions.
func (sm *SessionManager) Results() *transcript.Results { return sm.results }

// Providers returns the providers currently in use.
func (sm *SessionManager) Providers() *Providers {
	sm.viewMu.RLock()
	defer sm.viewMu.RUnlock()
	return sm.providers
}

func deviceInfos(devices []audio.Device) []DeviceInfo {
	out := make([]DeviceInfo, len(devices))
	for i, d := range devices {
		out[i] = DeviceInfo{ID: d.ID, Name: d.Name, NativeRate: d.NativeRate, Role: d.Role.String()}
	}
	return out
}
