// Package session keeps a streaming recognition session alive across
// connection drops.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/duoscribe/pkg/provider/stt"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// DialFunc opens a new recognition session.
type DialFunc func(ctx context.Context) (stt.SessionHandle, error)

// Reconnector re-dials a recognition session after it drops.
//
// The owner opens the first session itself, then calls [Reconnector.Monitor]
// to start a background goroutine. When the owner observes a drop it calls
// [Reconnector.NotifyDisconnect]; the monitor then dials with exponential
// backoff and hands the new session to OnReconnect. Closing the dropped
// session stays with the owner.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	dial        DialFunc
	name        string
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(stt.SessionHandle)
	onGiveUp    func(error)

	done         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	disconnected chan struct{} // signalled when a disconnect is detected

	attempts   atomic.Uint64
	reconnects atomic.Uint64
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Dial opens a session. Required.
	Dial DialFunc

	// Name labels log records, e.g. the session id.
	Name string

	// MaxRetries is the maximum number of dial attempts per drop before giving
	// up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the wait. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect receives every newly dialed session. May be nil, in which
	// case the new session is closed immediately.
	OnReconnect func(stt.SessionHandle)

	// OnGiveUp is called with the last dial error once MaxRetries attempts
	// failed. May be nil.
	OnGiveUp func(error)
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		dial:         cfg.Dial,
		name:         cfg.Name,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		onGiveUp:     cfg.OnGiveUp,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Monitor starts the background goroutine. It returns when ctx is cancelled
// or [Reconnector.Stop] is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.monitorLoop(ctx)
	}()
}

// NotifyDisconnect signals that the session has been lost. Safe to call
// multiple times; only the first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring and waits for an in-flight attempt to finish. Safe
// to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

// Attempts returns the total number of dial attempts made.
func (r *Reconnector) Attempts() uint64 { return r.attempts.Load() }

// Reconnects returns the number of successful re-dials.
func (r *Reconnector) Reconnects() uint64 { return r.reconnects.Load() }

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect dials with exponential backoff.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	currentBackoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		slog.Info("attempting reconnection",
			"session_id", r.name,
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)
		r.attempts.Add(1)

		sess, err := r.dial(ctx)
		if err == nil {
			select {
			case <-r.done:
				_ = sess.Close()
				return
			default:
			}
			r.reconnects.Add(1)
			slog.Info("reconnection successful", "session_id", r.name, "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect(sess)
			} else {
				_ = sess.Close()
			}
			return
		}
		lastErr = err

		slog.Warn("reconnection attempt failed",
			"session_id", r.name,
			"attempt", attempt,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		currentBackoff = min(currentBackoff*2, r.maxBackoff)
	}

	slog.Error("reconnection failed after max retries",
		"session_id", r.name,
		"max_retries", r.maxRetries,
	)
	if r.onGiveUp != nil {
		if lastErr == nil {
			lastErr = errors.New("session: no dial attempt succeeded")
		}
		r.onGiveUp(lastErr)
	}
}
