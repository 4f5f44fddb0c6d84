package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/duoscribe/internal/observe"
	"github.com/MrWong99/duoscribe/internal/pipeline"
	"github.com/MrWong99/duoscribe/pkg/audio"
	"github.com/MrWong99/duoscribe/pkg/audio/capture"
	"github.com/MrWong99/duoscribe/pkg/memory"
)

// maxBodyBytes bounds request bodies of the control API.
const maxBodyBytes = 64 << 10

// defaultTranscriptLimit is used when /v1/transcript has no limit parameter.
const defaultTranscriptLimit = 50

// startRequest is the body of POST /v1/pipeline/start. Both fields are
// optional.
type startRequest struct {
	Devices  []DeviceInfo `json:"devices"`
	Language string       `json:"language"`
}

// phraseView is the JSON form of a delivered phrase.
type phraseView struct {
	SessionID string    `json:"session_id,omitempty"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Raw       string    `json:"raw,omitempty"`
	At        time.Time `json:"at"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler returns the HTTP API: health probes, Prometheus metrics and the
// pipeline control routes, wrapped in the request metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/pipeline/start", a.handleStart)
	mux.HandleFunc("POST /v1/pipeline/stop", a.handleStop)
	mux.HandleFunc("GET /v1/pipeline", a.handleStatus)
	mux.HandleFunc("GET /v1/transcript", a.handleTranscript)
	mux.HandleFunc("GET /v1/devices", a.handleDevices)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	var devices []audio.Device
	if len(req.Devices) > 0 {
		devices = make([]audio.Device, len(req.Devices))
		for i, d := range req.Devices {
			role, err := audio.ParseRole(d.Role)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			devices[i] = audio.Device{ID: d.ID, Name: d.Name, NativeRate: d.NativeRate, Role: role}
		}
	}

	err = a.sessions.Start(r.Context(), devices, req.Language, "http")
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, a.sessions.Status())
	case errors.Is(err, pipeline.ErrInvalidDevices):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	err := a.sessions.Stop(r.Context())
	switch {
	case errors.Is(err, ErrNoActiveSession):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		// The session is stopped either way; report the teardown problem.
		slog.Warn("stop request finished with errors", "err", err)
	}
	writeJSON(w, http.StatusOK, a.sessions.Status())
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.Status())
}

// handleTranscript serves recent phrases. With a phrase store, q runs a
// full-text search and session_id selects a run (default: the current or
// last one); without a store the in-memory history is used.
func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultTranscriptLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	sessionID := q.Get("session_id")
	speaker := q.Get("speaker")

	if a.store == nil {
		out := make([]phraseView, 0, limit)
		for _, e := range a.history.Recent(0) {
			if sessionID != "" && e.SessionID != sessionID {
				continue
			}
			if speaker != "" && e.Kind.Label() != speaker {
				continue
			}
			out = append(out, phraseView{SessionID: e.SessionID, Speaker: e.Kind.Label(), Text: e.Text, Raw: e.Raw, At: e.At})
		}
		if len(out) > limit {
			out = out[len(out)-limit:]
		}
		writeJSON(w, http.StatusOK, map[string]any{"phrases": out})
		return
	}

	var (
		entries []memory.PhraseEntry
		err     error
	)
	if text := q.Get("q"); text != "" {
		entries, err = a.store.Search(r.Context(), text, memory.SearchOpts{
			SessionID: sessionID,
			Speaker:   speaker,
			Limit:     limit,
		})
	} else {
		if sessionID == "" {
			sessionID = a.sessions.SessionID()
		}
		entries, err = a.store.Recent(r.Context(), sessionID, limit)
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	out := make([]phraseView, 0, len(entries))
	for _, e := range entries {
		if speaker != "" && e.Speaker != speaker {
			continue
		}
		out = append(out, phraseView{SessionID: e.SessionID, Speaker: e.Speaker, Text: e.Text, Raw: e.RawText, At: e.Timestamp})
	}
	writeJSON(w, http.StatusOK, map[string]any{"phrases": out})
}

func (a *App) handleDevices(w http.ResponseWriter, r *http.Request) {
	lister, ok := a.sessions.Providers().Capture.(capture.DeviceLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, errors.New("capture backend cannot list devices"))
		return
	}
	devices, err := lister.Devices(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}
