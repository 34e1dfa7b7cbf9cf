// Package gateway is the HTTP/WebSocket surface of voxflow.
//
// It accepts duplex audio connections on /ws/audio, drives the turn cycle
// (transcription → reply generation → speech fan-out) per connection, and
// exposes the session config and history management endpoints alongside the
// health and metrics routes.
package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxflow-ai/voxflow/internal/config"
	"github.com/voxflow-ai/voxflow/internal/health"
	"github.com/voxflow-ai/voxflow/internal/history"
	"github.com/voxflow-ai/voxflow/internal/keystore"
	"github.com/voxflow-ai/voxflow/internal/observe"
	"github.com/voxflow-ai/voxflow/internal/reply"
	"github.com/voxflow-ai/voxflow/pkg/provider/stt"
	"github.com/voxflow-ai/voxflow/pkg/provider/tts"
)

// STTFactory builds a transcription provider bound to the given API key. The
// gateway invokes it once per connection so session key overrides apply.
type STTFactory func(apiKey string) (stt.Provider, error)

// TTSFactory builds a synthesis provider bound to the given API key. The
// gateway invokes it once per turn.
type TTSFactory func(apiKey string) (tts.Provider, error)

// Options wires the gateway's collaborators and per-deployment settings.
type Options struct {
	Keys     keystore.Store
	History  history.Store
	Pipeline *reply.Pipeline
	NewSTT   STTFactory
	NewTTS   TTSFactory

	// DefaultSTTKey and DefaultTTSKey are the process-wide fallback
	// credentials used when a session has not supplied its own.
	DefaultSTTKey string
	DefaultTTSKey string

	// SampleRate is the PCM sample rate expected from clients, in Hz.
	SampleRate int

	// ArtifactsDir receives one raw audio capture per session for
	// diagnostics. Empty disables capture.
	ArtifactsDir string

	// Chunking selects how streamed reply text is grouped for synthesis.
	Chunking config.Chunking

	// Voice is the synthesis voice applied to every reply fragment.
	Voice tts.Voice

	// Metrics receives gateway instrumentation. Nil falls back to the
	// process-wide default instruments.
	Metrics *observe.Metrics

	// Ready lists readiness probes surfaced on /readyz.
	Ready []health.Checker
}

// Server hosts all gateway routes. Safe for concurrent use.
type Server struct {
	opts Options
}

// New creates a gateway Server from opts.
func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = observe.Default()
	}
	if opts.Chunking == "" {
		opts.Chunking = config.ChunkIncrement
	}
	return &Server{opts: opts}
}

// Handler returns the full route table:
//
//	GET    /ws/audio?session=ID     — duplex audio websocket
//	POST   /config                  — set a session's credential overrides
//	GET    /config/{session}        — redacted view of a session's credentials
//	DELETE /config/{session}        — clear a session's credentials
//	GET    /history/{session}       — full conversation log
//	DELETE /history/{session}       — reset the conversation log
//	GET    /healthz, /readyz        — probes
//	GET    /metrics                 — Prometheus exposition
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/audio", s.handleAudio)
	mux.HandleFunc("POST /config", s.handleSetConfig)
	mux.HandleFunc("GET /config/{session}", s.handleGetConfig)
	mux.HandleFunc("DELETE /config/{session}", s.handleClearConfig)
	mux.HandleFunc("GET /history/{session}", s.handleGetHistory)
	mux.HandleFunc("DELETE /history/{session}", s.handleResetHistory)
	health.New(s.opts.Ready...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// configRequest is the JSON body for POST /config.
type configRequest struct {
	SessionID string            `json:"session_id"`
	Keys      map[string]string `json:"keys"`
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		httpError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	retained := s.opts.Keys.Set(req.SessionID, req.Keys)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"session_id": req.SessionID,
		"keys_set":   retained,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionParam(w, r)
	if !ok {
		return
	}

	creds := s.opts.Keys.Get(session)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session,
		"keys":       keystore.Redact(creds),
		"has_keys":   len(creds) > 0,
	})
}

func (s *Server) handleClearConfig(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionParam(w, r)
	if !ok {
		return
	}

	s.opts.Keys.Clear(session)
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionParam(w, r)
	if !ok {
		return
	}

	records, err := s.opts.History.Read(r.Context(), session)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": records})
}

func (s *Server) handleResetHistory(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionParam(w, r)
	if !ok {
		return
	}

	if err := s.opts.History.Reset(r.Context(), session); err != nil {
		httpError(w, http.StatusInternalServerError, "history reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

// sessionParam extracts the {session} path value, answering 400 when blank.
func sessionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	session := strings.TrimSpace(r.PathValue("session"))
	if session == "" {
		httpError(w, http.StatusBadRequest, "session id is required")
		return "", false
	}
	return session, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
