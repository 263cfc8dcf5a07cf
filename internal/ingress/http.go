// Package ingress exposes the session registry over HTTP: one-shot audio
// uploads, a WebSocket stream for recorders that push blobs continuously,
// and read/end endpoints for session state and turn history.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/session"
	"github.com/MrWong99/cadence/pkg/memory"
)

// defaultTurnLimit is how many turns GET .../turns returns without ?limit.
const defaultTurnLimit = 50

// Sessions is the registry the handlers drive. *app.SessionManager
// implements it.
type Sessions interface {
	Open(ctx context.Context, id string, req session.OpenRequest) (session.Info, bool, error)
	Submit(ctx context.Context, id string, u session.Upload) error
	Info(id string) (session.Info, error)
	List() []session.Info
	End(id string, reason session.EndReason) error
	Turns(ctx context.Context, id string, limit int) ([]memory.Turn, error)
}

// Config tunes the handlers.
type Config struct {
	// MaxUploadBytes caps one upload or one stream message. Default: 10 MiB.
	MaxUploadBytes int64

	// OpusBatch is how much decoded Opus audio a stream groups into one
	// upload. Default: 1s.
	OpusBatch time.Duration

	Metrics *observe.Metrics
}

// Server serves the session API.
type Server struct {
	sessions Sessions
	cfg      Config
}

// New returns a Server over sessions.
func New(sessions Sessions, cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.OpusBatch <= 0 {
		cfg.OpusBatch = time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Server{sessions: sessions, cfg: cfg}
}

// Register adds the session routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/sessions", s.handleList)
	mux.HandleFunc("POST /v1/sessions", s.handleOpen)
	mux.HandleFunc("POST /v1/sessions/{id}", s.handleOpen)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleInfo)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleEnd)
	mux.HandleFunc("POST /v1/sessions/{id}/audio", s.handleUpload)
	mux.HandleFunc("GET /v1/sessions/{id}/turns", s.handleTurns)
	mux.HandleFunc("GET /v1/sessions/{id}/stream", s.handleStream)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

type statusBody struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req session.OpenRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
			return
		}
	}

	info, created, err := s.sessions.Open(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, info)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Info(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.End(id, session.EndRequested); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusBody{Status: "ending", SessionID: id})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes))
	if err != nil {
		s.cfg.Metrics.RecordUpload(r.Context(), observe.UploadRejected)
		writeError(w, err)
		return
	}
	if len(payload) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "empty upload"})
		return
	}

	u := session.Upload{Payload: payload, ContentType: r.Header.Get("Content-Type")}
	if err := s.sessions.Submit(r.Context(), id, u); err != nil {
		writeError(w, err)
		return
	}
	observe.Logger(observe.WithSession(r.Context(), id)).Debug("upload queued", "bytes", len(payload))
	writeJSON(w, http.StatusAccepted, statusBody{Status: "accepted", SessionID: id})
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	limit := defaultTurnLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	turns, err := s.sessions.Turns(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turns)
}

// statusFor maps registry errors to HTTP status codes.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, session.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionEnded):
		return http.StatusGone
	case errors.Is(err, session.ErrQueueFull), errors.Is(err, session.ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
