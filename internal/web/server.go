// Package web exposes the HTTP control surface: session lifecycle endpoints,
// transcript history and search, exports, and the live event feed over SSE
// and WebSocket.
package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxtail/voxtail/internal/broadcast"
	"github.com/voxtail/voxtail/internal/observe"
	"github.com/voxtail/voxtail/internal/session"
	"github.com/voxtail/voxtail/internal/store"
	"github.com/voxtail/voxtail/pkg/types"
)

// Config assembles a [Server].
type Config struct {
	Registry *session.Registry
	Store    store.TranscriptStore
	Hub      *broadcast.Hub
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// Server handles the voxtail HTTP API.
type Server struct {
	registry *session.Registry
	store    store.TranscriptStore
	hub      *broadcast.Hub
	metrics  *observe.Metrics
	log      *slog.Logger
}

// NewServer creates a server. Use [Server.Handler] to obtain the routed
// handler including middleware.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{
		registry: cfg.Registry,
		store:    cfg.Store,
		hub:      cfg.Hub,
		metrics:  metrics,
		log:      log,
	}
}

// Handler returns the routed HTTP handler wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sessions/start", s.handleStart)
	mux.HandleFunc("POST /api/sessions/stop", s.handleStop)
	mux.HandleFunc("POST /api/sessions/process", s.handleProcess)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /api/sessions/{id}/export", s.handleExport)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/events", s.handleSSE)
	mux.HandleFunc("GET /api/events/ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("response encode failed", "err", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.StartSession(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrSessionActive) {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

type stopResponse struct {
	// Summary is null when the session produced no processed transcripts.
	Summary *types.SessionSummary `json:"summary"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	summary, err := s.registry.StopSession(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stopResponse{Summary: summary})
}

type processResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	err := s.registry.ProcessNow(r.Context())
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, processResponse{Status: "started"})
	case errors.Is(err, session.ErrNothingPending):
		s.writeJSON(w, http.StatusOK, processResponse{Status: "nothing_pending"})
	case errors.Is(err, session.ErrNoSession):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Status())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	hist, err := s.store.LoadSessionHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing query parameter q"))
		return
	}
	opts := store.SearchOpts{SessionID: r.URL.Query().Get("session_id")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		opts.Limit = limit
	}

	results, err := s.store.SearchTranscripts(r.Context(), query, opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}
