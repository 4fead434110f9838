package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/peterje/popper/internal/api"
	"github.com/peterje/popper/internal/events"
	"github.com/peterje/popper/internal/metrics"
	"github.com/peterje/popper/internal/models"
	ptymgr "github.com/peterje/popper/internal/pty"
	"github.com/peterje/popper/internal/ws"
)

// Backend is a session manager together with its event stream. It is either
// a Local manager or a shepherd client.
type Backend interface {
	api.Manager
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Local serves an in-process Manager and the Hub it emits to.
type Local struct {
	*ptymgr.Manager
	Hub *events.Hub
}

func (l Local) List() ([]ptymgr.Info, error) {
	return l.Manager.List(), nil
}

func (l Local) Subscribe(buffer int) (<-chan events.Event, func()) {
	return l.Hub.Subscribe(buffer)
}

type Server struct {
	mux     *http.ServeMux
	backend Backend
	sidecar models.SidecarStatus
	metrics *metrics.Metrics
	buffer  int
	log     *zap.Logger
}

func New(backend Backend, sidecar models.SidecarStatus, m *metrics.Metrics, eventBuffer int, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		mux:     http.NewServeMux(),
		backend: backend,
		sidecar: sidecar,
		metrics: m,
		buffer:  eventBuffer,
		log:     log,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler returns the server wrapped in logging and panic recovery.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.log, recoveryMiddleware(s.log, s))
}

func (s *Server) routes() {
	sessions := api.NewSessionsHandler(s.backend, s.log)
	wsHandler := ws.NewHandler(s.backend, s.backend, s.buffer, s.log)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", sessions.HandleList)
	s.mux.HandleFunc("POST /api/sessions", sessions.HandleCreate)
	s.mux.HandleFunc("POST /api/sessions/{id}/input", sessions.HandleInput)
	s.mux.HandleFunc("POST /api/sessions/{id}/resize", sessions.HandleResize)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", sessions.HandleDelete)

	// WebSocket
	s.mux.Handle("GET /ws", wsHandler)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := models.HealthResponse{
		Status:  "ok",
		Sidecar: s.sidecar,
	}
	if sessions, err := s.backend.List(); err == nil {
		resp.Sessions = len(sessions)
	} else {
		resp.Status = "degraded"
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
