// Package api provides the HTTP control API for sessions.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/switchyard-chat/switchyard/internal/auth"
	"github.com/switchyard-chat/switchyard/internal/config"
	"github.com/switchyard-chat/switchyard/internal/credstore"
	"github.com/switchyard-chat/switchyard/internal/eventbus"
	"github.com/switchyard-chat/switchyard/internal/groupcache"
	"github.com/switchyard-chat/switchyard/internal/session"
	"github.com/switchyard-chat/switchyard/internal/throttle"
)

const logoutTimeout = 30 * time.Second

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the API exposes. Only Sessions is required.
type Deps struct {
	Sessions *session.Manager
	Throttle *throttle.Throttle
	Cache    *groupcache.Cache
	Bus      *eventbus.Bus
	Store    Pinger
	Auth     auth.Provider // nil disables authentication
}

// Server is the HTTP API server.
type Server struct {
	deps      Deps
	logger    *slog.Logger
	mux       *chi.Mux
	rl        *rateLimiter
	upgrader  websocket.Upgrader
	startTime time.Time
}

// NewServer creates the API server.
func NewServer(cfg config.APIConfig, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		deps:      deps,
		logger:    logger.With("component", "api"),
		rl:        newRateLimiter(cfg.RateLimit, cfg.RateBurst),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	mux.Group(func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(srv.rl))
		r.Use(srv.authMiddleware)

		r.Get("/api/sessions", srv.handleListSessions)
		r.Get("/api/sessions/{id}", srv.handleGetSession)
		r.Put("/api/sessions/{id}", srv.handleRegister)
		r.Delete("/api/sessions/{id}", srv.handleUnregister)
		r.Post("/api/sessions/{id}/start", srv.handleStart)
		r.Post("/api/sessions/{id}/stop", srv.handleStop)
		r.Post("/api/sessions/{id}/logout", srv.handleLogout)
		r.Get("/api/stats", srv.handleStats)
		r.Get("/api/events", srv.handleEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of idle rate limiter entries.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Session handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.deps.Sessions.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := s.deps.Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	created, err := s.deps.Sessions.Register(id)
	if err != nil {
		s.writeSessionError(w, id, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	info, _ := s.deps.Sessions.Get(id)
	writeJSON(w, status, info)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Sessions.Unregister(id); err != nil {
		s.writeSessionError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Sessions.Start(r.Context(), id); err != nil {
		s.writeSessionError(w, id, err)
		return
	}
	info, _ := s.deps.Sessions.Get(id)
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	stopped := s.deps.Sessions.Stop(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "stopped": stopped})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// A client disconnect must not leave the account half purged.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), logoutTimeout)
	defer cancel()
	if err := s.deps.Sessions.Logout(ctx, id); err != nil {
		s.writeSessionError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeSessionError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, credstore.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "invalid session id")
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrSessionDeleted):
		writeError(w, http.StatusConflict, "session was deleted")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request cancelled")
	default:
		s.logger.Warn("session operation failed", "session_id", id, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// --- Stats ---

type throttleStats struct {
	Limit   int `json:"limit"`
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

type statsResponse struct {
	Sessions struct {
		Total   int `json:"total"`
		Running int `json:"running"`
	} `json:"sessions"`
	Throttle *throttleStats     `json:"throttle,omitempty"`
	Cache    []groupcache.Stats `json:"cache"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	for _, info := range s.deps.Sessions.List() {
		resp.Sessions.Total++
		if info.Running {
			resp.Sessions.Running++
		}
	}
	if t := s.deps.Throttle; t != nil {
		resp.Throttle = &throttleStats{Limit: t.Limit(), Running: t.Running(), Queued: t.Queued()}
	}
	resp.Cache = []groupcache.Stats{}
	if s.deps.Cache != nil {
		resp.Cache = s.deps.Cache.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}
