// Package api exposes the orchestrator over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskpilot/pkg/audit"
	"taskpilot/pkg/broadcast"
	"taskpilot/pkg/orchestrator"
	"taskpilot/pkg/permission"
	"taskpilot/pkg/principal"
	"taskpilot/pkg/task"
)

// Deps are the components the API serves.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Principals   principal.Store
	Permissions  *permission.Checker
	Audit        *audit.Recorder
	Hub          *broadcast.Hub
	Logger       *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	orch   *orchestrator.Orchestrator
	users  principal.Store
	perms  *permission.Checker
	audit  *audit.Recorder
	hub    *broadcast.Hub
	log    *slog.Logger
	router chi.Router
	start  time.Time
}

// New creates a new Server.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		orch:  d.Orchestrator,
		users: d.Principals,
		perms: d.Permissions,
		audit: d.Audit,
		hub:   d.Hub,
		log:   d.Logger.With("component", "api"),
		start: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	// Public endpoints. The websocket authenticates in-band.
	r.Get("/health", s.handleHealth)
	if s.hub != nil {
		r.Get("/ws", s.hub.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.handleStatus)
		r.Get("/executors", s.handleExecutors)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleTaskList)
			r.Post("/", s.handleTaskCreate)
			r.Get("/pending", s.handleTaskPending)
			r.Get("/{id}", s.handleTaskGet)
			r.Post("/{id}/approve", s.handleTaskApprove)
			r.Post("/{id}/reject", s.handleTaskReject)
			r.Post("/{id}/execute", s.handleTaskExecute)
		})

		r.Get("/audit", s.handleAuditList)
		r.Get("/audit/verify", s.handleAuditVerify)

		r.Route("/principals/{id}", func(r chi.Router) {
			r.Get("/permissions", s.handlePermissions)
			r.Post("/grants", s.handleGrant)
			r.Delete("/grants/{permission}", s.handleRevoke)
		})
	})
	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.orch.Counts(r.Context())
	if err != nil {
		s.log.Error("count tasks", "error", err)
		writeError(w, 500, "task store unavailable")
		return
	}
	byStatus := map[string]int{}
	for st, n := range counts {
		byStatus[string(st)] = n
	}
	sessions := 0
	if s.hub != nil {
		sessions = s.hub.Len()
	}
	writeJSON(w, 200, map[string]any{
		"tasks":           byStatus,
		"sessions":        sessions,
		"executors":       s.orch.Tools(),
		"audit_fallbacks": s.audit.Fallbacks(),
		"uptime_seconds":  int(time.Since(s.start).Seconds()),
	})
}

func (s *Server) handleExecutors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.orch.Tools())
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeTaskError maps orchestrator and store errors onto status codes.
func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	var planErr *orchestrator.PlanningError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidState):
		writeError(w, 409, err.Error())
	case errors.Is(err, task.ErrNotFound):
		writeError(w, 404, "task not found")
	case errors.As(err, &planErr):
		writeError(w, 422, planErr.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, 500, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write json", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
