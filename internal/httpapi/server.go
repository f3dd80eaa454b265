// Package httpapi is the REST and WebSocket surface. Every mutating route
// delegates to the coordinator so authorization and broadcast ordering live
// in one place.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/planloop/planloop/internal/config"
	"github.com/planloop/planloop/internal/coordinator"
	"github.com/planloop/planloop/internal/hub"
	"github.com/planloop/planloop/internal/observability"
	"github.com/planloop/planloop/internal/plans"
	"github.com/planloop/planloop/internal/session"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	coord    *coordinator.Service
	hub      *hub.Hub
	metrics  *observability.Metrics
}

func New(cfg config.Config, sessions *session.Manager, coord *coordinator.Service, h *hub.Hub, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		coord:    coord,
		hub:      h,
		metrics:  metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Delete("/v1/sessions", s.handleEndSession)

	r.Get("/ws/planning", s.hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Post("/v1/plans", s.handleCreatePlan)
		r.Get("/v1/plans", s.handleListPlans)
		r.Get("/v1/plans/{id}", s.handleGetPlan)
		r.Patch("/v1/plans/{id}", s.handleUpdatePlan)
		r.Post("/v1/plans/{id}/archive", s.handleArchivePlan)
		r.Post("/v1/plans/{id}/unarchive", s.handleUnarchivePlan)

		r.Get("/v1/plans/{id}/tasks", s.handleListTasks)
		r.Post("/v1/plans/{id}/tasks", s.handleCreateTask)

		r.Post("/v1/plans/{id}/access", s.handleGrantAccess)
		r.Get("/v1/plans/{id}/access", s.handleAgentsWithAccess)
		r.Get("/v1/plans/{id}/access/history", s.handleAccessHistory)
		r.Delete("/v1/plans/{id}/access", s.handleRevokeAllAccess)
		r.Delete("/v1/plans/{id}/access/{agentSessionID}", s.handleRevokeAccess)

		r.Get("/v1/tasks/{id}", s.handleGetTask)
		r.Patch("/v1/tasks/{id}", s.handleUpdateTask)
		r.Delete("/v1/tasks/{id}", s.handleDeleteTask)
		r.Post("/v1/tasks/{id}/start", s.handleStartTask)
		r.Post("/v1/tasks/{id}/pause", s.handlePauseTask)
		r.Post("/v1/tasks/{id}/resume", s.handleResumeTask)
		r.Post("/v1/tasks/{id}/block", s.handleBlockTask)
		r.Post("/v1/tasks/{id}/complete", s.handleCompleteTask)
		r.Post("/v1/tasks/{id}/status", s.handleSetTaskStatus)
		r.Get("/v1/tasks/{id}/history", s.handleTaskHistory)
		r.Get("/v1/tasks/{id}/subtasks-completed", s.handleSubtasksCompleted)
		r.Post("/v1/tasks/{id}/outputs", s.handleAddOutput)
		r.Get("/v1/tasks/{id}/outputs", s.handleListOutputs)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type createSessionRequest struct {
	Kind      string `json:"kind"`
	UserID    string `json:"user_id"`
	AgentName string `json:"agent_name"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var (
		sess *session.Session
		err  error
	)
	switch strings.TrimSpace(req.Kind) {
	case "", string(session.KindUser):
		sess, err = s.sessions.CreateUserSession(req.UserID)
	case string(session.KindAgent):
		sess, err = s.sessions.CreateAgentSession(req.UserID, req.AgentName)
	default:
		respondError(w, http.StatusBadRequest, "invalid_request", "kind must be user or agent")
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing_token", "bearer token required")
		return
	}
	if err := s.sessions.End(token); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ended"})
}

type actorKey struct{}

// requireSession authenticates the bearer token and stashes the resulting
// actor in the request context.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "missing_token", "bearer token required")
			return
		}
		sess, err := s.sessions.Authenticate(token)
		if err != nil {
			code := "invalid_token"
			if errors.Is(err, session.ErrExpired) {
				code = "session_expired"
			}
			respondError(w, http.StatusUnauthorized, code, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, sess.Actor())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(r *http.Request) plans.Actor {
	actor, _ := r.Context().Value(actorKey{}).(plans.Actor)
	return actor
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	// WebSocket browser clients cannot set headers; REST clients may also
	// fall back to the query parameter.
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondDomainError maps domain sentinels onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, plans.ErrValidation):
		respondError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, plans.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, plans.ErrForbidden):
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, plans.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, plans.ErrArchived):
		respondError(w, http.StatusConflict, "plan_archived", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
