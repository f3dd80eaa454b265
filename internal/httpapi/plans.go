package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/planloop/planloop/internal/access"
	"github.com/planloop/planloop/internal/coordinator"
	"github.com/planloop/planloop/internal/plans"
)

type createPlanRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"is_private"`
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	plan, err := s.coord.CreatePlan(r.Context(), actorFrom(r), coordinator.CreatePlanRequest{
		Title:       req.Title,
		Description: req.Description,
		IsPrivate:   req.IsPrivate,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list, err := s.coord.ListPlans(r.Context(), actorFrom(r), limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"plans": list})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.coord.GetPlan(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

type updatePlanRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	IsPrivate   *bool   `json:"is_private"`
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	var req updatePlanRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	upd := coordinator.UpdatePlanRequest{
		Title:       req.Title,
		Description: req.Description,
		IsPrivate:   req.IsPrivate,
	}
	if req.Status != nil {
		status := plans.PlanStatus(*req.Status)
		upd.Status = &status
	}
	plan, err := s.coord.UpdatePlan(r.Context(), actorFrom(r), chi.URLParam(r, "id"), upd)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (s *Server) handleArchivePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.coord.ArchivePlan(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (s *Server) handleUnarchivePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.coord.UnarchivePlan(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

type grantAccessRequest struct {
	AgentSessionID string   `json:"agent_session_id"`
	AgentName      string   `json:"agent_name"`
	Permissions    []string `json:"permissions"`
	ExpiresAt      *string  `json:"expires_at"`
}

func (s *Server) handleGrantAccess(w http.ResponseWriter, r *http.Request) {
	var req grantAccessRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	greq := access.GrantRequest{
		PlanID:         chi.URLParam(r, "id"),
		AgentSessionID: req.AgentSessionID,
		AgentName:      req.AgentName,
	}
	for _, p := range req.Permissions {
		greq.Permissions = append(greq.Permissions, plans.Permission(p))
	}
	if req.ExpiresAt != nil && strings.TrimSpace(*req.ExpiresAt) != "" {
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(*req.ExpiresAt))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "expires_at must be RFC 3339")
			return
		}
		greq.ExpiresAt = &t
	}
	grant, err := s.coord.GrantAccess(r.Context(), actorFrom(r), greq)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleRevokeAccess(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "id")
	agentSessionID := chi.URLParam(r, "agentSessionID")
	err := s.coord.RevokeAccess(r.Context(), actorFrom(r), planID, agentSessionID)
	if err != nil {
		if errors.Is(err, plans.ErrNotFound) {
			respondError(w, http.StatusNotFound, "grant_not_found", err.Error())
			return
		}
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (s *Server) handleRevokeAllAccess(w http.ResponseWriter, r *http.Request) {
	count, err := s.coord.RevokeAllAccess(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "revoked", "revoked_count": count})
}

func (s *Server) handleAgentsWithAccess(w http.ResponseWriter, r *http.Request) {
	grants, err := s.coord.AgentsWithAccess(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (s *Server) handleAccessHistory(w http.ResponseWriter, r *http.Request) {
	grants, err := s.coord.AccessHistory(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"grants": grants})
}
