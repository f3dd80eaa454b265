package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/planloop/planloop/internal/lifecycle"
	"github.com/planloop/planloop/internal/plans"
)

type createTaskRequest struct {
	ParentTaskID    string   `json:"parent_task_id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Priority        string   `json:"priority"`
	RequirementIDs  []string `json:"requirement_ids"`
	AssignedAgentID string   `json:"assigned_agent_id"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, err := s.coord.CreateTask(r.Context(), actorFrom(r), lifecycle.CreateTaskRequest{
		PlanID:          chi.URLParam(r, "id"),
		ParentTaskID:    req.ParentTaskID,
		Title:           req.Title,
		Description:     req.Description,
		Priority:        req.Priority,
		RequirementIDs:  req.RequirementIDs,
		AssignedAgentID: req.AssignedAgentID,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.coord.ListTasks(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.coord.GetTask(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

type updateTaskRequest struct {
	Title            *string   `json:"title"`
	Description      *string   `json:"description"`
	Priority         *string   `json:"priority"`
	RequirementIDs   *[]string `json:"requirement_ids"`
	AssignedAgentID  *string   `json:"assigned_agent_id"`
	TimeSpentMinutes *int      `json:"time_spent_minutes"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, err := s.coord.UpdateTask(r.Context(), actorFrom(r), chi.URLParam(r, "id"), lifecycle.UpdateTaskRequest{
		Title:            req.Title,
		Description:      req.Description,
		Priority:         req.Priority,
		RequirementIDs:   req.RequirementIDs,
		AssignedAgentID:  req.AssignedAgentID,
		TimeSpentMinutes: req.TimeSpentMinutes,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.coord.DeleteTask(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted_ids": deleted})
}

// reasonRequest carries the optional (or, for block, mandatory) reason
// attached to a transition.
type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.coord.Start(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReason(w, r)
	if !ok {
		return
	}
	task, err := s.coord.Pause(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.coord.Resume(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleBlockTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReason(w, r)
	if !ok {
		return
	}
	task, err := s.coord.Block(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Summary string `json:"summary"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, err := s.coord.Complete(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Summary)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

type setStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *Server) handleSetTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, err := s.coord.SetStatus(r.Context(), actorFrom(r), chi.URLParam(r, "id"), plans.TaskStatus(req.Status), req.Reason)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.coord.StatusHistory(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleSubtasksCompleted(w http.ResponseWriter, r *http.Request) {
	done, err := s.coord.AreAllSubtasksCompleted(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"all_subtasks_completed": done})
}

type addOutputRequest struct {
	OutputType string            `json:"output_type"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata"`
}

func (s *Server) handleAddOutput(w http.ResponseWriter, r *http.Request) {
	var req addOutputRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	output, err := s.coord.AddAgentOutput(r.Context(), actorFrom(r), lifecycle.AddOutputRequest{
		TaskID:     chi.URLParam(r, "id"),
		OutputType: plans.OutputType(req.OutputType),
		Content:    req.Content,
		Metadata:   req.Metadata,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, output)
}

func (s *Server) handleListOutputs(w http.ResponseWriter, r *http.Request) {
	outputs, err := s.coord.ListAgentOutputs(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"outputs": outputs})
}

func decodeReason(w http.ResponseWriter, r *http.Request) (reasonRequest, bool) {
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return reasonRequest{}, false
	}
	return req, true
}
