// Package coordinator orchestrates every state-changing operation:
// authorize, then validate and persist, then broadcast. Persistence commits
// before any broadcast so a crash between the two never produces a
// client-visible update that was not saved; a broadcast failure never rolls
// back or fails the mutation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planloop/planloop/internal/access"
	"github.com/planloop/planloop/internal/lifecycle"
	"github.com/planloop/planloop/internal/observability"
	"github.com/planloop/planloop/internal/plans"
	"github.com/planloop/planloop/internal/protocol"
)

// Broadcaster is the hub surface the coordinator drives. Implementations
// must be non-blocking relative to the request path.
type Broadcaster interface {
	BroadcastTaskCreated(planID string, payload any)
	BroadcastTaskUpdated(planID string, payload any)
	BroadcastTaskDeleted(planID string, payload any)
	BroadcastPlanUpdated(planID string, payload any)
	BroadcastAgentOutput(planID string, payload any)
	SendToUser(userID string, evt protocol.Event)
}

type Service struct {
	store     plans.Store
	lifecycle *lifecycle.Manager
	access    *access.Manager
	hub       Broadcaster
	metrics   *observability.Metrics
}

func New(store plans.Store, lc *lifecycle.Manager, ac *access.Manager, hub Broadcaster, metrics *observability.Metrics) *Service {
	return &Service{
		store:     store,
		lifecycle: lc,
		access:    ac,
		hub:       hub,
		metrics:   metrics,
	}
}

// TaskDeletedPayload is broadcast after a cascading delete.
type TaskDeletedPayload struct {
	PlanID     string   `json:"plan_id"`
	TaskID     string   `json:"task_id"`
	DeletedIDs []string `json:"deleted_ids"`
}

// --- plan operations (owner surface) ---

type CreatePlanRequest struct {
	Title       string
	Description string
	IsPrivate   bool
}

func (s *Service) CreatePlan(ctx context.Context, actor plans.Actor, req CreatePlanRequest) (plans.Plan, error) {
	if actor.IsAgent() {
		return plans.Plan{}, fmt.Errorf("%w: agents cannot create plans", plans.ErrForbidden)
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return plans.Plan{}, fmt.Errorf("%w: title is required", plans.ErrValidation)
	}
	now := time.Now().UTC()
	plan := plans.Plan{
		ID:          uuid.NewString(),
		OwnerID:     actor.UserID,
		Title:       req.Title,
		Description: strings.TrimSpace(req.Description),
		Status:      plans.PlanStatusDraft,
		IsPrivate:   req.IsPrivate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.store.CreatePlan(ctx, plan)
	s.metrics.CountMutation("create_plan", err)
	if err != nil {
		return plans.Plan{}, err
	}
	return plan, nil
}

func (s *Service) GetPlan(ctx context.Context, actor plans.Actor, planID string) (plans.Plan, error) {
	if err := s.access.Authorize(ctx, planID, actor, plans.PermissionRead); err != nil {
		return plans.Plan{}, err
	}
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, plans.ErrStoreNotFound) {
			return plans.Plan{}, fmt.Errorf("%w: plan", plans.ErrNotFound)
		}
		return plans.Plan{}, err
	}
	return plan, nil
}

func (s *Service) ListPlans(ctx context.Context, actor plans.Actor, limit int) ([]plans.Plan, error) {
	if actor.IsAgent() {
		return nil, fmt.Errorf("%w: agents cannot list plans", plans.ErrForbidden)
	}
	return s.store.ListPlansByOwner(ctx, actor.UserID, limit)
}

type UpdatePlanRequest struct {
	Title       *string
	Description *string
	Status      *plans.PlanStatus
	IsPrivate   *bool
}

// UpdatePlan applies owner edits. Status moves through draft/active/
// completed freely; archiving and unarchiving go through the dedicated
// operations so the soft-terminal rule stays in one place.
func (s *Service) UpdatePlan(ctx context.Context, actor plans.Actor, planID string, req UpdatePlanRequest) (plans.Plan, error) {
	plan, err := s.ownedPlan(ctx, actor, planID)
	if err != nil {
		return plans.Plan{}, err
	}
	if plan.Status == plans.PlanStatusArchived {
		return plans.Plan{}, plans.ErrArchived
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return plans.Plan{}, fmt.Errorf("%w: title must not be empty", plans.ErrValidation)
		}
		plan.Title = title
	}
	if req.Description != nil {
		plan.Description = strings.TrimSpace(*req.Description)
	}
	if req.Status != nil {
		switch *req.Status {
		case plans.PlanStatusDraft, plans.PlanStatusActive, plans.PlanStatusCompleted:
			plan.Status = *req.Status
		case plans.PlanStatusArchived:
			return plans.Plan{}, fmt.Errorf("%w: archive via the archive operation", plans.ErrValidation)
		default:
			return plans.Plan{}, fmt.Errorf("%w: unknown plan status %q", plans.ErrValidation, *req.Status)
		}
	}
	if req.IsPrivate != nil {
		plan.IsPrivate = *req.IsPrivate
	}
	plan.UpdatedAt = time.Now().UTC()

	err = s.store.UpdatePlan(ctx, plan)
	s.metrics.CountMutation("update_plan", err)
	if err != nil {
		return plans.Plan{}, err
	}
	s.hub.BroadcastPlanUpdated(plan.ID, plan)
	return plan, nil
}

// ArchivePlan makes the plan read-only for every task/output mutation.
func (s *Service) ArchivePlan(ctx context.Context, actor plans.Actor, planID string) (plans.Plan, error) {
	return s.setPlanStatus(ctx, actor, planID, plans.PlanStatusArchived, "archive_plan")
}

// UnarchivePlan restores an archived plan to draft.
func (s *Service) UnarchivePlan(ctx context.Context, actor plans.Actor, planID string) (plans.Plan, error) {
	plan, err := s.ownedPlan(ctx, actor, planID)
	if err != nil {
		return plans.Plan{}, err
	}
	if plan.Status != plans.PlanStatusArchived {
		return plans.Plan{}, fmt.Errorf("%w: only archived plans can be unarchived", plans.ErrInvalidTransition)
	}
	return s.setPlanStatus(ctx, actor, planID, plans.PlanStatusDraft, "unarchive_plan")
}

func (s *Service) setPlanStatus(ctx context.Context, actor plans.Actor, planID string, status plans.PlanStatus, op string) (plans.Plan, error) {
	plan, err := s.ownedPlan(ctx, actor, planID)
	if err != nil {
		return plans.Plan{}, err
	}
	plan.Status = status
	plan.UpdatedAt = time.Now().UTC()
	err = s.store.UpdatePlan(ctx, plan)
	s.metrics.CountMutation(op, err)
	if err != nil {
		return plans.Plan{}, err
	}
	s.hub.BroadcastPlanUpdated(plan.ID, plan)
	return plan, nil
}

// --- task operations ---

func (s *Service) CreateTask(ctx context.Context, actor plans.Actor, req lifecycle.CreateTaskRequest) (plans.Task, error) {
	if err := s.access.Authorize(ctx, req.PlanID, actor, plans.PermissionCreateTask); err != nil {
		return plans.Task{}, err
	}
	task, err := s.lifecycle.CreateTask(ctx, req)
	s.metrics.CountMutation("create_task", err)
	if err != nil {
		return plans.Task{}, err
	}
	s.hub.BroadcastTaskCreated(task.PlanID, task)
	return task, nil
}

func (s *Service) GetTask(ctx context.Context, actor plans.Actor, taskID string) (plans.Task, error) {
	task, err := s.lifecycle.GetTask(ctx, taskID)
	if err != nil {
		return plans.Task{}, err
	}
	if err := s.access.Authorize(ctx, task.PlanID, actor, plans.PermissionRead); err != nil {
		return plans.Task{}, err
	}
	return task, nil
}

func (s *Service) ListTasks(ctx context.Context, actor plans.Actor, planID string) ([]plans.Task, error) {
	if err := s.access.Authorize(ctx, planID, actor, plans.PermissionRead); err != nil {
		return nil, err
	}
	return s.store.ListTasksByPlan(ctx, planID)
}

func (s *Service) UpdateTask(ctx context.Context, actor plans.Actor, taskID string, req lifecycle.UpdateTaskRequest) (plans.Task, error) {
	if _, err := s.authorizeTaskMutation(ctx, actor, taskID); err != nil {
		return plans.Task{}, err
	}
	task, err := s.lifecycle.UpdateTask(ctx, taskID, req)
	s.metrics.CountMutation("update_task", err)
	if err != nil {
		return plans.Task{}, err
	}
	s.hub.BroadcastTaskUpdated(task.PlanID, task)
	return task, nil
}

func (s *Service) DeleteTask(ctx context.Context, actor plans.Actor, taskID string) ([]string, error) {
	task, err := s.authorizeTaskMutation(ctx, actor, taskID)
	if err != nil {
		return nil, err
	}
	deleted, err := s.lifecycle.DeleteTask(ctx, taskID)
	s.metrics.CountMutation("delete_task", err)
	if err != nil {
		return nil, err
	}
	s.hub.BroadcastTaskDeleted(task.PlanID, TaskDeletedPayload{
		PlanID:     task.PlanID,
		TaskID:     taskID,
		DeletedIDs: deleted,
	})
	return deleted, nil
}

func (s *Service) Start(ctx context.Context, actor plans.Actor, taskID string) (plans.Task, error) {
	return s.transition(ctx, actor, taskID, "start", func(c context.Context) (plans.Task, error) {
		return s.lifecycle.Start(c, taskID, actor)
	})
}

func (s *Service) Pause(ctx context.Context, actor plans.Actor, taskID, reason string) (plans.Task, error) {
	return s.transition(ctx, actor, taskID, "pause", func(c context.Context) (plans.Task, error) {
		return s.lifecycle.Pause(c, taskID, actor, reason)
	})
}

func (s *Service) Resume(ctx context.Context, actor plans.Actor, taskID string) (plans.Task, error) {
	return s.transition(ctx, actor, taskID, "resume", func(c context.Context) (plans.Task, error) {
		return s.lifecycle.Resume(c, taskID, actor)
	})
}

func (s *Service) Block(ctx context.Context, actor plans.Actor, taskID, reason string) (plans.Task, error) {
	return s.transition(ctx, actor, taskID, "block", func(c context.Context) (plans.Task, error) {
		return s.lifecycle.Block(c, taskID, actor, reason)
	})
}

func (s *Service) Complete(ctx context.Context, actor plans.Actor, taskID, summary string) (plans.Task, error) {
	return s.transition(ctx, actor, taskID, "complete", func(c context.Context) (plans.Task, error) {
		return s.lifecycle.Complete(c, taskID, actor, summary)
	})
}

func (s *Service) SetStatus(ctx context.Context, actor plans.Actor, taskID string, status plans.TaskStatus, reason string) (plans.Task, error) {
	return s.transition(ctx, actor, taskID, "set_status", func(c context.Context) (plans.Task, error) {
		return s.lifecycle.SetStatus(c, taskID, actor, status, reason)
	})
}

func (s *Service) transition(ctx context.Context, actor plans.Actor, taskID, op string, apply func(context.Context) (plans.Task, error)) (plans.Task, error) {
	if _, err := s.authorizeTaskMutation(ctx, actor, taskID); err != nil {
		return plans.Task{}, err
	}
	task, err := apply(ctx)
	s.metrics.CountMutation(op, err)
	if err != nil {
		return plans.Task{}, err
	}
	s.hub.BroadcastTaskUpdated(task.PlanID, task)
	return task, nil
}

func (s *Service) StatusHistory(ctx context.Context, actor plans.Actor, taskID string) ([]plans.StatusHistoryEntry, error) {
	task, err := s.lifecycle.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.access.Authorize(ctx, task.PlanID, actor, plans.PermissionRead); err != nil {
		return nil, err
	}
	return s.lifecycle.StatusHistory(ctx, taskID)
}

func (s *Service) AreAllSubtasksCompleted(ctx context.Context, actor plans.Actor, taskID string) (bool, error) {
	task, err := s.lifecycle.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if err := s.access.Authorize(ctx, task.PlanID, actor, plans.PermissionRead); err != nil {
		return false, err
	}
	return s.lifecycle.AreAllSubtasksCompleted(ctx, taskID)
}

func (s *Service) AddAgentOutput(ctx context.Context, actor plans.Actor, req lifecycle.AddOutputRequest) (plans.AgentOutput, error) {
	task, err := s.lifecycle.GetTask(ctx, req.TaskID)
	if err != nil {
		return plans.AgentOutput{}, err
	}
	if err := s.access.Authorize(ctx, task.PlanID, actor, plans.PermissionUpdate); err != nil {
		return plans.AgentOutput{}, err
	}
	output, err := s.lifecycle.AddOutput(ctx, actor, req)
	s.metrics.CountMutation("add_agent_output", err)
	if err != nil {
		return plans.AgentOutput{}, err
	}
	s.hub.BroadcastAgentOutput(task.PlanID, output)
	return output, nil
}

func (s *Service) ListAgentOutputs(ctx context.Context, actor plans.Actor, taskID string) ([]plans.AgentOutput, error) {
	task, err := s.lifecycle.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.access.Authorize(ctx, task.PlanID, actor, plans.PermissionRead); err != nil {
		return nil, err
	}
	return s.lifecycle.ListOutputs(ctx, taskID)
}

// --- access operations (owner surface) ---

// AccessRevokedPayload notifies the granting user's live connections;
// AgentSessionID is empty for a revoke-all.
type AccessRevokedPayload struct {
	PlanID         string `json:"plan_id"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
	RevokedCount   int    `json:"revoked_count"`
}

func (s *Service) GrantAccess(ctx context.Context, actor plans.Actor, req access.GrantRequest) (plans.AccessGrant, error) {
	if actor.IsAgent() {
		return plans.AccessGrant{}, fmt.Errorf("%w: agents cannot manage grants", plans.ErrForbidden)
	}
	grant, err := s.access.Grant(ctx, actor.UserID, req)
	if err != nil {
		return plans.AccessGrant{}, err
	}
	if s.metrics != nil {
		s.metrics.GrantEvents.WithLabelValues("granted").Inc()
	}
	// Grants are not plan subscriptions; the owner's other sessions (and
	// their agent sessions) learn of the change through a user-directed
	// notification instead.
	s.hub.SendToUser(actor.UserID, protocol.Event{Type: protocol.TypeAccessGranted, Payload: grant})
	return grant, nil
}

func (s *Service) RevokeAccess(ctx context.Context, actor plans.Actor, planID, agentSessionID string) error {
	if actor.IsAgent() {
		return fmt.Errorf("%w: agents cannot manage grants", plans.ErrForbidden)
	}
	if err := s.access.Revoke(ctx, actor.UserID, planID, agentSessionID); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.GrantEvents.WithLabelValues("revoked").Inc()
	}
	s.hub.SendToUser(actor.UserID, protocol.Event{
		Type:    protocol.TypeAccessRevoked,
		Payload: AccessRevokedPayload{PlanID: planID, AgentSessionID: agentSessionID, RevokedCount: 1},
	})
	return nil
}

func (s *Service) RevokeAllAccess(ctx context.Context, actor plans.Actor, planID string) (int, error) {
	if actor.IsAgent() {
		return 0, fmt.Errorf("%w: agents cannot manage grants", plans.ErrForbidden)
	}
	count, err := s.access.RevokeAll(ctx, actor.UserID, planID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		if s.metrics != nil {
			s.metrics.GrantEvents.WithLabelValues("revoked_all").Add(float64(count))
		}
		s.hub.SendToUser(actor.UserID, protocol.Event{
			Type:    protocol.TypeAccessRevoked,
			Payload: AccessRevokedPayload{PlanID: planID, RevokedCount: count},
		})
	}
	return count, nil
}

func (s *Service) AgentsWithAccess(ctx context.Context, actor plans.Actor, planID string) ([]plans.AccessGrant, error) {
	if actor.IsAgent() {
		return nil, fmt.Errorf("%w: agents cannot manage grants", plans.ErrForbidden)
	}
	return s.access.AgentsWithAccess(ctx, actor.UserID, planID)
}

func (s *Service) AccessHistory(ctx context.Context, actor plans.Actor, planID string) ([]plans.AccessGrant, error) {
	if actor.IsAgent() {
		return nil, fmt.Errorf("%w: agents cannot manage grants", plans.ErrForbidden)
	}
	return s.access.AccessHistory(ctx, actor.UserID, planID)
}

// authorizeTaskMutation resolves the task's plan and checks update
// permission before any guard runs.
func (s *Service) authorizeTaskMutation(ctx context.Context, actor plans.Actor, taskID string) (plans.Task, error) {
	task, err := s.lifecycle.GetTask(ctx, taskID)
	if err != nil {
		return plans.Task{}, err
	}
	if err := s.access.Authorize(ctx, task.PlanID, actor, plans.PermissionUpdate); err != nil {
		return plans.Task{}, err
	}
	return task, nil
}

func (s *Service) ownedPlan(ctx context.Context, actor plans.Actor, planID string) (plans.Plan, error) {
	if actor.IsAgent() {
		return plans.Plan{}, fmt.Errorf("%w: agents cannot modify plans", plans.ErrForbidden)
	}
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, plans.ErrStoreNotFound) {
			return plans.Plan{}, fmt.Errorf("%w: plan", plans.ErrNotFound)
		}
		return plans.Plan{}, err
	}
	if plan.OwnerID != actor.UserID {
		return plans.Plan{}, fmt.Errorf("%w: not the plan owner", plans.ErrForbidden)
	}
	return plan, nil
}
