// Package lifecycle owns the guarded task state machine: it validates
// transitions, persists the new status together with its history entry, and
// reports subtask-completion aggregates. It never decides authorization and
// never broadcasts; that is the coordinator's job.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planloop/planloop/internal/plans"
)

type Manager struct {
	store plans.Store
}

func NewManager(store plans.Store) *Manager {
	return &Manager{store: store}
}

type CreateTaskRequest struct {
	PlanID          string
	ParentTaskID    string
	Title           string
	Description     string
	Priority        string
	RequirementIDs  []string
	AssignedAgentID string
}

type UpdateTaskRequest struct {
	Title            *string
	Description      *string
	Priority         *string
	RequirementIDs   *[]string
	AssignedAgentID  *string
	TimeSpentMinutes *int
}

// CreateTask validates and persists a new task in not_started state.
func (m *Manager) CreateTask(ctx context.Context, req CreateTaskRequest) (plans.Task, error) {
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return plans.Task{}, fmt.Errorf("%w: title is required", plans.ErrValidation)
	}
	plan, err := m.mutablePlan(ctx, req.PlanID)
	if err != nil {
		return plans.Task{}, err
	}
	if req.ParentTaskID != "" {
		parent, err := m.store.GetTask(ctx, req.ParentTaskID)
		if err != nil {
			if errors.Is(err, plans.ErrStoreNotFound) {
				return plans.Task{}, fmt.Errorf("%w: parent task", plans.ErrNotFound)
			}
			return plans.Task{}, err
		}
		if parent.PlanID != plan.ID {
			return plans.Task{}, fmt.Errorf("%w: parent task belongs to another plan", plans.ErrValidation)
		}
	}

	now := time.Now().UTC()
	task := plans.Task{
		ID:              uuid.NewString(),
		PlanID:          plan.ID,
		ParentTaskID:    req.ParentTaskID,
		Title:           req.Title,
		Description:     strings.TrimSpace(req.Description),
		Status:          plans.TaskStatusNotStarted,
		Priority:        strings.TrimSpace(req.Priority),
		RequirementIDs:  req.RequirementIDs,
		AssignedAgentID: strings.TrimSpace(req.AssignedAgentID),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateTask(ctx, task); err != nil {
		return plans.Task{}, err
	}
	return task, nil
}

// UpdateTask applies non-status field updates.
func (m *Manager) UpdateTask(ctx context.Context, taskID string, req UpdateTaskRequest) (plans.Task, error) {
	task, err := m.mutableTask(ctx, taskID)
	if err != nil {
		return plans.Task{}, err
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return plans.Task{}, fmt.Errorf("%w: title must not be empty", plans.ErrValidation)
		}
		task.Title = title
	}
	if req.Description != nil {
		task.Description = strings.TrimSpace(*req.Description)
	}
	if req.Priority != nil {
		task.Priority = strings.TrimSpace(*req.Priority)
	}
	if req.RequirementIDs != nil {
		task.RequirementIDs = *req.RequirementIDs
	}
	if req.AssignedAgentID != nil {
		task.AssignedAgentID = strings.TrimSpace(*req.AssignedAgentID)
	}
	if req.TimeSpentMinutes != nil {
		if *req.TimeSpentMinutes < 0 {
			return plans.Task{}, fmt.Errorf("%w: time_spent_minutes must not be negative", plans.ErrValidation)
		}
		task.TimeSpentMinutes = *req.TimeSpentMinutes
	}
	task.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return plans.Task{}, err
	}
	return task, nil
}

// DeleteTask removes the task and its subtasks, returning all deleted ids.
func (m *Manager) DeleteTask(ctx context.Context, taskID string) ([]string, error) {
	if _, err := m.mutableTask(ctx, taskID); err != nil {
		return nil, err
	}
	deleted, err := m.store.DeleteTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, plans.ErrStoreNotFound) {
			return nil, fmt.Errorf("%w: task", plans.ErrNotFound)
		}
		return nil, err
	}
	return deleted, nil
}

func (m *Manager) Start(ctx context.Context, taskID string, actor plans.Actor) (plans.Task, error) {
	return m.transition(ctx, taskID, actor, plans.TaskStatusInProgress, "")
}

func (m *Manager) Pause(ctx context.Context, taskID string, actor plans.Actor, reason string) (plans.Task, error) {
	return m.transition(ctx, taskID, actor, plans.TaskStatusPaused, reason)
}

func (m *Manager) Resume(ctx context.Context, taskID string, actor plans.Actor) (plans.Task, error) {
	return m.transition(ctx, taskID, actor, plans.TaskStatusInProgress, "")
}

func (m *Manager) Block(ctx context.Context, taskID string, actor plans.Actor, reason string) (plans.Task, error) {
	return m.transition(ctx, taskID, actor, plans.TaskStatusBlocked, reason)
}

func (m *Manager) Complete(ctx context.Context, taskID string, actor plans.Actor, summary string) (plans.Task, error) {
	return m.transition(ctx, taskID, actor, plans.TaskStatusCompleted, summary)
}

// SetStatus is the generic entry point used by bulk/API callers; it applies
// the same guards as the named operations.
func (m *Manager) SetStatus(ctx context.Context, taskID string, actor plans.Actor, status plans.TaskStatus, reason string) (plans.Task, error) {
	if !plans.ValidTaskStatus(status) {
		return plans.Task{}, fmt.Errorf("%w: unknown status %q", plans.ErrValidation, status)
	}
	return m.transition(ctx, taskID, actor, status, reason)
}

func (m *Manager) transition(ctx context.Context, taskID string, actor plans.Actor, to plans.TaskStatus, reason string) (plans.Task, error) {
	reason = strings.TrimSpace(reason)
	if to == plans.TaskStatusBlocked && reason == "" {
		return plans.Task{}, fmt.Errorf("%w: blocking requires a reason", plans.ErrValidation)
	}

	task, err := m.mutableTask(ctx, taskID)
	if err != nil {
		return plans.Task{}, err
	}
	if !allowed(task.Status, to) {
		return plans.Task{}, fmt.Errorf("%w: %s -> %s", plans.ErrInvalidTransition, task.Status, to)
	}

	now := time.Now().UTC()
	entry := plans.StatusHistoryEntry{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		FromStatus: task.Status,
		ToStatus:   to,
		ChangedBy:  actor.Ref(),
		Reason:     reason,
		CreatedAt:  now,
	}
	if err := m.store.UpdateTaskStatus(ctx, task.ID, to, entry); err != nil {
		if errors.Is(err, plans.ErrStoreNotFound) {
			return plans.Task{}, fmt.Errorf("%w: task", plans.ErrNotFound)
		}
		return plans.Task{}, err
	}
	task.Status = to
	task.UpdatedAt = now
	return task, nil
}

// allowed encodes the reachable transitions:
// not_started -> in_progress; in_progress <-> paused;
// {not_started,in_progress,paused} -> blocked;
// any non-completed -> completed. Completed is terminal.
func allowed(from, to plans.TaskStatus) bool {
	if from == plans.TaskStatusCompleted {
		return false
	}
	switch to {
	case plans.TaskStatusInProgress:
		return from == plans.TaskStatusNotStarted || from == plans.TaskStatusPaused
	case plans.TaskStatusPaused:
		return from == plans.TaskStatusInProgress
	case plans.TaskStatusBlocked:
		return from == plans.TaskStatusNotStarted || from == plans.TaskStatusInProgress || from == plans.TaskStatusPaused
	case plans.TaskStatusCompleted:
		return true
	default:
		return false
	}
}

func (m *Manager) GetTask(ctx context.Context, taskID string) (plans.Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, plans.ErrStoreNotFound) {
			return plans.Task{}, fmt.Errorf("%w: task", plans.ErrNotFound)
		}
		return plans.Task{}, err
	}
	return task, nil
}

func (m *Manager) StatusHistory(ctx context.Context, taskID string) ([]plans.StatusHistoryEntry, error) {
	if _, err := m.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return m.store.ListStatusHistory(ctx, taskID)
}

// AreAllSubtasksCompleted reports whether every child of parentTaskID is
// completed. A parent with zero children reports true. The manager never
// auto-completes the parent; callers decide what to do with the aggregate.
func (m *Manager) AreAllSubtasksCompleted(ctx context.Context, parentTaskID string) (bool, error) {
	if _, err := m.GetTask(ctx, parentTaskID); err != nil {
		return false, err
	}
	subtasks, err := m.store.ListSubtasks(ctx, parentTaskID)
	if err != nil {
		return false, err
	}
	for _, sub := range subtasks {
		if sub.Status != plans.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// mutableTask loads a task and rejects the mutation when its plan is archived.
func (m *Manager) mutableTask(ctx context.Context, taskID string) (plans.Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, plans.ErrStoreNotFound) {
			return plans.Task{}, fmt.Errorf("%w: task", plans.ErrNotFound)
		}
		return plans.Task{}, err
	}
	if _, err := m.mutablePlan(ctx, task.PlanID); err != nil {
		return plans.Task{}, err
	}
	return task, nil
}

func (m *Manager) mutablePlan(ctx context.Context, planID string) (plans.Plan, error) {
	plan, err := m.store.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, plans.ErrStoreNotFound) {
			return plans.Plan{}, fmt.Errorf("%w: plan", plans.ErrNotFound)
		}
		return plans.Plan{}, err
	}
	if plan.Status == plans.PlanStatusArchived {
		return plans.Plan{}, plans.ErrArchived
	}
	return plan, nil
}
