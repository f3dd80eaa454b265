package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/planloop/planloop/internal/plans"
)

func newFixture(t *testing.T) (*Manager, *plans.MemoryStore) {
	t.Helper()
	store := plans.NewMemoryStore()
	if err := store.CreatePlan(context.Background(), plans.Plan{
		ID: "p1", OwnerID: "u1", Title: "launch", Status: plans.PlanStatusActive,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	return NewManager(store), store
}

func seedTask(t *testing.T, m *Manager, parentID string) plans.Task {
	t.Helper()
	task, err := m.CreateTask(context.Background(), CreateTaskRequest{
		PlanID:       "p1",
		ParentTaskID: parentID,
		Title:        "write report",
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	return task
}

func TestCreateTaskStartsNotStarted(t *testing.T) {
	m, _ := newFixture(t)
	task := seedTask(t, m, "")
	if task.Status != plans.TaskStatusNotStarted {
		t.Fatalf("Status = %q, want %q", task.Status, plans.TaskStatusNotStarted)
	}
	if task.ID == "" || task.PlanID != "p1" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestCreateTaskRequiresTitle(t *testing.T) {
	m, _ := newFixture(t)
	_, err := m.CreateTask(context.Background(), CreateTaskRequest{PlanID: "p1", Title: "   "})
	if !errors.Is(err, plans.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestCreateTaskRejectsCrossPlanParent(t *testing.T) {
	m, store := newFixture(t)
	ctx := context.Background()
	if err := store.CreatePlan(ctx, plans.Plan{ID: "p2", OwnerID: "u1", Title: "other"}); err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	parent := seedTask(t, m, "")

	_, err := m.CreateTask(ctx, CreateTaskRequest{PlanID: "p2", ParentTaskID: parent.ID, Title: "child"})
	if !errors.Is(err, plans.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation for cross-plan parent", err)
	}
}

func TestTransitionGrid(t *testing.T) {
	cases := []struct {
		from plans.TaskStatus
		to   plans.TaskStatus
		ok   bool
	}{
		{plans.TaskStatusNotStarted, plans.TaskStatusInProgress, true},
		{plans.TaskStatusNotStarted, plans.TaskStatusPaused, false},
		{plans.TaskStatusNotStarted, plans.TaskStatusBlocked, true},
		{plans.TaskStatusNotStarted, plans.TaskStatusCompleted, true},
		{plans.TaskStatusInProgress, plans.TaskStatusPaused, true},
		{plans.TaskStatusInProgress, plans.TaskStatusBlocked, true},
		{plans.TaskStatusInProgress, plans.TaskStatusCompleted, true},
		{plans.TaskStatusInProgress, plans.TaskStatusInProgress, false},
		{plans.TaskStatusPaused, plans.TaskStatusInProgress, true},
		{plans.TaskStatusPaused, plans.TaskStatusBlocked, true},
		{plans.TaskStatusPaused, plans.TaskStatusCompleted, true},
		{plans.TaskStatusPaused, plans.TaskStatusPaused, false},
		{plans.TaskStatusBlocked, plans.TaskStatusInProgress, false},
		{plans.TaskStatusBlocked, plans.TaskStatusCompleted, true},
		{plans.TaskStatusCompleted, plans.TaskStatusInProgress, false},
		{plans.TaskStatusCompleted, plans.TaskStatusBlocked, false},
		{plans.TaskStatusCompleted, plans.TaskStatusCompleted, false},
	}
	for _, tc := range cases {
		if got := allowed(tc.from, tc.to); got != tc.ok {
			t.Errorf("allowed(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestStartPauseResumeComplete(t *testing.T) {
	m, _ := newFixture(t)
	ctx := context.Background()
	actor := plans.Actor{UserID: "u1"}
	task := seedTask(t, m, "")

	task, err := m.Start(ctx, task.ID, actor)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if task.Status != plans.TaskStatusInProgress {
		t.Fatalf("Status = %q, want in_progress", task.Status)
	}

	task, err = m.Pause(ctx, task.ID, actor, "lunch")
	if err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if task.Status != plans.TaskStatusPaused {
		t.Fatalf("Status = %q, want paused", task.Status)
	}

	task, err = m.Resume(ctx, task.ID, actor)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	task, err = m.Complete(ctx, task.ID, actor, "done")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if task.Status != plans.TaskStatusCompleted {
		t.Fatalf("Status = %q, want completed", task.Status)
	}

	if _, err := m.Start(ctx, task.ID, actor); !errors.Is(err, plans.ErrInvalidTransition) {
		t.Fatalf("Start() after complete error = %v, want ErrInvalidTransition", err)
	}

	history, err := m.StatusHistory(ctx, task.ID)
	if err != nil {
		t.Fatalf("StatusHistory() error = %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("len(history) = %d, want 4", len(history))
	}
	if history[1].Reason != "lunch" {
		t.Fatalf("pause reason = %q, want %q", history[1].Reason, "lunch")
	}
	if history[0].ChangedBy != "u1" {
		t.Fatalf("ChangedBy = %q, want %q", history[0].ChangedBy, "u1")
	}
}

func TestBlockRequiresReason(t *testing.T) {
	m, _ := newFixture(t)
	ctx := context.Background()
	actor := plans.Actor{UserID: "u1"}
	task := seedTask(t, m, "")

	if _, err := m.Block(ctx, task.ID, actor, "  "); !errors.Is(err, plans.ErrValidation) {
		t.Fatalf("Block() error = %v, want ErrValidation without reason", err)
	}
	if _, err := m.SetStatus(ctx, task.ID, actor, plans.TaskStatusBlocked, ""); !errors.Is(err, plans.ErrValidation) {
		t.Fatalf("SetStatus(blocked) error = %v, want ErrValidation without reason", err)
	}

	blocked, err := m.Block(ctx, task.ID, actor, "waiting on review")
	if err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if blocked.Status != plans.TaskStatusBlocked {
		t.Fatalf("Status = %q, want blocked", blocked.Status)
	}

	history, err := m.StatusHistory(ctx, task.ID)
	if err != nil {
		t.Fatalf("StatusHistory() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("len(history) = %d, want only the accepted transition", len(history))
	}
}

func TestBlockedTaskCanOnlyComplete(t *testing.T) {
	m, _ := newFixture(t)
	ctx := context.Background()
	actor := plans.Actor{UserID: "u1"}
	task := seedTask(t, m, "")

	if _, err := m.Block(ctx, task.ID, actor, "dependency missing"); err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if _, err := m.Resume(ctx, task.ID, actor); !errors.Is(err, plans.ErrInvalidTransition) {
		t.Fatalf("Resume() from blocked error = %v, want ErrInvalidTransition", err)
	}
	if _, err := m.Complete(ctx, task.ID, actor, ""); err != nil {
		t.Fatalf("Complete() from blocked error = %v", err)
	}
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	m, _ := newFixture(t)
	task := seedTask(t, m, "")
	_, err := m.SetStatus(context.Background(), task.ID, plans.Actor{UserID: "u1"}, "cancelled", "")
	if !errors.Is(err, plans.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestArchivedPlanRejectsMutations(t *testing.T) {
	m, store := newFixture(t)
	ctx := context.Background()
	actor := plans.Actor{UserID: "u1"}
	task := seedTask(t, m, "")

	plan, err := store.GetPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	plan.Status = plans.PlanStatusArchived
	if err := store.UpdatePlan(ctx, plan); err != nil {
		t.Fatalf("UpdatePlan() error = %v", err)
	}

	if _, err := m.Start(ctx, task.ID, actor); !errors.Is(err, plans.ErrArchived) {
		t.Fatalf("Start() error = %v, want ErrArchived", err)
	}
	if _, err := m.CreateTask(ctx, CreateTaskRequest{PlanID: "p1", Title: "new"}); !errors.Is(err, plans.ErrArchived) {
		t.Fatalf("CreateTask() error = %v, want ErrArchived", err)
	}
	if _, err := m.DeleteTask(ctx, task.ID); !errors.Is(err, plans.ErrArchived) {
		t.Fatalf("DeleteTask() error = %v, want ErrArchived", err)
	}
	title := "renamed"
	if _, err := m.UpdateTask(ctx, task.ID, UpdateTaskRequest{Title: &title}); !errors.Is(err, plans.ErrArchived) {
		t.Fatalf("UpdateTask() error = %v, want ErrArchived", err)
	}

	// Reads stay available on archived plans.
	if _, err := m.GetTask(ctx, task.ID); err != nil {
		t.Fatalf("GetTask() on archived plan error = %v", err)
	}
	if _, err := m.StatusHistory(ctx, task.ID); err != nil {
		t.Fatalf("StatusHistory() on archived plan error = %v", err)
	}
}

func TestAreAllSubtasksCompleted(t *testing.T) {
	m, _ := newFixture(t)
	ctx := context.Background()
	actor := plans.Actor{UserID: "u1"}
	parent := seedTask(t, m, "")

	// Zero children reports true.
	done, err := m.AreAllSubtasksCompleted(ctx, parent.ID)
	if err != nil {
		t.Fatalf("AreAllSubtasksCompleted() error = %v", err)
	}
	if !done {
		t.Fatalf("AreAllSubtasksCompleted() = false with zero children, want true")
	}

	child1 := seedTask(t, m, parent.ID)
	child2 := seedTask(t, m, parent.ID)

	done, err = m.AreAllSubtasksCompleted(ctx, parent.ID)
	if err != nil {
		t.Fatalf("AreAllSubtasksCompleted() error = %v", err)
	}
	if done {
		t.Fatalf("AreAllSubtasksCompleted() = true with open children")
	}

	if _, err := m.Complete(ctx, child1.ID, actor, ""); err != nil {
		t.Fatalf("Complete(child1) error = %v", err)
	}
	if _, err := m.Complete(ctx, child2.ID, actor, ""); err != nil {
		t.Fatalf("Complete(child2) error = %v", err)
	}

	done, err = m.AreAllSubtasksCompleted(ctx, parent.ID)
	if err != nil {
		t.Fatalf("AreAllSubtasksCompleted() error = %v", err)
	}
	if !done {
		t.Fatalf("AreAllSubtasksCompleted() = false after completing children")
	}

	// The aggregate never auto-completes the parent.
	got, err := m.GetTask(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetTask(parent) error = %v", err)
	}
	if got.Status != plans.TaskStatusNotStarted {
		t.Fatalf("parent status = %q, want untouched not_started", got.Status)
	}
}

func TestDeleteTaskCascades(t *testing.T) {
	m, _ := newFixture(t)
	ctx := context.Background()
	parent := seedTask(t, m, "")
	child := seedTask(t, m, parent.ID)

	deleted, err := m.DeleteTask(ctx, parent.ID)
	if err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("len(deleted) = %d, want 2", len(deleted))
	}
	if _, err := m.GetTask(ctx, child.ID); !errors.Is(err, plans.ErrNotFound) {
		t.Fatalf("GetTask(child) error = %v, want ErrNotFound", err)
	}
}

func TestTransitionUnknownTask(t *testing.T) {
	m, _ := newFixture(t)
	_, err := m.Start(context.Background(), "missing", plans.Actor{UserID: "u1"})
	if !errors.Is(err, plans.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}
