package plans

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStorePlanRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	plan := Plan{ID: "p1", OwnerID: "u1", Title: "launch", Status: PlanStatusDraft}
	if err := s.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	got, err := s.GetPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if got.Title != "launch" || got.OwnerID != "u1" {
		t.Fatalf("unexpected plan: %+v", got)
	}

	if _, err := s.GetPlan(ctx, "missing"); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("GetPlan(missing) error = %v, want ErrStoreNotFound", err)
	}
}

func TestMemoryStoreListPlansByOwnerHonorsLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		if err := s.CreatePlan(ctx, Plan{ID: id, OwnerID: "u1", Title: id}); err != nil {
			t.Fatalf("CreatePlan(%s) error = %v", id, err)
		}
	}
	if err := s.CreatePlan(ctx, Plan{ID: "other", OwnerID: "u2", Title: "other"}); err != nil {
		t.Fatalf("CreatePlan(other) error = %v", err)
	}

	list, err := s.ListPlansByOwner(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("ListPlansByOwner() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}
	for _, p := range list {
		if p.OwnerID != "u1" {
			t.Fatalf("plan %s owned by %s, want u1", p.ID, p.OwnerID)
		}
	}
}

func TestMemoryStoreDeleteTaskCascades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreatePlan(ctx, Plan{ID: "p1", OwnerID: "u1", Title: "t"}); err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	mustCreateTask(t, s, Task{ID: "root", PlanID: "p1", Title: "root"})
	mustCreateTask(t, s, Task{ID: "child", PlanID: "p1", ParentTaskID: "root", Title: "child"})
	mustCreateTask(t, s, Task{ID: "grandchild", PlanID: "p1", ParentTaskID: "child", Title: "grandchild"})
	mustCreateTask(t, s, Task{ID: "sibling", PlanID: "p1", Title: "sibling"})

	deleted, err := s.DeleteTask(ctx, "root")
	if err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if len(deleted) != 3 {
		t.Fatalf("len(deleted) = %d, want 3 (%v)", len(deleted), deleted)
	}
	if deleted[0] != "root" {
		t.Fatalf("deleted[0] = %q, want the argument first", deleted[0])
	}

	for _, id := range []string{"root", "child", "grandchild"} {
		if _, err := s.GetTask(ctx, id); !errors.Is(err, ErrStoreNotFound) {
			t.Fatalf("GetTask(%s) error = %v, want ErrStoreNotFound", id, err)
		}
	}
	if _, err := s.GetTask(ctx, "sibling"); err != nil {
		t.Fatalf("GetTask(sibling) error = %v, want survivor intact", err)
	}
}

func TestMemoryStoreUpdateTaskStatusAppendsHistory(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreatePlan(ctx, Plan{ID: "p1", OwnerID: "u1", Title: "t"}); err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	mustCreateTask(t, s, Task{ID: "t1", PlanID: "p1", Title: "t1", Status: TaskStatusNotStarted})

	entry := StatusHistoryEntry{
		ID:         "h1",
		TaskID:     "t1",
		FromStatus: TaskStatusNotStarted,
		ToStatus:   TaskStatusInProgress,
		ChangedBy:  "u1",
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.UpdateTaskStatus(ctx, "t1", TaskStatusInProgress, entry); err != nil {
		t.Fatalf("UpdateTaskStatus() error = %v", err)
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if task.Status != TaskStatusInProgress {
		t.Fatalf("Status = %q, want %q", task.Status, TaskStatusInProgress)
	}

	history, err := s.ListStatusHistory(ctx, "t1")
	if err != nil {
		t.Fatalf("ListStatusHistory() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(history))
	}
	if history[0].ToStatus != TaskStatusInProgress || history[0].ChangedBy != "u1" {
		t.Fatalf("unexpected history entry: %+v", history[0])
	}
}

func TestMemoryStoreInsertGrantSupersedesActive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	first := AccessGrant{
		ID: "g1", PlanID: "p1", AgentSessionID: "a1",
		Permissions: []Permission{PermissionRead},
		GrantedBy:   "u1", GrantedAt: now.Add(-time.Minute),
	}
	second := AccessGrant{
		ID: "g2", PlanID: "p1", AgentSessionID: "a1",
		Permissions: []Permission{PermissionRead, PermissionUpdate},
		GrantedBy:   "u1", GrantedAt: now,
	}
	if err := s.InsertGrant(ctx, first); err != nil {
		t.Fatalf("InsertGrant(first) error = %v", err)
	}
	if err := s.InsertGrant(ctx, second); err != nil {
		t.Fatalf("InsertGrant(second) error = %v", err)
	}

	active, err := s.ActiveGrant(ctx, "p1", "a1")
	if err != nil {
		t.Fatalf("ActiveGrant() error = %v", err)
	}
	if active.ID != "g2" {
		t.Fatalf("active grant = %s, want g2", active.ID)
	}

	history, err := s.ListGrantHistory(ctx, "p1")
	if err != nil {
		t.Fatalf("ListGrantHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2 (append-only)", len(history))
	}
	if history[0].ID != "g2" {
		t.Fatalf("history[0] = %s, want newest first", history[0].ID)
	}
	if history[1].RevokedAt == nil {
		t.Fatalf("superseded grant g1 not revoked")
	}
}

func TestMemoryStoreRevokeGrant(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	grant := AccessGrant{
		ID: "g1", PlanID: "p1", AgentSessionID: "a1",
		Permissions: []Permission{PermissionRead},
		GrantedBy:   "u1", GrantedAt: time.Now().UTC(),
	}
	if err := s.InsertGrant(ctx, grant); err != nil {
		t.Fatalf("InsertGrant() error = %v", err)
	}

	ok, err := s.RevokeGrant(ctx, "p1", "a1")
	if err != nil {
		t.Fatalf("RevokeGrant() error = %v", err)
	}
	if !ok {
		t.Fatalf("RevokeGrant() = false, want true")
	}

	if _, err := s.ActiveGrant(ctx, "p1", "a1"); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("ActiveGrant() error = %v, want ErrStoreNotFound after revoke", err)
	}

	// The revoked record remains reachable through LatestGrant.
	latest, err := s.LatestGrant(ctx, "p1", "a1")
	if err != nil {
		t.Fatalf("LatestGrant() error = %v", err)
	}
	if latest.ID != "g1" || latest.RevokedAt == nil {
		t.Fatalf("LatestGrant() = %+v, want revoked g1", latest)
	}
	if _, err := s.LatestGrant(ctx, "p1", "nobody"); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("LatestGrant(unknown) error = %v, want ErrStoreNotFound", err)
	}

	ok, err = s.RevokeGrant(ctx, "p1", "a1")
	if err != nil {
		t.Fatalf("second RevokeGrant() error = %v", err)
	}
	if ok {
		t.Fatalf("second RevokeGrant() = true, want false")
	}
}

func TestMemoryStoreListActiveGrantsSkipsExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	expired := AccessGrant{
		ID: "g1", PlanID: "p1", AgentSessionID: "a1",
		Permissions: []Permission{PermissionRead},
		GrantedBy:   "u1", GrantedAt: now.Add(-time.Hour), ExpiresAt: &past,
	}
	live := AccessGrant{
		ID: "g2", PlanID: "p1", AgentSessionID: "a2",
		Permissions: []Permission{PermissionRead},
		GrantedBy:   "u1", GrantedAt: now, ExpiresAt: &future,
	}
	if err := s.InsertGrant(ctx, expired); err != nil {
		t.Fatalf("InsertGrant(expired) error = %v", err)
	}
	if err := s.InsertGrant(ctx, live); err != nil {
		t.Fatalf("InsertGrant(live) error = %v", err)
	}

	active, err := s.ListActiveGrants(ctx, "p1")
	if err != nil {
		t.Fatalf("ListActiveGrants() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != "g2" {
		t.Fatalf("active grants = %+v, want only g2", active)
	}
}

func TestMemoryStoreRevokeAllGrants(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, agent := range []string{"a1", "a2", "a3"} {
		g := AccessGrant{
			ID: agent + "-grant", PlanID: "p1", AgentSessionID: agent,
			Permissions: []Permission{PermissionRead},
			GrantedBy:   "u1", GrantedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := s.InsertGrant(ctx, g); err != nil {
			t.Fatalf("InsertGrant(%s) error = %v", agent, err)
		}
	}

	count, err := s.RevokeAllGrants(ctx, "p1")
	if err != nil {
		t.Fatalf("RevokeAllGrants() error = %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}

	active, err := s.ListActiveGrants(ctx, "p1")
	if err != nil {
		t.Fatalf("ListActiveGrants() error = %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("len(active) = %d, want 0", len(active))
	}
}

func mustCreateTask(t *testing.T, s *MemoryStore, task Task) {
	t.Helper()
	if task.Status == "" {
		task.Status = TaskStatusNotStarted
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask(%s) error = %v", task.ID, err)
	}
}
