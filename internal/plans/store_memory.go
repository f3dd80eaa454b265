package plans

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process store used in dev mode and in tests. It
// mirrors the transactional guarantees of the Postgres store under a single
// mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	plans   map[string]Plan
	tasks   map[string]Task
	history map[string][]StatusHistoryEntry
	outputs map[string][]AgentOutput
	grants  []AccessGrant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:   make(map[string]Plan),
		tasks:   make(map[string]Task),
		history: make(map[string][]StatusHistoryEntry),
		outputs: make(map[string][]AgentOutput),
	}
}

func (s *MemoryStore) CreatePlan(_ context.Context, plan Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = plan
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, planID string) (Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[planID]
	if !ok {
		return Plan{}, ErrStoreNotFound
	}
	return plan, nil
}

func (s *MemoryStore) UpdatePlan(_ context.Context, plan Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; !ok {
		return ErrStoreNotFound
	}
	s.plans[plan.ID] = plan
	return nil
}

func (s *MemoryStore) ListPlansByOwner(_ context.Context, ownerID string, limit int) ([]Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Plan, 0, 8)
	for _, p := range s.plans {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return ErrStoreNotFound
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, taskID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, ErrStoreNotFound
	}
	deleted := s.deleteCascadeLocked(taskID)
	return deleted, nil
}

func (s *MemoryStore) deleteCascadeLocked(taskID string) []string {
	deleted := []string{taskID}
	for id, t := range s.tasks {
		if t.ParentTaskID == taskID {
			deleted = append(deleted, s.deleteCascadeLocked(id)...)
		}
	}
	delete(s.tasks, taskID)
	delete(s.history, taskID)
	delete(s.outputs, taskID)
	return deleted
}

func (s *MemoryStore) ListTasksByPlan(_ context.Context, planID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, 8)
	for _, t := range s.tasks {
		if t.PlanID == planID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListSubtasks(_ context.Context, parentTaskID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, 4)
	for _, t := range s.tasks {
		if t.ParentTaskID == parentTaskID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateTaskStatus(_ context.Context, taskID string, status TaskStatus, entry StatusHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ErrStoreNotFound
	}
	task.Status = status
	task.UpdatedAt = entry.CreatedAt
	s.tasks[taskID] = task
	s.history[taskID] = append(s.history[taskID], entry)
	return nil
}

func (s *MemoryStore) ListStatusHistory(_ context.Context, taskID string) ([]StatusHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.history[taskID]
	out := make([]StatusHistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) AddAgentOutput(_ context.Context, output AgentOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[output.TaskID] = append(s.outputs[output.TaskID], output)
	return nil
}

func (s *MemoryStore) ListAgentOutputs(_ context.Context, taskID string) ([]AgentOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outputs := s.outputs[taskID]
	out := make([]AgentOutput, len(outputs))
	copy(out, outputs)
	return out, nil
}

func (s *MemoryStore) InsertGrant(_ context.Context, grant AccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := grant.GrantedAt
	for i := range s.grants {
		g := &s.grants[i]
		if g.PlanID == grant.PlanID && g.AgentSessionID == grant.AgentSessionID && g.RevokedAt == nil {
			revokedAt := now
			g.RevokedAt = &revokedAt
		}
	}
	s.grants = append(s.grants, grant)
	return nil
}

func (s *MemoryStore) RevokeGrant(_ context.Context, planID, agentSessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	revoked := false
	for i := range s.grants {
		g := &s.grants[i]
		if g.PlanID == planID && g.AgentSessionID == agentSessionID && g.RevokedAt == nil {
			revokedAt := now
			g.RevokedAt = &revokedAt
			revoked = true
		}
	}
	return revoked, nil
}

func (s *MemoryStore) RevokeAllGrants(_ context.Context, planID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for i := range s.grants {
		g := &s.grants[i]
		if g.PlanID == planID && g.RevokedAt == nil {
			revokedAt := now
			g.RevokedAt = &revokedAt
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ActiveGrant(_ context.Context, planID, agentSessionID string) (AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.grants) - 1; i >= 0; i-- {
		g := s.grants[i]
		if g.PlanID == planID && g.AgentSessionID == agentSessionID && g.RevokedAt == nil {
			return cloneGrant(g), nil
		}
	}
	return AccessGrant{}, ErrStoreNotFound
}

func (s *MemoryStore) LatestGrant(_ context.Context, planID, agentSessionID string) (AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.grants) - 1; i >= 0; i-- {
		g := s.grants[i]
		if g.PlanID == planID && g.AgentSessionID == agentSessionID {
			return cloneGrant(g), nil
		}
	}
	return AccessGrant{}, ErrStoreNotFound
}

func (s *MemoryStore) ListActiveGrants(_ context.Context, planID string) ([]AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	out := make([]AccessGrant, 0, 4)
	for _, g := range s.grants {
		if g.PlanID == planID && g.Active(now) {
			out = append(out, cloneGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.After(out[j].GrantedAt) })
	return out, nil
}

func (s *MemoryStore) ListGrantHistory(_ context.Context, planID string) ([]AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AccessGrant, 0, 8)
	for _, g := range s.grants {
		if g.PlanID == planID {
			out = append(out, cloneGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.After(out[j].GrantedAt) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneGrant(g AccessGrant) AccessGrant {
	out := g
	if g.Permissions != nil {
		out.Permissions = make([]Permission, len(g.Permissions))
		copy(out.Permissions, g.Permissions)
	}
	return out
}
