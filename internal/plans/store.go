package plans

import (
	"context"
	"errors"
	"strings"
)

var ErrStoreNotFound = errors.New("record not found in store")

// Store is the transactional persistence boundary for plans, tasks, status
// history, agent outputs and access grants.
type Store interface {
	CreatePlan(ctx context.Context, plan Plan) error
	GetPlan(ctx context.Context, planID string) (Plan, error)
	UpdatePlan(ctx context.Context, plan Plan) error
	ListPlansByOwner(ctx context.Context, ownerID string, limit int) ([]Plan, error)

	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	UpdateTask(ctx context.Context, task Task) error
	// DeleteTask removes the task and cascades to its subtasks, returning
	// the ids of every deleted task (the argument first).
	DeleteTask(ctx context.Context, taskID string) ([]string, error)
	ListTasksByPlan(ctx context.Context, planID string) ([]Task, error)
	ListSubtasks(ctx context.Context, parentTaskID string) ([]Task, error)

	// UpdateTaskStatus persists the new status and appends the history
	// entry in the same transaction.
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, entry StatusHistoryEntry) error
	ListStatusHistory(ctx context.Context, taskID string) ([]StatusHistoryEntry, error)

	AddAgentOutput(ctx context.Context, output AgentOutput) error
	ListAgentOutputs(ctx context.Context, taskID string) ([]AgentOutput, error)

	// InsertGrant revokes any active grant for the same
	// (planID, agentSessionID) and inserts the new one atomically.
	InsertGrant(ctx context.Context, grant AccessGrant) error
	// RevokeGrant soft-revokes the active grant; reports whether one existed.
	RevokeGrant(ctx context.Context, planID, agentSessionID string) (bool, error)
	RevokeAllGrants(ctx context.Context, planID string) (int, error)
	// ActiveGrant returns the non-revoked grant for the pair, expired or not;
	// expiry is the caller's concern (checked lazily at authorization time).
	ActiveGrant(ctx context.Context, planID, agentSessionID string) (AccessGrant, error)
	// LatestGrant returns the newest grant for the pair regardless of
	// revocation, so callers can tell a revoked grant from none at all.
	LatestGrant(ctx context.Context, planID, agentSessionID string) (AccessGrant, error)
	ListActiveGrants(ctx context.Context, planID string) ([]AccessGrant, error)
	// ListGrantHistory returns all grants for the plan, grantedAt descending.
	ListGrantHistory(ctx context.Context, planID string) ([]AccessGrant, error)

	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
