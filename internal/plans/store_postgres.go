package plans

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPlanSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPlanSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			is_private BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_plans_owner_created ON plans (owner_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
			parent_task_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT '',
			requirement_ids TEXT[] NOT NULL DEFAULT '{}',
			assigned_agent_id TEXT NOT NULL DEFAULT '',
			time_spent_minutes INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_plan_created ON tasks (plan_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks (parent_task_id);`,
		`CREATE TABLE IF NOT EXISTS task_status_history (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			changed_by TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_history_task_created ON task_status_history (task_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS agent_outputs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			output_type TEXT NOT NULL,
			content TEXT NOT NULL,
			agent_session_id TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_outputs_task_created ON agent_outputs (task_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS access_grants (
			id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
			agent_session_id TEXT NOT NULL,
			agent_name TEXT NOT NULL DEFAULT '',
			permissions TEXT[] NOT NULL DEFAULT '{}',
			granted_by TEXT NOT NULL,
			granted_at TIMESTAMPTZ NOT NULL,
			revoked_at TIMESTAMPTZ NULL,
			expires_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_grants_plan_agent ON access_grants (plan_id, agent_session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_grants_plan_granted ON access_grants (plan_id, granted_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init plan schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreatePlan(ctx context.Context, plan Plan) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plans (id, owner_id, title, description, status, is_private, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		plan.ID, plan.OwnerID, plan.Title, plan.Description, string(plan.Status), plan.IsPrivate, plan.CreatedAt, plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, planID string) (Plan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, title, description, status, is_private, created_at, updated_at
		   FROM plans WHERE id=$1`, planID)
	var (
		plan   Plan
		status string
	)
	if err := row.Scan(&plan.ID, &plan.OwnerID, &plan.Title, &plan.Description, &status, &plan.IsPrivate, &plan.CreatedAt, &plan.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return Plan{}, ErrStoreNotFound
		}
		return Plan{}, fmt.Errorf("get plan: %w", err)
	}
	plan.Status = PlanStatus(status)
	return plan, nil
}

func (s *PostgresStore) UpdatePlan(ctx context.Context, plan Plan) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE plans SET title=$2, description=$3, status=$4, is_private=$5, updated_at=$6 WHERE id=$1`,
		plan.ID, plan.Title, plan.Description, string(plan.Status), plan.IsPrivate, plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) ListPlansByOwner(ctx context.Context, ownerID string, limit int) ([]Plan, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, title, description, status, is_private, created_at, updated_at
		   FROM plans WHERE owner_id=$1 ORDER BY created_at DESC LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	out := make([]Plan, 0, limit)
	for rows.Next() {
		var (
			plan   Plan
			status string
		)
		if err := rows.Scan(&plan.ID, &plan.OwnerID, &plan.Title, &plan.Description, &status, &plan.IsPrivate, &plan.CreatedAt, &plan.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan plan row: %w", err)
		}
		plan.Status = PlanStatus(status)
		out = append(out, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plan rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (
			id, plan_id, parent_task_id, title, description, status, priority,
			requirement_ids, assigned_agent_id, time_spent_minutes, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		task.ID, task.PlanID, task.ParentTaskID, task.Title, task.Description, string(task.Status),
		task.Priority, requirementIDs(task), task.AssignedAgentID, task.TimeSpentMinutes, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx, taskSelect+` WHERE id=$1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task Task) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET title=$2, description=$3, priority=$4, requirement_ids=$5,
		        assigned_agent_id=$6, time_spent_minutes=$7, updated_at=$8
		  WHERE id=$1`,
		task.ID, task.Title, task.Description, task.Priority, requirementIDs(task),
		task.AssignedAgentID, task.TimeSpentMinutes, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`WITH RECURSIVE subtree AS (
			SELECT id FROM tasks WHERE id=$1
			UNION ALL
			SELECT t.id FROM tasks t JOIN subtree s ON t.parent_task_id = s.id
		)
		DELETE FROM tasks WHERE id IN (SELECT id FROM subtree) RETURNING id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("delete task subtree: %w", err)
	}
	defer rows.Close()

	deleted := make([]string, 0, 4)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted task id: %w", err)
		}
		deleted = append(deleted, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted task ids: %w", err)
	}
	if len(deleted) == 0 {
		return nil, ErrStoreNotFound
	}
	return deleted, nil
}

func (s *PostgresStore) ListTasksByPlan(ctx context.Context, planID string) ([]Task, error) {
	return s.listTasks(ctx, taskSelect+` WHERE plan_id=$1 ORDER BY created_at ASC`, planID)
}

func (s *PostgresStore) ListSubtasks(ctx context.Context, parentTaskID string) ([]Task, error) {
	return s.listTasks(ctx, taskSelect+` WHERE parent_task_id=$1 ORDER BY created_at ASC`, parentTaskID)
}

func (s *PostgresStore) listTasks(ctx context.Context, query string, arg any) ([]Task, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, 8)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, entry StatusHistoryEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE tasks SET status=$2, updated_at=$3 WHERE id=$1`,
		taskID, string(status), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO task_status_history (id, task_id, from_status, to_status, changed_by, reason, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.ID, entry.TaskID, string(entry.FromStatus), string(entry.ToStatus), entry.ChangedBy, entry.Reason, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStatusHistory(ctx context.Context, taskID string) ([]StatusHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, from_status, to_status, changed_by, reason, created_at
		   FROM task_status_history WHERE task_id=$1 ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	out := make([]StatusHistoryEntry, 0, 8)
	for rows.Next() {
		var (
			e    StatusHistoryEntry
			from string
			to   string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &from, &to, &e.ChangedBy, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.FromStatus = TaskStatus(from)
		e.ToStatus = TaskStatus(to)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AddAgentOutput(ctx context.Context, output AgentOutput) error {
	meta := output.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal output metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_outputs (id, task_id, output_type, content, agent_session_id, agent_name, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		output.ID, output.TaskID, string(output.OutputType), output.Content,
		output.AgentSessionID, output.AgentName, metaJSON, output.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent output: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAgentOutputs(ctx context.Context, taskID string) ([]AgentOutput, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, output_type, content, agent_session_id, agent_name, metadata, created_at
		   FROM agent_outputs WHERE task_id=$1 ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list agent outputs: %w", err)
	}
	defer rows.Close()

	out := make([]AgentOutput, 0, 8)
	for rows.Next() {
		var (
			o        AgentOutput
			outType  string
			metaJSON []byte
		)
		if err := rows.Scan(&o.ID, &o.TaskID, &outType, &o.Content, &o.AgentSessionID, &o.AgentName, &metaJSON, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output row: %w", err)
		}
		o.OutputType = OutputType(outType)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &o.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal output metadata: %w", err)
			}
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate output rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) InsertGrant(ctx context.Context, grant AccessGrant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Supersede: a single active grant per (plan, agent session).
	_, err = tx.Exec(ctx,
		`UPDATE access_grants SET revoked_at=$3
		  WHERE plan_id=$1 AND agent_session_id=$2 AND revoked_at IS NULL`,
		grant.PlanID, grant.AgentSessionID, grant.GrantedAt,
	)
	if err != nil {
		return fmt.Errorf("supersede prior grant: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO access_grants (id, plan_id, agent_session_id, agent_name, permissions, granted_by, granted_at, revoked_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		grant.ID, grant.PlanID, grant.AgentSessionID, grant.AgentName, permissionStrings(grant.Permissions),
		grant.GrantedBy, grant.GrantedAt, grant.RevokedAt, grant.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeGrant(ctx context.Context, planID, agentSessionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE access_grants SET revoked_at=$3
		  WHERE plan_id=$1 AND agent_session_id=$2 AND revoked_at IS NULL`,
		planID, agentSessionID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("revoke grant: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RevokeAllGrants(ctx context.Context, planID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE access_grants SET revoked_at=$2 WHERE plan_id=$1 AND revoked_at IS NULL`,
		planID, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("revoke all grants: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ActiveGrant(ctx context.Context, planID, agentSessionID string) (AccessGrant, error) {
	row := s.pool.QueryRow(ctx, grantSelect+`
		  WHERE plan_id=$1 AND agent_session_id=$2 AND revoked_at IS NULL
		  ORDER BY granted_at DESC LIMIT 1`, planID, agentSessionID)
	grant, err := scanGrant(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return AccessGrant{}, ErrStoreNotFound
		}
		return AccessGrant{}, fmt.Errorf("get active grant: %w", err)
	}
	return grant, nil
}

func (s *PostgresStore) LatestGrant(ctx context.Context, planID, agentSessionID string) (AccessGrant, error) {
	row := s.pool.QueryRow(ctx, grantSelect+`
		  WHERE plan_id=$1 AND agent_session_id=$2
		  ORDER BY granted_at DESC LIMIT 1`, planID, agentSessionID)
	grant, err := scanGrant(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return AccessGrant{}, ErrStoreNotFound
		}
		return AccessGrant{}, fmt.Errorf("get latest grant: %w", err)
	}
	return grant, nil
}

func (s *PostgresStore) ListActiveGrants(ctx context.Context, planID string) ([]AccessGrant, error) {
	return s.listGrants(ctx, grantSelect+`
		  WHERE plan_id=$1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > NOW())
		  ORDER BY granted_at DESC`, planID)
}

func (s *PostgresStore) ListGrantHistory(ctx context.Context, planID string) ([]AccessGrant, error) {
	return s.listGrants(ctx, grantSelect+` WHERE plan_id=$1 ORDER BY granted_at DESC`, planID)
}

func (s *PostgresStore) listGrants(ctx context.Context, query, planID string) ([]AccessGrant, error) {
	rows, err := s.pool.Query(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	out := make([]AccessGrant, 0, 8)
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant row: %w", err)
		}
		out = append(out, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grant rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const taskSelect = `SELECT id, plan_id, parent_task_id, title, description, status, priority,
       requirement_ids, assigned_agent_id, time_spent_minutes, created_at, updated_at
  FROM tasks`

const grantSelect = `SELECT id, plan_id, agent_session_id, agent_name, permissions, granted_by, granted_at, revoked_at, expires_at
  FROM access_grants`

func scanTask(row pgx.Row) (Task, error) {
	var (
		task   Task
		status string
		reqIDs []string
	)
	if err := row.Scan(
		&task.ID,
		&task.PlanID,
		&task.ParentTaskID,
		&task.Title,
		&task.Description,
		&status,
		&task.Priority,
		&reqIDs,
		&task.AssignedAgentID,
		&task.TimeSpentMinutes,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return Task{}, err
	}
	task.Status = TaskStatus(status)
	task.RequirementIDs = reqIDs
	return task, nil
}

func scanGrant(row pgx.Row) (AccessGrant, error) {
	var (
		grant AccessGrant
		perms []string
	)
	if err := row.Scan(
		&grant.ID,
		&grant.PlanID,
		&grant.AgentSessionID,
		&grant.AgentName,
		&perms,
		&grant.GrantedBy,
		&grant.GrantedAt,
		&grant.RevokedAt,
		&grant.ExpiresAt,
	); err != nil {
		return AccessGrant{}, err
	}
	grant.Permissions = make([]Permission, 0, len(perms))
	for _, p := range perms {
		grant.Permissions = append(grant.Permissions, Permission(p))
	}
	return grant, nil
}

func requirementIDs(task Task) []string {
	if task.RequirementIDs == nil {
		return []string{}
	}
	return task.RequirementIDs
}

func permissionStrings(perms []Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, string(p))
	}
	return out
}
