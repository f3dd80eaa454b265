package plans

import "time"

type PlanStatus string

const (
	PlanStatusDraft     PlanStatus = "draft"
	PlanStatusActive    PlanStatus = "active"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusArchived  PlanStatus = "archived"
)

type TaskStatus string

const (
	TaskStatusNotStarted TaskStatus = "not_started"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusCompleted  TaskStatus = "completed"
)

// ValidTaskStatus reports whether s is one of the five task states.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusNotStarted, TaskStatusInProgress, TaskStatusPaused, TaskStatusBlocked, TaskStatusCompleted:
		return true
	default:
		return false
	}
}

type Permission string

const (
	PermissionRead       Permission = "read"
	PermissionUpdate     Permission = "update"
	PermissionCreateTask Permission = "create_task"
)

func ValidPermission(p Permission) bool {
	switch p {
	case PermissionRead, PermissionUpdate, PermissionCreateTask:
		return true
	default:
		return false
	}
}

type OutputType string

const (
	OutputTypeComment    OutputType = "comment"
	OutputTypeCode       OutputType = "code"
	OutputTypeFile       OutputType = "file"
	OutputTypeCompletion OutputType = "completion"
)

func ValidOutputType(t OutputType) bool {
	switch t {
	case OutputTypeComment, OutputTypeCode, OutputTypeFile, OutputTypeCompletion:
		return true
	default:
		return false
	}
}

type Plan struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      PlanStatus `json:"status"`
	IsPrivate   bool       `json:"is_private"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Task struct {
	ID               string     `json:"id"`
	PlanID           string     `json:"plan_id"`
	ParentTaskID     string     `json:"parent_task_id,omitempty"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           TaskStatus `json:"status"`
	Priority         string     `json:"priority,omitempty"`
	RequirementIDs   []string   `json:"requirement_ids,omitempty"`
	AssignedAgentID  string     `json:"assigned_agent_id,omitempty"`
	TimeSpentMinutes int        `json:"time_spent_minutes"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Terminal reports whether no further transitions are allowed.
func (t Task) Terminal() bool {
	return t.Status == TaskStatusCompleted
}

func (t Task) Clone() Task {
	out := t
	if t.RequirementIDs != nil {
		out.RequirementIDs = make([]string, len(t.RequirementIDs))
		copy(out.RequirementIDs, t.RequirementIDs)
	}
	return out
}

// StatusHistoryEntry records one accepted transition. Append-only.
type StatusHistoryEntry struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	FromStatus TaskStatus `json:"from_status"`
	ToStatus   TaskStatus `json:"to_status"`
	ChangedBy  string     `json:"changed_by"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AgentOutput is an append-only artifact attached to a task.
type AgentOutput struct {
	ID             string            `json:"id"`
	TaskID         string            `json:"task_id"`
	OutputType     OutputType        `json:"output_type"`
	Content        string            `json:"content"`
	AgentSessionID string            `json:"agent_session_id,omitempty"`
	AgentName      string            `json:"agent_name,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// AccessGrant is append-only with soft revocation so the audit trail
// survives revocation.
type AccessGrant struct {
	ID             string       `json:"id"`
	PlanID         string       `json:"plan_id"`
	AgentSessionID string       `json:"agent_session_id"`
	AgentName      string       `json:"agent_name,omitempty"`
	Permissions    []Permission `json:"permissions"`
	GrantedBy      string       `json:"granted_by"`
	GrantedAt      time.Time    `json:"granted_at"`
	RevokedAt      *time.Time   `json:"revoked_at,omitempty"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
}

// Active reports whether the grant is neither revoked nor expired at now.
func (g AccessGrant) Active(now time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Has reports whether the grant carries the permission.
func (g AccessGrant) Has(p Permission) bool {
	for _, perm := range g.Permissions {
		if perm == p {
			return true
		}
	}
	return false
}

// Actor identifies a caller: a human user, or an agent session acting on a
// user's behalf. For agent callers AgentSessionID is set and is what
// authorization and history attribution key on.
type Actor struct {
	UserID         string `json:"user_id,omitempty"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
	AgentName      string `json:"agent_name,omitempty"`
}

// Ref is the identity recorded in status history (changedBy).
func (a Actor) Ref() string {
	if a.AgentSessionID != "" {
		return a.AgentSessionID
	}
	return a.UserID
}

func (a Actor) IsAgent() bool { return a.AgentSessionID != "" }
