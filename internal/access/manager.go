// Package access manages scoped, time-bounded permissions for agent
// sessions. Grants are append-only with soft revocation: revoking sets
// revokedAt and is effective for the very next authorization check, with no
// cache between this manager and the store. Expiry is checked lazily at
// authorization time; no background sweeper exists.
package access

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

type GrantRequest struct {
	PlanID         string
	AgentSessionID string
	AgentName      string
	Permissions    []plans.Permission
	ExpiresAt      *time.Time
}

// Grant issues a new grant, superseding any active grant for the same
// (planID, agentSessionID) so authorization stays single-valued. Only the
// plan owner may grant.
func (m *Manager) Grant(ctx context.Context, ownerID string, req GrantRequest) (plans.AccessGrant, error) {
	req.AgentSessionID = strings.TrimSpace(req.AgentSessionID)
	if req.AgentSessionID == "" {
		return plans.AccessGrant{}, fmt.Errorf("%w: agent_session_id is required", plans.ErrValidation)
	}
	if len(req.Permissions) == 0 {
		return plans.AccessGrant{}, fmt.Errorf("%w: at least one permission is required", plans.ErrValidation)
	}
	for _, p := range req.Permissions {
		if !plans.ValidPermission(p) {
			return plans.AccessGrant{}, fmt.Errorf("%w: unknown permission %q", plans.ErrValidation, p)
		}
	}
	if _, err := m.ownedPlan(ctx, ownerID, req.PlanID); err != nil {
		return plans.AccessGrant{}, err
	}

	grant := plans.AccessGrant{
		ID:             uuid.NewString(),
		PlanID:         req.PlanID,
		AgentSessionID: req.AgentSessionID,
		AgentName:      strings.TrimSpace(req.AgentName),
		Permissions:    req.Permissions,
		GrantedBy:      ownerID,
		GrantedAt:      time.Now().UTC(),
		ExpiresAt:      req.ExpiresAt,
	}
	if err := m.store.InsertGrant(ctx, grant); err != nil {
		return plans.AccessGrant{}, err
	}
	return grant, nil
}

// Revoke soft-revokes the active grant for the pair. From the instant of
// commit every subsequent authorization check against it fails.
func (m *Manager) Revoke(ctx context.Context, ownerID, planID, agentSessionID string) error {
	if _, err := m.ownedPlan(ctx, ownerID, planID); err != nil {
		return err
	}
	revoked, err := m.store.RevokeGrant(ctx, planID, agentSessionID)
	if err != nil {
		return err
	}
	if !revoked {
		return fmt.Errorf("%w: grant", plans.ErrNotFound)
	}
	return nil
}

// RevokeAll revokes every active grant for the plan and returns the count.
func (m *Manager) RevokeAll(ctx context.Context, ownerID, planID string) (int, error) {
	if _, err := m.ownedPlan(ctx, ownerID, planID); err != nil {
		return 0, err
	}
	return m.store.RevokeAllGrants(ctx, planID)
}

// AgentsWithAccess lists active grants: not revoked and not expired.
func (m *Manager) AgentsWithAccess(ctx context.Context, ownerID, planID string) ([]plans.AccessGrant, error) {
	if _, err := m.ownedPlan(ctx, ownerID, planID); err != nil {
		return nil, err
	}
	return m.store.ListActiveGrants(ctx, planID)
}

// AccessHistory lists all grants, active and revoked, grantedAt descending.
func (m *Manager) AccessHistory(ctx context.Context, ownerID, planID string) ([]plans.AccessGrant, error) {
	if _, err := m.ownedPlan(ctx, ownerID, planID); err != nil {
		return nil, err
	}
	return m.store.ListGrantHistory(ctx, planID)
}

// Authorize answers whether the actor may perform the operation requiring
// the permission on the plan. Owners implicitly hold all permissions. Agent
// callers need an active grant containing the permission: ErrNotFound when
// the pair has no grant history at all, ErrForbidden when a grant exists
// but is revoked, lapsed or lacks the permission.
func (m *Manager) Authorize(ctx context.Context, planID string, actor plans.Actor, required plans.Permission) error {
	plan, err := m.store.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, plans.ErrStoreNotFound) {
			return fmt.Errorf("%w: plan", plans.ErrNotFound)
		}
		return err
	}
	if !actor.IsAgent() {
		if actor.UserID == plan.OwnerID {
			return nil
		}
		if !plan.IsPrivate && required == plans.PermissionRead {
			return nil
		}
		return fmt.Errorf("%w: not the plan owner", plans.ErrForbidden)
	}

	grant, err := m.store.ActiveGrant(ctx, planID, actor.AgentSessionID)
	if err != nil {
		if !errors.Is(err, plans.ErrStoreNotFound) {
			return err
		}
		// A revoked grant is still a grant: the agent was known to the
		// plan, so the denial is Forbidden rather than NotFound.
		if _, lerr := m.store.LatestGrant(ctx, planID, actor.AgentSessionID); lerr == nil {
			return fmt.Errorf("%w: grant revoked", plans.ErrForbidden)
		} else if !errors.Is(lerr, plans.ErrStoreNotFound) {
			return lerr
		}
		return fmt.Errorf("%w: no grant for agent session", plans.ErrNotFound)
	}
	if !grant.Active(time.Now().UTC()) {
		return fmt.Errorf("%w: grant expired", plans.ErrForbidden)
	}
	if !grant.Has(required) {
		return fmt.Errorf("%w: grant lacks %q", plans.ErrForbidden, required)
	}
	return nil
}

func (m *Manager) ownedPlan(ctx context.Context, ownerID, planID string) (plans.Plan, error) {
	plan, err := m.store.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, plans.ErrStoreNotFound) {
			return plans.Plan{}, fmt.Errorf("%w: plan", plans.ErrNotFound)
		}
		return plans.Plan{}, err
	}
	if plan.OwnerID != ownerID {
		return plans.Plan{}, fmt.Errorf("%w: not the plan owner", plans.ErrForbidden)
	}
	return plan, nil
}
