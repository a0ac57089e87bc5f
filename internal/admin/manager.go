package admin

import (
	"context"

	"go.uber.org/zap"

	"github.com/saasops/adminservice/internal/audit"
	"github.com/saasops/adminservice/internal/domain"
	"github.com/saasops/adminservice/internal/log"
	"github.com/saasops/adminservice/internal/repository"
)

// Manager handles role grants and revocations. Every change invalidates the
// role cache, so a revoked role stops contributing permissions immediately,
// and lands in the audit log atomically with the grant row.
type Manager struct {
	grants  GrantStore
	cache   *RoleCache
	auditor *audit.Recorder
	uow     repository.UnitOfWork
}

// NewManager creates a role manager.
func NewManager(grants GrantStore, cache *RoleCache, auditor *audit.Recorder, uow repository.UnitOfWork) *Manager {
	return &Manager{grants: grants, cache: cache, auditor: auditor, uow: uow}
}

// Grant assigns role to userID. Granting an already active role is a
// conflict.
func (m *Manager) Grant(ctx context.Context, p Principal, userID string, role Role) (RoleGrant, error) {
	if !ValidRole(role) {
		return RoleGrant{}, domain.NewValidationError("unknown role", string(role))
	}
	if userID == "" {
		return RoleGrant{}, domain.NewValidationError("user id is required", "")
	}

	// The cache is cleared before the change is committed: if the delete
	// fails, nothing has changed and the cached set is still correct.
	if err := m.cache.Invalidate(ctx, userID); err != nil {
		return RoleGrant{}, domain.NewInternalError("failed to invalidate role cache", err.Error())
	}

	var grant RoleGrant
	err := m.uow.Within(ctx, func(ctx context.Context) error {
		var err error
		grant, err = m.grants.Grant(ctx, userID, role, p.UserID)
		if err != nil {
			return err
		}
		return m.auditor.Record(ctx, audit.Entry{
			AdminID:        p.UserID,
			Roles:          p.RoleNames(),
			Action:         "role.grant",
			ResourceType:   "role_grant",
			ResourceID:     grant.ID.String(),
			AffectedUserID: userID,
			Details:        map[string]any{"role": string(role)},
			IP:             p.IP,
			UserAgent:      p.UserAgent,
		})
	})
	if err != nil {
		return RoleGrant{}, err
	}

	if err := m.cache.Invalidate(ctx, userID); err != nil {
		return RoleGrant{}, domain.NewInternalError("role granted but cache invalidation failed", err.Error())
	}

	log.Info(ctx, "role granted",
		zap.String("user_id", userID),
		zap.String("role", string(role)),
		zap.String("granted_by", p.UserID))
	return grant, nil
}

// Revoke soft-deletes the active grant of role for userID. The grant row
// survives with is_active=false for audit history. A failed cache
// invalidation fails the revoke: a cached role set must never outlive the
// grant backing it.
func (m *Manager) Revoke(ctx context.Context, p Principal, userID string, role Role) error {
	if !ValidRole(role) {
		return domain.NewValidationError("unknown role", string(role))
	}

	if err := m.cache.Invalidate(ctx, userID); err != nil {
		return domain.NewInternalError("failed to invalidate role cache", err.Error())
	}

	err := m.uow.Within(ctx, func(ctx context.Context) error {
		if err := m.grants.Revoke(ctx, userID, role, p.UserID); err != nil {
			return err
		}
		return m.auditor.Record(ctx, audit.Entry{
			AdminID:        p.UserID,
			Roles:          p.RoleNames(),
			Action:         "role.revoke",
			ResourceType:   "role_grant",
			ResourceID:     userID,
			AffectedUserID: userID,
			Details:        map[string]any{"role": string(role)},
			IP:             p.IP,
			UserAgent:      p.UserAgent,
		})
	})
	if err != nil {
		return err
	}

	// Clear again after commit in case a concurrent permission check
	// repopulated the key from a pre-commit read.
	if err := m.cache.Invalidate(ctx, userID); err != nil {
		return domain.NewInternalError("role revoked but cache invalidation failed", err.Error())
	}

	log.Info(ctx, "role revoked",
		zap.String("user_id", userID),
		zap.String("role", string(role)),
		zap.String("revoked_by", p.UserID))
	return nil
}

// ListGrants returns every grant for userID, active and revoked.
func (m *Manager) ListGrants(ctx context.Context, userID string) ([]RoleGrant, error) {
	return m.grants.ListGrants(ctx, userID)
}
