package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saasops/adminservice/internal/admin"
	"github.com/saasops/adminservice/internal/domain"
)

type grantStore struct {
	store *Store
}

// Grant inserts an active (user, role) assignment. A partial unique index on
// active rows turns a double-grant into a conflict.
func (s *grantStore) Grant(ctx context.Context, userID string, role admin.Role, grantedBy string) (admin.RoleGrant, error) {
	g := admin.RoleGrant{
		ID:        uuid.New(),
		UserID:    userID,
		Role:      role,
		GrantedBy: grantedBy,
		IsActive:  true,
		GrantedAt: time.Now().UTC(),
	}
	_, err := s.store.db(ctx).Exec(ctx, `
		insert into admin_role_grants (id, user_id, role, granted_by, is_active, granted_at)
		values ($1, $2, $3, $4, $5, $6)
	`, g.ID, g.UserID, g.Role, g.GrantedBy, g.IsActive, g.GrantedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return admin.RoleGrant{}, domain.NewConflictError("role already granted",
				fmt.Sprintf("user %s role %s", userID, role))
		}
		return admin.RoleGrant{}, fmt.Errorf("grant role: %w", err)
	}
	return g, nil
}

// Revoke soft-deletes the active grant: the row stays for audit history.
func (s *grantStore) Revoke(ctx context.Context, userID string, role admin.Role, revokedBy string) error {
	tag, err := s.store.db(ctx).Exec(ctx, `
		update admin_role_grants set
			is_active = false, revoked_at = $1, revoked_by = $2
		where user_id = $3 and role = $4 and is_active = true
	`, time.Now().UTC(), revokedBy, userID, role)
	if err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("active role grant",
			fmt.Sprintf("user %s role %s", userID, role))
	}
	return nil
}

func (s *grantStore) ActiveRoles(ctx context.Context, userID string) ([]admin.Role, error) {
	rows, err := s.store.db(ctx).Query(ctx, `
		select role
		from admin_role_grants
		where user_id = $1 and is_active = true
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list active roles: %w", err)
	}
	defer rows.Close()

	var roles []admin.Role
	for rows.Next() {
		var r admin.Role
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *grantStore) ListGrants(ctx context.Context, userID string) ([]admin.RoleGrant, error) {
	rows, err := s.store.db(ctx).Query(ctx, `
		select id, user_id, role, granted_by, is_active, granted_at,
			revoked_at, coalesce(revoked_by, '')
		from admin_role_grants
		where user_id = $1
		order by granted_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var grants []admin.RoleGrant
	for rows.Next() {
		var g admin.RoleGrant
		if err := rows.Scan(&g.ID, &g.UserID, &g.Role, &g.GrantedBy,
			&g.IsActive, &g.GrantedAt, &g.RevokedAt, &g.RevokedBy); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
