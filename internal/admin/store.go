package admin

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RoleGrant is one (user, role) assignment. Grants are soft-deleted on
// revocation: IsActive flips to false and RevokedAt is set, the row is never
// removed, preserving audit history.
type RoleGrant struct {
	ID        uuid.UUID  `json:"id"`
	UserID    string     `json:"user_id"`
	Role      Role       `json:"role"`
	GrantedBy string     `json:"granted_by"`
	IsActive  bool       `json:"is_active"`
	GrantedAt time.Time  `json:"granted_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	RevokedBy string     `json:"revoked_by,omitempty"`
}

// GrantStore persists role grants.
type GrantStore interface {
	// Grant creates an active grant of role to userID. Granting an already
	// active (user, role) pair is a conflict.
	Grant(ctx context.Context, userID string, role Role, grantedBy string) (RoleGrant, error)

	// Revoke soft-deletes the active grant of role for userID. A revoked
	// grant must never contribute permissions again.
	Revoke(ctx context.Context, userID string, role Role, revokedBy string) error

	// ActiveRoles returns the roles from active, unrevoked grants only.
	ActiveRoles(ctx context.Context, userID string) ([]Role, error)

	// ListGrants returns every grant for userID, active and revoked.
	ListGrants(ctx context.Context, userID string) ([]RoleGrant, error)
}
