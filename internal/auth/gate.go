package auth

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/saasops/adminservice/internal/admin"
	"github.com/saasops/adminservice/internal/domain"
	"github.com/saasops/adminservice/internal/log"
	"github.com/saasops/adminservice/internal/metrics"
)

// TokenSource validates a bearer credential and returns session claims.
type TokenSource interface {
	Validate(token string) (SessionClaims, error)
}

// Gate is the authorization gate every admin request passes through before
// any business logic runs: authenticate, resolve active roles, check the
// permission. It fails closed: any role lookup error denies access.
type Gate struct {
	tokens    TokenSource
	grants    admin.GrantStore
	cache     *admin.RoleCache
	freshness time.Duration
	now       func() time.Time
}

// NewGate creates an authorization gate. freshness is the maximum session
// age accepted for sensitive operations; cache may be nil.
func NewGate(tokens TokenSource, grants admin.GrantStore, cache *admin.RoleCache, freshness time.Duration) *Gate {
	return &Gate{
		tokens:    tokens,
		grants:    grants,
		cache:     cache,
		freshness: freshness,
		now:       time.Now,
	}
}

// Authenticate validates the bearer credential and resolves the caller's
// active roles. A role lookup failure denies access rather than defaulting
// to allow.
func (g *Gate) Authenticate(ctx context.Context, bearer string) (admin.Principal, error) {
	claims, err := g.tokens.Validate(bearer)
	if err != nil {
		metrics.AuthDecisions.WithLabelValues("unauthenticated").Inc()
		return admin.Principal{}, err
	}

	roles, err := g.resolveRoles(ctx, claims.UserID)
	if err != nil {
		// Fail closed.
		log.Error(ctx, "role resolution failed, denying access",
			zap.Error(err), zap.String("user_id", claims.UserID))
		metrics.AuthDecisions.WithLabelValues("denied").Inc()
		return admin.Principal{}, domain.NewAuthorizationError(
			"could not resolve administrator roles", "")
	}
	if len(roles) == 0 {
		metrics.AuthDecisions.WithLabelValues("denied").Inc()
		return admin.Principal{}, domain.NewAuthorizationError(
			"not an administrator", "")
	}

	return admin.Principal{
		UserID:   claims.UserID,
		Email:    claims.Email,
		Roles:    roles,
		IssuedAt: claims.IssuedAt,
	}, nil
}

// Require checks that p holds perm. Sensitive operations additionally
// require the session to be younger than the freshness window, even if the
// token itself is still valid.
func (g *Gate) Require(p admin.Principal, perm admin.Permission, sensitive bool) error {
	if sensitive && g.freshness > 0 {
		if p.IssuedAt.IsZero() || g.now().Sub(p.IssuedAt) > g.freshness {
			metrics.AuthDecisions.WithLabelValues("stale_session").Inc()
			return domain.NewAuthenticationError(
				"session too old for this operation, please re-authenticate")
		}
	}
	if perm != "" && !p.HasPermission(perm) {
		metrics.AuthDecisions.WithLabelValues("denied").Inc()
		return domain.NewAuthorizationError(
			"insufficient permissions",
			fmt.Sprintf("required permission: %s", perm))
	}
	metrics.AuthDecisions.WithLabelValues("allowed").Inc()
	return nil
}

// CheckPermission reports whether userID currently holds perm, resolving
// active roles only. Exposed to UI and reporting layers.
func (g *Gate) CheckPermission(ctx context.Context, userID string, perm admin.Permission) (bool, error) {
	roles, err := g.resolveRoles(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("resolve roles: %w", err)
	}
	return admin.HasPermission(roles, perm), nil
}

// GetRoles returns the active roles of userID.
func (g *Gate) GetRoles(ctx context.Context, userID string) ([]admin.Role, error) {
	return g.resolveRoles(ctx, userID)
}

// resolveRoles reads the active role set, serving from cache when possible.
// The cache is invalidated on every grant and revoke, so a revoked role
// stops contributing permissions immediately.
func (g *Gate) resolveRoles(ctx context.Context, userID string) ([]admin.Role, error) {
	if roles, ok := g.cache.Get(ctx, userID); ok {
		return roles, nil
	}
	roles, err := g.grants.ActiveRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	g.cache.Set(ctx, userID, roles)
	return roles, nil
}
