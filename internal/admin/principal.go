package admin

import (
	"context"
	"time"
)

// Principal is an authenticated administrator with resolved active roles.
// Engine calls take the principal as an explicit parameter; there is no
// ambient "current admin" state.
type Principal struct {
	UserID   string
	Email    string
	Roles    []Role
	IssuedAt time.Time
	// IP and UserAgent are captured at the transport edge for audit entries.
	IP        string
	UserAgent string
}

// HasPermission reports whether the principal's active roles grant p.
func (p Principal) HasPermission(perm Permission) bool {
	return HasPermission(p.Roles, perm)
}

// RoleNames returns the principal's roles as plain strings, for audit
// entries recording role-at-time-of-action.
func (p Principal) RoleNames() []string {
	names := make([]string, 0, len(p.Roles))
	for _, r := range p.Roles {
		names = append(names, string(r))
	}
	return names
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &p)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
