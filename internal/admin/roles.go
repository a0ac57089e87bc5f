package admin

// Role is a named bundle of permissions grantable to a user.
type Role string

const (
	RoleSuperAdmin   Role = "super_admin"
	RoleSupportAdmin Role = "support_admin"
	RoleFinanceAdmin Role = "finance_admin"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleSuperAdmin, RoleSupportAdmin, RoleFinanceAdmin:
		return true
	}
	return false
}

// Permission is an atomic capability gating one class of operation.
type Permission string

const (
	PermViewUsers         Permission = "view_users"
	PermSuspendUsers      Permission = "suspend_users"
	PermProcessRefunds    Permission = "process_refunds"
	PermEditSubscriptions Permission = "edit_subscriptions"
	PermViewAuditLogs     Permission = "view_audit_logs"
	PermManageAdmins      Permission = "manage_admins"
)

// allPermissions lists every defined permission; SuperAdmin resolves to this.
var allPermissions = []Permission{
	PermViewUsers,
	PermSuspendUsers,
	PermProcessRefunds,
	PermEditSubscriptions,
	PermViewAuditLogs,
	PermManageAdmins,
}

// rolePermissions is the fixed role-to-permission mapping.
var rolePermissions = map[Role][]Permission{
	RoleSuperAdmin: allPermissions,
	RoleSupportAdmin: {
		PermViewUsers,
		PermSuspendUsers,
	},
	RoleFinanceAdmin: {
		PermViewUsers,
		PermProcessRefunds,
		PermEditSubscriptions,
	},
}

// PermissionsFor returns the union of the permission sets of the given
// roles. SuperAdmin short-circuits to all permissions. Unknown roles
// contribute nothing; the function is total and never fails.
func PermissionsFor(roles []Role) map[Permission]struct{} {
	perms := make(map[Permission]struct{})
	for _, r := range roles {
		if r == RoleSuperAdmin {
			for _, p := range allPermissions {
				perms[p] = struct{}{}
			}
			return perms
		}
	}
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			perms[p] = struct{}{}
		}
	}
	return perms
}

// HasPermission reports whether any of the given roles grants p.
func HasPermission(roles []Role, p Permission) bool {
	_, ok := PermissionsFor(roles)[p]
	return ok
}
