package rbac

import "fmt"

// Permission names referenced by code. Routes and handlers gate on these
// constants, never on ad hoc strings; VerifyRegistry checks at boot that every
// constant exists in the catalog so a typo fails startup instead of silently
// denying at runtime.
const (
	PermUsersRead   = "users:read"
	PermUsersCreate = "users:create"
	PermUsersUpdate = "users:update"
	PermUsersDelete = "users:delete"
	PermUsersManage = "users:manage"

	PermRolesRead   = "roles:read"
	PermRolesManage = "roles:manage"
	PermRolesAssign = "roles:assign"

	PermPermissionsRead   = "permissions:read"
	PermPermissionsManage = "permissions:manage"

	PermAuditRead = "audit:read"
)

// Built-in role names. System roles can never be renamed or deleted.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleManager    = "manager"
	RoleUser       = "user"
	RoleGuest      = "guest"
)

// PermissionSpec declares one catalog entry.
type PermissionSpec struct {
	Name        string
	Resource    string
	Action      string
	Description string
}

// RoleSpec declares one built-in role and its permission bundle.
type RoleSpec struct {
	Name        string
	Description string
	Permissions []string
}

// BuiltinPermissions returns the fixed permission vocabulary seeded at boot.
func BuiltinPermissions() []PermissionSpec {
	return []PermissionSpec{
		{PermUsersRead, "users", "read", "View user accounts"},
		{PermUsersCreate, "users", "create", "Create user accounts"},
		{PermUsersUpdate, "users", "update", "Update user accounts"},
		{PermUsersDelete, "users", "delete", "Deactivate user accounts"},
		{PermUsersManage, "users", "manage", "Edit administrative user fields"},
		{PermRolesRead, "roles", "read", "View roles and their permissions"},
		{PermRolesManage, "roles", "manage", "Create, update and delete roles"},
		{PermRolesAssign, "roles", "assign", "Assign roles to users"},
		{PermPermissionsRead, "permissions", "read", "View the permission catalog and user permissions"},
		{PermPermissionsManage, "permissions", "manage", "Edit the catalog and user permission overrides"},
		{PermAuditRead, "audit", "read", "View the audit log"},
	}
}

// SystemRoles returns the built-in roles seeded at boot.
func SystemRoles() []RoleSpec {
	all := make([]string, 0, len(BuiltinPermissions()))
	for _, p := range BuiltinPermissions() {
		all = append(all, p.Name)
	}
	return []RoleSpec{
		{RoleSuperAdmin, "Full access to every capability", all},
		{RoleAdmin, "Administers users, roles and permissions", []string{
			PermUsersRead, PermUsersCreate, PermUsersUpdate, PermUsersDelete, PermUsersManage,
			PermRolesRead, PermRolesAssign,
			PermPermissionsRead,
			PermAuditRead,
		}},
		{RoleManager, "Manages user accounts", []string{
			PermUsersRead, PermUsersUpdate,
			PermRolesRead,
		}},
		{RoleUser, "Default role for registered users", []string{
			PermUsersRead,
		}},
		{RoleGuest, "Unprivileged placeholder role", nil},
	}
}

// VerifyRegistry checks that every permission referenced by the built-in role
// bundles exists in the declared vocabulary. Run at boot.
func VerifyRegistry() error {
	known := make(map[string]struct{}, len(BuiltinPermissions()))
	for _, p := range BuiltinPermissions() {
		if p.Name != p.Resource+":"+p.Action {
			return fmt.Errorf("rbac: permission %q does not match resource:action %q:%q", p.Name, p.Resource, p.Action)
		}
		known[p.Name] = struct{}{}
	}
	for _, role := range SystemRoles() {
		for _, perm := range role.Permissions {
			if _, ok := known[perm]; !ok {
				return fmt.Errorf("rbac: role %q references unknown permission %q", role.Name, perm)
			}
		}
	}
	return nil
}
