// Package rbac implements role-based access control with direct per-user
// permission overrides: a permission catalog, role management, user-role
// assignments, override grants/denials, the effective-permission resolver and
// the HTTP access-control gate.
package rbac

import "time"

// Permission is an atomic capability, named resource:action.
type Permission struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Resource    string         `json:"resource"`
	Action      string         `json:"action"`
	Description string         `json:"description,omitempty"`
	Conditions  map[string]any `json:"conditions,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Role is a named, reusable bundle of permissions.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"isSystem"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RoleSummary is a role with its permission count, for listings.
type RoleSummary struct {
	Role
	PermissionCount int `json:"permissionCount"`
}

// RoleDetail is a role with its full permission bundle.
type RoleDetail struct {
	Role
	Permissions []Permission `json:"permissions"`
}

// UserRoleAssignment links a user to a role. An assignment is live only while
// IsActive is true and ExpiresAt is unset or in the future.
type UserRoleAssignment struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"userId"`
	RoleID     int64      `json:"roleId"`
	RoleName   string     `json:"roleName"`
	AssignedBy *int64     `json:"assignedBy,omitempty"`
	AssignedAt time.Time  `json:"assignedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	IsActive   bool       `json:"isActive"`
}

// UserPermissionOverride attaches a permission directly to a user, bypassing
// roles. Granted=false is an explicit deny that beats any role-derived grant.
type UserPermissionOverride struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"userId"`
	PermissionID   int64      `json:"permissionId"`
	PermissionName string     `json:"permissionName"`
	Granted        bool       `json:"granted"`
	AssignedBy     *int64     `json:"assignedBy,omitempty"`
	AssignedAt     time.Time  `json:"assignedAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// Permission sources in a resolution.
const (
	SourceRole   = "role"
	SourceDirect = "direct"
)

// EffectivePermission is one entry of a resolved permission set, with
// attribution to the source that decided it.
type EffectivePermission struct {
	PermissionID   int64      `json:"permissionId"`
	PermissionName string     `json:"permissionName"`
	Granted        bool       `json:"granted"`
	Source         string     `json:"source"`
	RoleName       string     `json:"roleName,omitempty"`
	AssignedBy     *int64     `json:"assignedBy,omitempty"`
	AssignedAt     *time.Time `json:"assignedAt,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// Resolution is a user's effective permission set. Only Granted entries feed
// authorization decisions; Denied is reported for inspection.
type Resolution struct {
	Granted []EffectivePermission `json:"grantedPermissions"`
	Denied  []EffectivePermission `json:"deniedPermissions"`
}

// GrantedNames returns the names of granted permissions.
func (r Resolution) GrantedNames() []string {
	names := make([]string, 0, len(r.Granted))
	for _, p := range r.Granted {
		names = append(names, p.PermissionName)
	}
	return names
}

// roleGrant is a permission reachable through a live role assignment.
type roleGrant struct {
	PermissionID   int64
	PermissionName string
	RoleName       string
}
