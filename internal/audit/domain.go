// Package audit records security-relevant events in an append-only log.
// Writes are best-effort: a failed audit write must never fail or mask the
// operation being audited.
package audit

import "time"

// Closed vocabulary of audit actions. New actions are added here, never
// invented at call sites.
const (
	ActionPermissionCheckSuccess = "permission_check_success"
	ActionPermissionCheckFailed  = "permission_check_failed"
	ActionRoleCheckFailed        = "role_check_failed"

	ActionRoleCreated   = "role_created"
	ActionRoleUpdated   = "role_updated"
	ActionRoleDeleted   = "role_deleted"
	ActionRoleAssigned  = "role_assigned"
	ActionRoleRemoved   = "role_removed"
	ActionRolesReplaced = "roles_replaced"

	ActionPermissionGranted    = "permission_granted"
	ActionPermissionRevoked    = "permission_revoked"
	ActionPermissionsBulkEdit  = "permissions_bulk_updated"
	ActionPermissionCreated    = "permission_created"
	ActionPermissionDeleted    = "permission_deleted"

	ActionUserRegistered       = "user_registered"
	ActionUserLogin            = "user_login"
	ActionUserUpdated          = "user_updated"
	ActionUserDeactivated      = "user_deactivated"
	ActionPasswordResetRequest = "password_reset_requested"
	ActionPasswordReset        = "password_reset"
)

// Event is a single audit record.
type Event struct {
	UserID     int64
	Action     string
	Resource   string
	ResourceID string
	Details    map[string]any
	IPAddress  string
	UserAgent  string
}

// Entry is a stored audit row.
type Entry struct {
	ID         int64          `json:"id"`
	UserID     int64          `json:"userId,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource,omitempty"`
	ResourceID string         `json:"resourceId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	IPAddress  string         `json:"ipAddress,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// TimelineFilters narrows a timeline query.
type TimelineFilters struct {
	UserID   int64
	Action   string
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

// PagingInfo describes the window returned by a timeline query.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	HasNext  bool `json:"hasNext"`
	PrevPage int  `json:"prevPage,omitempty"`
	NextPage int  `json:"nextPage,omitempty"`
}

// Result bundles timeline rows with paging information.
type Result struct {
	Entries []Entry    `json:"entries"`
	Paging  PagingInfo `json:"paging"`
}
