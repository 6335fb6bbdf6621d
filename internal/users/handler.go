package users

import (
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aegis-iam/aegis/internal/platform/httpx"
	"github.com/aegis-iam/aegis/internal/rbac"
	"github.com/aegis-iam/aegis/internal/shared"
)

// Handler manages user administration endpoints, including the nested
// user-role and user-permission routes.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	resolver    *rbac.Resolver
	assignments *rbac.Assignments
	overrides   *rbac.Overrides
	gate        *rbac.Gate
	validator   *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, resolver *rbac.Resolver, assignments *rbac.Assignments, overrides *rbac.Overrides, gate *rbac.Gate) *Handler {
	return &Handler{
		logger:      logger,
		service:     service,
		resolver:    resolver,
		assignments: assignments,
		overrides:   overrides,
		gate:        gate,
		validator:   validator.New(),
	}
}

// MountRoutes registers user administration routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.gate.RequirePermission(rbac.PermUsersRead)).Get("/", h.listUsers)
	r.Get("/{id}", h.getUser)
	r.Patch("/{id}", h.updateUser)
	r.With(h.gate.RequirePermission(rbac.PermUsersDelete)).Delete("/{id}", h.deactivateUser)

	r.Route("/{id}/roles", func(r chi.Router) {
		r.Get("/", h.listUserRoles)
		r.Group(func(r chi.Router) {
			r.Use(h.gate.RequirePermission(rbac.PermRolesAssign))
			r.Post("/", h.assignRole)
			r.Put("/", h.replaceRoles)
			r.Delete("/{roleID}", h.removeRole)
		})
	})

	r.Route("/{id}/permissions", func(r chi.Router) {
		r.Get("/", h.effectivePermissions)
		r.Get("/check", h.checkPermission)
		r.With(h.gate.RequirePermission(rbac.PermPermissionsRead)).Get("/overrides", h.listOverrides)
		r.Group(func(r chi.Router) {
			r.Use(h.gate.RequirePermission(rbac.PermPermissionsManage))
			r.Post("/", h.grantPermission)
			r.Put("/", h.bulkUpdatePermissions)
			r.Delete("/{permissionID}", h.revokePermission)
		})
	})
}

// allowSelfOr authorizes the request when it targets the caller's own
// account, otherwise demands the given permission. Writes the refusal itself.
func (h *Handler) allowSelfOr(w http.ResponseWriter, r *http.Request, targetID int64, permission string) bool {
	ident := shared.IdentityFromContext(r.Context())
	if ident == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return false
	}
	if ident.UserID == targetID {
		return true
	}
	allowed, err := h.gate.CheckPermission(r, ident.UserID, permission)
	if err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if !allowed {
		httpx.RespondError(w, httpx.ErrForbidden)
		return false
	}
	return true
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("perPage"))

	users, pagination, err := h.service.List(r.Context(), q.Get("search"), page, perPage)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": users, "pagination": pagination})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !h.allowSelfOr(w, r, id, rbac.PermUsersRead) {
		return
	}
	user, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

type updateUserRequest struct {
	Name          *string `json:"name" validate:"omitempty,min=1,max=128"`
	Email         *string `json:"email" validate:"omitempty,email"`
	IsActive      *bool   `json:"isActive"`
	EmailVerified *bool   `json:"emailVerified"`
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updateUserRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	// is_active and email_verified are admin-only, even on one's own account.
	if req.IsActive != nil || req.EmailVerified != nil {
		ident := shared.IdentityFromContext(r.Context())
		if ident == nil {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		allowed, err := h.gate.CheckPermission(r, ident.UserID, rbac.PermUsersManage)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		if !allowed {
			httpx.RespondError(w, httpx.ErrForbidden)
			return
		}
	} else if !h.allowSelfOr(w, r, id, rbac.PermUsersUpdate) {
		return
	}

	user, err := h.service.Update(r.Context(), callerID(r), id, UpdateParams{
		Name:          req.Name,
		Email:         req.Email,
		IsActive:      req.IsActive,
		EmailVerified: req.EmailVerified,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) deactivateUser(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Deactivate(r.Context(), callerID(r), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listUserRoles(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !h.allowSelfOr(w, r, id, rbac.PermRolesRead) {
		return
	}
	roles, err := h.assignments.ListForUser(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

type assignRoleRequest struct {
	RoleID    int64      `json:"roleId" validate:"required,gt=0"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req assignRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	actor := callerID(r)
	var assignedBy *int64
	if actor != 0 {
		assignedBy = &actor
	}
	if err := h.assignments.Assign(r.Context(), id, req.RoleID, assignedBy, req.ExpiresAt); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type replaceRolesRequest struct {
	RoleIDs []int64 `json:"roleIds" validate:"dive,gt=0"`
}

func (h *Handler) replaceRoles(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req replaceRolesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	if err := h.assignments.Replace(r.Context(), callerID(r), id, req.RoleIDs); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	roleID, err := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
	if err != nil || roleID <= 0 {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	if err := h.assignments.Remove(r.Context(), callerID(r), id, roleID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !h.allowSelfOr(w, r, id, rbac.PermPermissionsRead) {
		return
	}
	resolution, err := h.resolver.EffectivePermissions(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, resolution)
}

func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !h.allowSelfOr(w, r, id, rbac.PermPermissionsRead) {
		return
	}
	permission := r.URL.Query().Get("permission")
	if permission == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "permission query parameter is required")
		return
	}
	granted, err := h.resolver.HasPermission(r.Context(), id, permission)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permission": permission, "granted": granted})
}

func (h *Handler) listOverrides(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	overrides, err := h.overrides.ListForUser(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"overrides": overrides})
}

type grantPermissionRequest struct {
	PermissionID int64      `json:"permissionId" validate:"required,gt=0"`
	Granted      *bool      `json:"granted" validate:"required"`
	ExpiresAt    *time.Time `json:"expiresAt"`
	Reason       string     `json:"reason" validate:"max=500"`
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req grantPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	if err := h.overrides.Grant(r.Context(), callerID(r), id, rbac.GrantParams{
		PermissionID: req.PermissionID,
		Granted:      *req.Granted,
		ExpiresAt:    req.ExpiresAt,
		Reason:       req.Reason,
	}); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Entries may be empty: replaceAll with no entries clears every override.
type bulkPermissionsRequest struct {
	Entries    []rbac.BulkEntry `json:"entries" validate:"dive"`
	ReplaceAll bool             `json:"replaceAll"`
}

func (h *Handler) bulkUpdatePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req bulkPermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	results, err := h.overrides.BulkUpdate(r.Context(), callerID(r), id, req.Entries, req.ReplaceAll)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	permissionID, err := strconv.ParseInt(chi.URLParam(r, "permissionID"), 10, 64)
	if err != nil || permissionID <= 0 {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	if err := h.overrides.Revoke(r.Context(), callerID(r), id, permissionID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, httpx.ErrValidation
	}
	return id, nil
}

func callerID(r *http.Request) int64 {
	if ident := shared.IdentityFromContext(r.Context()); ident != nil {
		return ident.UserID
	}
	return 0
}
