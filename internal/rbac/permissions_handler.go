package rbac

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aegis-iam/aegis/internal/platform/httpx"
	"github.com/aegis-iam/aegis/internal/shared"
)

// PermissionsHandler exposes the permission catalog to the admin console.
type PermissionsHandler struct {
	logger    *slog.Logger
	catalog   *Catalog
	gate      *Gate
	validator *validator.Validate
}

// NewPermissionsHandler builds a PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, catalog *Catalog, gate *Gate) *PermissionsHandler {
	return &PermissionsHandler{logger: logger, catalog: catalog, gate: gate, validator: validator.New()}
}

// MountRoutes registers permission catalog routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequirePermission(PermPermissionsRead))
		r.Get("/", h.listPermissions)
		r.Get("/resources", h.listResources)
		r.Get("/actions", h.listActions)
		r.Get("/{id}", h.getPermission)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequirePermission(PermPermissionsManage))
		r.Post("/", h.createPermission)
		r.Patch("/{id}", h.updatePermission)
		r.Delete("/{id}", h.deletePermission)
	})
}

type createPermissionRequest struct {
	Name        string         `json:"name"`
	Resource    string         `json:"resource" validate:"required,min=1,max=64"`
	Action      string         `json:"action" validate:"required,min=1,max=64"`
	Description string         `json:"description" validate:"max=500"`
	Conditions  map[string]any `json:"conditions"`
}

func (h *PermissionsHandler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	perm, err := h.catalog.Create(r.Context(), actorID(r), CreateParams{
		Name:        req.Name,
		Resource:    req.Resource,
		Action:      req.Action,
		Description: req.Description,
		Conditions:  req.Conditions,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, perm)
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.catalog.List(r.Context(), r.URL.Query().Get("resource"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *PermissionsHandler) getPermission(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	perm, err := h.catalog.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perm)
}

func (h *PermissionsHandler) listResources(w http.ResponseWriter, r *http.Request) {
	resources, err := h.catalog.UniqueResources(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"resources": resources})
}

func (h *PermissionsHandler) listActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.catalog.UniqueActions(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"actions": actions})
}

type updatePermissionRequest struct {
	Description string         `json:"description" validate:"max=500"`
	Conditions  map[string]any `json:"conditions"`
}

func (h *PermissionsHandler) updatePermission(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updatePermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	perm, err := h.catalog.Update(r.Context(), id, req.Description, req.Conditions)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perm)
}

func (h *PermissionsHandler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.catalog.Delete(r.Context(), actorID(r), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// idParam parses the {id} URL parameter.
func idParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, httpx.ErrValidation
	}
	return id, nil
}

// actorID returns the authenticated user id, or zero when absent.
func actorID(r *http.Request) int64 {
	if id := shared.IdentityFromContext(r.Context()); id != nil {
		return id.UserID
	}
	return 0
}
