package rbac

import (
	"context"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/access-control/internal/transport"
)

type ServiceAPI interface {
	ListRoles(ctx context.Context) ([]*Role, error)
	GetRole(ctx context.Context, id string) (*RoleResponse, error)
	CreateRole(ctx context.Context, dto CreateRoleDTO) (*Role, error)
	UpdateRole(ctx context.Context, id string, dto UpdateRoleDTO) (*Role, error)
	DeleteRole(ctx context.Context, id string) error

	ListPermissions(ctx context.Context) ([]*Permission, error)
	CreatePermission(ctx context.Context, dto CreatePermissionDTO) (*Permission, error)
	UpdatePermission(ctx context.Context, id string, dto UpdatePermissionDTO) (*Permission, error)
	DeletePermission(ctx context.Context, id string) error

	GrantPermission(ctx context.Context, roleID, permissionID string) error
	RevokePermission(ctx context.Context, roleID, permissionID string) error
	AssignRole(ctx context.Context, userID, roleID string) error
	UnassignRole(ctx context.Context, userID, roleID string) error
	AssignDefaultRoles(ctx context.Context, userID string) ([]*Role, error)
	UserRoles(ctx context.Context, userID string) ([]*Role, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     service,
	}
}

func (h *Handler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.Service.ListRoles(r.Context())
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, RolesResponse{Roles: roles})
}

func (h *Handler) GetRole(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Service.GetRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var dto CreateRoleDTO
	if err := h.DecodeJSON(r, &dto); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	role, err := h.Service.CreateRole(r.Context(), dto)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusCreated, role)
}

func (h *Handler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	var dto UpdateRoleDTO
	if err := h.DecodeJSON(r, &dto); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	role, err := h.Service.UpdateRole(r.Context(), chi.URLParam(r, "id"), dto)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, role)
}

func (h *Handler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteRole(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.HandleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.Service.ListPermissions(r.Context())
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, PermissionsResponse{Permissions: perms})
}

func (h *Handler) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var dto CreatePermissionDTO
	if err := h.DecodeJSON(r, &dto); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	perm, err := h.Service.CreatePermission(r.Context(), dto)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusCreated, perm)
}

func (h *Handler) UpdatePermission(w http.ResponseWriter, r *http.Request) {
	var dto UpdatePermissionDTO
	if err := h.DecodeJSON(r, &dto); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	perm, err := h.Service.UpdatePermission(r.Context(), chi.URLParam(r, "id"), dto)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, perm)
}

func (h *Handler) DeletePermission(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeletePermission(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.HandleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	err := h.Service.GrantPermission(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "permissionID"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RevokePermission(w http.ResponseWriter, r *http.Request) {
	err := h.Service.RevokePermission(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "permissionID"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UserRoles(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	roles, err := h.Service.UserRoles(r.Context(), userID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, UserRolesResponse{UserID: userID, Roles: roles})
}

func (h *Handler) AssignRole(w http.ResponseWriter, r *http.Request) {
	err := h.Service.AssignRole(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "roleID"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UnassignRole(w http.ResponseWriter, r *http.Request) {
	err := h.Service.UnassignRole(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "roleID"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AssignDefaultRoles(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	roles, err := h.Service.AssignDefaultRoles(r.Context(), userID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	if roles == nil {
		roles = []*Role{}
	}
	h.WriteJSON(w, http.StatusOK, UserRolesResponse{UserID: userID, Roles: roles})
}
