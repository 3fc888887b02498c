package authz

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/access-control/internal"
	"github.com/frahmantamala/access-control/internal/rbac"
	"github.com/frahmantamala/access-control/internal/transport"
)

type ServiceAPI interface {
	Checker
	GetUserPermissions(ctx context.Context, userID string) ([]rbac.SafePermission, error)
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

// PermissionCheckOthers lets a caller ask about a user other than itself.
const PermissionCheckOthers = "user.read"

// Check serves POST /authz/check. The subject defaults to the caller; naming
// another user requires PermissionCheckOthers, and the caller's own identity
// is then left out of the request environment.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	caller := internal.UserIDFromContext(r.Context())
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = caller
	}
	if req.Permission == "" && (req.Resource == "" || req.Action == "") {
		h.HandleServiceError(w, internal.NewValidationFieldError("permission",
			"permission or resource and action are required", internal.ErrCodeValidationFailed))
		return
	}

	ctx := r.Context()
	if userID != caller {
		guard, err := h.Service.CheckPermission(ctx, AccessContext{UserID: caller}, PermissionCheckOthers)
		if err != nil {
			h.HandleServiceError(w, err)
			return
		}
		if !guard.Allowed {
			h.HandleServiceError(w, internal.NewForbiddenError(
				"checking another user requires "+PermissionCheckOthers, internal.ErrCodeAccessDenied))
			return
		}
		ctx = internal.ContextWithoutEnvironment(ctx, internal.EnvUserID)
	}

	check, err := h.Service.CheckPermission(ctx, AccessContext{
		UserID:      userID,
		Resource:    req.Resource,
		Action:      req.Action,
		Environment: req.Environment,
	}, req.Permission)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, check)
}

func (h *Handler) UserPermissions(w http.ResponseWriter, r *http.Request) {
	h.writePermissions(w, r, chi.URLParam(r, "userID"))
}

// MyPermissions serves GET /me/permissions for the authenticated caller.
func (h *Handler) MyPermissions(w http.ResponseWriter, r *http.Request) {
	userID := internal.UserIDFromContext(r.Context())
	if userID == "" {
		h.HandleServiceError(w, internal.ErrMissingUser)
		return
	}
	h.writePermissions(w, r, userID)
}

func (h *Handler) writePermissions(w http.ResponseWriter, r *http.Request, userID string) {
	perms, err := h.Service.GetUserPermissions(r.Context(), userID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, UserPermissionsResponse{UserID: userID, Permissions: perms})
}
