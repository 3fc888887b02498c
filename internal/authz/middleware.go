package authz

import (
	"context"
	"net/http"

	"github.com/frahmantamala/access-control/internal"
	"github.com/frahmantamala/access-control/internal/transport"
)

type Checker interface {
	CheckPermission(ctx context.Context, ac AccessContext, permission string) (PermissionCheck, error)
}

// Middleware guards routes with a permission check for the caller placed on
// the request context by the identity middleware.
type Middleware struct {
	*transport.BaseHandler
	checker Checker
}

func NewMiddleware(baseHandler *transport.BaseHandler, checker Checker) *Middleware {
	return &Middleware{
		BaseHandler: baseHandler,
		checker:     checker,
	}
}

func (m *Middleware) Require(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			userID := internal.UserIDFromContext(ctx)
			if userID == "" {
				m.HandleServiceError(w, internal.ErrMissingUser)
				return
			}

			check, err := m.checker.CheckPermission(ctx, AccessContext{
				UserID:      userID,
				Environment: internal.EnvironmentFromContext(ctx),
			}, permission)
			if err != nil {
				m.HandleServiceError(w, err)
				return
			}

			if !check.Allowed {
				m.Logger.WarnContext(ctx, "access denied",
					"user_id", userID,
					"required_permission", permission,
					"reason", check.Reason)
				m.HandleServiceError(w, internal.NewForbiddenError("access denied: "+check.Reason, internal.ErrCodeAccessDenied))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
