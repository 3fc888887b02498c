package rest

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/httprate"

	"github.com/frahmantamala/access-control/api"
	"github.com/frahmantamala/access-control/internal"
	"github.com/frahmantamala/access-control/internal/audit"
	"github.com/frahmantamala/access-control/internal/authz"
	"github.com/frahmantamala/access-control/internal/identity"
	"github.com/frahmantamala/access-control/internal/metrics"
	"github.com/frahmantamala/access-control/internal/rbac"
	"github.com/frahmantamala/access-control/internal/seeder"
	"github.com/frahmantamala/access-control/internal/transport"
	"github.com/frahmantamala/access-control/internal/transport/middleware"
	"github.com/frahmantamala/access-control/internal/transport/swagger"
)

// Permissions guarding the admin surface. They are part of the seeded catalog.
const (
	PermRoleRead         = "role.read"
	PermRoleCreate       = "role.create"
	PermRoleUpdate       = "role.update"
	PermRoleDelete       = "role.delete"
	PermRoleAssign       = "role.assign"
	PermPermissionRead   = "permission.read"
	PermPermissionCreate = "permission.create"
	PermPermissionUpdate = "permission.update"
	PermPermissionDelete = "permission.delete"
	PermUserRead         = "user.read"
	PermAuditRead        = "audit.read"
	PermSettingsUpdate   = "settings.update"
)

type Handlers struct {
	Health   *HealthHandler
	Identity *identity.Middleware
	Guard    *authz.Middleware
	Authz    *authz.Handler
	RBAC     *rbac.Handler
	Audit    *audit.Handler
	Seeder   *seeder.Handler
	Metrics  *metrics.Metrics
}

type Options struct {
	AllowedOrigins string
	// TrustedProxies are the peers whose forwarding headers name the client.
	TrustedProxies []netip.Prefix
	Production     bool
	MetricsEnabled bool
	MetricsPath    string
	// SeedRateLimit is the number of seeder calls allowed per client and
	// minute. Zero disables the limit.
	SeedRateLimit int
}

func RegisterAllRoutes(router *chi.Mux, h Handlers, opts Options, logger *slog.Logger) {
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.SecureHeaders(logger, opts.Production))
	router.Use(middleware.CORS(opts.AllowedOrigins))
	if h.Metrics != nil {
		router.Use(h.Metrics.Middleware)
	}

	router.Get("/openapi.yml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(api.OpenAPI)
	})
	router.Handle("/swagger/*", swagger.Handler("/openapi.yml"))

	if opts.MetricsEnabled && h.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, h.Metrics.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health.Health)
		r.Get("/ping", h.Health.Ping)

		r.Group(func(pr chi.Router) {
			pr.Use(h.Identity.Authenticate)
			pr.Use(middleware.AccessEnvironment(opts.TrustedProxies))

			pr.Post("/authz/check", h.Authz.Check)
			pr.Get("/me/permissions", h.Authz.MyPermissions)
			pr.With(h.Guard.Require(PermUserRead)).Get("/authz/users/{userID}/permissions", h.Authz.UserPermissions)

			pr.Route("/roles", func(rr chi.Router) {
				rr.With(h.Guard.Require(PermRoleRead)).Get("/", h.RBAC.ListRoles)
				rr.With(h.Guard.Require(PermRoleCreate)).Post("/", h.RBAC.CreateRole)
				rr.With(h.Guard.Require(PermRoleRead)).Get("/{id}", h.RBAC.GetRole)
				rr.With(h.Guard.Require(PermRoleUpdate)).Put("/{id}", h.RBAC.UpdateRole)
				rr.With(h.Guard.Require(PermRoleDelete)).Delete("/{id}", h.RBAC.DeleteRole)
				rr.With(h.Guard.Require(PermRoleUpdate)).Post("/{id}/permissions/{permissionID}", h.RBAC.GrantPermission)
				rr.With(h.Guard.Require(PermRoleUpdate)).Delete("/{id}/permissions/{permissionID}", h.RBAC.RevokePermission)
			})

			pr.Route("/permissions", func(pr chi.Router) {
				pr.With(h.Guard.Require(PermPermissionRead)).Get("/", h.RBAC.ListPermissions)
				pr.With(h.Guard.Require(PermPermissionCreate)).Post("/", h.RBAC.CreatePermission)
				pr.With(h.Guard.Require(PermPermissionUpdate)).Put("/{id}", h.RBAC.UpdatePermission)
				pr.With(h.Guard.Require(PermPermissionDelete)).Delete("/{id}", h.RBAC.DeletePermission)
			})

			pr.Route("/users/{userID}", func(ur chi.Router) {
				ur.With(h.Guard.Require(PermUserRead)).Get("/roles", h.RBAC.UserRoles)
				ur.With(h.Guard.Require(PermRoleAssign)).Post("/roles/{roleID}", h.RBAC.AssignRole)
				ur.With(h.Guard.Require(PermRoleAssign)).Delete("/roles/{roleID}", h.RBAC.UnassignRole)
				ur.With(h.Guard.Require(PermRoleAssign)).Post("/default-roles", h.RBAC.AssignDefaultRoles)
			})

			pr.With(h.Guard.Require(PermAuditRead)).Get("/audit", h.Audit.ListEntries)

			pr.Group(func(sr chi.Router) {
				sr.Use(h.Guard.Require(PermSettingsUpdate))
				if opts.SeedRateLimit > 0 {
					sr.Use(seedLimiter(opts.SeedRateLimit))
				}
				sr.Get("/seed/status", h.Seeder.Status)
				sr.Post("/seed", h.Seeder.Seed)
				sr.Post("/clear", h.Seeder.Clear)
				sr.Post("/reseed", h.Seeder.Reseed)
			})
		})
	})
}

func seedLimiter(perMinute int) func(http.Handler) http.Handler {
	base := transport.NewBaseHandler(nil)
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			status, body := internal.NewTooManyRequestsError("too many seeder calls, retry later").ToHTTPResponse()
			base.WriteJSON(w, status, body)
		}),
	)
}
