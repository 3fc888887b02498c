package rest_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/access-control/internal/audit"
	auditPostgres "github.com/frahmantamala/access-control/internal/audit/postgres"
	"github.com/frahmantamala/access-control/internal/authz"
	auditDatamodel "github.com/frahmantamala/access-control/internal/core/datamodel/audit"
	rbacDatamodel "github.com/frahmantamala/access-control/internal/core/datamodel/rbac"
	"github.com/frahmantamala/access-control/internal/core/events"
	"github.com/frahmantamala/access-control/internal/identity"
	"github.com/frahmantamala/access-control/internal/metrics"
	"github.com/frahmantamala/access-control/internal/rbac"
	rbacPostgres "github.com/frahmantamala/access-control/internal/rbac/postgres"
	"github.com/frahmantamala/access-control/internal/seeder"
	"github.com/frahmantamala/access-control/internal/transport"
	"github.com/frahmantamala/access-control/internal/transport/rest"
)

func TestRest(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "REST Suite")
}

const secret = "router-test-secret-with-32-bytes-or-more"

func tokenFor(userID string) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	Expect(err).NotTo(HaveOccurred())
	return token
}

var _ = Describe("Router", func() {
	var (
		ctx    context.Context
		router *chi.Mux
		repo   rbac.RepositoryAPI
	)

	call := func(method, path, userID, body string) *httptest.ResponseRecorder {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, reader)
		if userID != "" {
			req.Header.Set("Authorization", "Bearer "+tokenFor(userID))
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	BeforeEach(func() {
		ctx = context.Background()
		lg := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
			TranslateError: true,
		})
		Expect(err).NotTo(HaveOccurred())
		sqlDB, err := db.DB()
		Expect(err).NotTo(HaveOccurred())
		sqlDB.SetMaxOpenConns(1)
		Expect(db.AutoMigrate(append(rbacDatamodel.Models(), &auditDatamodel.AuditLogEntry{})...)).To(Succeed())

		repo = rbacPostgres.NewRBACRepository(db)
		auditRepo, err := auditPostgres.NewAuditRepository(db)
		Expect(err).NotTo(HaveOccurred())
		m := metrics.New()
		auditLogger := audit.NewLogger(auditRepo, audit.Config{Observer: m, Fallback: io.Discard}, lg)
		DeferCleanup(auditLogger.Close)
		bus := events.NewEventBus(lg)

		authzService, err := authz.NewService(repo, authz.Config{CacheTTL: time.Minute, CacheSize: 100}, lg,
			authz.WithRecorder(auditLogger),
			authz.WithObserver(m))
		Expect(err).NotTo(HaveOccurred())
		authzService.RegisterInvalidation(bus)

		rbacService := rbac.NewService(repo, auditLogger, bus, lg)
		seed := seeder.New(repo, auditLogger, bus, lg, seeder.WithObserver(m))
		Expect(seed.Seed(ctx).Success).To(BeTrue())

		admin, err := repo.RoleByName(ctx, "admin")
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.AssignRoleToUser(ctx, "admin-1", admin.ID)).To(Succeed())
		Expect(rbacService.AssignDefaultRoles(ctx, "u1")).Error().NotTo(HaveOccurred())

		base := transport.NewBaseHandler(lg)
		router = chi.NewRouter()
		rest.RegisterAllRoutes(router, rest.Handlers{
			Health:   rest.NewHealthHandler(base, sqlDB, "sqlite"),
			Identity: identity.NewMiddleware(base, identity.NewVerifier(secret, "")),
			Guard:    authz.NewMiddleware(base, authzService),
			Authz:    authz.NewHandler(base, authzService),
			RBAC:     rbac.NewHandler(base, rbacService),
			Audit:    audit.NewHandler(base, audit.NewService(auditRepo, lg)),
			Seeder:   seeder.NewHandler(base, seed),
			Metrics:  m,
		}, rest.Options{MetricsEnabled: true, SeedRateLimit: 100}, lg)
	})

	It("should serve liveness, readiness and the API document without a token", func() {
		Expect(call(http.MethodGet, "/api/v1/ping", "", "").Code).To(Equal(http.StatusOK))

		rec := call(http.MethodGet, "/api/v1/health", "", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"healthy"`))

		rec = call(http.MethodGet, "/openapi.yml", "", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("openapi: 3.0.3"))
	})

	It("should reject anonymous calls to the API", func() {
		rec := call(http.MethodGet, "/api/v1/roles", "", "")

		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(rec.Header().Get("X-Request-ID")).NotTo(BeEmpty())
	})

	It("should let an admin through and stop a plain user", func() {
		rec := call(http.MethodGet, "/api/v1/roles", "admin-1", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"moderator"`))

		rec = call(http.MethodGet, "/api/v1/roles", "u1", "")
		Expect(rec.Code).To(Equal(http.StatusForbidden))
		Expect(rec.Body.String()).To(ContainSubstring("ACCESS_DENIED"))
	})

	It("should evaluate conditions with the caller's environment", func() {
		rec := call(http.MethodPost, "/api/v1/authz/check", "u1", `{"permission":"profile.update","environment":{"ownerOnly":true}}`)
		Expect(rec.Code).To(Equal(http.StatusOK))
		var check authz.PermissionCheck
		Expect(json.Unmarshal(rec.Body.Bytes(), &check)).To(Succeed())
		Expect(check.Allowed).To(BeTrue())

		rec = call(http.MethodPost, "/api/v1/authz/check", "u1", `{"permission":"profile.update"}`)
		Expect(json.Unmarshal(rec.Body.Bytes(), &check)).To(Succeed())
		Expect(check.Allowed).To(BeFalse())
		Expect(check.Reason).To(HavePrefix(authz.ReasonConditionFailed))
	})

	It("should stop deciding for a user as soon as the role is removed", func() {
		// Given u1 holds the default role and the decision is cached
		body := `{"permission":"profile.update","environment":{"ownerOnly":true}}`
		Expect(call(http.MethodPost, "/api/v1/authz/check", "u1", body).Body.String()).To(ContainSubstring(`"allowed":true`))
		userRole, err := repo.RoleByName(ctx, "user")
		Expect(err).NotTo(HaveOccurred())

		// When an admin removes it
		rec := call(http.MethodDelete, "/api/v1/users/u1/roles/"+userRole.ID, "admin-1", "")
		Expect(rec.Code).To(Equal(http.StatusNoContent))

		// Then the next decision denies
		rec = call(http.MethodPost, "/api/v1/authz/check", "u1", body)
		Expect(rec.Body.String()).To(ContainSubstring(`"allowed":false`))
		Expect(rec.Body.String()).To(ContainSubstring(authz.ReasonNoRoles))
	})

	It("should run the seeder for an admin and audit it", func() {
		rec := call(http.MethodPost, "/api/v1/seed", "admin-1", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"success":true`))

		rec = call(http.MethodGet, "/api/v1/seed/status", "admin-1", "")
		Expect(rec.Body.String()).To(ContainSubstring(`"state":"seeded"`))

		rec = call(http.MethodGet, "/api/v1/audit?type=seed", "admin-1", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"actor":"admin-1"`))

		Expect(call(http.MethodPost, "/api/v1/seed", "u1", "").Code).To(Equal(http.StatusForbidden))
	})

	It("should expose decision metrics", func() {
		call(http.MethodGet, "/api/v1/roles", "u1", "")

		rec := call(http.MethodGet, "/metrics", "", "")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("access_control_decisions_total"))
		Expect(rec.Body.String()).To(ContainSubstring("access_control_seed_runs_total"))
	})
})
