package rbac_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	rbacDatamodel "github.com/frahmantamala/access-control/internal/core/datamodel/rbac"
	"github.com/frahmantamala/access-control/internal/rbac"
	rbacPostgres "github.com/frahmantamala/access-control/internal/rbac/postgres"
	"github.com/frahmantamala/access-control/internal/transport"
)

var _ = Describe("RBAC HTTP", func() {
	var router *chi.Mux

	do := func(method, path, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body == "" {
			req = httptest.NewRequest(method, path, nil)
		} else {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	BeforeEach(func() {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})
		Expect(err).NotTo(HaveOccurred())
		sqlDB, err := db.DB()
		Expect(err).NotTo(HaveOccurred())
		sqlDB.SetMaxOpenConns(1)
		Expect(db.AutoMigrate(rbacDatamodel.Models()...)).To(Succeed())

		lg := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		service := rbac.NewService(rbacPostgres.NewRBACRepository(db), &recordingAudit{}, &recordingPublisher{}, lg)
		h := rbac.NewHandler(transport.NewBaseHandler(lg), service)

		router = chi.NewRouter()
		router.Get("/roles", h.ListRoles)
		router.Post("/roles", h.CreateRole)
		router.Get("/roles/{id}", h.GetRole)
		router.Put("/roles/{id}", h.UpdateRole)
		router.Delete("/roles/{id}", h.DeleteRole)
		router.Post("/roles/{id}/permissions/{permissionID}", h.GrantPermission)
		router.Post("/permissions", h.CreatePermission)
		router.Get("/users/{userID}/roles", h.UserRoles)
		router.Post("/users/{userID}/roles/{roleID}", h.AssignRole)
	})

	createRole := func(name string) rbac.Role {
		rec := do(http.MethodPost, "/roles", `{"name":"`+name+`"}`)
		Expect(rec.Code).To(Equal(http.StatusCreated))
		var role rbac.Role
		Expect(json.Unmarshal(rec.Body.Bytes(), &role)).To(Succeed())
		return role
	}

	It("should create and fetch a role with its permissions", func() {
		// Given
		role := createRole("editor")
		rec := do(http.MethodPost, "/permissions", `{"name":"document.update","conditions":{"ownerOnly":true}}`)
		Expect(rec.Code).To(Equal(http.StatusCreated))
		var perm rbac.Permission
		Expect(json.Unmarshal(rec.Body.Bytes(), &perm)).To(Succeed())
		Expect(perm.Resource).To(Equal("document"))

		// When
		Expect(do(http.MethodPost, "/roles/"+role.ID+"/permissions/"+perm.ID, "").Code).To(Equal(http.StatusNoContent))
		rec = do(http.MethodGet, "/roles/"+role.ID, "")

		// Then
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"document.update"`))
		Expect(rec.Body.String()).To(ContainSubstring(`"has_conditions":true`))
		Expect(rec.Body.String()).NotTo(ContainSubstring("ownerOnly"))
	})

	It("should answer conflict for a duplicate role", func() {
		createRole("editor")

		rec := do(http.MethodPost, "/roles", `{"name":"editor"}`)

		Expect(rec.Code).To(Equal(http.StatusConflict))
		Expect(rec.Body.String()).To(ContainSubstring("DUPLICATE_ROLE"))
	})

	It("should answer bad request for invalid conditions", func() {
		rec := do(http.MethodPost, "/permissions", `{"name":"report.read","conditions":{"age":{"$between":[1,2]}}}`)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(rec.Body.String()).To(ContainSubstring("INVALID_CONDITIONS"))
	})

	It("should answer not found for an unknown role", func() {
		Expect(do(http.MethodGet, "/roles/missing", "").Code).To(Equal(http.StatusNotFound))
		Expect(do(http.MethodDelete, "/roles/missing", "").Code).To(Equal(http.StatusNotFound))
		Expect(do(http.MethodPost, "/users/u1/roles/missing", "").Code).To(Equal(http.StatusNotFound))
	})

	It("should assign a role and list it for the user", func() {
		role := createRole("viewer")

		Expect(do(http.MethodPost, "/users/u1/roles/"+role.ID, "").Code).To(Equal(http.StatusNoContent))
		rec := do(http.MethodGet, "/users/u1/roles", "")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"user_id":"u1"`))
		Expect(rec.Body.String()).To(ContainSubstring(`"viewer"`))
	})

	It("should delete a role", func() {
		role := createRole("temporary")

		Expect(do(http.MethodDelete, "/roles/"+role.ID, "").Code).To(Equal(http.StatusNoContent))
		Expect(do(http.MethodGet, "/roles/"+role.ID, "").Code).To(Equal(http.StatusNotFound))
	})
})
