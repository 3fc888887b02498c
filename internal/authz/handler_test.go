package authz_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/access-control/internal"
	"github.com/frahmantamala/access-control/internal/authz"
	"github.com/frahmantamala/access-control/internal/rbac"
	"github.com/frahmantamala/access-control/internal/transport"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type MockService struct {
	check      authz.PermissionCheck
	err        error
	lastAccess authz.AccessContext
	lastName   string
	lastEnv    map[string]any
	perms      []rbac.SafePermission
}

func (m *MockService) CheckPermission(ctx context.Context, ac authz.AccessContext, permission string) (authz.PermissionCheck, error) {
	m.lastAccess = ac
	m.lastEnv = internal.EnvironmentFromContext(ctx)
	m.lastName = permission
	return m.check, m.err
}

func (m *MockService) GetUserPermissions(_ context.Context, userID string) ([]rbac.SafePermission, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.perms, nil
}

var _ = Describe("Authz HTTP", func() {
	var (
		svc     *MockService
		base    *transport.BaseHandler
		handler *authz.Handler
	)

	BeforeEach(func() {
		svc = &MockService{}
		base = transport.NewBaseHandler(quietLogger())
		handler = authz.NewHandler(base, svc)
	})

	withUser := func(r *http.Request, userID string) *http.Request {
		return r.WithContext(internal.ContextWithUserID(r.Context(), userID))
	}

	Describe("Check", func() {
		It("should default the subject to the caller", func() {
			svc.check = authz.PermissionCheck{Allowed: true, Reason: `granted by role "editor"`}
			body := `{"permission":"document.update","environment":{"ownerOnly":true}}`
			req := withUser(httptest.NewRequest(http.MethodPost, "/authz/check", strings.NewReader(body)), "u1")
			rec := httptest.NewRecorder()

			handler.Check(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(svc.lastAccess.UserID).To(Equal("u1"))
			Expect(svc.lastAccess.Environment).To(HaveKeyWithValue("ownerOnly", true))
			var resp map[string]interface{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["allowed"]).To(BeTrue())
		})

		It("should refuse to check another user for a caller without user.read", func() {
			svc.check = authz.PermissionCheck{Allowed: false, Reason: authz.ReasonNotHeld}
			body := `{"permission":"document.update","user_id":"u2"}`
			req := withUser(httptest.NewRequest(http.MethodPost, "/authz/check", strings.NewReader(body)), "u1")
			rec := httptest.NewRecorder()

			handler.Check(rec, req)

			Expect(rec.Code).To(Equal(http.StatusForbidden))
			Expect(svc.lastAccess.UserID).To(Equal("u1"))
			Expect(svc.lastName).To(Equal(authz.PermissionCheckOthers))
		})

		It("should judge another user without the caller's identity attributes", func() {
			// Given a caller holding user.read whose request carries its own id
			svc.check = authz.PermissionCheck{Allowed: true}
			body := `{"permission":"document.update","user_id":"u2"}`
			req := withUser(httptest.NewRequest(http.MethodPost, "/authz/check", strings.NewReader(body)), "u1")
			req = req.WithContext(internal.ContextWithEnvironment(req.Context(), map[string]any{
				internal.EnvUserID: "u1",
				internal.EnvIP:     "203.0.113.9",
			}))
			rec := httptest.NewRecorder()

			// When
			handler.Check(rec, req)

			// Then the subject's check sees no userId of the caller
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(svc.lastAccess.UserID).To(Equal("u2"))
			Expect(svc.lastEnv).NotTo(HaveKey(internal.EnvUserID))
			Expect(svc.lastEnv).To(HaveKeyWithValue(internal.EnvIP, "203.0.113.9"))
		})

		It("should keep the caller's identity attributes for a self check", func() {
			svc.check = authz.PermissionCheck{Allowed: true}
			req := withUser(httptest.NewRequest(http.MethodPost, "/authz/check", strings.NewReader(`{"permission":"a.b"}`)), "u1")
			req = req.WithContext(internal.ContextWithEnvironment(req.Context(), map[string]any{internal.EnvUserID: "u1"}))

			handler.Check(httptest.NewRecorder(), req)

			Expect(svc.lastEnv).To(HaveKeyWithValue(internal.EnvUserID, "u1"))
		})

		It("should reject a request naming nothing to check", func() {
			req := withUser(httptest.NewRequest(http.MethodPost, "/authz/check", strings.NewReader(`{}`)), "u1")
			rec := httptest.NewRecorder()

			handler.Check(rec, req)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should reject unknown fields", func() {
			req := httptest.NewRequest(http.MethodPost, "/authz/check", strings.NewReader(`{"permission":"a.b","extra":1}`))
			rec := httptest.NewRecorder()

			handler.Check(rec, req)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should map a storage outage to service unavailable", func() {
			svc.err = internal.NewDatabaseError("failed to load user roles", errors.New("down"))
			req := withUser(httptest.NewRequest(http.MethodPost, "/authz/check", strings.NewReader(`{"permission":"a.b"}`)), "u1")
			rec := httptest.NewRecorder()

			handler.Check(rec, req)

			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Describe("permissions", func() {
		It("should list the permissions of the user in the path", func() {
			svc.perms = []rbac.SafePermission{{Name: "user.read"}}
			r := chi.NewRouter()
			r.Get("/authz/users/{userID}/permissions", handler.UserPermissions)
			rec := httptest.NewRecorder()

			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/authz/users/u9/permissions", nil))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"user_id":"u9"`))
			Expect(rec.Body.String()).To(ContainSubstring(`"user.read"`))
		})

		It("should require a caller for /me/permissions", func() {
			rec := httptest.NewRecorder()

			handler.MyPermissions(rec, httptest.NewRequest(http.MethodGet, "/me/permissions", nil))

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("Require", func() {
		var (
			mw     *authz.Middleware
			called bool
			next   http.Handler
		)

		BeforeEach(func() {
			mw = authz.NewMiddleware(base, svc)
			called = false
			next = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				called = true
				w.WriteHeader(http.StatusNoContent)
			})
		})

		It("should pass an allowed caller through", func() {
			svc.check = authz.PermissionCheck{Allowed: true}
			rec := httptest.NewRecorder()

			mw.Require("role.read")(next).ServeHTTP(rec, withUser(httptest.NewRequest(http.MethodGet, "/roles", nil), "u1"))

			Expect(called).To(BeTrue())
			Expect(svc.lastName).To(Equal("role.read"))
		})

		It("should answer forbidden with the deny reason", func() {
			svc.check = authz.PermissionCheck{Allowed: false, Reason: authz.ReasonNotHeld}
			rec := httptest.NewRecorder()

			mw.Require("role.create")(next).ServeHTTP(rec, withUser(httptest.NewRequest(http.MethodPost, "/roles", nil), "u1"))

			Expect(called).To(BeFalse())
			Expect(rec.Code).To(Equal(http.StatusForbidden))
			Expect(rec.Body.String()).To(ContainSubstring("permission not held"))
			Expect(rec.Body.String()).To(ContainSubstring(string(internal.ErrCodeAccessDenied)))
		})

		It("should answer unauthorized without a caller", func() {
			rec := httptest.NewRecorder()

			mw.Require("role.read")(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/roles", nil))

			Expect(called).To(BeFalse())
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})
	})
})
