package rbac_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/frahmantamala/access-control/internal"
	"github.com/frahmantamala/access-control/internal/audit"
	rbacDatamodel "github.com/frahmantamala/access-control/internal/core/datamodel/rbac"
	"github.com/frahmantamala/access-control/internal/core/events"
	"github.com/frahmantamala/access-control/internal/rbac"
	rbacPostgres "github.com/frahmantamala/access-control/internal/rbac/postgres"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestRBAC(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RBAC Suite")
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAudit) Record(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingAudit) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

type recordingPublisher struct {
	published []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	return p.PublishSync(ctx, e)
}

func (p *recordingPublisher) PublishSync(_ context.Context, e events.Event) error {
	p.published = append(p.published, e)
	return nil
}

func (p *recordingPublisher) Types() []string {
	var out []string
	for _, e := range p.published {
		out = append(out, e.EventType())
	}
	return out
}

var _ = Describe("RBAC Service", func() {
	var (
		repo      rbac.RepositoryAPI
		recorder  *recordingAudit
		publisher *recordingPublisher
		service   *rbac.Service
		ctx       context.Context
	)

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

		repo = rbacPostgres.NewRBACRepository(db)
		recorder = &recordingAudit{}
		publisher = &recordingPublisher{}
		lg := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		service = rbac.NewService(repo, recorder, publisher, lg)
		ctx = internal.ContextWithUserID(context.Background(), "admin-1")
	})

	Describe("roles", func() {
		It("should create a role and audit it under the caller", func() {
			role, err := service.CreateRole(ctx, rbac.CreateRoleDTO{Name: "  editor ", Description: "edits"})

			Expect(err).NotTo(HaveOccurred())
			Expect(role.ID).NotTo(BeEmpty())
			Expect(role.Name).To(Equal("editor"))
			Expect(recorder.entries).To(HaveLen(1))
			Expect(recorder.entries[0].Actor).To(Equal("admin-1"))
			Expect(recorder.entries[0].Action).To(Equal(audit.ActionRoleCreate))
			Expect(recorder.entries[0].Type).To(Equal(audit.TypeMutation))
		})

		It("should reject an empty name", func() {
			_, err := service.CreateRole(ctx, rbac.CreateRoleDTO{Name: "   "})

			Expect(internal.KindOf(err)).To(Equal(internal.ErrorTypeValidation))
			Expect(recorder.entries).To(BeEmpty())
		})

		It("should reject a duplicate name as a conflict", func() {
			_, err := service.CreateRole(ctx, rbac.CreateRoleDTO{Name: "editor"})
			Expect(err).NotTo(HaveOccurred())

			_, err = service.CreateRole(ctx, rbac.CreateRoleDTO{Name: "editor"})

			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(internal.ErrCodeDuplicateRole))
		})

		It("should rename a role unless the name is taken", func() {
			a, _ := service.CreateRole(ctx, rbac.CreateRoleDTO{Name: "a"})
			_, _ = service.CreateRole(ctx, rbac.CreateRoleDTO{Name: "b"})

			taken := "b"
			_, err := service.UpdateRole(ctx, a.ID, rbac.UpdateRoleDTO{Name: &taken})
			Expect(internal.KindOf(err)).To(Equal(internal.ErrorTypeConflict))

			fresh := "c"
			updated, err := service.UpdateRole(ctx, a.ID, rbac.UpdateRoleDTO{Name: &fresh})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Name).To(Equal("c"))
		})

		It("should name the holders of an updated role in the event", func() {
			role, _ := service.CreateRole(ctx, rbac.CreateRoleDTO{Name: "editor"})
			Expect(service.AssignRole(ctx, "u1", role.ID)).To(Succeed())

			renamed := "writer"
			_, err := service.UpdateRole(ctx, role.ID, rbac.UpdateRoleDTO{Name: &renamed})
			Expect(err).NotTo(HaveOccurred())

			last := publisher.published[len(publisher.published)-1]
			updated, ok := last.(*events.RoleUpdatedEvent)
			Expect(ok).To(BeTrue())
			Expect(updated.RoleID).To(Equal(role.ID))
			Expect(updated.UserIDs).To(ConsistOf("u1"))
			Expect(recorder.Actions()).To(ContainElement(audit.ActionRoleUpdate))
		})

		It("should return not found for an unknown role", func() {
			_, err := service.GetRole(ctx, "missing")
			Expect(errors.Is(err, internal.ErrRoleNotFound)).To(BeTrue())

			err = service.DeleteRole(ctx, "missing")
			Expect(errors.Is(err, internal.ErrRoleNotFound)).To(BeTrue())
		})

		It("should delete a role and name its former holders in the event", func() {
			// Given
			role, _ := service.CreateRole(ctx, rbac.CreateRoleDTO{Name: "editor"})
			Expect(service.AssignRole(ctx, "u1", role.ID)).To(Succeed())
			Expect(service.AssignRole(ctx, "u2", role.ID)).To(Succeed())

			// When
			Expect(service.DeleteRole(ctx, role.ID)).To(Succeed())

			// Then
			last := publisher.published[len(publisher.published)-1]
			deleted, ok := last.(*events.RoleDeletedEvent)
			Expect(ok).To(BeTrue())
			Expect(deleted.UserIDs).To(ConsistOf("u1", "u2"))
			Expect(recorder.Actions()).To(ContainElement(audit.ActionRoleDelete))

			roles, err := service.UserRoles(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(roles).To(BeEmpty())
		})
	})

	Describe("permissions", func() {
		It("should derive resource and action from the name", func() {
			perm, err := service.CreatePermission(ctx, rbac.CreatePermissionDTO{Name: "document.update"})

			Expect(err).NotTo(HaveOccurred())
			Expect(perm.Resource).To(Equal("document"))
			Expect(perm.Action).To(Equal("update"))
			Expect(publisher.Types()).To(ContainElement(events.EventTypePermissionChanged))
		})

		It("should reject a malformed name", func() {
			_, err := service.CreatePermission(ctx, rbac.CreatePermissionDTO{Name: "Document"})

			Expect(internal.KindOf(err)).To(Equal(internal.ErrorTypeValidation))
		})

		It("should reject malformed conditions", func() {
			_, err := service.CreatePermission(ctx, rbac.CreatePermissionDTO{
				Name:       "document.update",
				Conditions: map[string]any{"level": map[string]any{"$between": []any{1, 2}}},
			})

			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(internal.ErrorTypeValidation))
			Expect(appErr.Code).To(Equal(internal.ErrCodeInvalidConditions))
		})

		It("should reject a duplicate permission", func() {
			_, err := service.CreatePermission(ctx, rbac.CreatePermissionDTO{Name: "user.read"})
			Expect(err).NotTo(HaveOccurred())

			_, err = service.CreatePermission(ctx, rbac.CreatePermissionDTO{Name: "user.read"})

			Expect(internal.KindOf(err)).To(Equal(internal.ErrorTypeConflict))
		})

		It("should replace and then drop conditions on update", func() {
			perm, _ := service.CreatePermission(ctx, rbac.CreatePermissionDTO{Name: "profile.update"})

			conds := map[string]any{"ownerOnly": true}
			updated, err := service.UpdatePermission(ctx, perm.ID, rbac.UpdatePermissionDTO{Conditions: &conds})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Conditions).To(HaveKeyWithValue("ownerOnly", true))

			empty := map[string]any{}
			updated, err = service.UpdatePermission(ctx, perm.ID, rbac.UpdatePermissionDTO{Conditions: &empty})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Conditions).To(BeEmpty())
		})

		It("should return not found when deleting an unknown permission", func() {
			err := service.DeletePermission(ctx, "missing")
			Expect(errors.Is(err, internal.ErrPermissionNotFound)).To(BeTrue())
		})
	})

	Describe("grants and assignments", func() {
		var (
			role *rbac.Role
			perm *rbac.Permission
		)

		BeforeEach(func() {
			var err error
			role, err = service.CreateRole(ctx, rbac.CreateRoleDTO{Name: "editor"})
			Expect(err).NotTo(HaveOccurred())
			perm, err = service.CreatePermission(ctx, rbac.CreatePermissionDTO{Name: "document.update"})
			Expect(err).NotTo(HaveOccurred())
			publisher.published = nil
		})

		It("should grant once and report the second grant as a conflict", func() {
			Expect(service.GrantPermission(ctx, role.ID, perm.ID)).To(Succeed())
			Expect(publisher.Types()).To(Equal([]string{events.EventTypeRolePermissionsChanged}))

			err := service.GrantPermission(ctx, role.ID, perm.ID)
			Expect(internal.KindOf(err)).To(Equal(internal.ErrorTypeConflict))
		})

		It("should reject grants that reference unknown rows", func() {
			Expect(errors.Is(service.GrantPermission(ctx, "missing", perm.ID), internal.ErrRoleNotFound)).To(BeTrue())
			Expect(errors.Is(service.GrantPermission(ctx, role.ID, "missing"), internal.ErrPermissionNotFound)).To(BeTrue())
		})

		It("should revoke a granted permission", func() {
			Expect(service.GrantPermission(ctx, role.ID, perm.ID)).To(Succeed())

			Expect(service.RevokePermission(ctx, role.ID, perm.ID)).To(Succeed())

			resp, err := service.GetRole(ctx, role.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Permissions).To(BeEmpty())
			Expect(recorder.Actions()).To(ContainElement(audit.ActionPermissionRevoke))
		})

		It("should assign and unassign a role", func() {
			Expect(service.AssignRole(ctx, "u1", role.ID)).To(Succeed())
			roles, _ := service.UserRoles(ctx, "u1")
			Expect(roles).To(HaveLen(1))

			Expect(service.UnassignRole(ctx, "u1", role.ID)).To(Succeed())
			roles, _ = service.UserRoles(ctx, "u1")
			Expect(roles).To(BeEmpty())

			Expect(publisher.Types()).To(Equal([]string{
				events.EventTypeUserRolesChanged,
				events.EventTypeUserRolesChanged,
			}))
		})

		It("should require a user id", func() {
			err := service.AssignRole(ctx, " ", role.ID)
			Expect(internal.KindOf(err)).To(Equal(internal.ErrorTypeValidation))
		})
	})

	Describe("AssignDefaultRoles", func() {
		It("should assign every default role once", func() {
			_, _ = service.CreateRole(ctx, rbac.CreateRoleDTO{Name: "user", IsDefault: true})
			_, _ = service.CreateRole(ctx, rbac.CreateRoleDTO{Name: "admin"})

			assigned, err := service.AssignDefaultRoles(ctx, "new-user")
			Expect(err).NotTo(HaveOccurred())
			Expect(assigned).To(HaveLen(1))
			Expect(assigned[0].Name).To(Equal("user"))

			assigned, err = service.AssignDefaultRoles(ctx, "new-user")
			Expect(err).NotTo(HaveOccurred())
			Expect(assigned).To(BeEmpty())
		})
	})
})
