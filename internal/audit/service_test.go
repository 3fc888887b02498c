package audit_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/frahmantamala/access-control/internal"
	"github.com/frahmantamala/access-control/internal/audit"
	auditDatamodel "github.com/frahmantamala/access-control/internal/core/datamodel/audit"
	"github.com/frahmantamala/access-control/internal/transport"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Audit Service", func() {
	var (
		repo    *MockRepository
		service *audit.Service
		logger  *slog.Logger
	)

	BeforeEach(func() {
		repo = NewMockRepository()
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		service = audit.NewService(repo, logger)

		for i := 0; i < 25; i++ {
			repo.entries = append(repo.entries, &auditDatamodel.AuditLogEntry{
				ID:     string(rune('a' + i)),
				Action: audit.ActionRoleCreate,
				Type:   string(audit.TypeMutation),
			})
		}
	})

	Describe("List", func() {
		It("should use the default page size and report a next page", func() {
			page, err := service.List(context.Background(), audit.Filter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Entries).To(HaveLen(audit.DefaultPageSize))
			Expect(page.Page).To(Equal(1))
			Expect(page.HasNext).To(BeTrue())
		})

		It("should report no next page on the last page", func() {
			page, err := service.List(context.Background(), audit.Filter{Page: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Entries).To(HaveLen(5))
			Expect(page.HasNext).To(BeFalse())
		})

		It("should cap the page size", func() {
			page, err := service.List(context.Background(), audit.Filter{PageSize: 1000})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.PageSize).To(Equal(audit.MaxPageSize))
		})

		It("should reject an inverted date range", func() {
			from := time.Now()
			to := from.Add(-time.Hour)

			_, err := service.List(context.Background(), audit.Filter{From: &from, To: &to})

			Expect(internal.KindOf(err)).To(Equal(internal.ErrorTypeValidation))
		})

		It("should surface store failures as database errors", func() {
			repo.SetShouldFail(true, errors.New("connection reset"))

			_, err := service.List(context.Background(), audit.Filter{})

			Expect(internal.KindOf(err)).To(Equal(internal.ErrorTypeDatabase))
		})
	})

	Describe("Handler", func() {
		var handler *audit.Handler

		BeforeEach(func() {
			handler = audit.NewHandler(&transport.BaseHandler{Logger: logger}, service)
		})

		It("should return a page as JSON", func() {
			req := httptest.NewRequest(http.MethodGet, "/audit?page=1&page_size=10", nil)
			w := httptest.NewRecorder()

			handler.ListEntries(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(ContainSubstring(`"has_next":true`))
		})

		It("should reject a malformed date", func() {
			req := httptest.NewRequest(http.MethodGet, "/audit?from=yesterday", nil)
			w := httptest.NewRecorder()

			handler.ListEntries(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("should reject an unknown entry type", func() {
			req := httptest.NewRequest(http.MethodGet, "/audit?type=login", nil)
			w := httptest.NewRecorder()

			handler.ListEntries(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})
})
