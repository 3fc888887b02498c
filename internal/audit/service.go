package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/frahmantamala/access-control/internal"
	auditDatamodel "github.com/frahmantamala/access-control/internal/core/datamodel/audit"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type RepositoryAPI interface {
	Insert(ctx context.Context, entry *auditDatamodel.AuditLogEntry) error
	List(ctx context.Context, filter Filter, limit, offset int) ([]*auditDatamodel.AuditLogEntry, error)
}

// Filter narrows the audit timeline. Entity matches the prefix of Target,
// so Entity "role" selects every entry about any role.
type Filter struct {
	Actor    string
	Action   string
	Entity   string
	Target   string
	Type     EntryType
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

type Page struct {
	Entries  []Entry `json:"entries"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
	HasNext  bool    `json:"has_next"`
}

type Service struct {
	repo   RepositoryAPI
	logger *slog.Logger
}

func NewService(repo RepositoryAPI, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
	}
}

// List returns one page of entries, newest first.
func (s *Service) List(ctx context.Context, filter Filter) (Page, error) {
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return Page{}, internal.NewValidationFieldError("to", "to must not be before from", internal.ErrCodeValidationFailed)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	rows, err := s.repo.List(ctx, filter, size+1, (page-1)*size)
	if err != nil {
		s.logger.Error("failed to list audit entries", "error", err)
		if _, ok := internal.IsAppError(err); ok {
			return Page{}, err
		}
		return Page{}, internal.NewDatabaseError("failed to list audit entries", err)
	}

	hasNext := len(rows) > size
	if hasNext {
		rows = rows[:size]
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, FromDataModel(row))
	}

	return Page{
		Entries:  entries,
		Page:     page,
		PageSize: size,
		HasNext:  hasNext,
	}, nil
}
