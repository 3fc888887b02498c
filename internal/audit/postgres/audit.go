package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"gorm.io/gorm"

	"github.com/frahmantamala/access-control/internal"
	"github.com/frahmantamala/access-control/internal/audit"
	auditDatamodel "github.com/frahmantamala/access-control/internal/core/datamodel/audit"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// AuditRepository appends through gorm and reads the timeline with sqlx,
// sharing the same connection pool.
type AuditRepository struct {
	db   *gorm.DB
	sqlx *sqlx.DB
}

func NewAuditRepository(db *gorm.DB) (audit.RepositoryAPI, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("audit repository: %w", err)
	}
	return &AuditRepository{
		db:   db,
		sqlx: sqlx.NewDb(sqlDB, sqlxDriverName(db.Dialector.Name())),
	}, nil
}

// sqlxDriverName maps a gorm dialect to the driver name sqlx uses to pick a
// bind variable style.
func sqlxDriverName(dialect string) string {
	switch dialect {
	case "sqlite":
		return "sqlite3"
	case "postgres":
		return "pgx"
	default:
		return dialect
	}
}

func (r *AuditRepository) Insert(ctx context.Context, entry *auditDatamodel.AuditLogEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return internal.NewDatabaseError("failed to insert audit entry", err)
	}
	return nil
}

func (r *AuditRepository) List(ctx context.Context, filter audit.Filter, limit, offset int) ([]*auditDatamodel.AuditLogEntry, error) {
	var (
		clauses []string
		args    []interface{}
	)

	if filter.Actor != "" {
		clauses = append(clauses, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Target != "" {
		clauses = append(clauses, "target = ?")
		args = append(args, filter.Target)
	}
	if filter.Entity != "" {
		clauses = append(clauses, `target LIKE ? ESCAPE '\'`)
		args = append(args, likeEscaper.Replace(filter.Entity)+":%")
	}
	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.From != nil {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		clauses = append(clauses, "occurred_at <= ?")
		args = append(args, filter.To.UTC())
	}

	query := "SELECT id, actor, action, target, description, occurred_at, type FROM audit_logs"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []*auditDatamodel.AuditLogEntry
	if err := r.sqlx.SelectContext(ctx, &rows, r.sqlx.Rebind(query), args...); err != nil {
		return nil, internal.NewDatabaseError("failed to list audit entries", err)
	}
	return rows, nil
}
