package audit

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditLogEntry is append-only; nothing in the service updates or deletes rows.
type AuditLogEntry struct {
	ID          string    `gorm:"column:id;primaryKey;type:varchar(36)" db:"id"`
	Actor       string    `gorm:"column:actor;not null;index" db:"actor"`
	Action      string    `gorm:"column:action;not null;index" db:"action"`
	Target      string    `gorm:"column:target;index" db:"target"`
	Description string    `gorm:"column:description" db:"description"`
	Timestamp   time.Time `gorm:"column:occurred_at;not null;index" db:"occurred_at"`
	Type        string    `gorm:"column:type;not null;index" db:"type"`
}

func (AuditLogEntry) TableName() string { return "audit_logs" }

func (e *AuditLogEntry) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return nil
}
