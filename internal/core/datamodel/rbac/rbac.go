package rbac

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

type Role struct {
	ID          string    `gorm:"column:id;primaryKey;type:varchar(36)"`
	Name        string    `gorm:"column:name;uniqueIndex;not null"`
	Description string    `gorm:"column:description"`
	IsDefault   bool      `gorm:"column:is_default;not null;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Role) TableName() string { return "roles" }

func (r *Role) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

type Permission struct {
	ID          string     `gorm:"column:id;primaryKey;type:varchar(36)"`
	Name        string     `gorm:"column:name;uniqueIndex;not null"`
	Description string     `gorm:"column:description"`
	Resource    string     `gorm:"column:resource;not null;index:idx_permissions_resource_action"`
	Action      string     `gorm:"column:action;not null;index:idx_permissions_resource_action"`
	Conditions  Conditions `gorm:"column:conditions"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (Permission) TableName() string { return "permissions" }

func (p *Permission) BeforeCreate(*gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

type UserRole struct {
	UserID     string    `gorm:"column:user_id;primaryKey;type:varchar(64)"`
	RoleID     string    `gorm:"column:role_id;primaryKey;type:varchar(36)"`
	AssignedAt time.Time `gorm:"column:assigned_at;autoCreateTime"`
}

func (UserRole) TableName() string { return "user_roles" }

type RolePermission struct {
	RoleID       string `gorm:"column:role_id;primaryKey;type:varchar(36)"`
	PermissionID string `gorm:"column:permission_id;primaryKey;type:varchar(36)"`
}

func (RolePermission) TableName() string { return "role_permissions" }

// Conditions is the persisted form of a permission's attribute predicate.
// A nil map is stored as NULL.
type Conditions map[string]any

func (c Conditions) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *Conditions) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*c = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("conditions: unsupported column type %T", value)
	}
	if len(raw) == 0 || string(raw) == "null" {
		*c = nil
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("conditions: %w", err)
	}
	*c = m
	return nil
}

func (Conditions) GormDataType() string {
	return "json"
}

func (Conditions) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "jsonb"
	}
	return "text"
}

// Models lists the tables of the role/permission graph in creation order.
func Models() []interface{} {
	return []interface{}{&Role{}, &Permission{}, &RolePermission{}, &UserRole{}}
}
