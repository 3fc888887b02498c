package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/frahmantamala/access-control/internal"
	rbacDatamodel "github.com/frahmantamala/access-control/internal/core/datamodel/rbac"
	"github.com/frahmantamala/access-control/internal/rbac"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type RBACRepository struct {
	db        *gorm.DB
	isolation sql.IsolationLevel
}

type Option func(*RBACRepository)

// WithIsolation sets the isolation level WithTx opens transactions at.
// Leave it unset for sqlite, which only knows serializable.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(r *RBACRepository) {
		r.isolation = level
	}
}

func NewRBACRepository(db *gorm.DB, opts ...Option) rbac.RepositoryAPI {
	r := &RBACRepository{db: db}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RBACRepository) RoleByID(ctx context.Context, id string) (*rbacDatamodel.Role, error) {
	var role rbacDatamodel.Role
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&role).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, readError(err, "failed to load role")
	}
	return &role, nil
}

func (r *RBACRepository) RoleByName(ctx context.Context, name string) (*rbacDatamodel.Role, error) {
	var role rbacDatamodel.Role
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&role).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, readError(err, "failed to load role")
	}
	return &role, nil
}

func (r *RBACRepository) PermissionByID(ctx context.Context, id string) (*rbacDatamodel.Permission, error) {
	var perm rbacDatamodel.Permission
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&perm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, readError(err, "failed to load permission")
	}
	return &perm, nil
}

func (r *RBACRepository) PermissionByName(ctx context.Context, name string) (*rbacDatamodel.Permission, error) {
	var perm rbacDatamodel.Permission
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&perm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, readError(err, "failed to load permission")
	}
	return &perm, nil
}

func (r *RBACRepository) PermissionsByRole(ctx context.Context, roleID string) ([]*rbacDatamodel.Permission, error) {
	var perms []*rbacDatamodel.Permission
	err := r.db.WithContext(ctx).
		Joins("JOIN role_permissions rp ON rp.permission_id = permissions.id").
		Where("rp.role_id = ?", roleID).
		Order("permissions.name ASC").
		Find(&perms).Error
	if err != nil {
		return nil, readError(err, "failed to load role permissions")
	}
	return perms, nil
}

func (r *RBACRepository) RolesByUser(ctx context.Context, userID string) ([]*rbacDatamodel.Role, error) {
	var roles []*rbacDatamodel.Role
	err := r.db.WithContext(ctx).
		Joins("JOIN user_roles ur ON ur.role_id = roles.id").
		Where("ur.user_id = ?", userID).
		Order("roles.name ASC").
		Find(&roles).Error
	if err != nil {
		return nil, readError(err, "failed to load user roles")
	}
	return roles, nil
}

func (r *RBACRepository) UserIDsByRole(ctx context.Context, roleID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&rbacDatamodel.UserRole{}).
		Where("role_id = ?", roleID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, readError(err, "failed to load role holders")
	}
	return ids, nil
}

func (r *RBACRepository) ListRoles(ctx context.Context) ([]*rbacDatamodel.Role, error) {
	var roles []*rbacDatamodel.Role
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&roles).Error; err != nil {
		return nil, readError(err, "failed to list roles")
	}
	return roles, nil
}

func (r *RBACRepository) ListPermissions(ctx context.Context) ([]*rbacDatamodel.Permission, error) {
	var perms []*rbacDatamodel.Permission
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&perms).Error; err != nil {
		return nil, readError(err, "failed to list permissions")
	}
	return perms, nil
}

func (r *RBACRepository) DefaultRoles(ctx context.Context) ([]*rbacDatamodel.Role, error) {
	var roles []*rbacDatamodel.Role
	if err := r.db.WithContext(ctx).Where("is_default = ?", true).Order("name ASC").Find(&roles).Error; err != nil {
		return nil, readError(err, "failed to list default roles")
	}
	return roles, nil
}

func (r *RBACRepository) PermissionExists(ctx context.Context, name string) (bool, error) {
	query := r.db.WithContext(ctx).Model(&rbacDatamodel.Permission{}).Where("name = ?", name)
	if resource, action, ok := rbac.SplitPermissionName(name); ok {
		query = query.Or("resource = ? AND action = ?", resource, action)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, readError(err, "failed to look up permission")
	}
	return count > 0, nil
}

func (r *RBACRepository) UpsertRole(ctx context.Context, role *rbacDatamodel.Role) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(role)
	if res.Error != nil {
		return false, translateError(res.Error, "failed to upsert role", internal.ErrCodeDuplicateRole)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var existing rbacDatamodel.Role
	if err := r.db.WithContext(ctx).Where("name = ?", role.Name).First(&existing).Error; err != nil {
		return false, readError(err, "failed to reload role")
	}
	*role = existing
	return false, nil
}

func (r *RBACRepository) UpsertPermission(ctx context.Context, perm *rbacDatamodel.Permission) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(perm)
	if res.Error != nil {
		return false, translateError(res.Error, "failed to upsert permission", internal.ErrCodeDuplicatePerm)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var existing rbacDatamodel.Permission
	if err := r.db.WithContext(ctx).Where("name = ?", perm.Name).First(&existing).Error; err != nil {
		return false, readError(err, "failed to reload permission")
	}
	*perm = existing
	return false, nil
}

func (r *RBACRepository) EnsureRolePermission(ctx context.Context, roleID, permissionID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rbacDatamodel.RolePermission{RoleID: roleID, PermissionID: permissionID})
	if res.Error != nil {
		return false, translateError(res.Error, "failed to link permission to role", internal.ErrCodeDuplicateLink)
	}
	return res.RowsAffected > 0, nil
}

func (r *RBACRepository) CreateRole(ctx context.Context, role *rbacDatamodel.Role) error {
	if err := r.db.WithContext(ctx).Create(role).Error; err != nil {
		return translateError(err, "failed to create role", internal.ErrCodeDuplicateRole)
	}
	return nil
}

func (r *RBACRepository) UpdateRole(ctx context.Context, role *rbacDatamodel.Role) error {
	role.UpdatedAt = time.Now()
	res := r.db.WithContext(ctx).
		Model(&rbacDatamodel.Role{}).
		Where("id = ?", role.ID).
		Updates(map[string]interface{}{
			"name":        role.Name,
			"description": role.Description,
			"is_default":  role.IsDefault,
			"updated_at":  role.UpdatedAt,
		})
	if res.Error != nil {
		return translateError(res.Error, "failed to update role", internal.ErrCodeDuplicateRole)
	}
	if res.RowsAffected == 0 {
		return internal.ErrRoleNotFound
	}
	return nil
}

// DeleteRole removes the role together with its grants and assignments.
func (r *RBACRepository) DeleteRole(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("role_id = ?", id).Delete(&rbacDatamodel.UserRole{}).Error; err != nil {
			return err
		}
		if err := tx.Where("role_id = ?", id).Delete(&rbacDatamodel.RolePermission{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&rbacDatamodel.Role{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return internal.ErrRoleNotFound
		}
		return nil
	})
	if err != nil {
		return translateError(err, "failed to delete role", internal.ErrCodeDuplicateRole)
	}
	return nil
}

func (r *RBACRepository) CreatePermission(ctx context.Context, perm *rbacDatamodel.Permission) error {
	if err := r.db.WithContext(ctx).Create(perm).Error; err != nil {
		return translateError(err, "failed to create permission", internal.ErrCodeDuplicatePerm)
	}
	return nil
}

func (r *RBACRepository) UpdatePermission(ctx context.Context, perm *rbacDatamodel.Permission) error {
	perm.UpdatedAt = time.Now()
	res := r.db.WithContext(ctx).
		Model(&rbacDatamodel.Permission{}).
		Where("id = ?", perm.ID).
		Updates(map[string]interface{}{
			"description": perm.Description,
			"resource":    perm.Resource,
			"action":      perm.Action,
			"conditions":  perm.Conditions,
			"updated_at":  perm.UpdatedAt,
		})
	if res.Error != nil {
		return translateError(res.Error, "failed to update permission", internal.ErrCodeDuplicatePerm)
	}
	if res.RowsAffected == 0 {
		return internal.ErrPermissionNotFound
	}
	return nil
}

func (r *RBACRepository) DeletePermission(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("permission_id = ?", id).Delete(&rbacDatamodel.RolePermission{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&rbacDatamodel.Permission{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return internal.ErrPermissionNotFound
		}
		return nil
	})
	if err != nil {
		return translateError(err, "failed to delete permission", internal.ErrCodeDuplicatePerm)
	}
	return nil
}

func (r *RBACRepository) AssignPermissionToRole(ctx context.Context, roleID, permissionID string) error {
	err := r.db.WithContext(ctx).Create(&rbacDatamodel.RolePermission{RoleID: roleID, PermissionID: permissionID}).Error
	if err != nil {
		return translateError(err, "failed to grant permission", internal.ErrCodeDuplicateLink)
	}
	return nil
}

func (r *RBACRepository) RevokePermissionFromRole(ctx context.Context, roleID, permissionID string) error {
	res := r.db.WithContext(ctx).
		Where("role_id = ? AND permission_id = ?", roleID, permissionID).
		Delete(&rbacDatamodel.RolePermission{})
	if res.Error != nil {
		return translateError(res.Error, "failed to revoke permission", internal.ErrCodeDuplicateLink)
	}
	if res.RowsAffected == 0 {
		return internal.NewNotFoundError("permission is not granted to role", internal.ErrCodePermissionNotFound)
	}
	return nil
}

func (r *RBACRepository) AssignRoleToUser(ctx context.Context, userID, roleID string) error {
	err := r.db.WithContext(ctx).Create(&rbacDatamodel.UserRole{UserID: userID, RoleID: roleID}).Error
	if err != nil {
		return translateError(err, "failed to assign role", internal.ErrCodeDuplicateLink)
	}
	return nil
}

func (r *RBACRepository) RemoveRoleFromUser(ctx context.Context, userID, roleID string) error {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND role_id = ?", userID, roleID).
		Delete(&rbacDatamodel.UserRole{})
	if res.Error != nil {
		return translateError(res.Error, "failed to remove role", internal.ErrCodeDuplicateLink)
	}
	if res.RowsAffected == 0 {
		return internal.NewNotFoundError("role is not assigned to user", internal.ErrCodeRoleNotFound)
	}
	return nil
}

// DeleteAllRolesAndPermissions empties the graph, junction tables first.
func (r *RBACRepository) DeleteAllRolesAndPermissions(ctx context.Context) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		all := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		for _, model := range []interface{}{
			&rbacDatamodel.UserRole{},
			&rbacDatamodel.RolePermission{},
			&rbacDatamodel.Permission{},
			&rbacDatamodel.Role{},
		} {
			if err := all.Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return translateError(err, "failed to clear roles and permissions", internal.ErrCodeStorageFailed)
	}
	return nil
}

func (r *RBACRepository) WithTx(ctx context.Context, fn func(repo rbac.RepositoryAPI) error) error {
	var opts []*sql.TxOptions
	if r.isolation != sql.LevelDefault {
		opts = append(opts, &sql.TxOptions{Isolation: r.isolation})
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&RBACRepository{db: tx, isolation: r.isolation})
	}, opts...)
	if err != nil {
		if _, ok := internal.IsAppError(err); ok {
			return err
		}
		return internal.NewDatabaseError("transaction failed", err)
	}
	return nil
}

// translateError maps driver errors onto the domain error kinds. AppErrors
// raised inside a transaction pass through untouched.
func translateError(err error, message string, conflict internal.ErrorCode) error {
	if err == nil {
		return nil
	}
	if _, ok := internal.IsAppError(err); ok {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return internal.NewConflictError("already exists", conflict).WithCause(err)
		case pgForeignKeyViolation:
			return internal.NewNotFoundError("referenced record does not exist", internal.ErrCodeRoleNotFound).WithCause(err)
		}
	}

	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey), strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return internal.NewConflictError("already exists", conflict).WithCause(err)
	case errors.Is(err, gorm.ErrForeignKeyViolated), strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
		return internal.NewNotFoundError("referenced record does not exist", internal.ErrCodeRoleNotFound).WithCause(err)
	}
	return internal.NewDatabaseError(message, err)
}

func readError(err error, message string) error {
	if _, ok := internal.IsAppError(err); ok {
		return err
	}
	return internal.NewDatabaseError(message, err)
}
