package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/frahmantamala/access-control/internal"
	"github.com/frahmantamala/access-control/internal/audit"
	"github.com/frahmantamala/access-control/internal/authz/condition"
	"github.com/frahmantamala/access-control/internal/core/common/validation"
	rbacDatamodel "github.com/frahmantamala/access-control/internal/core/datamodel/rbac"
	"github.com/frahmantamala/access-control/internal/core/events"
)

// RepositoryAPI is the permission store. Reads return nil (or an empty
// slice) when nothing matches; writes report a missing row as NotFound and a
// unique violation as Conflict.
type RepositoryAPI interface {
	RoleByID(ctx context.Context, id string) (*rbacDatamodel.Role, error)
	RoleByName(ctx context.Context, name string) (*rbacDatamodel.Role, error)
	PermissionByID(ctx context.Context, id string) (*rbacDatamodel.Permission, error)
	PermissionByName(ctx context.Context, name string) (*rbacDatamodel.Permission, error)
	PermissionsByRole(ctx context.Context, roleID string) ([]*rbacDatamodel.Permission, error)
	RolesByUser(ctx context.Context, userID string) ([]*rbacDatamodel.Role, error)
	UserIDsByRole(ctx context.Context, roleID string) ([]string, error)
	ListRoles(ctx context.Context) ([]*rbacDatamodel.Role, error)
	ListPermissions(ctx context.Context) ([]*rbacDatamodel.Permission, error)
	DefaultRoles(ctx context.Context) ([]*rbacDatamodel.Role, error)
	// PermissionExists matches name against the machine key or the
	// resource/action pair.
	PermissionExists(ctx context.Context, name string) (bool, error)

	// UpsertRole and UpsertPermission insert by unique name and leave an
	// existing row untouched. The argument is filled from the stored row.
	UpsertRole(ctx context.Context, role *rbacDatamodel.Role) (created bool, err error)
	UpsertPermission(ctx context.Context, perm *rbacDatamodel.Permission) (created bool, err error)
	EnsureRolePermission(ctx context.Context, roleID, permissionID string) (created bool, err error)

	CreateRole(ctx context.Context, role *rbacDatamodel.Role) error
	UpdateRole(ctx context.Context, role *rbacDatamodel.Role) error
	DeleteRole(ctx context.Context, id string) error
	CreatePermission(ctx context.Context, perm *rbacDatamodel.Permission) error
	UpdatePermission(ctx context.Context, perm *rbacDatamodel.Permission) error
	DeletePermission(ctx context.Context, id string) error

	AssignPermissionToRole(ctx context.Context, roleID, permissionID string) error
	RevokePermissionFromRole(ctx context.Context, roleID, permissionID string) error
	AssignRoleToUser(ctx context.Context, userID, roleID string) error
	RemoveRoleFromUser(ctx context.Context, userID, roleID string) error

	DeleteAllRolesAndPermissions(ctx context.Context) error

	// WithTx runs fn inside one transaction. Any error from fn rolls back
	// every write made through the repository it receives.
	WithTx(ctx context.Context, fn func(repo RepositoryAPI) error) error
}

// Service is the administrative side of the role/permission graph. Every
// mutation is audited and publishes an event that invalidates the affected
// decision cache keys before the call returns.
type Service struct {
	repo     RepositoryAPI
	recorder audit.Recorder
	events   events.Publisher
	logger   *slog.Logger
}

func NewService(repo RepositoryAPI, recorder audit.Recorder, publisher events.Publisher, logger *slog.Logger) *Service {
	if recorder == nil {
		recorder = audit.Discard
	}
	return &Service{
		repo:     repo,
		recorder: recorder,
		events:   publisher,
		logger:   logger,
	}
}

func (s *Service) ListRoles(ctx context.Context) ([]*Role, error) {
	rows, err := s.repo.ListRoles(ctx)
	if err != nil {
		s.logger.Error("failed to list roles", "error", err)
		return nil, err
	}
	return RolesFromDataModel(rows), nil
}

func (s *Service) GetRole(ctx context.Context, id string) (*RoleResponse, error) {
	row, err := s.repo.RoleByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, internal.ErrRoleNotFound
	}

	perms, err := s.repo.PermissionsByRole(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &RoleResponse{Role: RoleFromDataModel(row)}
	for _, p := range PermissionsFromDataModel(perms) {
		resp.Permissions = append(resp.Permissions, p.Safe())
	}
	return resp, nil
}

func (s *Service) CreateRole(ctx context.Context, dto CreateRoleDTO) (*Role, error) {
	dto.Name = strings.TrimSpace(dto.Name)
	if appErr := validation.Struct(dto); appErr != nil {
		return nil, appErr
	}
	if appErr := validation.ValidateRoleName(dto.Name); appErr != nil {
		return nil, appErr
	}

	existing, err := s.repo.RoleByName(ctx, dto.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, internal.NewConflictError(fmt.Sprintf("role %q already exists", dto.Name), internal.ErrCodeDuplicateRole)
	}

	row := &rbacDatamodel.Role{
		Name:        dto.Name,
		Description: dto.Description,
		IsDefault:   dto.IsDefault,
	}
	if err := s.repo.CreateRole(ctx, row); err != nil {
		s.logger.Error("failed to create role", "name", dto.Name, "error", err)
		return nil, err
	}

	s.record(ctx, audit.ActionRoleCreate, audit.Target("role", row.ID), fmt.Sprintf("created role %q", row.Name))
	s.logger.Info("role created", "role_id", row.ID, "name", row.Name)
	return RoleFromDataModel(row), nil
}

func (s *Service) UpdateRole(ctx context.Context, id string, dto UpdateRoleDTO) (*Role, error) {
	if appErr := validation.Struct(dto); appErr != nil {
		return nil, appErr
	}

	row, err := s.repo.RoleByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, internal.ErrRoleNotFound
	}

	if dto.Name != nil {
		name := strings.TrimSpace(*dto.Name)
		if appErr := validation.ValidateRoleName(name); appErr != nil {
			return nil, appErr
		}
		if name != row.Name {
			other, err := s.repo.RoleByName(ctx, name)
			if err != nil {
				return nil, err
			}
			if other != nil {
				return nil, internal.NewConflictError(fmt.Sprintf("role %q already exists", name), internal.ErrCodeDuplicateRole)
			}
		}
		row.Name = name
	}
	if dto.Description != nil {
		row.Description = *dto.Description
	}
	if dto.IsDefault != nil {
		row.IsDefault = *dto.IsDefault
	}

	var holders []string
	err = s.repo.WithTx(ctx, func(tx RepositoryAPI) error {
		if err := tx.UpdateRole(ctx, row); err != nil {
			return err
		}
		var err error
		holders, err = tx.UserIDsByRole(ctx, id)
		return err
	})
	if err != nil {
		s.logger.Error("failed to update role", "role_id", id, "error", err)
		return nil, err
	}

	s.publish(ctx, events.NewRoleUpdatedEvent(id, holders))
	s.record(ctx, audit.ActionRoleUpdate, audit.Target("role", id), fmt.Sprintf("updated role %q", row.Name))
	return RoleFromDataModel(row), nil
}

// DeleteRole removes the role with its grants and assignments. The users
// that held it are invalidated individually.
func (s *Service) DeleteRole(ctx context.Context, id string) error {
	row, err := s.repo.RoleByID(ctx, id)
	if err != nil {
		return err
	}
	if row == nil {
		return internal.ErrRoleNotFound
	}

	var holders []string
	err = s.repo.WithTx(ctx, func(tx RepositoryAPI) error {
		var err error
		if holders, err = tx.UserIDsByRole(ctx, id); err != nil {
			return err
		}
		return tx.DeleteRole(ctx, id)
	})
	if err != nil {
		s.logger.Error("failed to delete role", "role_id", id, "error", err)
		return err
	}

	s.publish(ctx, events.NewRoleDeletedEvent(id, holders))
	s.record(ctx, audit.ActionRoleDelete, audit.Target("role", id),
		fmt.Sprintf("deleted role %q held by %d users", row.Name, len(holders)))
	s.logger.Info("role deleted", "role_id", id, "name", row.Name, "holders", len(holders))
	return nil
}

func (s *Service) ListPermissions(ctx context.Context) ([]*Permission, error) {
	rows, err := s.repo.ListPermissions(ctx)
	if err != nil {
		s.logger.Error("failed to list permissions", "error", err)
		return nil, err
	}
	return PermissionsFromDataModel(rows), nil
}

func (s *Service) CreatePermission(ctx context.Context, dto CreatePermissionDTO) (*Permission, error) {
	dto.Name = strings.TrimSpace(dto.Name)
	if appErr := validation.Struct(dto); appErr != nil {
		return nil, appErr
	}
	if err := validateConditions(dto.Conditions); err != nil {
		return nil, err
	}

	if dto.Resource == "" || dto.Action == "" {
		resource, action, _ := SplitPermissionName(dto.Name)
		if dto.Resource == "" {
			dto.Resource = resource
		}
		if dto.Action == "" {
			dto.Action = action
		}
	}

	existing, err := s.repo.PermissionByName(ctx, dto.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, internal.NewConflictError(fmt.Sprintf("permission %q already exists", dto.Name), internal.ErrCodeDuplicatePerm)
	}

	row := PermissionToDataModel(&Permission{
		Name:        dto.Name,
		Description: dto.Description,
		Resource:    dto.Resource,
		Action:      dto.Action,
		Conditions:  dto.Conditions,
	})
	if err := s.repo.CreatePermission(ctx, row); err != nil {
		s.logger.Error("failed to create permission", "name", dto.Name, "error", err)
		return nil, err
	}

	// A previously unknown name may be cached as non-existent.
	s.publish(ctx, events.NewPermissionChangedEvent(row.ID, row.Name))
	s.record(ctx, audit.ActionPermissionCreate, audit.Target("permission", row.ID), fmt.Sprintf("created permission %q", row.Name))
	return PermissionFromDataModel(row), nil
}

func (s *Service) UpdatePermission(ctx context.Context, id string, dto UpdatePermissionDTO) (*Permission, error) {
	if appErr := validation.Struct(dto); appErr != nil {
		return nil, appErr
	}

	row, err := s.repo.PermissionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, internal.ErrPermissionNotFound
	}

	if dto.Description != nil {
		row.Description = *dto.Description
	}
	if dto.Conditions != nil {
		conds := *dto.Conditions
		if err := validateConditions(conds); err != nil {
			return nil, err
		}
		if len(conds) == 0 {
			row.Conditions = nil
		} else {
			row.Conditions = rbacDatamodel.Conditions(conds)
		}
	}

	if err := s.repo.UpdatePermission(ctx, row); err != nil {
		s.logger.Error("failed to update permission", "permission_id", id, "error", err)
		return nil, err
	}

	s.publish(ctx, events.NewPermissionChangedEvent(row.ID, row.Name))
	s.record(ctx, audit.ActionPermissionUpdate, audit.Target("permission", id), fmt.Sprintf("updated permission %q", row.Name))
	return PermissionFromDataModel(row), nil
}

func (s *Service) DeletePermission(ctx context.Context, id string) error {
	row, err := s.repo.PermissionByID(ctx, id)
	if err != nil {
		return err
	}
	if row == nil {
		return internal.ErrPermissionNotFound
	}

	if err := s.repo.DeletePermission(ctx, id); err != nil {
		s.logger.Error("failed to delete permission", "permission_id", id, "error", err)
		return err
	}

	s.publish(ctx, events.NewPermissionChangedEvent(row.ID, row.Name))
	s.record(ctx, audit.ActionPermissionDelete, audit.Target("permission", id), fmt.Sprintf("deleted permission %q", row.Name))
	return nil
}

func (s *Service) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	role, perm, err := s.roleAndPermission(ctx, roleID, permissionID)
	if err != nil {
		return err
	}

	if err := s.repo.AssignPermissionToRole(ctx, roleID, permissionID); err != nil {
		return err
	}

	s.publish(ctx, events.NewRolePermissionsChangedEvent(roleID))
	s.record(ctx, audit.ActionPermissionGrant, audit.Target("role", roleID),
		fmt.Sprintf("granted %q to role %q", perm.Name, role.Name))
	return nil
}

func (s *Service) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	role, perm, err := s.roleAndPermission(ctx, roleID, permissionID)
	if err != nil {
		return err
	}

	if err := s.repo.RevokePermissionFromRole(ctx, roleID, permissionID); err != nil {
		return err
	}

	s.publish(ctx, events.NewRolePermissionsChangedEvent(roleID))
	s.record(ctx, audit.ActionPermissionRevoke, audit.Target("role", roleID),
		fmt.Sprintf("revoked %q from role %q", perm.Name, role.Name))
	return nil
}

func (s *Service) AssignRole(ctx context.Context, userID, roleID string) error {
	if strings.TrimSpace(userID) == "" {
		return internal.NewValidationFieldError("user_id", "user_id is required", internal.ErrCodeValidationFailed)
	}
	role, err := s.repo.RoleByID(ctx, roleID)
	if err != nil {
		return err
	}
	if role == nil {
		return internal.ErrRoleNotFound
	}

	if err := s.repo.AssignRoleToUser(ctx, userID, roleID); err != nil {
		return err
	}

	s.publish(ctx, events.NewUserRolesChangedEvent(userID, roleID))
	s.record(ctx, audit.ActionRoleAssign, audit.Target("user", userID), fmt.Sprintf("assigned role %q", role.Name))
	return nil
}

func (s *Service) UnassignRole(ctx context.Context, userID, roleID string) error {
	role, err := s.repo.RoleByID(ctx, roleID)
	if err != nil {
		return err
	}
	if role == nil {
		return internal.ErrRoleNotFound
	}

	if err := s.repo.RemoveRoleFromUser(ctx, userID, roleID); err != nil {
		return err
	}

	s.publish(ctx, events.NewUserRolesChangedEvent(userID, roleID))
	s.record(ctx, audit.ActionRoleRemove, audit.Target("user", userID), fmt.Sprintf("removed role %q", role.Name))
	return nil
}

// AssignDefaultRoles gives a newly registered user every role flagged as
// default. Roles the user already holds are skipped.
func (s *Service) AssignDefaultRoles(ctx context.Context, userID string) ([]*Role, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, internal.NewValidationFieldError("user_id", "user_id is required", internal.ErrCodeValidationFailed)
	}

	defaults, err := s.repo.DefaultRoles(ctx)
	if err != nil {
		return nil, err
	}
	held, err := s.repo.RolesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	holding := make(map[string]bool, len(held))
	for _, r := range held {
		holding[r.ID] = true
	}

	var assigned []*Role
	for _, r := range defaults {
		if holding[r.ID] {
			continue
		}
		if err := s.repo.AssignRoleToUser(ctx, userID, r.ID); err != nil {
			if internal.KindOf(err) == internal.ErrorTypeConflict {
				continue
			}
			return assigned, err
		}
		assigned = append(assigned, RoleFromDataModel(r))
		s.record(ctx, audit.ActionRoleAssign, audit.Target("user", userID), fmt.Sprintf("assigned default role %q", r.Name))
	}

	if len(assigned) > 0 {
		s.publish(ctx, events.NewUserRolesChangedEvent(userID, ""))
	}
	return assigned, nil
}

func (s *Service) UserRoles(ctx context.Context, userID string) ([]*Role, error) {
	rows, err := s.repo.RolesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	roles := RolesFromDataModel(rows)
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (s *Service) roleAndPermission(ctx context.Context, roleID, permissionID string) (*rbacDatamodel.Role, *rbacDatamodel.Permission, error) {
	role, err := s.repo.RoleByID(ctx, roleID)
	if err != nil {
		return nil, nil, err
	}
	if role == nil {
		return nil, nil, internal.ErrRoleNotFound
	}
	perm, err := s.repo.PermissionByID(ctx, permissionID)
	if err != nil {
		return nil, nil, err
	}
	if perm == nil {
		return nil, nil, internal.ErrPermissionNotFound
	}
	return role, perm, nil
}

func (s *Service) record(ctx context.Context, action, target, description string) {
	s.recorder.Record(ctx, audit.Entry{
		Actor:       audit.ActorFrom(ctx),
		Action:      action,
		Target:      target,
		Description: description,
		Type:        audit.TypeMutation,
	})
}

// publish runs invalidation synchronously. A failing handler is logged; the
// mutation itself has already been committed.
func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishSync(ctx, event); err != nil {
		s.logger.Error("failed to publish rbac event", "event_type", event.EventType(), "error", err)
	}
}

func validateConditions(conds map[string]any) error {
	if len(conds) == 0 {
		return nil
	}
	if err := condition.Validate(conds); err != nil {
		return internal.NewValidationError("invalid conditions: "+err.Error(), internal.ErrCodeInvalidConditions)
	}
	return nil
}
