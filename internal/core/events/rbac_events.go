package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeUserRolesChanged       = "rbac.user_roles.changed"
	EventTypeRolePermissionsChanged = "rbac.role_permissions.changed"
	EventTypeRoleUpdated            = "rbac.role.updated"
	EventTypeRoleDeleted            = "rbac.role.deleted"
	EventTypePermissionChanged      = "rbac.permission.changed"
	EventTypeGraphReset             = "rbac.graph.reset"
)

// UserRolesChangedEvent is published after a role is assigned to or removed
// from a user.
type UserRolesChangedEvent struct {
	BaseEvent
	UserID string `json:"user_id"`
	RoleID string `json:"role_id"`
}

func NewUserRolesChangedEvent(userID, roleID string) *UserRolesChangedEvent {
	return &UserRolesChangedEvent{
		BaseEvent: newBase(EventTypeUserRolesChanged, map[string]interface{}{
			"user_id": userID,
			"role_id": roleID,
		}),
		UserID: userID,
		RoleID: roleID,
	}
}

type RolePermissionsChangedEvent struct {
	BaseEvent
	RoleID string `json:"role_id"`
}

func NewRolePermissionsChangedEvent(roleID string) *RolePermissionsChangedEvent {
	return &RolePermissionsChangedEvent{
		BaseEvent: newBase(EventTypeRolePermissionsChanged, map[string]interface{}{
			"role_id": roleID,
		}),
		RoleID: roleID,
	}
}

// RoleUpdatedEvent carries the users holding the role, whose cached role
// lists still show its old attributes.
type RoleUpdatedEvent struct {
	BaseEvent
	RoleID  string   `json:"role_id"`
	UserIDs []string `json:"user_ids"`
}

func NewRoleUpdatedEvent(roleID string, userIDs []string) *RoleUpdatedEvent {
	return &RoleUpdatedEvent{
		BaseEvent: newBase(EventTypeRoleUpdated, map[string]interface{}{
			"role_id":  roleID,
			"user_ids": userIDs,
		}),
		RoleID:  roleID,
		UserIDs: userIDs,
	}
}

// RoleDeletedEvent carries the users that held the role at deletion time.
type RoleDeletedEvent struct {
	BaseEvent
	RoleID  string   `json:"role_id"`
	UserIDs []string `json:"user_ids"`
}

func NewRoleDeletedEvent(roleID string, userIDs []string) *RoleDeletedEvent {
	return &RoleDeletedEvent{
		BaseEvent: newBase(EventTypeRoleDeleted, map[string]interface{}{
			"role_id":  roleID,
			"user_ids": userIDs,
		}),
		RoleID:  roleID,
		UserIDs: userIDs,
	}
}

type PermissionChangedEvent struct {
	BaseEvent
	PermissionID string `json:"permission_id"`
	Name         string `json:"name"`
}

func NewPermissionChangedEvent(permissionID, name string) *PermissionChangedEvent {
	return &PermissionChangedEvent{
		BaseEvent: newBase(EventTypePermissionChanged, map[string]interface{}{
			"permission_id": permissionID,
			"name":          name,
		}),
		PermissionID: permissionID,
		Name:         name,
	}
}

// GraphResetEvent follows a seed, clear or reseed run.
type GraphResetEvent struct {
	BaseEvent
	Operation string `json:"operation"`
}

func NewGraphResetEvent(operation string) *GraphResetEvent {
	return &GraphResetEvent{
		BaseEvent: newBase(EventTypeGraphReset, map[string]interface{}{
			"operation": operation,
		}),
		Operation: operation,
	}
}

func newBase(eventType string, data map[string]interface{}) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}
