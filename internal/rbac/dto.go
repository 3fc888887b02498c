package rbac

type CreateRoleDTO struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=255"`
	IsDefault   bool   `json:"is_default"`
}

// UpdateRoleDTO only changes the fields that are set.
type UpdateRoleDTO struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=64"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=255"`
	IsDefault   *bool   `json:"is_default,omitempty"`
}

// CreatePermissionDTO derives Resource and Action from Name when they are
// left empty.
type CreatePermissionDTO struct {
	Name        string         `json:"name" validate:"required,max=100,permname"`
	Description string         `json:"description" validate:"max=255"`
	Resource    string         `json:"resource" validate:"max=64"`
	Action      string         `json:"action" validate:"max=64"`
	Conditions  map[string]any `json:"conditions,omitempty"`
}

type UpdatePermissionDTO struct {
	Description *string `json:"description,omitempty" validate:"omitempty,max=255"`
	// Conditions replaces the predicate; an empty object removes it.
	Conditions *map[string]any `json:"conditions,omitempty"`
}

type RoleResponse struct {
	Role        *Role            `json:"role"`
	Permissions []SafePermission `json:"permissions,omitempty"`
}

type RolesResponse struct {
	Roles []*Role `json:"roles"`
}

type PermissionsResponse struct {
	Permissions []*Permission `json:"permissions"`
}

type UserRolesResponse struct {
	UserID string  `json:"user_id"`
	Roles  []*Role `json:"roles"`
}
