package rbac

import (
	"strings"
	"time"

	rbacDatamodel "github.com/frahmantamala/access-control/internal/core/datamodel/rbac"
)

type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Permission struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Resource    string         `json:"resource"`
	Action      string         `json:"action"`
	Conditions  map[string]any `json:"conditions,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// SafePermission is the outward view of a permission: its identity without
// the condition payload, which may name internal attributes.
type SafePermission struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Resource      string `json:"resource"`
	Action        string `json:"action"`
	HasConditions bool   `json:"has_conditions"`
}

// Matches reports whether name refers to this permission, either by its
// machine key or by its resource/action pair written as "resource.action"
// or "resource:action".
func (p *Permission) Matches(name string) bool {
	if name == "" {
		return false
	}
	if p.Name == name {
		return true
	}
	if p.Resource == "" || p.Action == "" {
		return false
	}
	return name == p.Resource+"."+p.Action || name == p.Resource+":"+p.Action
}

func (p *Permission) Safe() SafePermission {
	return SafePermission{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		Resource:      p.Resource,
		Action:        p.Action,
		HasConditions: len(p.Conditions) > 0,
	}
}

// SplitPermissionName splits "resource.action" or "resource:action" at the
// last separator. Multi segment resources such as "org.member.invite" keep
// everything before the last dot as the resource.
func SplitPermissionName(name string) (resource, action string, ok bool) {
	i := strings.LastIndexAny(name, ".:")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

func RoleToDataModel(r *Role) *rbacDatamodel.Role {
	return &rbacDatamodel.Role{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		IsDefault:   r.IsDefault,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func RoleFromDataModel(r *rbacDatamodel.Role) *Role {
	return &Role{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		IsDefault:   r.IsDefault,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func PermissionToDataModel(p *Permission) *rbacDatamodel.Permission {
	var conds rbacDatamodel.Conditions
	if len(p.Conditions) > 0 {
		conds = rbacDatamodel.Conditions(p.Conditions)
	}
	return &rbacDatamodel.Permission{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Resource:    p.Resource,
		Action:      p.Action,
		Conditions:  conds,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func PermissionFromDataModel(p *rbacDatamodel.Permission) *Permission {
	var conds map[string]any
	if len(p.Conditions) > 0 {
		conds = map[string]any(p.Conditions)
	}
	return &Permission{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Resource:    p.Resource,
		Action:      p.Action,
		Conditions:  conds,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func RolesFromDataModel(rows []*rbacDatamodel.Role) []*Role {
	out := make([]*Role, 0, len(rows))
	for _, r := range rows {
		out = append(out, RoleFromDataModel(r))
	}
	return out
}

func PermissionsFromDataModel(rows []*rbacDatamodel.Permission) []*Permission {
	out := make([]*Permission, 0, len(rows))
	for _, p := range rows {
		out = append(out, PermissionFromDataModel(p))
	}
	return out
}
