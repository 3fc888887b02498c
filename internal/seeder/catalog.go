package seeder

import (
	"fmt"

	"github.com/frahmantamala/access-control/internal/authz/condition"
	"github.com/frahmantamala/access-control/internal/core/common/validation"
	"github.com/frahmantamala/access-control/internal/rbac"
)

// AllPermissions in a RoleSpec grants every permission of the catalog.
const AllPermissions = "*"

type PermissionSpec struct {
	Name        string
	Description string
	Conditions  map[string]any
}

type RoleSpec struct {
	Name        string
	Description string
	IsDefault   bool
	Permissions []string
}

// Catalog is the canonical role/permission graph the seeder converges on.
type Catalog struct {
	Permissions []PermissionSpec
	Roles       []RoleSpec
}

func DefaultCatalog() Catalog {
	return Catalog{
		Permissions: []PermissionSpec{
			{Name: "user.read", Description: "View users"},
			{Name: "user.create", Description: "Create users"},
			{Name: "user.update", Description: "Update users"},
			{Name: "user.delete", Description: "Delete users"},
			{Name: "user.ban", Description: "Ban or unban users"},
			{Name: "role.create", Description: "Create roles"},
			{Name: "role.read", Description: "View roles"},
			{Name: "role.update", Description: "Update roles"},
			{Name: "role.delete", Description: "Delete roles"},
			{Name: "role.assign", Description: "Assign roles to users"},
			{Name: "permission.create", Description: "Create permissions"},
			{Name: "permission.read", Description: "View permissions"},
			{Name: "permission.update", Description: "Update permissions"},
			{Name: "permission.delete", Description: "Delete permissions"},
			{Name: "audit.read", Description: "View the audit trail"},
			{Name: "statistics.read", Description: "View statistics"},
			{Name: "export.create", Description: "Export data"},
			{Name: "settings.update", Description: "Change system settings"},
			{Name: "profile.update", Description: "Update one's own profile", Conditions: map[string]any{"ownerOnly": true}},
		},
		Roles: []RoleSpec{
			{
				Name:        "admin",
				Description: "Full access",
				Permissions: []string{AllPermissions},
			},
			{
				Name:        "moderator",
				Description: "User moderation and reporting",
				Permissions: []string{"user.read", "user.ban", "audit.read", "statistics.read"},
			},
			{
				Name:        "user",
				Description: "Default role for every registered user",
				IsDefault:   true,
				Permissions: []string{"profile.update"},
			},
		},
	}
}

// Validate checks names and conditions. Role references are resolved during
// the run so that a permission already in the store may be granted.
func (c Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Permissions))
	for _, p := range c.Permissions {
		if appErr := validation.ValidatePermissionName(p.Name); appErr != nil {
			return fmt.Errorf("permission %q: %s", p.Name, appErr.GetDetailedMessage())
		}
		if seen[p.Name] {
			return fmt.Errorf("permission %q is listed twice", p.Name)
		}
		seen[p.Name] = true
		if err := condition.Validate(p.Conditions); err != nil {
			return fmt.Errorf("permission %q: %w", p.Name, err)
		}
	}

	roles := make(map[string]bool, len(c.Roles))
	for _, r := range c.Roles {
		if appErr := validation.ValidateRoleName(r.Name); appErr != nil {
			return fmt.Errorf("role %q: %s", r.Name, appErr.GetDetailedMessage())
		}
		if roles[r.Name] {
			return fmt.Errorf("role %q is listed twice", r.Name)
		}
		roles[r.Name] = true
	}
	return nil
}

func (c Catalog) grantsFor(role RoleSpec) []string {
	for _, name := range role.Permissions {
		if name == AllPermissions {
			all := make([]string, 0, len(c.Permissions))
			for _, p := range c.Permissions {
				all = append(all, p.Name)
			}
			return all
		}
	}
	return role.Permissions
}

func (p PermissionSpec) resourceAction() (string, string) {
	resource, action, _ := rbac.SplitPermissionName(p.Name)
	return resource, action
}
