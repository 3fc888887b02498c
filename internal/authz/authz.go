// Package authz decides whether a user may perform an action. It resolves the
// user's roles and their permissions through the decision cache, falls back to
// the permission store on a miss and evaluates attribute conditions against
// the request environment. Anything not explicitly granted is denied.
package authz

import (
	"fmt"
	"time"

	"github.com/frahmantamala/access-control/internal/rbac"
)

// Deny reasons are stable and safe to show to callers.
const (
	ReasonNoRoles           = "no roles"
	ReasonUnknownPermission = "unknown permission"
	ReasonNotHeld           = "permission not held"
	ReasonConditionFailed   = "condition failed"
)

// AccessContext describes who is asking and under what circumstances.
// Environment holds the attributes conditions are evaluated against.
type AccessContext struct {
	UserID      string         `json:"user_id"`
	Resource    string         `json:"resource,omitempty"`
	Action      string         `json:"action,omitempty"`
	Environment map[string]any `json:"environment,omitempty"`
}

type PermissionCheck struct {
	Allowed    bool      `json:"allowed"`
	Reason     string    `json:"reason"`
	Permission string    `json:"permission"`
	Role       string    `json:"role,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`

	kind string
}

// Kind is the reason without per-request detail, suitable as a metric label.
func (c PermissionCheck) Kind() string {
	if c.kind == "" {
		return c.Reason
	}
	return c.kind
}

func granted(permission, role string, at time.Time) PermissionCheck {
	return PermissionCheck{
		Allowed:    true,
		Reason:     fmt.Sprintf("granted by role %q", role),
		Permission: permission,
		Role:       role,
		CheckedAt:  at,
		kind:       "granted",
	}
}

func denied(permission, reason string, at time.Time) PermissionCheck {
	return PermissionCheck{
		Permission: permission,
		Reason:     reason,
		CheckedAt:  at,
		kind:       reason,
	}
}

func conditionFailed(permission, attr string, at time.Time) PermissionCheck {
	return PermissionCheck{
		Permission: permission,
		Reason:     ReasonConditionFailed + ": " + attr,
		CheckedAt:  at,
		kind:       ReasonConditionFailed,
	}
}

type CheckRequest struct {
	Permission  string         `json:"permission"`
	UserID      string         `json:"user_id,omitempty"`
	Resource    string         `json:"resource,omitempty"`
	Action      string         `json:"action,omitempty"`
	Environment map[string]any `json:"environment,omitempty"`
}

type UserPermissionsResponse struct {
	UserID      string                `json:"user_id"`
	Permissions []rbac.SafePermission `json:"permissions"`
}
