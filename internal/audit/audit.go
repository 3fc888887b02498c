package audit

import (
	"context"
	"time"

	"github.com/frahmantamala/access-control/internal"
	auditDatamodel "github.com/frahmantamala/access-control/internal/core/datamodel/audit"
)

type EntryType string

const (
	TypeAccess   EntryType = "access"
	TypeMutation EntryType = "mutation"
	TypeSeed     EntryType = "seed"
)

const (
	ActionAccessGranted = "access.granted"
	ActionAccessDenied  = "access.denied"

	ActionRoleCreate = "role.create"
	ActionRoleUpdate = "role.update"
	ActionRoleDelete = "role.delete"
	ActionRoleAssign = "role.assign"
	ActionRoleRemove = "role.unassign"

	ActionPermissionCreate = "permission.create"
	ActionPermissionUpdate = "permission.update"
	ActionPermissionDelete = "permission.delete"
	ActionPermissionGrant  = "permission.grant"
	ActionPermissionRevoke = "permission.revoke"

	ActionSeed   = "seed.seed"
	ActionClear  = "seed.clear"
	ActionReseed = "seed.reseed"
)

// SystemActor is recorded when a mutation has no authenticated caller,
// e.g. a CLI seed run.
const SystemActor = "system"

type Entry struct {
	ID          string    `json:"id"`
	Actor       string    `json:"actor"`
	Action      string    `json:"action"`
	Target      string    `json:"target"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Type        EntryType `json:"type"`
}

// Recorder is the write side of the audit trail. Record never fails from the
// caller's point of view.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

// Discard drops every entry. It is used where auditing is switched off.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, Entry) {}

// ActorFrom returns the authenticated user in ctx or SystemActor.
func ActorFrom(ctx context.Context) string {
	if userID := internal.UserIDFromContext(ctx); userID != "" {
		return userID
	}
	return SystemActor
}

// Target formats an entity reference such as "role:3f2c...".
func Target(entity, id string) string {
	if id == "" {
		return entity
	}
	return entity + ":" + id
}

func ToDataModel(e Entry) *auditDatamodel.AuditLogEntry {
	return &auditDatamodel.AuditLogEntry{
		ID:          e.ID,
		Actor:       e.Actor,
		Action:      e.Action,
		Target:      e.Target,
		Description: e.Description,
		Timestamp:   e.Timestamp.UTC(),
		Type:        string(e.Type),
	}
}

func FromDataModel(e *auditDatamodel.AuditLogEntry) Entry {
	return Entry{
		ID:          e.ID,
		Actor:       e.Actor,
		Action:      e.Action,
		Target:      e.Target,
		Description: e.Description,
		Timestamp:   e.Timestamp,
		Type:        EntryType(e.Type),
	}
}
