package authz

import (
	"context"
	"fmt"

	"github.com/frahmantamala/access-control/internal/core/events"
)

type Subscriber interface {
	Subscribe(eventType string, handler events.Handler)
}

// RegisterInvalidation subscribes the cache to role/permission graph events.
// Mutations publish synchronously, so a change is visible to the next check
// on this process. Other processes converge within the cache TTL.
func (s *Service) RegisterInvalidation(bus Subscriber) {
	bus.Subscribe(events.EventTypeUserRolesChanged, s.onUserRolesChanged)
	bus.Subscribe(events.EventTypeRolePermissionsChanged, s.onRolePermissionsChanged)
	bus.Subscribe(events.EventTypeRoleUpdated, s.onRoleUpdated)
	bus.Subscribe(events.EventTypeRoleDeleted, s.onRoleDeleted)
	bus.Subscribe(events.EventTypePermissionChanged, s.onGraphChanged)
	bus.Subscribe(events.EventTypeGraphReset, s.onGraphChanged)
}

func (s *Service) onUserRolesChanged(_ context.Context, event events.Event) error {
	e, ok := event.(*events.UserRolesChangedEvent)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", event)
	}
	s.InvalidateUser(e.UserID)
	return nil
}

func (s *Service) onRolePermissionsChanged(_ context.Context, event events.Event) error {
	e, ok := event.(*events.RolePermissionsChangedEvent)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", event)
	}
	s.InvalidateRole(e.RoleID)
	return nil
}

func (s *Service) onRoleUpdated(_ context.Context, event events.Event) error {
	e, ok := event.(*events.RoleUpdatedEvent)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", event)
	}
	for _, userID := range e.UserIDs {
		s.InvalidateUser(userID)
	}
	return nil
}

func (s *Service) onRoleDeleted(_ context.Context, event events.Event) error {
	e, ok := event.(*events.RoleDeletedEvent)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", event)
	}
	s.InvalidateRole(e.RoleID)
	for _, userID := range e.UserIDs {
		s.InvalidateUser(userID)
	}
	return nil
}

func (s *Service) onGraphChanged(context.Context, events.Event) error {
	s.InvalidateAll()
	return nil
}
