// Package seeder converges the role/permission graph on a canonical catalog.
package seeder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/frahmantamala/access-control/internal"
	"github.com/frahmantamala/access-control/internal/audit"
	rbacDatamodel "github.com/frahmantamala/access-control/internal/core/datamodel/rbac"
	"github.com/frahmantamala/access-control/internal/core/events"
	"github.com/frahmantamala/access-control/internal/rbac"
)

type State string

const (
	StateIdle    State = "idle"
	StateSeeding State = "seeding"
	StateSeeded  State = "seeded"
	StateFailed  State = "failed"
)

const (
	OperationSeed   = "seed"
	OperationClear  = "clear"
	OperationReseed = "reseed"
)

type Result struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Roles       int    `json:"roles"`
	Permissions int    `json:"permissions"`
}

// Observer is told about every finished run.
type Observer interface {
	SeedRun(operation string, success bool)
}

type Option func(*Seeder)

func WithCatalog(catalog Catalog) Option {
	return func(s *Seeder) {
		s.catalog = catalog
	}
}

func WithObserver(observer Observer) Option {
	return func(s *Seeder) {
		s.observer = observer
	}
}

// Seeder runs seed, clear and reseed against the store, each inside a
// single transaction. Overlapping runs are serialized by the store's
// transaction isolation, not here.
type Seeder struct {
	repo     rbac.RepositoryAPI
	recorder audit.Recorder
	events   events.Publisher
	observer Observer
	logger   *slog.Logger
	catalog  Catalog

	mu    sync.RWMutex
	state State
}

func New(repo rbac.RepositoryAPI, recorder audit.Recorder, publisher events.Publisher, logger *slog.Logger, opts ...Option) *Seeder {
	if recorder == nil {
		recorder = audit.Discard
	}
	s := &Seeder{
		repo:     repo,
		recorder: recorder,
		events:   publisher,
		logger:   logger,
		catalog:  DefaultCatalog(),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Seeder) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Seeder) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Seed upserts every catalog role, permission and grant by unique name.
// Rows that already exist are left untouched, so running it twice is the
// same as running it once.
func (s *Seeder) Seed(ctx context.Context) Result {
	return s.run(ctx, OperationSeed, func(tx rbac.RepositoryAPI) (Result, error) {
		return s.seed(ctx, tx)
	})
}

// Clear deletes every assignment, grant, permission and role. Clearing an
// empty store succeeds.
func (s *Seeder) Clear(ctx context.Context) Result {
	return s.run(ctx, OperationClear, func(tx rbac.RepositoryAPI) (Result, error) {
		return s.clear(ctx, tx)
	})
}

// Reseed clears and seeds in one transaction. On failure the store is left
// exactly as it was.
func (s *Seeder) Reseed(ctx context.Context) Result {
	return s.run(ctx, OperationReseed, func(tx rbac.RepositoryAPI) (Result, error) {
		cleared, err := s.clear(ctx, tx)
		if err != nil {
			return Result{}, err
		}
		seeded, err := s.seed(ctx, tx)
		if err != nil {
			return Result{}, err
		}
		seeded.Message = fmt.Sprintf("removed %d roles and %d permissions; %s",
			cleared.Roles, cleared.Permissions, seeded.Message)
		return seeded, nil
	})
}

func (s *Seeder) run(ctx context.Context, operation string, fn func(tx rbac.RepositoryAPI) (Result, error)) Result {
	s.setState(StateSeeding)
	s.logger.InfoContext(ctx, "seeder run started", "operation", operation)

	var result Result
	err := s.catalogError(operation)
	if err == nil {
		err = s.repo.WithTx(ctx, func(tx rbac.RepositoryAPI) error {
			var err error
			result, err = fn(tx)
			return err
		})
	}

	if err != nil {
		s.setState(StateFailed)
		result = Result{Success: false, Message: fmt.Sprintf("%s failed: %v", operation, err)}
		s.logger.ErrorContext(ctx, "seeder run failed", "operation", operation, "error", err)
	} else {
		if operation == OperationClear {
			s.setState(StateIdle)
		} else {
			s.setState(StateSeeded)
		}
		result.Success = true
		s.logger.InfoContext(ctx, "seeder run finished",
			"operation", operation,
			"roles", result.Roles,
			"permissions", result.Permissions)

		// The cache must not outlive a graph it no longer describes.
		if s.events != nil {
			if err := s.events.PublishSync(ctx, events.NewGraphResetEvent(operation)); err != nil {
				s.logger.ErrorContext(ctx, "failed to publish graph reset", "operation", operation, "error", err)
			}
		}
	}

	if s.observer != nil {
		s.observer.SeedRun(operation, result.Success)
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor:       audit.ActorFrom(ctx),
		Action:      auditAction(operation),
		Target:      "catalog",
		Description: result.Message,
		Type:        audit.TypeSeed,
	})
	return result
}

func (s *Seeder) catalogError(operation string) error {
	if operation == OperationClear {
		return nil
	}
	if err := s.catalog.Validate(); err != nil {
		return internal.NewValidationError("invalid catalog: "+err.Error(), internal.ErrCodeSeedFailed)
	}
	return nil
}

func (s *Seeder) seed(ctx context.Context, tx rbac.RepositoryAPI) (Result, error) {
	ids := make(map[string]string, len(s.catalog.Permissions))
	var newPermissions, newRoles, newGrants int

	for _, entry := range s.catalog.Permissions {
		resource, action := entry.resourceAction()
		row := &rbacDatamodel.Permission{
			Name:        entry.Name,
			Description: entry.Description,
			Resource:    resource,
			Action:      action,
		}
		if len(entry.Conditions) > 0 {
			row.Conditions = rbacDatamodel.Conditions(entry.Conditions)
		}
		created, err := tx.UpsertPermission(ctx, row)
		if err != nil {
			return Result{}, fmt.Errorf("permission %q: %w", entry.Name, err)
		}
		if created {
			newPermissions++
		}
		ids[entry.Name] = row.ID
	}

	for _, entry := range s.catalog.Roles {
		row := &rbacDatamodel.Role{
			Name:        entry.Name,
			Description: entry.Description,
			IsDefault:   entry.IsDefault,
		}
		created, err := tx.UpsertRole(ctx, row)
		if err != nil {
			return Result{}, fmt.Errorf("role %q: %w", entry.Name, err)
		}
		if created {
			newRoles++
		}

		for _, name := range s.catalog.grantsFor(entry) {
			permissionID, ok := ids[name]
			if !ok {
				existing, err := tx.PermissionByName(ctx, name)
				if err != nil {
					return Result{}, err
				}
				if existing == nil {
					return Result{}, internal.NewNotFoundError(
						fmt.Sprintf("role %q references unknown permission %q", entry.Name, name),
						internal.ErrCodePermissionNotFound)
				}
				permissionID = existing.ID
			}
			created, err := tx.EnsureRolePermission(ctx, row.ID, permissionID)
			if err != nil {
				return Result{}, fmt.Errorf("grant %q to %q: %w", name, entry.Name, err)
			}
			if created {
				newGrants++
			}
		}
	}

	return Result{
		Message: fmt.Sprintf("seeded %d roles and %d permissions (%d roles, %d permissions and %d grants created)",
			len(s.catalog.Roles), len(s.catalog.Permissions), newRoles, newPermissions, newGrants),
		Roles:       len(s.catalog.Roles),
		Permissions: len(s.catalog.Permissions),
	}, nil
}

func (s *Seeder) clear(ctx context.Context, tx rbac.RepositoryAPI) (Result, error) {
	roles, err := tx.ListRoles(ctx)
	if err != nil {
		return Result{}, err
	}
	perms, err := tx.ListPermissions(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := tx.DeleteAllRolesAndPermissions(ctx); err != nil {
		return Result{}, err
	}
	return Result{
		Message:     fmt.Sprintf("removed %d roles and %d permissions", len(roles), len(perms)),
		Roles:       len(roles),
		Permissions: len(perms),
	}, nil
}

func auditAction(operation string) string {
	switch operation {
	case OperationClear:
		return audit.ActionClear
	case OperationReseed:
		return audit.ActionReseed
	default:
		return audit.ActionSeed
	}
}
