package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/frahmantamala/access-control/internal"
	"github.com/frahmantamala/access-control/internal/audit"
	"github.com/frahmantamala/access-control/internal/authz/condition"
	"github.com/frahmantamala/access-control/internal/cache"
	rbacDatamodel "github.com/frahmantamala/access-control/internal/core/datamodel/rbac"
	"github.com/frahmantamala/access-control/internal/rbac"
)

const (
	DefaultCacheTTL    = 60 * time.Second
	DefaultCacheSize   = 10000
	DefaultFillTimeout = 5 * time.Second
)

// RepositoryAPI is the read side of the permission store used for decisions.
type RepositoryAPI interface {
	RolesByUser(ctx context.Context, userID string) ([]*rbacDatamodel.Role, error)
	PermissionsByRole(ctx context.Context, roleID string) ([]*rbacDatamodel.Permission, error)
	PermissionExists(ctx context.Context, name string) (bool, error)
}

// Observer receives decision and cache statistics.
type Observer interface {
	Decision(allowed bool, reason string)
	CacheLookup(kind string, hit bool)
}

type Config struct {
	CacheTTL       time.Duration
	CacheSize      int
	AuditDecisions bool
	// FillTimeout bounds a store read shared by concurrent callers.
	FillTimeout time.Duration
}

type Option func(*Service)

func WithRecorder(recorder audit.Recorder) Option {
	return func(s *Service) {
		s.recorder = recorder
	}
}

func WithObserver(observer Observer) Option {
	return func(s *Service) {
		s.observer = observer
	}
}

// WithClock replaces time.Now for cache expiry and decision timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

type Service struct {
	repo     RepositoryAPI
	logger   *slog.Logger
	recorder audit.Recorder
	observer Observer
	now      func() time.Time

	auditDecisions bool
	fillTimeout    time.Duration

	roles  *cache.Cache[[]*rbac.Role]
	perms  *cache.Cache[[]*rbac.Permission]
	exists *cache.Cache[bool]

	// mu guards group and generation. Invalidation bumps generation and
	// deletes under mu, and a fill compares and writes under mu, so a fill
	// that started in an older generation never writes its result back.
	mu         sync.Mutex
	group      *singleflight.Group
	generation uint64
}

func NewService(repo RepositoryAPI, cfg Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = DefaultFillTimeout
	}

	s := &Service{
		repo:           repo,
		logger:         logger,
		recorder:       audit.Discard,
		now:            time.Now,
		auditDecisions: cfg.AuditDecisions,
		fillTimeout:    cfg.FillTimeout,
		group:          &singleflight.Group{},
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.roles, err = cache.New[[]*rbac.Role](cfg.CacheSize, cfg.CacheTTL, cache.WithClock[[]*rbac.Role](s.now)); err != nil {
		return nil, fmt.Errorf("authz: role cache: %w", err)
	}
	if s.perms, err = cache.New[[]*rbac.Permission](cfg.CacheSize, cfg.CacheTTL, cache.WithClock[[]*rbac.Permission](s.now)); err != nil {
		return nil, fmt.Errorf("authz: permission cache: %w", err)
	}
	if s.exists, err = cache.New[bool](cfg.CacheSize, cfg.CacheTTL, cache.WithClock[bool](s.now)); err != nil {
		return nil, fmt.Errorf("authz: existence cache: %w", err)
	}
	return s, nil
}

// CheckPermission decides whether ac.UserID holds permission under the
// attributes in ac.Environment. permission may be a machine key such as
// "document.update" or a "resource:action" pair; when it is empty the
// context's Resource and Action are used. Missing users and unknown
// permissions are denials, not errors. An error is returned only when the
// store cannot be read, together with a denying check.
func (s *Service) CheckPermission(ctx context.Context, ac AccessContext, permission string) (PermissionCheck, error) {
	name := permission
	if name == "" && ac.Resource != "" && ac.Action != "" {
		name = ac.Resource + "." + ac.Action
	}

	check, err := s.decide(ctx, ac, name)
	if err != nil {
		s.logger.ErrorContext(ctx, "permission check failed",
			"user_id", ac.UserID,
			"permission", name,
			"error", err)
		return denied(name, "", s.now()), asAppError(err)
	}

	if s.observer != nil {
		s.observer.Decision(check.Allowed, check.Kind())
	}
	s.logger.DebugContext(ctx, "permission checked",
		"user_id", ac.UserID,
		"permission", name,
		"allowed", check.Allowed,
		"reason", check.Reason)
	if s.auditDecisions {
		s.recordDecision(ctx, ac.UserID, check)
	}
	return check, nil
}

func (s *Service) decide(ctx context.Context, ac AccessContext, name string) (PermissionCheck, error) {
	if name == "" {
		return denied(name, ReasonUnknownPermission, s.now()), nil
	}
	if ac.UserID == "" {
		return denied(name, ReasonNoRoles, s.now()), nil
	}

	roles, err := s.rolesFor(ctx, ac.UserID)
	if err != nil {
		return PermissionCheck{}, err
	}
	if len(roles) == 0 {
		return denied(name, ReasonNoRoles, s.now()), nil
	}

	env := environment(ctx, ac)
	var (
		matched    bool
		failedAttr string
	)
	for _, role := range roles {
		perms, err := s.permissionsFor(ctx, role.ID)
		if err != nil {
			return PermissionCheck{}, err
		}
		for _, perm := range perms {
			if !perm.Matches(name) {
				continue
			}
			ok, attr := condition.Evaluate(perm.Conditions, env)
			if ok {
				return granted(name, role.Name, s.now()), nil
			}
			if !matched {
				matched = true
				failedAttr = attr
			}
		}
	}
	if matched {
		return conditionFailed(name, failedAttr, s.now()), nil
	}

	known, err := s.permissionExists(ctx, name)
	if err != nil {
		return PermissionCheck{}, err
	}
	if !known {
		return denied(name, ReasonUnknownPermission, s.now()), nil
	}
	return denied(name, ReasonNotHeld, s.now()), nil
}

// GetUserPermissions returns the union of the permissions granted through
// every role the user holds, sorted by name. Conditions are not evaluated.
func (s *Service) GetUserPermissions(ctx context.Context, userID string) ([]rbac.SafePermission, error) {
	out := []rbac.SafePermission{}
	if userID == "" {
		return out, nil
	}

	roles, err := s.rolesFor(ctx, userID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to resolve user roles", "user_id", userID, "error", err)
		return nil, asAppError(err)
	}

	seen := make(map[string]struct{})
	for _, role := range roles {
		perms, err := s.permissionsFor(ctx, role.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to resolve role permissions", "role_id", role.ID, "error", err)
			return nil, asAppError(err)
		}
		for _, perm := range perms {
			if _, dup := seen[perm.ID]; dup {
				continue
			}
			seen[perm.ID] = struct{}{}
			out = append(out, perm.Safe())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Service) InvalidateUser(userID string) {
	key := cache.UserRolesKey(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.roles.Delete(key)
	s.group.Forget(key)
}

func (s *Service) InvalidateRole(roleID string) {
	key := cache.RolePermissionsKey(roleID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.perms.Delete(key)
	s.group.Forget(key)
}

// InvalidateAll drops every cached entry. In-flight fills are discarded and
// later callers never join them.
func (s *Service) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.group = &singleflight.Group{}
	s.roles.Purge()
	s.perms.Purge()
	s.exists.Purge()
}

// load reads key through the store once for all concurrent callers. The read
// is detached from the cancellation of whichever caller started it; each
// caller stops waiting when its own ctx is done. store runs only if no
// invalidation happened since the read began.
func (s *Service) load(ctx context.Context, key string, read func(context.Context) (interface{}, error), store func(interface{})) (interface{}, error) {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()

	ch := group.DoChan(key, func() (interface{}, error) {
		s.mu.Lock()
		gen := s.generation
		s.mu.Unlock()

		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fillTimeout)
		defer cancel()
		v, err := read(fillCtx)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.generation == gen {
			store(v)
		}
		s.mu.Unlock()
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (s *Service) rolesFor(ctx context.Context, userID string) ([]*rbac.Role, error) {
	key := cache.UserRolesKey(userID)
	if roles, ok := s.roles.Get(key); ok {
		s.lookup("user_roles", true)
		return roles, nil
	}
	s.lookup("user_roles", false)

	v, err := s.load(ctx, key, func(ctx context.Context) (interface{}, error) {
		rows, err := s.repo.RolesByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		roles := rbac.RolesFromDataModel(rows)
		sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
		return roles, nil
	}, func(v interface{}) {
		s.roles.SetDefault(key, v.([]*rbac.Role))
	})
	if err != nil {
		return nil, err
	}
	return v.([]*rbac.Role), nil
}

func (s *Service) permissionsFor(ctx context.Context, roleID string) ([]*rbac.Permission, error) {
	key := cache.RolePermissionsKey(roleID)
	if perms, ok := s.perms.Get(key); ok {
		s.lookup("role_permissions", true)
		return perms, nil
	}
	s.lookup("role_permissions", false)

	v, err := s.load(ctx, key, func(ctx context.Context) (interface{}, error) {
		rows, err := s.repo.PermissionsByRole(ctx, roleID)
		if err != nil {
			return nil, err
		}
		return rbac.PermissionsFromDataModel(rows), nil
	}, func(v interface{}) {
		s.perms.SetDefault(key, v.([]*rbac.Permission))
	})
	if err != nil {
		return nil, err
	}
	return v.([]*rbac.Permission), nil
}

func (s *Service) permissionExists(ctx context.Context, name string) (bool, error) {
	key := cache.PermissionExistsKey(name)
	if ok, hit := s.exists.Get(key); hit {
		s.lookup("permission_exists", true)
		return ok, nil
	}
	s.lookup("permission_exists", false)

	v, err := s.load(ctx, key, func(ctx context.Context) (interface{}, error) {
		return s.repo.PermissionExists(ctx, name)
	}, func(v interface{}) {
		s.exists.SetDefault(key, v.(bool))
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Service) lookup(kind string, hit bool) {
	if s.observer != nil {
		s.observer.CacheLookup(kind, hit)
	}
}

func (s *Service) recordDecision(ctx context.Context, userID string, check PermissionCheck) {
	action := audit.ActionAccessDenied
	if check.Allowed {
		action = audit.ActionAccessGranted
	}
	actor := userID
	if actor == "" {
		actor = audit.ActorFrom(ctx)
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      action,
		Target:      audit.Target("permission", check.Permission),
		Description: check.Reason,
		Timestamp:   check.CheckedAt,
		Type:        audit.TypeAccess,
	})
}

// environment layers the explicit attributes of ac over those collected on
// the request context.
func environment(ctx context.Context, ac AccessContext) map[string]any {
	base := internal.EnvironmentFromContext(ctx)
	if len(ac.Environment) == 0 {
		return base
	}
	if len(base) == 0 {
		return ac.Environment
	}
	merged := make(map[string]any, len(base)+len(ac.Environment))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range ac.Environment {
		merged[k] = v
	}
	return merged
}

func asAppError(err error) error {
	if _, ok := internal.IsAppError(err); ok {
		return err
	}
	return internal.NewInternalError("authorization failed", err)
}
