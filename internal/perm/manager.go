package perm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/ids"
	"clinicore.org/internal/obs"
)

const (
	defaultResultTTL = 5 * time.Minute
	defaultRoleTTL   = 10 * time.Minute
)

// Manager is the RBAC evaluation engine. It exclusively owns the decision
// and role caches; all role/user mutations go through it so dependent cache
// entries can be invalidated.
type Manager struct {
	store  Store
	cache  Cache
	audit  *audit.Logger
	log    *zap.Logger
	now    func() time.Time

	resultTTL time.Duration
	roleTTL   time.Duration

	roleMu    sync.RWMutex
	roleCache map[string]cachedRole
}

type cachedRole struct {
	role    *Role
	expires time.Time
}

// ManagerOption configures Manager behavior.
type ManagerOption func(*Manager)

// WithResultTTL overrides the decision cache TTL.
func WithResultTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.resultTTL = d
		}
	}
}

// WithRoleTTL overrides the role cache TTL.
func WithRoleTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.roleTTL = d
		}
	}
}

// WithManagerClock overrides the time source (useful for tests).
func WithManagerClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager. auditLog may be nil when denial auditing
// is handled elsewhere.
func NewManager(store Store, cache Cache, auditLog *audit.Logger, log *zap.Logger, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("perm: store is required")
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		store:     store,
		cache:     cache,
		audit:     auditLog,
		log:       log,
		now:       time.Now,
		resultTTL: defaultResultTTL,
		roleTTL:   defaultRoleTTL,
		roleCache: map[string]cachedRole{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CheckPermission evaluates one access decision, consulting the cache first.
func (m *Manager) CheckPermission(ctx context.Context, pc *Context) (Result, error) {
	if pc == nil || pc.User.ID == "" || pc.ResourceType == "" || pc.Action == "" {
		return Result{}, fmt.Errorf("%w: user, resource type and action are required", ErrInvalidInput)
	}

	key := cacheKey(pc)
	if entry, ok := m.cache.Get(ctx, key); ok {
		obs.PermissionCacheLookups.WithLabelValues("hit").Inc()
		return entry.Result, nil
	}
	obs.PermissionCacheLookups.WithLabelValues("miss").Inc()

	perms, roleIDs, err := m.gather(ctx, &pc.User)
	if err != nil {
		return Result{}, err
	}
	result := decide(perms, pc)

	deps := []string{"user:" + pc.User.ID, "resource:" + pc.ResourceType}
	for _, id := range roleIDs {
		deps = append(deps, "role:"+id)
	}
	if err := m.cache.Set(ctx, key, CacheEntry{
		Result:       result,
		Timestamp:    m.now(),
		TTL:          m.resultTTL,
		Dependencies: deps,
	}); err != nil {
		m.log.Warn("permission cache set failed", zap.Error(err))
	}

	if result.Allowed {
		obs.PermissionChecksTotal.WithLabelValues("allowed").Inc()
	} else {
		obs.PermissionChecksTotal.WithLabelValues("denied").Inc()
	}
	m.auditCheck(ctx, pc, result)
	return result, nil
}

// CheckPermissions evaluates a batch of contexts in order.
func (m *Manager) CheckPermissions(ctx context.Context, contexts []*Context) ([]Result, error) {
	results := make([]Result, 0, len(contexts))
	for _, pc := range contexts {
		result, err := m.CheckPermission(ctx, pc)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// UserEffectivePermissions returns every permission a user holds, direct and
// inherited, deduplicated by id.
func (m *Manager) UserEffectivePermissions(ctx context.Context, userID, tenantID string) ([]Permission, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && user.TenantID != tenantID {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	perms, _, err := m.gather(ctx, user)
	return perms, err
}

// gather collects direct permissions plus every permission from the user's
// roles, transitively expanded. Returns the involved role ids for cache tags.
func (m *Manager) gather(ctx context.Context, user *User) ([]Permission, []string, error) {
	seen := map[string]struct{}{}
	var perms []Permission
	add := func(list []Permission) {
		for _, p := range list {
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			perms = append(perms, p)
		}
	}

	add(user.DirectPermissions)

	visited := map[string]struct{}{}
	var roleIDs []string
	var expand func(roleID string) error
	expand = func(roleID string) error {
		// Visited set guards against cyclic graphs persisted before the
		// mutation-time cycle check existed.
		if _, ok := visited[roleID]; ok {
			return nil
		}
		visited[roleID] = struct{}{}
		roleIDs = append(roleIDs, roleID)

		role, err := m.loadRole(ctx, roleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				m.log.Warn("user references unknown role", zap.String("role_id", roleID))
				return nil
			}
			return err
		}
		add(role.Permissions)
		for _, parent := range role.Inherits {
			if err := expand(parent); err != nil {
				return err
			}
		}
		return nil
	}
	for _, roleID := range user.Roles {
		if err := expand(roleID); err != nil {
			return nil, nil, err
		}
	}
	return perms, roleIDs, nil
}

// decide applies the matching and priority rules: among matching rules the
// highest allow priority must strictly exceed the highest deny priority;
// ties and absence of matches deny.
func decide(perms []Permission, pc *Context) Result {
	var (
		matched   []string
		bestAllow = -1
		bestDeny  = -1
		denyID    string
	)
	for i := range perms {
		p := &perms[i]
		if p.Resource != Wildcard && p.Resource != pc.ResourceType {
			continue
		}
		if p.Action != Wildcard && p.Action != pc.Action {
			continue
		}
		if !evalConditions(p.Conditions, pc) {
			continue
		}
		matched = append(matched, p.ID)
		switch p.Effect {
		case Allow:
			if p.Priority > bestAllow {
				bestAllow = p.Priority
			}
		case Deny:
			if p.Priority > bestDeny {
				bestDeny = p.Priority
				denyID = p.ID
			}
		}
	}

	if len(matched) == 0 {
		return Result{Allowed: false, Reason: ReasonDefaultDeny}
	}
	if bestAllow < 0 {
		return Result{Allowed: false, Reason: ReasonDenyRule, MatchedPermissions: matched, DeniedBy: denyID}
	}
	if bestAllow > bestDeny {
		return Result{Allowed: true, Reason: ReasonGranted, MatchedPermissions: matched}
	}
	return Result{Allowed: false, Reason: ReasonDenyRule, MatchedPermissions: matched, DeniedBy: denyID}
}

// auditCheck records denials and high-risk checks. Audit failures never
// gate the decision.
func (m *Manager) auditCheck(ctx context.Context, pc *Context, result Result) {
	if m.audit == nil {
		return
	}
	highRisk := pc.Action == audit.ActionDelete || strings.Contains(strings.ToLower(pc.ResourceType), "medical")
	if result.Allowed && !highRisk {
		return
	}
	action := "permission_check"
	if !result.Allowed {
		action = audit.ActionAccessDenied
	}
	op := audit.OperationContext{
		UserID:    pc.User.ID,
		TenantID:  pc.User.TenantID,
		SessionID: pc.Environment.SessionID,
		IP:        pc.Environment.IP,
		UserAgent: pc.Environment.UserAgent,
	}
	extra := map[string]any{
		"requested_action": pc.Action,
		"reason":           result.Reason,
	}
	if err := m.audit.LogAction(ctx, action, pc.ResourceType, pc.ResourceID, op, extra); err != nil {
		m.log.Warn("audit of permission check failed", zap.Error(err))
	}
}

func (m *Manager) loadRole(ctx context.Context, roleID string) (*Role, error) {
	m.roleMu.RLock()
	cached, ok := m.roleCache[roleID]
	m.roleMu.RUnlock()
	if ok && m.now().Before(cached.expires) {
		return cached.role, nil
	}

	role, err := m.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	m.roleMu.Lock()
	m.roleCache[roleID] = cachedRole{role: role, expires: m.now().Add(m.roleTTL)}
	m.roleMu.Unlock()
	return role, nil
}

func (m *Manager) dropCachedRole(roleID string) {
	m.roleMu.Lock()
	delete(m.roleCache, roleID)
	m.roleMu.Unlock()
}

func cacheKey(pc *Context) string {
	return pc.User.ID + "|" + pc.ResourceType + "|" + pc.Action + "|" + pc.ResourceID
}

// CreateRole validates and persists a role. Cyclic inheritance is rejected
// here as well as guarded during expansion.
func (m *Manager) CreateRole(ctx context.Context, role *Role) (*Role, error) {
	if role == nil || strings.TrimSpace(role.Name) == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	if _, isSystem := systemRoleIDs[role.ID]; isSystem {
		return nil, ErrSystemRole
	}
	for _, p := range role.Permissions {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	if err := m.checkInheritanceCycle(ctx, role); err != nil {
		return nil, err
	}
	if err := m.store.SaveRole(ctx, role); err != nil {
		return nil, err
	}
	m.dropCachedRole(role.ID)
	if err := m.cache.InvalidateByTag(ctx, "role:"+role.ID); err != nil {
		m.log.Warn("role cache invalidation failed", zap.String("role_id", role.ID), zap.Error(err))
	}
	m.auditRoleMutation(ctx, "role", role.ID, role.TenantID)
	return role, nil
}

// AssignRoleToUser grants a role and invalidates the user's cached decisions.
func (m *Manager) AssignRoleToUser(ctx context.Context, userID, roleID string) error {
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	if _, err := m.loadRole(ctx, roleID); err != nil {
		return err
	}
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, existing := range user.Roles {
		if existing == roleID {
			return nil
		}
	}
	user.Roles = append(user.Roles, roleID)
	if err := m.store.SaveUser(ctx, user); err != nil {
		return err
	}
	if err := m.cache.InvalidateByTag(ctx, "user:"+userID); err != nil {
		m.log.Warn("user cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
	m.auditRoleMutation(ctx, "role_assignment", roleID, user.TenantID)
	return nil
}

// RemoveRoleFromUser revokes a role and invalidates the user's cached decisions.
func (m *Manager) RemoveRoleFromUser(ctx context.Context, userID, roleID string) error {
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	kept := user.Roles[:0]
	removed := false
	for _, existing := range user.Roles {
		if existing == roleID {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	if !removed {
		return nil
	}
	user.Roles = kept
	if err := m.store.SaveUser(ctx, user); err != nil {
		return err
	}
	if err := m.cache.InvalidateByTag(ctx, "user:"+userID); err != nil {
		m.log.Warn("user cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
	m.auditRoleMutation(ctx, "role_assignment", roleID, user.TenantID)
	return nil
}

func (m *Manager) auditRoleMutation(ctx context.Context, resource, resourceID, tenantID string) {
	if m.audit == nil {
		return
	}
	op := audit.OperationContext{TenantID: tenantID}
	if err := m.audit.LogAction(ctx, audit.ActionPermissionChange, resource, resourceID, op, nil); err != nil {
		m.log.Warn("audit of role mutation failed", zap.Error(err))
	}
}

// checkInheritanceCycle rejects a role whose inherits graph can reach the
// role itself.
func (m *Manager) checkInheritanceCycle(ctx context.Context, role *Role) error {
	visited := map[string]struct{}{}
	var walk func(id string) error
	walk = func(id string) error {
		if id == role.ID {
			return fmt.Errorf("%w: role %s", ErrCyclicRole, role.ID)
		}
		if _, ok := visited[id]; ok {
			return nil
		}
		visited[id] = struct{}{}
		parent, err := m.store.GetRole(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		for _, next := range parent.Inherits {
			if err := walk(next); err != nil {
				return err
			}
		}
		return nil
	}
	for _, parent := range role.Inherits {
		if err := walk(parent); err != nil {
			return err
		}
	}
	return nil
}
