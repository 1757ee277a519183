package authz

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"clinicore.org/internal/perm"
)

// UserLoader resolves the security-core view of a user. perm.Store
// satisfies it.
type UserLoader interface {
	GetUser(ctx context.Context, id string) (*perm.User, error)
}

// OperationConfig carries per-operation authorization settings.
type OperationConfig struct {
	// RequireElevation demands an active session elevation grant on top of a
	// passing permission check.
	RequireElevation bool
	// BypassToken, when set and valid for this operation, skips the
	// interactive authorization path. System/automated use only.
	BypassToken string
	// CustomValidator runs after the permission check; returning an error
	// refuses the operation with CUSTOM_VALIDATION_FAILED.
	CustomValidator func(ctx context.Context, pc *perm.Context) error
}

// Operation bundles what AuthorizeAndExecute needs: the authorization
// config, the operation description, and the closure that does the work.
type Operation struct {
	Config  OperationConfig
	CRUD    CRUDOperation
	Execute Executor
}

// ID identifies the operation for bypass-token purposes.
func (o Operation) ID() string {
	return o.CRUD.Resource + ":" + o.CRUD.Action
}

// BatchDecision is one element of an AuthorizeBatch result.
type BatchDecision struct {
	Authorized bool   `json:"authorized"`
	Code       string `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type elevationGrant struct {
	userID      string
	permissions []string
	expiresAt   time.Time
}

// Middleware is the authorization façade: it builds the permission-check
// context, enforces elevation and bypass rules, and delegates execution
// through the audit middleware.
type Middleware struct {
	perms   *perm.Manager
	users   UserLoader
	auditMW *AuditMiddleware
	bypass  *bypassIssuerSvc
	log     *zap.Logger
	now     func() time.Time

	elevMu     sync.Mutex
	elevations map[string]elevationGrant

	runMu sync.Mutex
	done  chan struct{}
	wg    sync.WaitGroup
}

// MiddlewareOption configures Middleware behavior.
type MiddlewareOption func(*Middleware)

// WithBypassTTL overrides the bypass token lifetime.
func WithBypassTTL(ttl time.Duration) MiddlewareOption {
	return func(m *Middleware) {
		if ttl > 0 {
			m.bypass.ttl = ttl
		}
	}
}

// WithMiddlewareClock overrides the time source (useful for tests).
func WithMiddlewareClock(fn func() time.Time) MiddlewareOption {
	return func(m *Middleware) {
		if fn != nil {
			m.now = fn
			m.bypass.now = fn
		}
	}
}

// NewMiddleware constructs the authorization middleware. bypassSecret signs
// system bypass tokens and must be non-empty.
func NewMiddleware(perms *perm.Manager, users UserLoader, auditMW *AuditMiddleware, bypassSecret []byte, log *zap.Logger, opts ...MiddlewareOption) (*Middleware, error) {
	if perms == nil || users == nil || auditMW == nil {
		return nil, errors.New("authz: permission manager, user loader and audit middleware are required")
	}
	if len(bypassSecret) == 0 {
		return nil, errors.New("authz: bypass secret is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Middleware{
		perms:      perms,
		users:      users,
		auditMW:    auditMW,
		log:        log,
		now:        time.Now,
		elevations: map[string]elevationGrant{},
	}
	m.bypass = newBypassIssuer(bypassSecret, defaultBypassTTL, time.Now)
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// AuthorizeAndExecute runs the full state machine: bypass check, permission
// check, elevation, custom validation, then audited execution.
func (m *Middleware) AuthorizeAndExecute(ctx context.Context, op Operation) (any, error) {
	if op.Config.BypassToken != "" {
		if err := m.bypass.validate(op.Config.BypassToken, op.ID()); err == nil {
			return m.auditMW.InterceptCRUDOperation(ctx, op.CRUD, op.Execute)
		}
		m.log.Warn("invalid bypass token presented",
			zap.String("operation", op.ID()),
			zap.String("user_id", op.CRUD.Context.UserID))
	}

	if _, err := m.authorize(ctx, op); err != nil {
		return nil, err
	}
	return m.auditMW.InterceptCRUDOperation(ctx, op.CRUD, op.Execute)
}

// AuthorizeDataAccess authorizes and audits a read/export of a resource.
func (m *Middleware) AuthorizeDataAccess(ctx context.Context, resourceType, resourceID, accessKind string, opCtx OperationContext, execute Executor) (any, error) {
	op := Operation{
		CRUD: CRUDOperation{
			Action:       accessAction(accessKind),
			Resource:     resourceType,
			ResourceID:   resourceID,
			ResourceType: resourceType,
			Context:      opCtx,
		},
	}
	if _, err := m.authorize(ctx, op); err != nil {
		return nil, err
	}
	return m.auditMW.InterceptDataAccess(ctx, resourceType, resourceID, accessKind, opCtx, execute)
}

// AuthorizeBatch evaluates each operation's authorization without executing
// any of them.
func (m *Middleware) AuthorizeBatch(ctx context.Context, ops []Operation) []BatchDecision {
	decisions := make([]BatchDecision, 0, len(ops))
	for _, op := range ops {
		if _, err := m.authorize(ctx, op); err != nil {
			if authErr, ok := IsAuthorizationError(err); ok {
				decisions = append(decisions, BatchDecision{Code: authErr.Code, Reason: authErr.Reason})
				continue
			}
			decisions = append(decisions, BatchDecision{Code: CodeContextExtractionFailed, Reason: "authorization context unavailable"})
			continue
		}
		decisions = append(decisions, BatchDecision{Authorized: true})
	}
	return decisions
}

// authorize runs permission, elevation and custom-validation checks and
// returns the built permission context.
func (m *Middleware) authorize(ctx context.Context, op Operation) (*perm.Context, error) {
	pc, err := m.buildContext(ctx, op)
	if err != nil {
		return nil, err
	}

	result, err := m.perms.CheckPermission(ctx, pc)
	if err != nil {
		return nil, &AuthorizationError{
			Code:     CodeContextExtractionFailed,
			Reason:   "authorization context unavailable",
			Resource: op.CRUD.ResourceType,
			Action:   op.CRUD.Action,
			UserID:   op.CRUD.Context.UserID,
		}
	}
	if !result.Allowed {
		return nil, &AuthorizationError{
			Code:     CodePermissionDenied,
			Reason:   result.Reason,
			Resource: op.CRUD.ResourceType,
			Action:   op.CRUD.Action,
			UserID:   op.CRUD.Context.UserID,
		}
	}

	if op.Config.RequireElevation && !m.hasElevation(op.CRUD.Context.SessionID, op.CRUD.Context.UserID, op.ID()) {
		return nil, &AuthorizationError{
			Code:     CodeElevationRequired,
			Reason:   "session elevation required",
			Resource: op.CRUD.ResourceType,
			Action:   op.CRUD.Action,
			UserID:   op.CRUD.Context.UserID,
		}
	}

	if op.Config.CustomValidator != nil {
		if err := op.Config.CustomValidator(ctx, pc); err != nil {
			return nil, &AuthorizationError{
				Code:     CodeCustomValidationFailed,
				Reason:   "custom validation failed",
				Resource: op.CRUD.ResourceType,
				Action:   op.CRUD.Action,
				UserID:   op.CRUD.Context.UserID,
			}
		}
	}
	return pc, nil
}

func (m *Middleware) buildContext(ctx context.Context, op Operation) (*perm.Context, error) {
	opCtx := op.CRUD.Context
	if opCtx.UserID == "" {
		return nil, &AuthorizationError{
			Code:     CodeContextExtractionFailed,
			Reason:   "request is missing user identity",
			Resource: op.CRUD.ResourceType,
			Action:   op.CRUD.Action,
		}
	}
	user, err := m.users.GetUser(ctx, opCtx.UserID)
	if err != nil {
		return nil, &AuthorizationError{
			Code:     CodeContextExtractionFailed,
			Reason:   "request user could not be resolved",
			Resource: op.CRUD.ResourceType,
			Action:   op.CRUD.Action,
			UserID:   opCtx.UserID,
		}
	}

	resource := map[string]any{}
	for k, v := range op.CRUD.BeforeData {
		resource[k] = v
	}
	for k, v := range op.CRUD.AfterData {
		resource[k] = v
	}
	if _, ok := resource["tenantId"]; !ok && opCtx.TenantID != "" {
		resource["tenantId"] = opCtx.TenantID
	}

	return &perm.Context{
		User:         *user,
		Resource:     resource,
		ResourceType: op.CRUD.ResourceType,
		ResourceID:   op.CRUD.ResourceID,
		Action:       op.CRUD.Action,
		Environment: perm.Environment{
			IP:        opCtx.IP,
			UserAgent: opCtx.UserAgent,
			Timestamp: m.now(),
			SessionID: opCtx.SessionID,
		},
	}, nil
}

// ElevateSession grants a session extra privilege until the duration passes.
// permissions lists the operation ids ("resource:action") the grant covers;
// an empty list covers every elevated operation in the session.
func (m *Middleware) ElevateSession(sessionID, userID string, permissions []string, d time.Duration) error {
	if sessionID == "" || userID == "" {
		return errors.New("authz: session_id and user_id are required")
	}
	if d <= 0 {
		return errors.New("authz: elevation duration must be positive")
	}
	m.elevMu.Lock()
	m.elevations[sessionID] = elevationGrant{
		userID:      userID,
		permissions: append([]string(nil), permissions...),
		expiresAt:   m.now().Add(d),
	}
	m.elevMu.Unlock()
	return nil
}

// hasElevation checks the session grant against the requested operation,
// lazily evicting an expired grant.
func (m *Middleware) hasElevation(sessionID, userID, operationID string) bool {
	if sessionID == "" {
		return false
	}
	m.elevMu.Lock()
	defer m.elevMu.Unlock()
	grant, ok := m.elevations[sessionID]
	if !ok {
		return false
	}
	if m.now().After(grant.expiresAt) {
		delete(m.elevations, sessionID)
		return false
	}
	if grant.userID != userID {
		return false
	}
	if len(grant.permissions) == 0 {
		return true
	}
	for _, p := range grant.permissions {
		if p == operationID {
			return true
		}
	}
	return false
}

// CreateSystemBypassToken mints a single-purpose, self-expiring token for a
// system operation. Not for interactive sessions.
func (m *Middleware) CreateSystemBypassToken(operationID string) (string, error) {
	return m.bypass.issue(operationID)
}

// StartJanitor begins periodic cleanup of expired elevation grants. Lazy
// eviction already keeps checks correct; this only bounds memory.
func (m *Middleware) StartJanitor(interval time.Duration) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.done != nil || interval <= 0 {
		return
	}
	m.done = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweepElevations()
			case <-m.done:
				return
			}
		}
	}()
}

// Shutdown stops the janitor.
func (m *Middleware) Shutdown() {
	m.runMu.Lock()
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	m.runMu.Unlock()
	m.wg.Wait()
}

func (m *Middleware) sweepElevations() {
	now := m.now()
	m.elevMu.Lock()
	for sid, grant := range m.elevations {
		if now.After(grant.expiresAt) {
			delete(m.elevations, sid)
		}
	}
	m.elevMu.Unlock()
}

func accessAction(accessKind string) string {
	if strings.EqualFold(accessKind, "export") {
		return "export"
	}
	return "read"
}
