// Package perm implements the RBAC permission-evaluation engine: roles,
// conditional rules, priority resolution and cached decisions.
package perm

import (
	"errors"
	"fmt"
	"time"
)

// Effect states whether a matching rule allows or denies the action.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Operator identifies how a condition compares the resolved field value.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpIn         Operator = "in"
	OpNin        Operator = "nin"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpEndsWith   Operator = "endsWith"
	OpExists     Operator = "exists"
	OpCustom     Operator = "custom"
)

// Wildcard matches any resource or action.
const Wildcard = "*"

const (
	minPriority = 0
	maxPriority = 1000
)

// Condition gates a permission on a context field. Field is a dotted path
// into user.*, resource.*, env.* or the additional context.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
	// Custom is consulted when Operator is OpCustom. Not persisted.
	Custom func(value any, pc *Context) bool `json:"-"`
}

// Permission is a single access rule.
type Permission struct {
	ID         string      `json:"id"`
	Resource   string      `json:"resource"`
	Action     string      `json:"action"`
	Effect     Effect      `json:"effect"`
	Priority   int         `json:"priority"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// Validate checks the structural invariants of a permission.
func (p Permission) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: permission id is required", ErrInvalidInput)
	}
	if p.Resource == "" {
		return fmt.Errorf("%w: permission %s: resource is required", ErrInvalidInput, p.ID)
	}
	if p.Action == "" {
		return fmt.Errorf("%w: permission %s: action is required", ErrInvalidInput, p.ID)
	}
	if p.Effect != Allow && p.Effect != Deny {
		return fmt.Errorf("%w: permission %s: effect must be allow or deny", ErrInvalidInput, p.ID)
	}
	if p.Priority < minPriority || p.Priority > maxPriority {
		return fmt.Errorf("%w: permission %s: priority %d out of [%d,%d]", ErrInvalidInput, p.ID, p.Priority, minPriority, maxPriority)
	}
	return nil
}

// Role groups permissions and may inherit from other roles.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions,omitempty"`
	Inherits    []string     `json:"inherits,omitempty"`
	IsSystem    bool         `json:"is_system"`
	TenantID    string       `json:"tenant_id,omitempty"`
}

// User is the identity the security core evaluates, not the full
// application user.
type User struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	Roles             []string       `json:"roles"`
	DirectPermissions []Permission   `json:"direct_permissions,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Environment is the request environment a check runs in.
type Environment struct {
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
}

// Context is the ephemeral input to one permission check.
type Context struct {
	User         User
	Resource     map[string]any
	ResourceType string
	ResourceID   string
	Action       string
	Environment  Environment
	Additional   map[string]any
}

// Result is the immutable outcome of a permission check.
type Result struct {
	Allowed            bool     `json:"allowed"`
	Reason             string   `json:"reason"`
	MatchedPermissions []string `json:"matched_permissions,omitempty"`
	DeniedBy           string   `json:"denied_by,omitempty"`
}

// Stable, non-leaky reason strings returned to callers.
const (
	ReasonGranted     = "access granted"
	ReasonDefaultDeny = "no matching permission"
	ReasonDenyRule    = "denied by higher-priority rule"
)

var (
	ErrInvalidInput = errors.New("perm: invalid input")
	ErrNotFound     = errors.New("perm: not found")
	ErrSystemRole   = errors.New("perm: system roles are immutable")
	ErrCyclicRole   = errors.New("perm: role inheritance cycle")
)
