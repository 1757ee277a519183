// Package audit maintains the tamper-evident, hash-chained log of
// security-relevant events.
package audit

import (
	"context"
	"time"
)

// Risk levels assigned to entries by the scoring rules in classify.go.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Well-known audit actions.
const (
	ActionCreate           = "create"
	ActionRead             = "read"
	ActionUpdate           = "update"
	ActionDelete           = "delete"
	ActionExport           = "export"
	ActionAccessDenied     = "access_denied"
	ActionPermissionChange = "permission_change"
)

// OperationContext carries request metadata supplied by the caller at the
// boundary of every sensitive operation.
type OperationContext struct {
	UserID    string `json:"user_id"`
	UserRole  string `json:"user_role"`
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Endpoint  string `json:"endpoint,omitempty"`
	Method    string `json:"method,omitempty"`
}

// ChangeSet records a before/after diff. Values of sensitive fields are
// stored as fieldcrypt records, plain values otherwise.
type ChangeSet struct {
	Fields          []string       `json:"fields"`
	SensitiveFields []string       `json:"sensitive_fields,omitempty"`
	Before          map[string]any `json:"before,omitempty"`
	After           map[string]any `json:"after,omitempty"`
}

// Compliance captures which regulations an entry is relevant to.
type Compliance struct {
	Regulations   []string `json:"regulations,omitempty"`
	RetentionDays int      `json:"retention_days"`
}

// Security captures the computed risk assessment of an entry.
type Security struct {
	RiskScore int    `json:"risk_score"`
	RiskLevel string `json:"risk_level"`
	APIOrigin bool   `json:"api_origin"`
	OffHours  bool   `json:"off_hours"`
}

// Integrity links an entry into the hash chain.
type Integrity struct {
	Hash            string `json:"hash"`
	PreviousLogHash string `json:"previous_log_hash"`
	ChainVerified   bool   `json:"chain_verified"`
}

// Entry is an append-only audit record. Entries are never mutated after
// creation and must round-trip through storage field-for-field.
type Entry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	TenantID     string         `json:"tenant_id"`
	UserID       string         `json:"user_id"`
	UserRole     string         `json:"user_role"`
	SessionID    string         `json:"session_id"`
	Action       string         `json:"action"`
	Resource     string         `json:"resource"`
	ResourceID   string         `json:"resource_id"`
	ResourceType string         `json:"resource_type"`
	Context      map[string]any `json:"context,omitempty"`
	Changes      *ChangeSet     `json:"changes,omitempty"`
	Compliance   Compliance     `json:"compliance"`
	Security     Security       `json:"security"`
	Integrity    Integrity      `json:"integrity"`
}

// Filter narrows QueryLogs results. Zero values match everything.
type Filter struct {
	TenantID     string
	UserID       string
	Action       string
	Resource     string
	ResourceType string
	RiskLevel    string
	From         time.Time
	To           time.Time
	Limit        int
}

// Report summarizes audit activity for a compliance window.
type Report struct {
	TenantID        string         `json:"tenant_id"`
	Regulation      string         `json:"regulation"`
	From            time.Time      `json:"from"`
	To              time.Time      `json:"to"`
	TotalEntries    int            `json:"total_entries"`
	ByAction        map[string]int `json:"by_action"`
	ByRiskLevel     map[string]int `json:"by_risk_level"`
	SensitiveAccess int            `json:"sensitive_access"`
	DeniedAccess    int            `json:"denied_access"`
	ChainVerified   bool           `json:"chain_verified"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// Store is the persistence boundary for audit entries. Implementations must
// treat appended entries as immutable.
type Store interface {
	Append(ctx context.Context, entries []*Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	Query(ctx context.Context, filter Filter) ([]*Entry, error)
	Archive(ctx context.Context, before time.Time) (int, error)
}
