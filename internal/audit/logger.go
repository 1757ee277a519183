package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"clinicore.org/internal/fieldcrypt"
	"clinicore.org/internal/ids"
	"clinicore.org/internal/obs"
)

const (
	defaultFlushInterval = 30 * time.Second
	defaultBufferSize    = 100
	defaultRetention     = 365 * 24 * time.Hour

	genesisSeed = "clinicore/audit/genesis"
)

// Logger is the append-only, hash-chained audit logger. It is the single
// writer of the chain state; entry creation and hash computation are
// serialized so concurrent callers cannot fork the chain.
type Logger struct {
	store  Store
	crypto *fieldcrypt.Service
	log    *zap.Logger
	now    func() time.Time

	flushInterval time.Duration
	bufferSize    int
	retention     time.Duration
	alerts        *alertEngine

	chainMu  sync.Mutex
	prevHash string

	bufMu    sync.Mutex
	buffer   []*Entry
	requeued bool

	runMu sync.Mutex
	done  chan struct{}
	wg    sync.WaitGroup
}

// LoggerOption configures Logger behavior.
type LoggerOption func(*Logger)

// WithFlushInterval overrides the periodic flush interval.
func WithFlushInterval(d time.Duration) LoggerOption {
	return func(l *Logger) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

// WithBufferSize overrides the buffered-entry threshold that forces a flush.
func WithBufferSize(n int) LoggerOption {
	return func(l *Logger) {
		if n > 0 {
			l.bufferSize = n
		}
	}
}

// WithRetention overrides the retention window reflected in compliance tags.
func WithRetention(d time.Duration) LoggerOption {
	return func(l *Logger) {
		if d > 0 {
			l.retention = d
		}
	}
}

// WithAlertThresholds configures the failed-access alert rule.
func WithAlertThresholds(failedAccesses int, window time.Duration, offHours bool) LoggerOption {
	return func(l *Logger) {
		if failedAccesses > 0 && window > 0 {
			l.alerts = newAlertEngine(l.log, failedAccesses, window, offHours)
		}
	}
}

// WithLoggerClock overrides the time source (useful for tests).
func WithLoggerClock(fn func() time.Time) LoggerOption {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLogger constructs a Logger. The chain is seeded with the genesis hash;
// call Init to start the periodic flush loop.
func NewLogger(store Store, crypto *fieldcrypt.Service, log *zap.Logger, opts ...LoggerOption) (*Logger, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	if crypto == nil {
		return nil, errors.New("audit: encryption service is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	genesis := sha256.Sum256([]byte(genesisSeed))
	l := &Logger{
		store:         store,
		crypto:        crypto,
		log:           log,
		now:           time.Now,
		flushInterval: defaultFlushInterval,
		bufferSize:    defaultBufferSize,
		retention:     defaultRetention,
		prevHash:      hex.EncodeToString(genesis[:]),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.alerts == nil {
		l.alerts = newAlertEngine(l.log, 5, 15*time.Minute, true)
	}
	return l, nil
}

// Init starts the periodic flush loop. Safe to call once per Logger.
func (l *Logger) Init() {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.done != nil {
		return
	}
	l.done = make(chan struct{})
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Flush(context.Background())
			case <-l.done:
				return
			}
		}
	}()
}

// Shutdown stops the flush loop and drains the buffer.
func (l *Logger) Shutdown(ctx context.Context) {
	l.runMu.Lock()
	if l.done != nil {
		close(l.done)
		l.done = nil
	}
	l.runMu.Unlock()
	l.wg.Wait()
	l.Flush(ctx)
}

// LogAction records a generic security-relevant event.
func (l *Logger) LogAction(ctx context.Context, action, resource, resourceID string, op OperationContext, extra map[string]any) error {
	return l.append(ctx, action, resource, resourceID, resource, op, extra, nil)
}

// LogCRUDOperation records a data mutation with a before/after diff.
// Sensitive field values are encrypted before they are embedded.
func (l *Logger) LogCRUDOperation(ctx context.Context, action, resource, resourceID string, before, after map[string]any, op OperationContext) error {
	changes, err := l.diff(before, after)
	if err != nil {
		return err
	}
	return l.append(ctx, action, resource, resourceID, resource, op, nil, changes)
}

// LogDataAccess records a read/export of a resource.
func (l *Logger) LogDataAccess(ctx context.Context, resourceType, resourceID, accessKind string, op OperationContext) error {
	action := ActionRead
	if strings.EqualFold(accessKind, "export") {
		action = ActionExport
	}
	extra := map[string]any{"access_kind": accessKind}
	return l.append(ctx, action, resourceType, resourceID, resourceType, op, extra, nil)
}

func (l *Logger) append(ctx context.Context, action, resource, resourceID, resourceType string, op OperationContext, extra map[string]any, changes *ChangeSet) error {
	if action == "" || resource == "" {
		return errors.New("audit: action and resource are required")
	}

	hasSensitive := changes != nil && len(changes.SensitiveFields) > 0
	now := l.now()
	entry := &Entry{
		Timestamp:    now.UTC(),
		TenantID:     op.TenantID,
		UserID:       op.UserID,
		UserRole:     op.UserRole,
		SessionID:    op.SessionID,
		Action:       action,
		Resource:     resource,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		Changes:      changes,
		Compliance:   complianceFor(resourceType, hasSensitive, l.retention),
		Security:     scoreRisk(action, op.Endpoint != "", hasSensitive, now),
	}
	entry.Context = contextFields(op, extra)

	// Mint the id, read the previous hash, compute, link: a single critical
	// section so the chain stays gapless under concurrent writers and id
	// order matches chain-link order.
	l.chainMu.Lock()
	entry.ID = ids.New()
	entry.Integrity.PreviousLogHash = l.prevHash
	entry.Integrity.Hash = entryHash(entry)
	entry.Integrity.ChainVerified = true
	l.prevHash = entry.Integrity.Hash
	l.chainMu.Unlock()

	l.alerts.observe(entry)

	l.bufMu.Lock()
	l.buffer = append(l.buffer, entry)
	buffered := len(l.buffer)
	l.bufMu.Unlock()
	obs.AuditBufferSize.Set(float64(buffered))

	if entry.Security.RiskLevel == RiskCritical || action == ActionAccessDenied || buffered >= l.bufferSize {
		l.Flush(ctx)
	}
	return nil
}

// Flush writes buffered entries to the store. Failures are logged, counted
// and retried once; they are never surfaced to audited callers.
func (l *Logger) Flush(ctx context.Context) {
	l.bufMu.Lock()
	if len(l.buffer) == 0 {
		l.bufMu.Unlock()
		return
	}
	batch := l.buffer
	l.buffer = nil
	wasRequeued := l.requeued
	l.bufMu.Unlock()

	if err := l.store.Append(ctx, batch); err != nil {
		obs.AuditFlushesTotal.WithLabelValues("error").Inc()
		if wasRequeued {
			l.log.Error("audit flush failed twice, dropping batch",
				zap.Int("entries", len(batch)), zap.Error(err))
			l.bufMu.Lock()
			l.requeued = false
			l.bufMu.Unlock()
			return
		}
		l.log.Error("audit flush failed, requeueing batch",
			zap.Int("entries", len(batch)), zap.Error(err))
		l.bufMu.Lock()
		l.buffer = append(batch, l.buffer...)
		l.requeued = true
		l.bufMu.Unlock()
		return
	}

	obs.AuditFlushesTotal.WithLabelValues("ok").Inc()
	l.bufMu.Lock()
	l.requeued = false
	remaining := len(l.buffer)
	l.bufMu.Unlock()
	obs.AuditBufferSize.Set(float64(remaining))
}

// QueryLogs returns stored entries matching the filter.
func (l *Logger) QueryLogs(ctx context.Context, filter Filter) ([]*Entry, error) {
	l.Flush(ctx)
	return l.store.Query(ctx, filter)
}

// VerifyLogIntegrity recomputes the structural hash of the stored entry and
// compares it with the recorded one.
func (l *Logger) VerifyLogIntegrity(ctx context.Context, id string) (bool, error) {
	l.Flush(ctx)
	entry, err := l.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return entryHash(entry) == entry.Integrity.Hash, nil
}

// GenerateComplianceReport aggregates audit activity for a tenant and window.
func (l *Logger) GenerateComplianceReport(ctx context.Context, tenantID string, from, to time.Time, regulation string) (*Report, error) {
	if tenantID == "" {
		return nil, errors.New("audit: tenant_id is required")
	}
	entries, err := l.QueryLogs(ctx, Filter{TenantID: tenantID, From: from, To: to})
	if err != nil {
		return nil, err
	}

	report := &Report{
		TenantID:      tenantID,
		Regulation:    regulation,
		From:          from,
		To:            to,
		TotalEntries:  len(entries),
		ByAction:      map[string]int{},
		ByRiskLevel:   map[string]int{},
		ChainVerified: true,
		GeneratedAt:   l.now().UTC(),
	}
	for _, e := range entries {
		report.ByAction[e.Action]++
		report.ByRiskLevel[e.Security.RiskLevel]++
		if e.Changes != nil && len(e.Changes.SensitiveFields) > 0 {
			report.SensitiveAccess++
		}
		if e.Action == ActionAccessDenied {
			report.DeniedAccess++
		}
		if entryHash(e) != e.Integrity.Hash {
			report.ChainVerified = false
		}
	}
	return report, nil
}

// ArchiveLogs moves entries older than before out of the active log and
// returns how many were archived.
func (l *Logger) ArchiveLogs(ctx context.Context, before time.Time) (int, error) {
	l.Flush(ctx)
	return l.store.Archive(ctx, before)
}

// diff computes the changed-field set between two object snapshots.
// Sensitive field values are passed through the encryption service; plain
// values are embedded as-is.
func (l *Logger) diff(before, after map[string]any) (*ChangeSet, error) {
	fields := map[string]struct{}{}
	for k := range before {
		if !jsonEqual(before[k], after[k]) {
			fields[k] = struct{}{}
		}
	}
	for k := range after {
		if _, seen := fields[k]; seen {
			continue
		}
		if !jsonEqual(before[k], after[k]) {
			fields[k] = struct{}{}
		}
	}
	if len(fields) == 0 {
		return nil, nil
	}

	changes := &ChangeSet{
		Before: map[string]any{},
		After:  map[string]any{},
	}
	for field := range fields {
		changes.Fields = append(changes.Fields, field)
	}
	sort.Strings(changes.Fields)

	for _, field := range changes.Fields {
		sensitive := IsSensitiveField(field)
		if sensitive {
			changes.SensitiveFields = append(changes.SensitiveFields, field)
		}
		if v, ok := before[field]; ok {
			protected, err := l.protect(v, sensitive)
			if err != nil {
				return nil, err
			}
			changes.Before[field] = protected
		}
		if v, ok := after[field]; ok {
			protected, err := l.protect(v, sensitive)
			if err != nil {
				return nil, err
			}
			changes.After[field] = protected
		}
	}
	return changes, nil
}

func (l *Logger) protect(value any, sensitive bool) (any, error) {
	if !sensitive {
		return value, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal sensitive value: %w", err)
	}
	enc, err := l.crypto.Encrypt(raw, 0)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// chainFields is the canonical subset an entry hash is computed over.
type chainFields struct {
	ID           string `json:"id"`
	Timestamp    string `json:"timestamp"`
	Action       string `json:"action"`
	Resource     string `json:"resource"`
	ResourceID   string `json:"resource_id"`
	UserID       string `json:"user_id"`
	PreviousHash string `json:"previous_hash"`
}

func entryHash(e *Entry) string {
	canonical, _ := json.Marshal(chainFields{
		ID:           e.ID,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:       e.Action,
		Resource:     e.Resource,
		ResourceID:   e.ResourceID,
		UserID:       e.UserID,
		PreviousHash: e.Integrity.PreviousLogHash,
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func contextFields(op OperationContext, extra map[string]any) map[string]any {
	ctx := map[string]any{}
	if op.IP != "" {
		ctx["ip"] = op.IP
	}
	if op.UserAgent != "" {
		ctx["user_agent"] = op.UserAgent
	}
	if op.Endpoint != "" {
		ctx["endpoint"] = op.Endpoint
	}
	if op.Method != "" {
		ctx["method"] = op.Method
	}
	for k, v := range extra {
		ctx[k] = v
	}
	if len(ctx) == 0 {
		return nil
	}
	return ctx
}

func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
