package authz

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/obs"
)

const latencyRingSize = 128

// OperationContext is the request metadata callers supply at the boundary.
type OperationContext = audit.OperationContext

// CRUDOperation is the middleware input describing one data operation.
type CRUDOperation struct {
	Action       string
	Resource     string
	ResourceID   string
	ResourceType string
	BeforeData   map[string]any
	AfterData    map[string]any
	Context      audit.OperationContext
}

// Executor runs the real operation being intercepted.
type Executor func(ctx context.Context) (any, error)

// AuditMiddleware wraps operations with audit entries. It never alters the
// operation's outcome: audit failures are logged internally and the original
// error is re-thrown unchanged.
type AuditMiddleware struct {
	logger *audit.Logger
	log    *zap.Logger
	now    func() time.Time

	latMu     sync.Mutex
	latencies map[string]*latencyRing
}

// NewAuditMiddleware constructs an AuditMiddleware over the given logger.
func NewAuditMiddleware(logger *audit.Logger, log *zap.Logger) *AuditMiddleware {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditMiddleware{
		logger:    logger,
		log:       log,
		now:       time.Now,
		latencies: map[string]*latencyRing{},
	}
}

// InterceptCRUDOperation emits a pre-entry for high-risk operations, runs the
// executor, then always emits a post-entry (success diff or captured error).
func (m *AuditMiddleware) InterceptCRUDOperation(ctx context.Context, op CRUDOperation, execute Executor) (any, error) {
	highRisk := isHighRisk(op)
	if highRisk {
		m.logSwallow(m.logger.LogAction(ctx, op.Action, op.Resource, op.ResourceID, op.Context,
			map[string]any{"phase": "pre", "high_risk": true}))
	}

	start := m.now()
	result, err := execute(ctx)
	elapsed := m.now().Sub(start)
	m.recordLatency(op.Action, elapsed, err == nil)

	if err != nil {
		m.logSwallow(m.logger.LogAction(ctx, op.Action, op.Resource, op.ResourceID, op.Context,
			map[string]any{"phase": "post", "status": "error", "error": err.Error()}))
		return nil, err
	}
	m.logSwallow(m.logger.LogCRUDOperation(ctx, op.Action, op.Resource, op.ResourceID, op.BeforeData, op.AfterData, op.Context))
	return result, nil
}

// InterceptDataAccess audits a read/export around the executor.
func (m *AuditMiddleware) InterceptDataAccess(ctx context.Context, resourceType, resourceID, accessKind string, opCtx audit.OperationContext, execute Executor) (any, error) {
	start := m.now()
	result, err := execute(ctx)
	elapsed := m.now().Sub(start)
	m.recordLatency(accessKind, elapsed, err == nil)

	if err != nil {
		m.logSwallow(m.logger.LogAction(ctx, accessAction(accessKind), resourceType, resourceID, opCtx,
			map[string]any{"access_kind": accessKind, "status": "error", "error": err.Error()}))
		return nil, err
	}
	m.logSwallow(m.logger.LogDataAccess(ctx, resourceType, resourceID, accessKind, opCtx))
	return result, nil
}

// LatencyStats returns the rolling sample count and mean latency for one
// operation kind. Observability only.
func (m *AuditMiddleware) LatencyStats(kind string) (count int, mean time.Duration) {
	m.latMu.Lock()
	defer m.latMu.Unlock()
	ring, ok := m.latencies[kind]
	if !ok {
		return 0, 0
	}
	return ring.stats()
}

func (m *AuditMiddleware) recordLatency(kind string, d time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	obs.ObserveOperation(kind, status, d)

	m.latMu.Lock()
	ring, exists := m.latencies[kind]
	if !exists {
		ring = &latencyRing{}
		m.latencies[kind] = ring
	}
	ring.add(d)
	m.latMu.Unlock()
}

func (m *AuditMiddleware) logSwallow(err error) {
	if err != nil {
		m.log.Warn("audit write failed", zap.Error(err))
	}
}

// isHighRisk classifies deletes, updates touching sensitive fields, and any
// operation on clinical resources.
func isHighRisk(op CRUDOperation) bool {
	if op.Action == audit.ActionDelete {
		return true
	}
	rt := strings.ToLower(op.ResourceType)
	if rt == "medical-records" || rt == "patients" {
		return true
	}
	if op.Action == audit.ActionUpdate {
		for field := range op.AfterData {
			if audit.IsSensitiveField(field) {
				return true
			}
		}
	}
	return false
}

// latencyRing is a bounded ring of latency samples.
type latencyRing struct {
	samples [latencyRingSize]time.Duration
	next    int
	filled  int
}

func (r *latencyRing) add(d time.Duration) {
	r.samples[r.next] = d
	r.next = (r.next + 1) % latencyRingSize
	if r.filled < latencyRingSize {
		r.filled++
	}
}

func (r *latencyRing) stats() (int, time.Duration) {
	if r.filled == 0 {
		return 0, 0
	}
	var total time.Duration
	for i := 0; i < r.filled; i++ {
		total += r.samples[i]
	}
	return r.filled, total / time.Duration(r.filled)
}
