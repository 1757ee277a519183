package audit

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"clinicore.org/internal/obs"
)

// alertEngine raises operational alerts from the entry stream. Alerts are
// observability only; they never fail the operation being audited.
type alertEngine struct {
	log       *zap.Logger
	threshold int
	window    time.Duration
	offHours  bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newAlertEngine(log *zap.Logger, threshold int, window time.Duration, offHours bool) *alertEngine {
	return &alertEngine{
		log:       log,
		threshold: threshold,
		window:    window,
		offHours:  offHours,
		limiters:  map[string]*rate.Limiter{},
	}
}

// limiterFor returns the per-user failed-access limiter. The limiter refills
// at threshold-per-window, so exceeding the threshold inside one window
// exhausts the burst.
func (a *alertEngine) limiterFor(userID string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	lim, ok := a.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(a.window/time.Duration(a.threshold)), a.threshold)
		a.limiters[userID] = lim
	}
	return lim
}

func (a *alertEngine) observe(entry *Entry) {
	if entry.Action == ActionAccessDenied && entry.UserID != "" {
		if !a.limiterFor(entry.UserID).Allow() {
			a.raise("failed_access_burst", entry)
		}
	}
	if a.offHours && entry.Security.OffHours &&
		(entry.Security.RiskLevel == RiskHigh || entry.Security.RiskLevel == RiskCritical) {
		a.raise("off_hours_high_risk", entry)
	}
}

func (a *alertEngine) raise(rule string, entry *Entry) {
	obs.AuditAlertsTotal.WithLabelValues(rule).Inc()
	a.log.Warn("audit alert",
		zap.String("rule", rule),
		zap.String("entry_id", entry.ID),
		zap.String("tenant_id", entry.TenantID),
		zap.String("user_id", entry.UserID),
		zap.String("action", entry.Action),
		zap.String("resource", entry.Resource),
		zap.String("risk_level", entry.Security.RiskLevel),
	)
}
