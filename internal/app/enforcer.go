package app

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/loomworks/controlplane/internal/domain"
)

// Enforcer tracks per-tenant usage counters and admits or denies operations
// against the tenant's configured limits.
//
// Each (tenant, kind) counter has its own lock and is always read from the
// repository under that lock, so a check and the increment it admits are one
// atomic step. Contention on one counter never blocks another.
type Enforcer struct {
	registry *Registry
	usage    domain.UsageRepository
	audit    *Auditor
	metrics  domain.Metrics
	clock    clock.Clock
	logger   *zap.Logger

	counters keyedMutex
}

// EnforcerConfig holds the collaborators of an Enforcer.
type EnforcerConfig struct {
	Registry *Registry
	Usage    domain.UsageRepository
	Auditor  *Auditor
	Metrics  domain.Metrics
	Clock    clock.Clock
	Logger   *zap.Logger
}

// NewEnforcer creates a resource limit enforcer.
func NewEnforcer(cfg EnforcerConfig) *Enforcer {
	return &Enforcer{
		registry: cfg.Registry,
		usage:    cfg.Usage,
		audit:    cfg.Auditor,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

func counterKey(tenantID string, kind domain.ResourceKind) string {
	return tenantID + "/" + string(kind)
}

// CheckAndReserve admits amount against the tenant's limit for kind and, only
// if admitted, commits the increment in the same step. A denial is reported
// through the Decision, not as an error.
func (e *Enforcer) CheckAndReserve(ctx context.Context, tenantID string, kind domain.ResourceKind, amount int64) (domain.Decision, error) {
	if err := checkAmount(kind, amount); err != nil {
		return domain.Decision{}, err
	}
	tenant, err := e.registry.Get(ctx, tenantID)
	if err != nil {
		return domain.Decision{}, err
	}
	limit := tenant.Limits.LimitFor(kind)

	unlock := e.counters.Lock(counterKey(tenantID, kind))
	defer unlock()

	counter, err := e.load(ctx, tenantID, kind)
	if err != nil {
		return domain.Decision{}, err
	}

	// Compared by headroom so a huge amount cannot overflow the sum.
	if amount > limit-counter.CurrentValue {
		e.metrics.ObserveQuota(kind, false)
		reason := fmt.Sprintf("%s limit %d reached (current %d, requested %d)", kind, limit, counter.CurrentValue, amount)
		e.audit.Record(ctx, domain.SystemOperator, tenantID, domain.OpQuotaDenied, reason)
		return domain.Decision{Allowed: false, Reason: reason, Counter: counter, Limit: limit}, nil
	}

	before := counter.CurrentValue
	counter.CurrentValue += amount
	if err := e.store(ctx, tenant, &counter, limit, before); err != nil {
		return domain.Decision{}, err
	}

	e.metrics.ObserveQuota(kind, true)
	return domain.Decision{Allowed: true, Counter: counter, Limit: limit}, nil
}

// Reserve is CheckAndReserve returning a denial as *domain.QuotaExceededError.
func (e *Enforcer) Reserve(ctx context.Context, tenantID string, kind domain.ResourceKind, amount int64) (domain.UsageCounter, error) {
	d, err := e.CheckAndReserve(ctx, tenantID, kind, amount)
	if err != nil {
		return domain.UsageCounter{}, err
	}
	if !d.Allowed {
		return d.Counter, &domain.QuotaExceededError{
			TenantID:  tenantID,
			Kind:      kind,
			Limit:     d.Limit,
			Current:   d.Counter.CurrentValue,
			Requested: amount,
		}
	}
	return d.Counter, nil
}

// Release decrements a counter, clamping at zero.
func (e *Enforcer) Release(ctx context.Context, tenantID string, kind domain.ResourceKind, amount int64) (domain.UsageCounter, error) {
	if err := checkAmount(kind, amount); err != nil {
		return domain.UsageCounter{}, err
	}
	tenant, err := e.registry.Get(ctx, tenantID)
	if err != nil {
		return domain.UsageCounter{}, err
	}

	unlock := e.counters.Lock(counterKey(tenantID, kind))
	defer unlock()

	counter, err := e.load(ctx, tenantID, kind)
	if err != nil {
		return domain.UsageCounter{}, err
	}

	before := counter.CurrentValue
	counter.CurrentValue = max(counter.CurrentValue-amount, 0)
	if err := e.store(ctx, tenant, &counter, tenant.Limits.LimitFor(kind), before); err != nil {
		return domain.UsageCounter{}, err
	}
	return counter, nil
}

// SetUsage records a point-in-time measurement, as for storage bytes. It is
// never denied.
func (e *Enforcer) SetUsage(ctx context.Context, tenantID string, kind domain.ResourceKind, value int64) (domain.UsageCounter, error) {
	if !kind.Valid() {
		return domain.UsageCounter{}, &domain.ValidationError{Field: "resource_kind", Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	if value < 0 {
		return domain.UsageCounter{}, &domain.ValidationError{Field: "value", Reason: "must not be negative"}
	}
	tenant, err := e.registry.Get(ctx, tenantID)
	if err != nil {
		return domain.UsageCounter{}, err
	}

	unlock := e.counters.Lock(counterKey(tenantID, kind))
	defer unlock()

	counter, err := e.load(ctx, tenantID, kind)
	if err != nil {
		return domain.UsageCounter{}, err
	}

	before := counter.CurrentValue
	counter.CurrentValue = value
	if err := e.store(ctx, tenant, &counter, tenant.Limits.LimitFor(kind), before); err != nil {
		return domain.UsageCounter{}, err
	}
	return counter, nil
}

// CurrentUsageRatio returns current usage over the limit. A zero limit yields
// 1 for any positive usage.
func (e *Enforcer) CurrentUsageRatio(ctx context.Context, tenantID string, kind domain.ResourceKind) (float64, error) {
	if !kind.Valid() {
		return 0, &domain.ValidationError{Field: "resource_kind", Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	tenant, err := e.registry.Get(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	counter, err := e.load(ctx, tenantID, kind)
	if err != nil {
		return 0, err
	}
	return ratio(counter.CurrentValue, tenant.Limits.LimitFor(kind)), nil
}

// Usage returns every counter of a tenant, with a stale daily window read as zero.
func (e *Enforcer) Usage(ctx context.Context, tenantID string) ([]domain.UsageCounter, error) {
	if _, err := e.registry.Get(ctx, tenantID); err != nil {
		return nil, err
	}

	stored, err := e.usage.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing usage: %w", err)
	}

	byKind := make(map[domain.ResourceKind]domain.UsageCounter, len(stored))
	for _, c := range stored {
		byKind[c.Kind] = e.current(c)
	}

	out := make([]domain.UsageCounter, 0, len(domain.ResourceKinds))
	for _, kind := range domain.ResourceKinds {
		c, ok := byKind[kind]
		if !ok {
			c = e.fresh(tenantID, kind)
		}
		out = append(out, c)
	}
	return out, nil
}

// RolloverDailyWindow zeroes AI-operation counters whose window began before
// the current UTC day, for one tenant or, with an empty tenantID, for all.
// Running it again for the same day resets nothing. Running it late still
// resets the window that is actually over.
func (e *Enforcer) RolloverDailyWindow(ctx context.Context, tenantID string) (int, error) {
	window := domain.WindowFor(e.clock.Now())

	n, err := e.usage.ResetDaily(ctx, domain.ResourceAIOperations, window, e.clock.Now(), tenantID)
	if err != nil {
		return 0, fmt.Errorf("rolling over daily window: %w", err)
	}

	e.logger.Info("daily window rolled over",
		zap.String("window", window.Format("2006-01-02")),
		zap.String("tenant_id", tenantID),
		zap.Int("counters", n),
	)

	if n > 0 {
		target := tenantID
		if target == "" {
			target = "*"
		}
		e.audit.Record(ctx, domain.SystemOperator, target, domain.OpDailyRollover,
			fmt.Sprintf("reset %d %s counters for window %s", n, domain.ResourceAIOperations, window.Format("2006-01-02")))
	}
	return n, nil
}

// load returns the stored counter, or a fresh one on first use.
func (e *Enforcer) load(ctx context.Context, tenantID string, kind domain.ResourceKind) (domain.UsageCounter, error) {
	c, ok, err := e.usage.Get(ctx, tenantID, kind)
	if err != nil {
		return domain.UsageCounter{}, fmt.Errorf("loading %s counter: %w", kind, err)
	}
	if !ok {
		return e.fresh(tenantID, kind), nil
	}
	return e.current(c), nil
}

func (e *Enforcer) fresh(tenantID string, kind domain.ResourceKind) domain.UsageCounter {
	c := domain.UsageCounter{TenantID: tenantID, Kind: kind}
	if kind == domain.ResourceAIOperations {
		c.WindowStart = domain.WindowFor(e.clock.Now())
	}
	return c
}

// current treats a daily counter from an earlier window as already rolled over.
func (e *Enforcer) current(c domain.UsageCounter) domain.UsageCounter {
	if c.Kind != domain.ResourceAIOperations {
		return c
	}
	if window := domain.WindowFor(e.clock.Now()); c.WindowStart.Before(window) {
		c.CurrentValue = 0
		c.WindowStart = window
		c.Warned = false
	}
	return c
}

// store persists counter and fires the warning on an upward crossing of
// domain.WarningRatio. Falling back below the ratio re-arms it.
func (e *Enforcer) store(ctx context.Context, tenant domain.Tenant, counter *domain.UsageCounter, limit, before int64) error {
	now := ratio(counter.CurrentValue, limit)
	crossed := !counter.Warned && now >= domain.WarningRatio
	switch {
	case crossed:
		counter.Warned = true
	case counter.Warned && now < domain.WarningRatio:
		counter.Warned = false
	}
	counter.UpdatedAt = e.clock.Now().UTC()

	if err := e.usage.Put(ctx, *counter); err != nil {
		return fmt.Errorf("storing %s counter: %w", counter.Kind, err)
	}

	if crossed {
		msg := fmt.Sprintf("%s usage at %.0f%% of limit %d (was %.0f%%)",
			counter.Kind, now*100, limit, ratio(before, limit)*100)
		e.audit.Emit(ctx, domain.SystemOperator, tenant, domain.OpQuotaWarning, msg, true)
	}
	return nil
}

func checkAmount(kind domain.ResourceKind, amount int64) error {
	if !kind.Valid() {
		return &domain.ValidationError{Field: "resource_kind", Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	if amount <= 0 {
		return &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return nil
}

func ratio(value, limit int64) float64 {
	if limit <= 0 {
		if value > 0 {
			return 1
		}
		return 0
	}
	return float64(value) / float64(limit)
}
