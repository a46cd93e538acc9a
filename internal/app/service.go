package app

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/loomworks/controlplane/internal/domain"
)

// Config holds the adapters and settings a Service is built from.
type Config struct {
	Tenants      domain.TenantRepository
	Usage        domain.UsageRepository
	AuditLog     domain.AuditLog
	Notifier     domain.Notifier // optional
	Validator    domain.TransitionValidator
	Engine       domain.DatabaseEngine
	Bootstrapper domain.Bootstrapper
	Metrics      domain.Metrics // optional
	Clock        clock.Clock    // defaults to the wall clock
	Logger       *zap.Logger    // defaults to a no-op logger

	BaseDomain string
	Retention  time.Duration
	Modules    []string
	AdminLogin string
}

// Service is the control plane. Each administrative operation maps to one
// call on the registry, enforcer, orchestrator or lifecycle it composes.
type Service struct {
	registry     *Registry
	enforcer     *Enforcer
	orchestrator *Orchestrator
	lifecycle    *Lifecycle
	router       *Router
	audit        *Auditor
	engine       domain.DatabaseEngine
}

// NewService wires the control-plane components. Call Load before serving.
func NewService(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}

	auditor := NewAuditor(cfg.AuditLog, cfg.Notifier, cfg.Clock, cfg.Logger.Named("audit"))
	registry := NewRegistry(cfg.Tenants, cfg.Clock, cfg.Logger.Named("registry"))
	lifecycle := NewLifecycle(LifecycleConfig{
		Registry:  registry,
		Validator: cfg.Validator,
		Engine:    cfg.Engine,
		Auditor:   auditor,
		Metrics:   cfg.Metrics,
		Clock:     cfg.Clock,
		Logger:    cfg.Logger.Named("lifecycle"),
		Retention: cfg.Retention,
	})

	enforcer := NewEnforcer(EnforcerConfig{
		Registry: registry,
		Usage:    cfg.Usage,
		Auditor:  auditor,
		Metrics:  cfg.Metrics,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger.Named("enforcer"),
	})
	orchestrator := NewOrchestrator(OrchestratorConfig{
		Lifecycle:    lifecycle,
		Registry:     registry,
		Engine:       cfg.Engine,
		Bootstrapper: cfg.Bootstrapper,
		Metrics:      cfg.Metrics,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger.Named("orchestrator"),
		Modules:      cfg.Modules,
		AdminLogin:   cfg.AdminLogin,
	})

	return &Service{
		registry:     registry,
		enforcer:     enforcer,
		orchestrator: orchestrator,
		lifecycle:    lifecycle,
		router:       NewRouter(registry, cfg.Metrics, cfg.BaseDomain),
		audit:        auditor,
		engine:       cfg.Engine,
	}
}

// Load fills the registry index from durable storage.
func (s *Service) Load(ctx context.Context) error {
	return s.registry.Load(ctx)
}

// Router returns the request router.
func (s *Service) Router() *Router {
	return s.router
}

// Create registers a new draft tenant.
func (s *Service) Create(ctx context.Context, operatorID string, p CreateParams) (Result, error) {
	t, err := s.registry.Create(ctx, p)
	if err != nil {
		return Result{}, err
	}
	d := s.audit.Emit(ctx, operatorID, t, domain.OpCreate,
		fmt.Sprintf("subdomain=%s tier=%s database=%s", t.Subdomain, t.Tier, t.DatabaseName), false)
	return Result{Tenant: t, Delivery: d}, nil
}

// Get returns a tenant by ID.
func (s *Service) Get(ctx context.Context, id string) (domain.Tenant, error) {
	return s.registry.Get(ctx, id)
}

// List returns tenants matching filter.
func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]domain.Tenant, error) {
	return s.registry.List(ctx, filter)
}

// Provision runs provisioning for a draft or failed tenant.
func (s *Service) Provision(ctx context.Context, operatorID, id string) (ProvisionResult, error) {
	return s.orchestrator.Provision(ctx, operatorID, id)
}

// Reset returns a failed tenant to draft.
func (s *Service) Reset(ctx context.Context, operatorID, id string) (Result, error) {
	return s.lifecycle.Reset(ctx, operatorID, id)
}

// Suspend suspends an active tenant.
func (s *Service) Suspend(ctx context.Context, operatorID, id string) (Result, error) {
	return s.lifecycle.Suspend(ctx, operatorID, id)
}

// Resume reactivates a suspended tenant.
func (s *Service) Resume(ctx context.Context, operatorID, id string) (Result, error) {
	return s.lifecycle.Resume(ctx, operatorID, id)
}

// Archive archives an active or suspended tenant, or resumes an interrupted archival.
func (s *Service) Archive(ctx context.Context, operatorID, id string) (Result, error) {
	return s.lifecycle.Archive(ctx, operatorID, id)
}

// Destroy permanently deletes an archived tenant's data.
func (s *Service) Destroy(ctx context.Context, operatorID, id string) (Result, error) {
	return s.lifecycle.Destroy(ctx, operatorID, id)
}

// SetLimits replaces a tenant's quotas.
func (s *Service) SetLimits(ctx context.Context, operatorID, id string, limits domain.Limits) (Result, error) {
	t, err := s.registry.SetLimits(ctx, id, limits)
	if err != nil {
		return Result{}, err
	}
	d := s.audit.Emit(ctx, operatorID, t, domain.OpSetLimits,
		fmt.Sprintf("users=%d storage_gb=%d ai_daily=%d", limits.MaxUsers, limits.MaxStorageGB, limits.MaxAIOperationsDaily), false)
	return Result{Tenant: t, Delivery: d}, nil
}

// Route resolves an inbound hostname to a tenant database.
func (s *Service) Route(hostname string) (domain.DatabaseHandle, error) {
	return s.router.Route(hostname)
}

// CheckAndReserve admits or denies amount of kind for a tenant.
func (s *Service) CheckAndReserve(ctx context.Context, id string, kind domain.ResourceKind, amount int64) (domain.Decision, error) {
	return s.enforcer.CheckAndReserve(ctx, id, kind, amount)
}

// Reserve admits amount of kind or fails with *domain.QuotaExceededError.
func (s *Service) Reserve(ctx context.Context, id string, kind domain.ResourceKind, amount int64) (domain.UsageCounter, error) {
	return s.enforcer.Reserve(ctx, id, kind, amount)
}

// Release returns amount of kind, clamping at zero.
func (s *Service) Release(ctx context.Context, id string, kind domain.ResourceKind, amount int64) (domain.UsageCounter, error) {
	return s.enforcer.Release(ctx, id, kind, amount)
}

// Usage returns a tenant's usage counters.
func (s *Service) Usage(ctx context.Context, id string) ([]domain.UsageCounter, error) {
	return s.enforcer.Usage(ctx, id)
}

// UsageRatio returns a tenant's current usage of kind over its limit.
func (s *Service) UsageRatio(ctx context.Context, id string, kind domain.ResourceKind) (float64, error) {
	return s.enforcer.CurrentUsageRatio(ctx, id, kind)
}

// RefreshStorage samples the tenant database's size and records it as the
// storage counter.
func (s *Service) RefreshStorage(ctx context.Context, id string) (domain.UsageCounter, error) {
	t, err := s.registry.Get(ctx, id)
	if err != nil {
		return domain.UsageCounter{}, err
	}

	if t.State != domain.StateActive && t.State != domain.StateSuspended {
		return domain.UsageCounter{}, &domain.ValidationError{
			Field:  "state",
			Reason: fmt.Sprintf("no live database in state %s", t.State),
		}
	}

	size, err := s.engine.DatabaseSize(ctx, t.DatabaseName)
	if err != nil {
		return domain.UsageCounter{}, &domain.ExternalFailure{Collaborator: "database engine", Op: "size", Err: err}
	}
	return s.enforcer.SetUsage(ctx, id, domain.ResourceStorageBytes, size)
}

// Rollover resets the daily AI window for one tenant, or all when id is empty.
func (s *Service) Rollover(ctx context.Context, id string) (int, error) {
	if id != "" {
		if _, err := s.registry.Get(ctx, id); err != nil {
			return 0, err
		}
	}
	return s.enforcer.RolloverDailyWindow(ctx, id)
}

// AuditTrail returns a tenant's audit entries, oldest first.
func (s *Service) AuditTrail(ctx context.Context, id string, limit int) ([]domain.AuditEntry, error) {
	return s.audit.Trail(ctx, id, limit)
}

// TenantCounts returns the number of known tenants in each lifecycle state.
func (s *Service) TenantCounts() map[domain.State]int {
	return s.registry.CountByState()
}

type nopMetrics struct{}

func (nopMetrics) ObserveRoute(string)                             {}
func (nopMetrics) ObserveQuota(domain.ResourceKind, bool)          {}
func (nopMetrics) ObserveTransition(domain.Event)                  {}
func (nopMetrics) ObserveProvisioning(domain.State, time.Duration) {}
