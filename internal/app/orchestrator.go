package app

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/loomworks/controlplane/internal/domain"
)

// ProvisionResult is the outcome of one provisioning run.
type ProvisionResult struct {
	Tenant   domain.Tenant
	Attempt  domain.ProvisioningAttempt
	Delivery domain.Delivery
}

// Orchestrator drives a tenant from draft to active, or to failed with the
// partial work compensated.
type Orchestrator struct {
	lifecycle    *Lifecycle
	registry     *Registry
	engine       domain.DatabaseEngine
	bootstrapper domain.Bootstrapper
	metrics      domain.Metrics
	clock        clock.Clock
	logger       *zap.Logger

	modules    []string
	adminLogin string
}

// OrchestratorConfig holds the collaborators of an Orchestrator.
type OrchestratorConfig struct {
	Lifecycle    *Lifecycle
	Registry     *Registry
	Engine       domain.DatabaseEngine
	Bootstrapper domain.Bootstrapper
	Metrics      domain.Metrics
	Clock        clock.Clock
	Logger       *zap.Logger
	// Modules is the application module set installed into every tenant.
	Modules []string
	// AdminLogin is the login of the initial privileged user.
	AdminLogin string
}

// NewOrchestrator creates a provisioning orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	adminLogin := cfg.AdminLogin
	if adminLogin == "" {
		adminLogin = "admin"
	}
	return &Orchestrator{
		lifecycle:    cfg.Lifecycle,
		registry:     cfg.Registry,
		engine:       cfg.Engine,
		bootstrapper: cfg.Bootstrapper,
		metrics:      cfg.Metrics,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		modules:      cfg.Modules,
		adminLogin:   adminLogin,
	}
}

// Provision runs the provisioning sequence for a draft tenant. A failed
// tenant is reset to draft first, so a retry restarts from the beginning with
// the same database name.
//
// The draft -> provisioning CAS is the only guard against concurrent runs: a
// caller that loses it gets *domain.ConflictError and nothing is started.
// Once started, the sequence ignores cancellation of ctx and always leaves
// the tenant active or failed. On failure the returned error matches an
// *domain.ExternalFailure and the result still carries the failed tenant.
func (o *Orchestrator) Provision(ctx context.Context, operatorID, id string) (ProvisionResult, error) {
	current, err := o.registry.Get(ctx, id)
	if err != nil {
		return ProvisionResult{}, err
	}
	if current.State == domain.StateFailed {
		if _, err := o.lifecycle.Reset(ctx, operatorID, id); err != nil {
			return ProvisionResult{Tenant: current}, err
		}
	}

	started, err := o.lifecycle.Apply(ctx, operatorID, id, domain.EventProvisionStart, applyOpts{})
	if err != nil {
		return ProvisionResult{Tenant: started.Tenant}, err
	}

	ctx = context.WithoutCancel(ctx)
	tenant := started.Tenant
	attempt := domain.ProvisioningAttempt{TenantID: id, StartedAt: o.clock.Now()}

	o.logger.Info("provisioning started",
		zap.String("tenant_id", id),
		zap.String("database", tenant.DatabaseName),
	)

	if err := o.cleanupLeftover(ctx, tenant, &attempt); err != nil {
		return o.fail(ctx, operatorID, tenant, &attempt, &domain.ExternalFailure{Collaborator: "database engine", Op: "drop leftover", Err: err})
	}

	if err := o.engine.CreateDatabase(ctx, tenant.DatabaseName); err != nil {
		attempt.Record(domain.StepCreateDatabase, err, false, o.clock.Now())
		return o.fail(ctx, operatorID, tenant, &attempt, &domain.ExternalFailure{Collaborator: "database engine", Op: "create", Err: err})
	}
	attempt.Record(domain.StepCreateDatabase, nil, false, o.clock.Now())

	err = o.bootstrapper.Bootstrap(ctx, domain.BootstrapRequest{
		Handle:     tenant.Handle(),
		TenantName: tenant.Name,
		Modules:    o.modules,
		AdminLogin: o.adminLogin,
	})
	if err != nil {
		attempt.Record(domain.StepBootstrap, err, false, o.clock.Now())
		cause := error(&domain.ExternalFailure{Collaborator: "bootstrapper", Op: "bootstrap", Err: err})
		if dropErr := o.compensate(ctx, tenant, &attempt); dropErr != nil {
			o.logger.Error("compensation failed",
				zap.String("tenant_id", id),
				zap.String("database", tenant.DatabaseName),
				zap.Error(dropErr),
			)
			cause = multierr.Append(cause, fmt.Errorf("compensating: %w", dropErr))
		}
		return o.fail(ctx, operatorID, tenant, &attempt, cause)
	}
	attempt.Record(domain.StepBootstrap, nil, false, o.clock.Now())

	attempt.FinishedAt = o.clock.Now()
	attempt.Outcome = domain.StateActive

	res, err := o.lifecycle.Apply(ctx, operatorID, id, domain.EventProvisionSucceed, applyOpts{
		notify: true,
		detail: fmt.Sprintf("provisioned %s in %s", tenant.DatabaseName, attempt.Duration()),
		mutate: func(t *domain.Tenant) { t.FailureReason = "" },
	})
	o.metrics.ObserveProvisioning(attempt.Outcome, attempt.Duration())
	if err != nil {
		return ProvisionResult{Tenant: res.Tenant, Attempt: attempt}, err
	}

	o.logger.Info("provisioning succeeded",
		zap.String("tenant_id", id),
		zap.Duration("elapsed", attempt.Duration()),
	)
	return ProvisionResult{Tenant: res.Tenant, Attempt: attempt, Delivery: res.Delivery}, nil
}

// cleanupLeftover drops a database left behind by an earlier attempt whose
// compensation failed.
func (o *Orchestrator) cleanupLeftover(ctx context.Context, t domain.Tenant, attempt *domain.ProvisioningAttempt) error {
	exists, err := o.engine.DatabaseExists(ctx, t.DatabaseName)
	if err != nil {
		attempt.Record(domain.StepCleanupLeftover, err, false, o.clock.Now())
		return err
	}
	if !exists {
		return nil
	}

	o.logger.Warn("dropping leftover database",
		zap.String("tenant_id", t.ID),
		zap.String("database", t.DatabaseName),
	)
	err = o.engine.DropDatabase(ctx, t.DatabaseName)
	attempt.Record(domain.StepCleanupLeftover, err, false, o.clock.Now())
	return err
}

// compensate undoes the completed steps in reverse order.
func (o *Orchestrator) compensate(ctx context.Context, t domain.Tenant, attempt *domain.ProvisioningAttempt) error {
	var errs error
	completed := attempt.Completed()
	for i := len(completed) - 1; i >= 0; i-- {
		if completed[i] != domain.StepCreateDatabase {
			continue
		}
		err := o.engine.DropDatabase(ctx, t.DatabaseName)
		attempt.Record(domain.StepDropDatabase, err, true, o.clock.Now())
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (o *Orchestrator) fail(ctx context.Context, operatorID string, t domain.Tenant, attempt *domain.ProvisioningAttempt, cause error) (ProvisionResult, error) {
	attempt.FinishedAt = o.clock.Now()
	attempt.Outcome = domain.StateFailed
	attempt.Reason = cause.Error()

	o.logger.Warn("provisioning failed",
		zap.String("tenant_id", t.ID),
		zap.String("steps", attempt.Summary()),
		zap.Error(cause),
	)

	res, err := o.lifecycle.Apply(ctx, operatorID, t.ID, domain.EventProvisionFail, applyOpts{
		notify: true,
		detail: fmt.Sprintf("%s [%s]", attempt.Reason, attempt.Summary()),
		mutate: func(t *domain.Tenant) { t.FailureReason = attempt.Reason },
	})
	o.metrics.ObserveProvisioning(attempt.Outcome, attempt.Duration())
	if err != nil {
		return ProvisionResult{Tenant: t, Attempt: *attempt}, multierr.Append(cause, err)
	}
	return ProvisionResult{Tenant: res.Tenant, Attempt: *attempt, Delivery: res.Delivery}, cause
}
