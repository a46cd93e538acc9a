package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/loomworks/controlplane/internal/domain"
)

// Result carries the primary outcome of an operation separately from the
// outcome of its best-effort audit and notification delivery.
type Result struct {
	Tenant   domain.Tenant
	Delivery domain.Delivery
}

// Lifecycle governs every state transition after creation. All transitions
// pass through Apply, which validates the event and performs the guarded
// registry write.
type Lifecycle struct {
	registry  *Registry
	validator domain.TransitionValidator
	engine    domain.DatabaseEngine
	audit     *Auditor
	metrics   domain.Metrics
	clock     clock.Clock
	logger    *zap.Logger
	retention time.Duration

	// archival serialises archive side effects per tenant. It is never
	// held by the registry or the router.
	archival keyedMutex
}

// LifecycleConfig holds the collaborators of a Lifecycle.
type LifecycleConfig struct {
	Registry  *Registry
	Validator domain.TransitionValidator
	Engine    domain.DatabaseEngine
	Auditor   *Auditor
	Metrics   domain.Metrics
	Clock     clock.Clock
	Logger    *zap.Logger
	// Retention is how long an archived tenant is kept before it may be destroyed.
	Retention time.Duration
}

// NewLifecycle creates a lifecycle state machine.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	return &Lifecycle{
		registry:  cfg.Registry,
		validator: cfg.Validator,
		engine:    cfg.Engine,
		audit:     cfg.Auditor,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		retention: cfg.Retention,
	}
}

// applyOpts customises a single Apply call.
type applyOpts struct {
	mutate func(*domain.Tenant)
	detail string
	notify bool
}

// Apply fires event against the tenant. When the tenant already sits in
// the event's destination the call lost a race to an identical transition
// and fails with *domain.ConflictError; any other state that is not a
// source of the event fails with *domain.InvalidTransitionError.
func (l *Lifecycle) Apply(ctx context.Context, operatorID, id string, event domain.Event, opts applyOpts) (Result, error) {
	current, err := l.registry.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}

	dst, err := l.validator.Apply(ctx, current.State, event)
	if err != nil {
		var invalid *domain.InvalidTransitionError
		if errors.As(err, &invalid) && invalid.To != "" && invalid.To == current.State {
			err = &domain.ConflictError{TenantID: id, Expected: sourceOf(event), Actual: current.State}
		}
		l.reject(ctx, operatorID, current, event, err)
		return Result{Tenant: current}, err
	}

	next, err := l.registry.Transition(ctx, id, current.State, dst, opts.mutate)
	if err != nil {
		l.reject(ctx, operatorID, current, event, err)
		return Result{Tenant: current}, err
	}

	l.metrics.ObserveTransition(event)
	l.logger.Info("tenant transitioned",
		zap.String("tenant_id", id),
		zap.String("event", string(event)),
		zap.String("from", string(current.State)),
		zap.String("to", string(next.State)),
	)

	detail := opts.detail
	if detail == "" {
		detail = fmt.Sprintf("%s -> %s", current.State, next.State)
	}
	delivery := l.audit.Emit(ctx, operatorID, next, domain.OperationFor(event), detail, opts.notify)

	return Result{Tenant: next, Delivery: delivery}, nil
}

func (l *Lifecycle) reject(ctx context.Context, operatorID string, t domain.Tenant, event domain.Event, cause error) {
	l.audit.Record(ctx, operatorID, t.ID, domain.OpTransitionFail,
		fmt.Sprintf("%s from %s: %v", event, t.State, cause))
}

// Suspend denies new logins for an active tenant while retaining its data.
func (l *Lifecycle) Suspend(ctx context.Context, operatorID, id string) (Result, error) {
	return l.Apply(ctx, operatorID, id, domain.EventSuspend, applyOpts{notify: true})
}

// Resume re-allows logins for a suspended tenant.
func (l *Lifecycle) Resume(ctx context.Context, operatorID, id string) (Result, error) {
	return l.Apply(ctx, operatorID, id, domain.EventResume, applyOpts{notify: true})
}

// Reset returns a failed tenant to draft so provisioning can run again.
func (l *Lifecycle) Reset(ctx context.Context, operatorID, id string) (Result, error) {
	return l.Apply(ctx, operatorID, id, domain.EventReset, applyOpts{
		mutate: func(t *domain.Tenant) { t.FailureReason = "" },
	})
}

// Archive moves an active or suspended tenant to archived, then takes a
// final backup, terminates live connections and renames the database with
// a date-stamped suffix.
//
// The target names are persisted together with the state change, so a
// retry after an interruption resumes the same archival: each side effect
// checks whether it already happened before acting.
func (l *Lifecycle) Archive(ctx context.Context, operatorID, id string) (Result, error) {
	current, err := l.registry.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}

	var res Result
	if current.State == domain.StateArchived && current.ArchivePending {
		res = Result{Tenant: current}
		res.Delivery.Audit = l.audit.Record(ctx, operatorID, id, domain.OpArchiveResume, "resuming interrupted archival")
	} else {
		now := l.clock.Now().UTC()
		stamp := now.Format("20060102")
		res, err = l.Apply(ctx, operatorID, id, domain.EventArchive, applyOpts{
			notify: true,
			mutate: func(t *domain.Tenant) {
				t.ArchiveStamp = stamp
				t.ArchivedDatabaseName, t.BackupName = domain.ArchiveNames(t.DatabaseName, stamp)
				t.ArchivePending = true
				t.ArchivedAt = now
			},
		})
		if err != nil {
			return res, err
		}
	}

	tenant, err := l.finishArchive(ctx, id)
	res.Tenant = tenant
	return res, err
}

func (l *Lifecycle) finishArchive(ctx context.Context, id string) (domain.Tenant, error) {
	unlock := l.archival.Lock(id)
	defer unlock()

	t, err := l.registry.Get(ctx, id)
	if err != nil {
		return domain.Tenant{}, err
	}
	if t.State != domain.StateArchived || !t.ArchivePending {
		return t, nil
	}

	// Side effects run to completion even if the caller goes away.
	if err := l.archiveSideEffects(context.WithoutCancel(ctx), t); err != nil {
		l.logger.Error("archival incomplete",
			zap.String("tenant_id", id),
			zap.Error(err),
		)
		return t, err
	}

	return l.registry.Amend(ctx, id, domain.StateArchived, func(t *domain.Tenant) {
		t.ArchivePending = false
	})
}

func (l *Lifecycle) archiveSideEffects(ctx context.Context, t domain.Tenant) error {
	fail := func(op string, err error) error {
		return &domain.ExternalFailure{Collaborator: "database engine", Op: op, Err: err}
	}

	srcExists, err := l.engine.DatabaseExists(ctx, t.DatabaseName)
	if err != nil {
		return fail("exists", err)
	}
	dstExists, err := l.engine.DatabaseExists(ctx, t.ArchivedDatabaseName)
	if err != nil {
		return fail("exists", err)
	}
	backupExists, err := l.engine.DatabaseExists(ctx, t.BackupName)
	if err != nil {
		return fail("exists", err)
	}

	switch {
	case srcExists && dstExists:
		return fail("archive", fmt.Errorf("both %s and %s exist", t.DatabaseName, t.ArchivedDatabaseName))
	case !srcExists && !dstExists:
		return fail("archive", fmt.Errorf("database %s not found", t.DatabaseName))
	}

	if !backupExists {
		from := t.DatabaseName
		if !srcExists {
			from = t.ArchivedDatabaseName
		}
		if err := l.engine.BackupDatabase(ctx, from, t.BackupName); err != nil {
			return fail("backup", err)
		}
	}

	if srcExists {
		if err := l.engine.TerminateConnections(ctx, t.DatabaseName); err != nil {
			return fail("terminate connections", err)
		}
		if err := l.engine.RenameDatabase(ctx, t.DatabaseName, t.ArchivedDatabaseName); err != nil {
			return fail("rename", err)
		}
	}
	return nil
}

// Destroy permanently deletes an archived tenant's database and backup once
// the retention period has elapsed. The record stays as a tombstone.
func (l *Lifecycle) Destroy(ctx context.Context, operatorID, id string) (Result, error) {
	t, err := l.registry.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}

	if t.State == domain.StateArchived {
		if t.ArchivePending {
			l.reject(ctx, operatorID, t, domain.EventDestroy, domain.ErrArchiveIncomplete)
			return Result{Tenant: t}, domain.ErrArchiveIncomplete
		}
		if eligible := t.ArchivedAt.Add(l.retention); l.clock.Now().Before(eligible) {
			err := fmt.Errorf("%w: eligible at %s", domain.ErrRetentionPending, eligible.UTC().Format(time.RFC3339))
			l.reject(ctx, operatorID, t, domain.EventDestroy, err)
			return Result{Tenant: t}, err
		}

		dctx := context.WithoutCancel(ctx)
		for _, name := range []string{t.ArchivedDatabaseName, t.BackupName, t.DatabaseName} {
			if name == "" {
				continue
			}
			if err := l.engine.DropDatabase(dctx, name); err != nil {
				err = &domain.ExternalFailure{Collaborator: "database engine", Op: "drop", Err: err}
				l.reject(ctx, operatorID, t, domain.EventDestroy, err)
				return Result{Tenant: t}, err
			}
		}
	}

	// Apply rejects every state other than archived.
	return l.Apply(ctx, operatorID, id, domain.EventDestroy, applyOpts{
		notify: true,
		detail: fmt.Sprintf("dropped %s and %s", t.ArchivedDatabaseName, t.BackupName),
	})
}

func sourceOf(event domain.Event) domain.State {
	for _, tr := range domain.Transitions {
		if tr.Event == event {
			return tr.Src
		}
	}
	return ""
}
