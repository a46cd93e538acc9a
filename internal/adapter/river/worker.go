package river

import (
	"context"
	"errors"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/loomworks/controlplane/internal/app"
	"github.com/loomworks/controlplane/internal/domain"
)

// Operations is the part of the control plane the workers drive.
type Operations interface {
	Provision(ctx context.Context, operatorID, id string) (app.ProvisionResult, error)
	Archive(ctx context.Context, operatorID, id string) (app.Result, error)
	Rollover(ctx context.Context, id string) (int, error)
}

// ProvisionWorker runs one provisioning attempt. A failed attempt already
// leaves the tenant in failed state with its reason recorded, so the job is
// cancelled rather than retried; only an operator restarts provisioning.
type ProvisionWorker struct {
	river.WorkerDefaults[ProvisionArgs]
	ops    Operations
	logger *zap.Logger
}

func (w *ProvisionWorker) Work(ctx context.Context, job *river.Job[ProvisionArgs]) error {
	res, err := w.ops.Provision(ctx, job.Args.OperatorID, job.Args.TenantID)
	if err != nil {
		w.logger.Warn("provision job failed",
			zap.String("tenant_id", job.Args.TenantID),
			zap.Int64("job_id", job.ID),
			zap.String("steps", res.Attempt.Summary()),
			zap.Error(err),
		)
		return river.JobCancel(err)
	}
	w.logger.Info("provision job completed",
		zap.String("tenant_id", job.Args.TenantID),
		zap.Int64("job_id", job.ID),
		zap.Duration("elapsed", res.Attempt.Duration()),
	)
	return nil
}

// ArchiveWorker archives a tenant. Engine failures leave the archival
// pending and are retried, which resumes it; state errors are final.
type ArchiveWorker struct {
	river.WorkerDefaults[ArchiveArgs]
	ops    Operations
	logger *zap.Logger
}

func (w *ArchiveWorker) Work(ctx context.Context, job *river.Job[ArchiveArgs]) error {
	_, err := w.ops.Archive(ctx, job.Args.OperatorID, job.Args.TenantID)
	if err == nil {
		w.logger.Info("archive job completed",
			zap.String("tenant_id", job.Args.TenantID),
			zap.Int64("job_id", job.ID),
		)
		return nil
	}

	w.logger.Warn("archive job failed",
		zap.String("tenant_id", job.Args.TenantID),
		zap.Int64("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Error(err),
	)
	var external *domain.ExternalFailure
	if errors.As(err, &external) {
		return err
	}
	return river.JobCancel(err)
}

// RolloverWorker resets expired daily AI counters.
type RolloverWorker struct {
	river.WorkerDefaults[RolloverArgs]
	ops    Operations
	logger *zap.Logger
}

func (w *RolloverWorker) Work(ctx context.Context, job *river.Job[RolloverArgs]) error {
	n, err := w.ops.Rollover(ctx, job.Args.TenantID)
	if err != nil {
		return err
	}
	w.logger.Info("daily window rolled over", zap.Int("counters", n), zap.Int64("job_id", job.ID))
	return nil
}
