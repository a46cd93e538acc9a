package river

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/loomworks/controlplane/internal/domain"
)

// Client is the River client type parameterized for SQLite (*sql.Tx).
type Client = river.Client[*sql.Tx]

// Job kinds.
const (
	KindProvision = "tenant.provision"
	KindArchive   = "tenant.archive"
	KindRollover  = "usage.rollover"
)

// uniqueWhileLive collapses duplicate inserts for a tenant while an earlier
// job for it is still queued or running. Finished jobs do not block a new one.
var uniqueWhileLive = river.UniqueOpts{
	ByArgs: true,
	ByState: []rivertype.JobState{
		rivertype.JobStateAvailable,
		rivertype.JobStatePending,
		rivertype.JobStateRetryable,
		rivertype.JobStateRunning,
		rivertype.JobStateScheduled,
	},
}

// ProvisionArgs asks a worker to provision one tenant.
type ProvisionArgs struct {
	TenantID   string `json:"tenant_id" river:"unique"`
	OperatorID string `json:"operator_id"`
}

func (ProvisionArgs) Kind() string { return KindProvision }

func (ProvisionArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: uniqueWhileLive}
}

// ArchiveArgs asks a worker to archive one tenant, or resume its archival.
type ArchiveArgs struct {
	TenantID   string `json:"tenant_id" river:"unique"`
	OperatorID string `json:"operator_id"`
}

func (ArchiveArgs) Kind() string { return KindArchive }

func (ArchiveArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: uniqueWhileLive}
}

// RolloverArgs starts a new daily AI window. An empty TenantID covers every tenant.
type RolloverArgs struct {
	TenantID string `json:"tenant_id,omitempty"`
}

func (RolloverArgs) Kind() string { return KindRollover }

// Dispatcher enqueues control-plane operations as River jobs.
type Dispatcher struct {
	client *Client
}

// NewDispatcher creates a dispatcher backed by the given River client.
func NewDispatcher(client *Client) *Dispatcher {
	return &Dispatcher{client: client}
}

// EnqueueProvision schedules provisioning. A duplicate of a live job is dropped.
func (d *Dispatcher) EnqueueProvision(ctx context.Context, operatorID, tenantID string) error {
	return d.insert(ctx, ProvisionArgs{TenantID: tenantID, OperatorID: operatorID})
}

// EnqueueArchive schedules archival. A duplicate of a live job is dropped.
func (d *Dispatcher) EnqueueArchive(ctx context.Context, operatorID, tenantID string) error {
	return d.insert(ctx, ArchiveArgs{TenantID: tenantID, OperatorID: operatorID})
}

func (d *Dispatcher) insert(ctx context.Context, args river.JobArgs) error {
	if _, err := d.client.Insert(ctx, args, nil); err != nil {
		return fmt.Errorf("enqueuing %s job: %w", args.Kind(), err)
	}
	return nil
}

// MidnightUTC is a periodic schedule firing at every UTC day boundary.
type MidnightUTC struct{}

func (MidnightUTC) Next(current time.Time) time.Time {
	return domain.WindowFor(current).Add(24 * time.Hour)
}
