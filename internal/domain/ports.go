package domain

import (
	"context"
	"time"
)

// TenantRepository defines the persistence contract for tenants.
type TenantRepository interface {
	// Create inserts a tenant. It returns *SubdomainTakenError when a
	// non-destroyed tenant already holds the subdomain.
	Create(ctx context.Context, tenant Tenant) error
	GetByID(ctx context.Context, id string) (Tenant, error)
	List(ctx context.Context, filter ListFilter) ([]Tenant, error)
	// CompareAndSwap persists tenant only if the stored state equals expected.
	// It returns *ConflictError when it does not.
	CompareAndSwap(ctx context.Context, expected State, tenant Tenant) error
}

// ListFilter holds optional criteria for listing tenants.
type ListFilter struct {
	State  *State
	Limit  int
	Offset int
}

// UsageRepository persists usage counters.
type UsageRepository interface {
	Get(ctx context.Context, tenantID string, kind ResourceKind) (UsageCounter, bool, error)
	Put(ctx context.Context, counter UsageCounter) error
	ListByTenant(ctx context.Context, tenantID string) ([]UsageCounter, error)
	// ResetDaily zeroes every counter of kind whose window started before
	// window, optionally restricted to one tenant, and returns the count reset.
	ResetDaily(ctx context.Context, kind ResourceKind, window, now time.Time, tenantID string) (int, error)
}

// AuditLog is the append-only audit store. It has no update or delete methods.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]AuditEntry, error)
}

// Notifier delivers notifications to administrators. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// DatabaseEngine manages isolated logical databases.
type DatabaseEngine interface {
	CreateDatabase(ctx context.Context, name string) error
	// DropDatabase removes a database; dropping a missing database is not an error.
	DropDatabase(ctx context.Context, name string) error
	RenameDatabase(ctx context.Context, from, to string) error
	DatabaseExists(ctx context.Context, name string) (bool, error)
	DatabaseSize(ctx context.Context, name string) (int64, error)
	// BackupDatabase writes a full copy of name under backupName.
	BackupDatabase(ctx context.Context, name, backupName string) error
	TerminateConnections(ctx context.Context, name string) error
}

// BootstrapRequest describes the initial application install for a tenant.
type BootstrapRequest struct {
	Handle     DatabaseHandle
	TenantName string
	Modules    []string
	AdminLogin string
}

// Bootstrapper installs the application module set and the initial admin user.
// A call either fully succeeds or fails.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, req BootstrapRequest) error
}

// TransitionValidator checks lifecycle events against the transition table.
type TransitionValidator interface {
	// Apply returns the state event leads to from current. A rejected event
	// yields *InvalidTransitionError with To set to the event's destination.
	Apply(ctx context.Context, current State, event Event) (State, error)
}

// Metrics observes control-plane outcomes.
type Metrics interface {
	ObserveRoute(outcome string)
	ObserveQuota(kind ResourceKind, allowed bool)
	ObserveTransition(event Event)
	ObserveProvisioning(outcome State, elapsed time.Duration)
}
