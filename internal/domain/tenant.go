package domain

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// State represents the lifecycle state of a tenant.
type State string

const (
	StateDraft        State = "draft"
	StateProvisioning State = "provisioning"
	StateActive       State = "active"
	StateSuspended    State = "suspended"
	StateFailed       State = "failed"
	StateArchived     State = "archived"
	StateDestroyed    State = "destroyed"
)

// States lists every lifecycle state.
var States = []State{
	StateDraft, StateProvisioning, StateActive, StateSuspended,
	StateFailed, StateArchived, StateDestroyed,
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Event represents an action that triggers a state transition.
type Event string

const (
	EventProvisionStart   Event = "provision_start"
	EventProvisionSucceed Event = "provision_succeed"
	EventProvisionFail    Event = "provision_fail"
	EventReset            Event = "reset"
	EventSuspend          Event = "suspend"
	EventResume           Event = "resume"
	EventArchive          Event = "archive"
	EventDestroy          Event = "destroy"
)

// Transition defines a valid state change: an event moves a tenant from Src to Dst.
type Transition struct {
	Event Event
	Src   State
	Dst   State
}

// Transitions defines all valid state changes in the tenant lifecycle.
// The registry refuses any (src, dst) pair not listed here.
var Transitions = []Transition{
	{Event: EventProvisionStart, Src: StateDraft, Dst: StateProvisioning},
	{Event: EventProvisionSucceed, Src: StateProvisioning, Dst: StateActive},
	{Event: EventProvisionFail, Src: StateProvisioning, Dst: StateFailed},
	{Event: EventReset, Src: StateFailed, Dst: StateDraft},
	{Event: EventSuspend, Src: StateActive, Dst: StateSuspended},
	{Event: EventResume, Src: StateSuspended, Dst: StateActive},
	{Event: EventArchive, Src: StateActive, Dst: StateArchived},
	{Event: EventArchive, Src: StateSuspended, Dst: StateArchived},
	{Event: EventDestroy, Src: StateArchived, Dst: StateDestroyed},
}

// LookupTransition returns the transition moving src to dst, if one exists.
func LookupTransition(src, dst State) (Transition, bool) {
	for _, t := range Transitions {
		if t.Src == src && t.Dst == dst {
			return t, true
		}
	}
	return Transition{}, false
}

// Tier names a commercial tier with default resource limits.
type Tier string

const (
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Limits holds a tenant's configured quotas.
type Limits struct {
	MaxUsers             int64
	MaxStorageGB         int64
	MaxAIOperationsDaily int64
}

// IsZero reports whether no limit has been configured.
func (l Limits) IsZero() bool {
	return l == Limits{}
}

// MaxStorageGB is the largest storage limit whose byte count fits in an int64.
const MaxStorageGB = math.MaxInt64 / bytesPerGB

// Validate rejects negative limits and storage limits too large to express
// in bytes.
func (l Limits) Validate() error {
	if l.MaxUsers < 0 || l.MaxStorageGB < 0 || l.MaxAIOperationsDaily < 0 {
		return &ValidationError{Field: "limits", Reason: "must not be negative"}
	}
	if l.MaxStorageGB > MaxStorageGB {
		return &ValidationError{Field: "limits", Reason: fmt.Sprintf("max_storage_gb must not exceed %d", MaxStorageGB)}
	}
	return nil
}

var tierDefaults = map[Tier]Limits{
	TierStarter:      {MaxUsers: 5, MaxStorageGB: 5, MaxAIOperationsDaily: 100},
	TierProfessional: {MaxUsers: 25, MaxStorageGB: 50, MaxAIOperationsDaily: 1000},
	TierEnterprise:   {MaxUsers: 500, MaxStorageGB: 500, MaxAIOperationsDaily: 10000},
}

// DefaultLimits returns the limits for a tier and whether the tier is known.
func DefaultLimits(tier Tier) (Limits, bool) {
	l, ok := tierDefaults[tier]
	return l, ok
}

// Tenant is the central entity: one customer's isolated database and its state.
type Tenant struct {
	ID            string
	Name          string
	Subdomain     string
	DatabaseName  string
	Tier          Tier
	Limits        Limits
	State         State
	FailureReason string

	// Archival bookkeeping. The names are fixed at the moment of the
	// archive transition so an interrupted archival resumes with the same
	// targets.
	ArchiveStamp         string
	ArchivedDatabaseName string
	BackupName           string
	ArchivePending       bool
	ArchivedAt           time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	databasePrefix     = "tenant_"
	maxSubdomainLength = 40
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// NormalizeSubdomain lowercases and trims a subdomain so comparisons are case-insensitive.
func NormalizeSubdomain(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateSubdomain checks an already normalized subdomain.
func ValidateSubdomain(s string) error {
	if s == "" {
		return &ValidationError{Field: "subdomain", Reason: "must not be empty"}
	}
	if len(s) > maxSubdomainLength {
		return &ValidationError{Field: "subdomain", Reason: "must be at most 40 characters"}
	}
	if !subdomainPattern.MatchString(s) {
		return &ValidationError{Field: "subdomain", Reason: "must match ^[a-z0-9-]+$"}
	}
	return nil
}

// DatabaseNameFor derives the database name for a subdomain.
func DatabaseNameFor(subdomain string) string {
	return databasePrefix + strings.ReplaceAll(subdomain, "-", "_")
}

// ArchiveNames returns the archived database name and backup name for a date stamp.
func ArchiveNames(databaseName, stamp string) (archived, backup string) {
	return databaseName + "_archived_" + stamp, databaseName + "_backup_" + stamp
}

// NewTenant creates a tenant in the initial "draft" state. The subdomain
// must already be normalized and validated.
func NewTenant(id, name, subdomain string, tier Tier, limits Limits, now time.Time) Tenant {
	now = now.UTC()
	return Tenant{
		ID:           id,
		Name:         name,
		Subdomain:    subdomain,
		DatabaseName: DatabaseNameFor(subdomain),
		Tier:         tier,
		Limits:       limits,
		State:        StateDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Handle returns the routing handle for the tenant's database.
func (t Tenant) Handle() DatabaseHandle {
	return DatabaseHandle{
		TenantID:     t.ID,
		Subdomain:    t.Subdomain,
		DatabaseName: t.DatabaseName,
	}
}

// DatabaseHandle is enough for a caller to open a connection scoped to a tenant database.
type DatabaseHandle struct {
	TenantID     string
	Subdomain    string
	DatabaseName string
}
