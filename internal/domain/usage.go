package domain

import "time"

// ResourceKind names a metered resource.
type ResourceKind string

const (
	ResourceUsers        ResourceKind = "users"
	ResourceStorageBytes ResourceKind = "storage_bytes"
	ResourceAIOperations ResourceKind = "ai_operations"
)

// ResourceKinds lists every metered resource.
var ResourceKinds = []ResourceKind{ResourceUsers, ResourceStorageBytes, ResourceAIOperations}

// Valid reports whether k is a known resource kind.
func (k ResourceKind) Valid() bool {
	switch k {
	case ResourceUsers, ResourceStorageBytes, ResourceAIOperations:
		return true
	}
	return false
}

const bytesPerGB = int64(1) << 30

// LimitFor returns the configured limit for a resource kind.
func (l Limits) LimitFor(kind ResourceKind) int64 {
	switch kind {
	case ResourceUsers:
		return l.MaxUsers
	case ResourceStorageBytes:
		return l.MaxStorageGB * bytesPerGB
	case ResourceAIOperations:
		return l.MaxAIOperationsDaily
	}
	return 0
}

// WarningRatio is the usage ratio at which a quota warning fires.
const WarningRatio = 0.8

// UsageCounter tracks one tenant's consumption of one resource.
type UsageCounter struct {
	TenantID     string
	Kind         ResourceKind
	CurrentValue int64
	// WindowStart is the UTC midnight the daily AI window began; zero for other kinds.
	WindowStart time.Time
	// Warned is set while the counter sits at or above WarningRatio.
	Warned    bool
	UpdatedAt time.Time
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool
	Reason  string
	Counter UsageCounter
	Limit   int64
}

// WindowFor returns the UTC midnight that starts the daily window containing t.
func WindowFor(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
