package domain

import "time"

// Operation names an audited control-plane operation.
type Operation string

const (
	OpCreate         Operation = "create"
	OpProvisionStart Operation = "provision_started"
	OpProvisioned    Operation = "provisioned"
	OpProvisionFail  Operation = "provision_failed"
	OpReset          Operation = "reset"
	OpSuspend        Operation = "suspend"
	OpResume         Operation = "resume"
	OpArchive        Operation = "archive"
	OpArchiveResume  Operation = "archive_resumed"
	OpDestroy        Operation = "destroy"
	OpSetLimits      Operation = "set_limits"
	OpQuotaDenied    Operation = "quota_denied"
	OpQuotaWarning   Operation = "quota_warning"
	OpDailyRollover  Operation = "daily_rollover"
	OpTransitionFail Operation = "transition_rejected"
)

// OperationFor maps a lifecycle event to the operation recorded for it.
func OperationFor(event Event) Operation {
	switch event {
	case EventProvisionStart:
		return OpProvisionStart
	case EventProvisionSucceed:
		return OpProvisioned
	case EventProvisionFail:
		return OpProvisionFail
	case EventReset:
		return OpReset
	case EventSuspend:
		return OpSuspend
	case EventResume:
		return OpResume
	case EventArchive:
		return OpArchive
	case EventDestroy:
		return OpDestroy
	}
	return Operation(event)
}

// SystemOperator is the operator recorded for scheduler-driven operations.
const SystemOperator = "system"

// AuditEntry is an immutable record of a state-changing operation.
type AuditEntry struct {
	ID         string
	OperatorID string
	TenantID   string
	Operation  Operation
	Timestamp  time.Time
	Detail     string
}

// Notification is a structured event for delivery to administrators.
type Notification struct {
	TenantID  string
	Subdomain string
	Operation Operation
	Message   string
	Timestamp time.Time
}

// Delivery reports the outcome of the side-channel calls made for an operation.
// A non-nil error here never means the primary operation failed.
type Delivery struct {
	Audit  error
	Notify error
}

// OK reports whether every side-channel call succeeded.
func (d Delivery) OK() bool {
	return d.Audit == nil && d.Notify == nil
}
