package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for simple conditions without extra context.
var (
	ErrTenantNotFound   = errors.New("tenant not found")
	ErrRetentionPending = errors.New("retention period has not elapsed")
)

// ValidationError is returned for malformed or colliding input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SubdomainTakenError is the ValidationError variant for a duplicate subdomain.
type SubdomainTakenError struct {
	Subdomain string
}

func (e *SubdomainTakenError) Error() string {
	return fmt.Sprintf("subdomain %q is already in use", e.Subdomain)
}

// ConflictError is returned when a guarded transition's expected state no longer holds.
type ConflictError struct {
	TenantID string
	Expected State
	Actual   State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tenant %s: expected state %q, found %q", e.TenantID, e.Expected, e.Actual)
}

// InvalidTransitionError is returned when a lifecycle edge does not exist.
type InvalidTransitionError struct {
	Event Event
	From  State
	To    State
}

func (e *InvalidTransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("event %q is not valid from state %q", e.Event, e.From)
	}
	return fmt.Sprintf("transition %q -> %q (%s) is not defined", e.From, e.To, e.Event)
}

// ExternalFailure wraps an error returned by an external collaborator.
type ExternalFailure struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *ExternalFailure) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *ExternalFailure) Unwrap() error {
	return e.Err
}

// QuotaExceededError is returned when the enforcer denies a reservation.
type QuotaExceededError struct {
	TenantID  string
	Kind      ResourceKind
	Limit     int64
	Current   int64
	Requested int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("tenant %s: %s quota exceeded (current %d + requested %d > limit %d)",
		e.TenantID, e.Kind, e.Current, e.Requested, e.Limit)
}

// IsValidation reports whether err is a ValidationError or one of its variants.
func IsValidation(err error) bool {
	var v *ValidationError
	var taken *SubdomainTakenError
	return errors.As(err, &v) || errors.As(err, &taken)
}

// ErrArchiveIncomplete is returned when destroying a tenant whose archival side effects have not finished.
var ErrArchiveIncomplete = errors.New("archival has not completed")

// ForbiddenError is returned by the router for tenants that exist but are not routable.
type ForbiddenError struct {
	TenantID string
	State    State
}

// Reason is the externally visible denial reason: the tenant's state.
func (e *ForbiddenError) Reason() string {
	return string(e.State)
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("tenant %s is %s", e.TenantID, e.State)
}
