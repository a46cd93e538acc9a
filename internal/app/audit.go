package app

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/loomworks/controlplane/internal/domain"
)

const deliveryTimeout = 5 * time.Second

// Auditor records audit entries and notifications on behalf of the other
// components. Neither call ever fails the operation that triggered it:
// errors are logged and handed back inside a domain.Delivery.
type Auditor struct {
	log      domain.AuditLog
	notifier domain.Notifier
	clock    clock.Clock
	logger   *zap.Logger
}

// NewAuditor creates an auditor. notifier may be nil.
func NewAuditor(log domain.AuditLog, notifier domain.Notifier, clk clock.Clock, logger *zap.Logger) *Auditor {
	return &Auditor{
		log:      log,
		notifier: notifier,
		clock:    clk,
		logger:   logger,
	}
}

// Record appends an audit entry. The caller's cancellation does not abort
// the write, since the state change it describes has already happened.
func (a *Auditor) Record(ctx context.Context, operatorID, tenantID string, op domain.Operation, detail string) error {
	if operatorID == "" {
		operatorID = domain.SystemOperator
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()

	err := a.log.Append(ctx, domain.AuditEntry{
		ID:         generateID(),
		OperatorID: operatorID,
		TenantID:   tenantID,
		Operation:  op,
		Timestamp:  a.clock.Now().UTC(),
		Detail:     detail,
	})
	if err != nil {
		a.logger.Warn("audit entry lost",
			zap.String("tenant_id", tenantID),
			zap.String("operation", string(op)),
			zap.Error(err),
		)
		return fmt.Errorf("recording audit entry: %w", err)
	}
	return nil
}

// Notify sends an administrator notification, if a notifier is configured.
func (a *Auditor) Notify(ctx context.Context, tenant domain.Tenant, op domain.Operation, message string) error {
	if a.notifier == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()

	err := a.notifier.Notify(ctx, domain.Notification{
		TenantID:  tenant.ID,
		Subdomain: tenant.Subdomain,
		Operation: op,
		Message:   message,
		Timestamp: a.clock.Now().UTC(),
	})
	if err != nil {
		a.logger.Warn("notification lost",
			zap.String("tenant_id", tenant.ID),
			zap.String("operation", string(op)),
			zap.Error(err),
		)
		return fmt.Errorf("sending notification: %w", err)
	}
	return nil
}

// Emit records an audit entry and, when notify is set, a notification.
func (a *Auditor) Emit(ctx context.Context, operatorID string, tenant domain.Tenant, op domain.Operation, detail string, notify bool) domain.Delivery {
	d := domain.Delivery{Audit: a.Record(ctx, operatorID, tenant.ID, op, detail)}
	if notify {
		d.Notify = a.Notify(ctx, tenant, op, detail)
	}
	return d
}

// Trail returns a tenant's audit entries oldest first.
func (a *Auditor) Trail(ctx context.Context, tenantID string, limit int) ([]domain.AuditEntry, error) {
	return a.log.ListByTenant(ctx, tenantID, limit)
}
