package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loomworks/controlplane/internal/domain"
)

var _ domain.AuditLog = (*AuditLog)(nil)

// AuditLog is the durable, insert-only audit store. The table carries
// triggers that abort any UPDATE or DELETE.
type AuditLog struct {
	db *sql.DB
}

// NewAuditLog returns an audit log over an already migrated database.
func NewAuditLog(db *sql.DB) *AuditLog {
	return &AuditLog{db: db}
}

func (l *AuditLog) Append(ctx context.Context, e domain.AuditEntry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, operator_id, tenant_id, operation, timestamp, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.OperatorID, e.TenantID, string(e.Operation), formatTime(e.Timestamp), e.Detail,
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// ListByTenant returns a tenant's entries oldest first. A non-positive limit returns all.
func (l *AuditLog) ListByTenant(ctx context.Context, tenantID string, limit int) ([]domain.AuditEntry, error) {
	query := `SELECT id, operator_id, tenant_id, operation, timestamp, detail
		FROM audit_entries WHERE tenant_id = ? ORDER BY seq`
	args := []any{tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var op, ts string
		if err := rows.Scan(&e.ID, &e.OperatorID, &e.TenantID, &op, &ts, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Operation = domain.Operation(op)
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
