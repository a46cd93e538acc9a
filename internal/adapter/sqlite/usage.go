package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/controlplane/internal/domain"
)

var _ domain.UsageRepository = (*UsageRepository)(nil)

// UsageRepository implements domain.UsageRepository using SQLite.
type UsageRepository struct {
	db *sql.DB
}

// NewUsageRepository returns a usage repository over an already migrated database.
func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

func (r *UsageRepository) Get(ctx context.Context, tenantID string, kind domain.ResourceKind) (domain.UsageCounter, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT tenant_id, resource_kind, current_value, window_start, warned, updated_at
		 FROM usage_counters WHERE tenant_id = ? AND resource_kind = ?`,
		tenantID, string(kind),
	)
	c, err := scanCounter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UsageCounter{}, false, nil
	}
	if err != nil {
		return domain.UsageCounter{}, false, err
	}
	return c, true, nil
}

func (r *UsageRepository) Put(ctx context.Context, c domain.UsageCounter) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO usage_counters (tenant_id, resource_kind, current_value, window_start, warned, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, resource_kind) DO UPDATE SET
			current_value = excluded.current_value,
			window_start = excluded.window_start,
			warned = excluded.warned,
			updated_at = excluded.updated_at`,
		c.TenantID, string(c.Kind), c.CurrentValue, formatTime(c.WindowStart), c.Warned, formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting usage counter: %w", err)
	}
	return nil
}

func (r *UsageRepository) ListByTenant(ctx context.Context, tenantID string) ([]domain.UsageCounter, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tenant_id, resource_kind, current_value, window_start, warned, updated_at
		 FROM usage_counters WHERE tenant_id = ? ORDER BY resource_kind`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing usage counters: %w", err)
	}
	defer rows.Close()

	var out []domain.UsageCounter
	for rows.Next() {
		c, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResetDaily only touches counters whose window predates window, so a
// second call for the same day matches no rows. Reset rows are stamped with now.
func (r *UsageRepository) ResetDaily(ctx context.Context, kind domain.ResourceKind, window, now time.Time, tenantID string) (int, error) {
	query := `UPDATE usage_counters
		SET current_value = 0, window_start = ?, warned = 0, updated_at = ?
		WHERE resource_kind = ? AND window_start < ?`
	w := formatTime(window)
	args := []any{w, formatTime(now), string(kind), w}

	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("resetting daily counters: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

func scanCounter(row scanner) (domain.UsageCounter, error) {
	var c domain.UsageCounter
	var kind, windowStart, updatedAt string

	if err := row.Scan(&c.TenantID, &kind, &c.CurrentValue, &windowStart, &c.Warned, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("scanning usage counter: %w", err)
	}

	c.Kind = domain.ResourceKind(kind)
	c.WindowStart = parseTime(windowStart)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}
