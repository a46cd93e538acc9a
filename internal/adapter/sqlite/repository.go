package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/loomworks/controlplane/internal/domain"

	_ "modernc.org/sqlite" // Register SQLite driver.
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ domain.TenantRepository = (*TenantRepository)(nil)

// TenantRepository implements domain.TenantRepository using SQLite.
type TenantRepository struct {
	db *sql.DB
}

// Open opens a SQLite database with the pragmas the control plane relies on.
func Open(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serialises writers (no SQLITE_BUSY) and keeps
	// ":memory:" databases shared across callers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	// Enable foreign keys (off by default in SQLite).
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return db, nil
}

// New opens a SQLite database, runs migrations, and returns a ready repository.
func New(dataSourceName string) (*TenantRepository, error) {
	db, err := Open(dataSourceName)
	if err != nil {
		return nil, err
	}

	repo, err := NewFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewFromDB wraps an existing database connection, runs migrations, and returns a ready repository.
// Use this when the *sql.DB has been pre-configured (e.g., with otelsql instrumentation).
func NewFromDB(db *sql.DB) (*TenantRepository, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}

	return &TenantRepository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *TenantRepository) Close() error {
	return r.db.Close()
}

// DB returns the underlying database connection for use by other adapters (e.g., river).
func (r *TenantRepository) DB() *sql.DB {
	return r.db
}

// Migrate applies the embedded goose migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

// Fixed-width so that lexical order matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const tenantColumns = `id, name, subdomain, database_name, tier,
	max_users, max_storage_gb, max_ai_operations_daily,
	lifecycle_state, failure_reason,
	archive_stamp, archived_database_name, backup_name, archive_pending, archived_at,
	created_at, updated_at`

func (r *TenantRepository) Create(ctx context.Context, t domain.Tenant) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tenants (`+tenantColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Subdomain, t.DatabaseName, string(t.Tier),
		t.Limits.MaxUsers, t.Limits.MaxStorageGB, t.Limits.MaxAIOperationsDaily,
		string(t.State), t.FailureReason,
		t.ArchiveStamp, t.ArchivedDatabaseName, t.BackupName, t.ArchivePending, formatTime(t.ArchivedAt),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "tenants.subdomain") {
			return &domain.SubdomainTakenError{Subdomain: t.Subdomain}
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}
	return nil
}

func (r *TenantRepository) GetByID(ctx context.Context, id string) (domain.Tenant, error) {
	return scanTenant(r.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id,
	))
}

func (r *TenantRepository) List(ctx context.Context, filter domain.ListFilter) ([]domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants`
	var args []any

	if filter.State != nil {
		query += ` WHERE lifecycle_state = ?`
		args = append(args, string(*filter.State))
	}

	query += ` ORDER BY created_at DESC, id`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1`
	}

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var tenants []domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}

	return tenants, rows.Err()
}

// CompareAndSwap writes every mutable column of t, guarded on the stored
// lifecycle state still being expected.
func (r *TenantRepository) CompareAndSwap(ctx context.Context, expected domain.State, t domain.Tenant) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET
			name = ?, tier = ?,
			max_users = ?, max_storage_gb = ?, max_ai_operations_daily = ?,
			lifecycle_state = ?, failure_reason = ?,
			archive_stamp = ?, archived_database_name = ?, backup_name = ?,
			archive_pending = ?, archived_at = ?, updated_at = ?
		 WHERE id = ? AND lifecycle_state = ?`,
		t.Name, string(t.Tier),
		t.Limits.MaxUsers, t.Limits.MaxStorageGB, t.Limits.MaxAIOperationsDaily,
		string(t.State), t.FailureReason,
		t.ArchiveStamp, t.ArchivedDatabaseName, t.BackupName,
		t.ArchivePending, formatTime(t.ArchivedAt), formatTime(t.UpdatedAt),
		t.ID, string(expected),
	)
	if err != nil {
		if isUniqueViolation(err, "tenants.subdomain") {
			return &domain.SubdomainTakenError{Subdomain: t.Subdomain}
		}
		return fmt.Errorf("updating tenant: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	var actual string
	err = r.db.QueryRowContext(ctx, `SELECT lifecycle_state FROM tenants WHERE id = ?`, t.ID).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrTenantNotFound
	}
	if err != nil {
		return fmt.Errorf("reading current state: %w", err)
	}
	return &domain.ConflictError{TenantID: t.ID, Expected: expected, Actual: domain.State(actual)}
}

type scanner interface {
	Scan(dest ...any) error
}

// scanTenant scans a single row from either QueryRow or Rows into a domain.Tenant.
func scanTenant(row scanner) (domain.Tenant, error) {
	var t domain.Tenant
	var tier, state, archivedAt, createdAt, updatedAt string

	err := row.Scan(
		&t.ID, &t.Name, &t.Subdomain, &t.DatabaseName, &tier,
		&t.Limits.MaxUsers, &t.Limits.MaxStorageGB, &t.Limits.MaxAIOperationsDaily,
		&state, &t.FailureReason,
		&t.ArchiveStamp, &t.ArchivedDatabaseName, &t.BackupName, &t.ArchivePending, &archivedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Tenant{}, domain.ErrTenantNotFound
		}
		return domain.Tenant{}, fmt.Errorf("scanning tenant: %w", err)
	}

	t.Tier = domain.Tier(tier)
	t.State = domain.State(state)
	t.ArchivedAt = parseTime(archivedAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)

	return t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation
// on the given table.column.
func isUniqueViolation(err error, column string) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}
