package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomworks/controlplane/internal/domain"
)

// duplicateDatabase is the SQLSTATE for CREATE DATABASE on an existing name.
const duplicateDatabase = "42P04"

// ErrDatabaseExists is returned when creating a database whose name is taken.
var ErrDatabaseExists = errors.New("database already exists")

var _ domain.DatabaseEngine = (*Engine)(nil)

// Engine manages tenant databases on one PostgreSQL cluster. It connects to
// a maintenance database (usually "postgres") and issues cluster-level DDL.
type Engine struct {
	pool *pgxpool.Pool
}

// Connect opens a pool to the maintenance database at url.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// NewEngine creates an engine over an open pool.
func NewEngine(pool *pgxpool.Pool) *Engine {
	return &Engine{pool: pool}
}

// Close releases the pool.
func (e *Engine) Close() {
	e.pool.Close()
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (e *Engine) CreateDatabase(ctx context.Context, name string) error {
	if _, err := e.pool.Exec(ctx, "CREATE DATABASE "+ident(name)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == duplicateDatabase {
			return fmt.Errorf("create %s: %w", name, ErrDatabaseExists)
		}
		return fmt.Errorf("create %s: %w", name, err)
	}
	return nil
}

func (e *Engine) DropDatabase(ctx context.Context, name string) error {
	if _, err := e.pool.Exec(ctx, "DROP DATABASE IF EXISTS "+ident(name)+" WITH (FORCE)"); err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	return nil
}

// RenameDatabase renames from to to. Connections to from must be terminated
// first; Postgres refuses to rename a database in use.
func (e *Engine) RenameDatabase(ctx context.Context, from, to string) error {
	if _, err := e.pool.Exec(ctx, "ALTER DATABASE "+ident(from)+" RENAME TO "+ident(to)); err != nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	return nil
}

func (e *Engine) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := e.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", name, err)
	}
	return exists, nil
}

func (e *Engine) DatabaseSize(ctx context.Context, name string) (int64, error) {
	var size int64
	if err := e.pool.QueryRow(ctx, "SELECT pg_database_size($1)", name).Scan(&size); err != nil {
		return 0, fmt.Errorf("size of %s: %w", name, err)
	}
	return size, nil
}

// BackupDatabase clones name into backupName with CREATE DATABASE ...
// TEMPLATE. The source must have no other sessions, so they are terminated
// first.
func (e *Engine) BackupDatabase(ctx context.Context, name, backupName string) error {
	if err := e.TerminateConnections(ctx, name); err != nil {
		return err
	}
	_, err := e.pool.Exec(ctx, "CREATE DATABASE "+ident(backupName)+" TEMPLATE "+ident(name))
	if err != nil {
		return fmt.Errorf("backup %s to %s: %w", name, backupName, err)
	}
	return nil
}

func (e *Engine) TerminateConnections(ctx context.Context, name string) error {
	_, err := e.pool.Exec(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()`, name)
	if err != nil {
		return fmt.Errorf("terminate connections to %s: %w", name, err)
	}
	return nil
}
