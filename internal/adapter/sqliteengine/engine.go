// Package sqliteengine stores each tenant database as one SQLite file in a
// directory. It serves single-node and development deployments.
package sqliteengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomworks/controlplane/internal/domain"

	_ "modernc.org/sqlite" // Register SQLite driver.
)

// ErrDatabaseExists is returned when creating or renaming onto a taken name.
var ErrDatabaseExists = errors.New("database already exists")

// sidecars are the files SQLite keeps next to a WAL-mode database.
var sidecars = []string{"", "-wal", "-shm"}

var _ domain.DatabaseEngine = (*Engine)(nil)

// Engine manages tenant database files under one directory.
type Engine struct {
	dir string
}

// New creates an engine rooted at dir, creating the directory if needed.
func New(dir string) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating engine directory: %w", err)
	}
	return &Engine{dir: dir}, nil
}

func (e *Engine) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid database name %q", name)
	}
	return filepath.Join(e.dir, name+".db"), nil
}

func (e *Engine) CreateDatabase(ctx context.Context, name string) error {
	path, err := e.path(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("create %s: %w", name, ErrDatabaseExists)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	return nil
}

func (e *Engine) DropDatabase(_ context.Context, name string) error {
	path, err := e.path(name)
	if err != nil {
		return err
	}
	for _, suffix := range sidecars {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}
	return nil
}

func (e *Engine) RenameDatabase(_ context.Context, from, to string) error {
	src, err := e.path(from)
	if err != nil {
		return err
	}
	dst, err := e.path(to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, ErrDatabaseExists)
	}

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	for _, suffix := range sidecars[1:] {
		if err := os.Rename(src+suffix, dst+suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("rename %s to %s: %w", from, to, err)
		}
	}
	return nil
}

func (e *Engine) DatabaseExists(_ context.Context, name string) (bool, error) {
	path, err := e.path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("lookup %s: %w", name, err)
	}
}

// DatabaseSize is the on-disk size of the database file and its WAL.
func (e *Engine) DatabaseSize(_ context.Context, name string) (int64, error) {
	path, err := e.path(name)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, suffix := range sidecars[:2] {
		info, err := os.Stat(path + suffix)
		if errors.Is(err, fs.ErrNotExist) && suffix != "" {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("size of %s: %w", name, err)
		}
		total += info.Size()
	}
	return total, nil
}

// BackupDatabase writes a consistent copy with VACUUM INTO.
func (e *Engine) BackupDatabase(ctx context.Context, name, backupName string) error {
	src, err := e.path(name)
	if err != nil {
		return err
	}
	dst, err := e.path(backupName)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("backup %s: %w", name, err)
	}

	db, err := sql.Open("sqlite", src)
	if err != nil {
		return fmt.Errorf("backup %s: %w", name, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("backup %s to %s: %w", name, backupName, err)
	}
	return nil
}

// TerminateConnections is a no-op: the engine holds no long-lived
// connections to tenant files.
func (e *Engine) TerminateConnections(context.Context, string) error {
	return nil
}
