// Package project keeps the registry of tracked projects in an embedded
// SQLite database under the keepsake data directory.
//
// The registry is the durable source of truth for which directories the
// daemon watches: it survives restarts so every registered project comes
// back online without re-adding.
package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Sentinel errors for registry operations. Callers classify with
// errors.Is.
var (
	// ErrProjectNotFound means no project with the given id exists
	ErrProjectNotFound = errors.New("project not found")

	// ErrProjectExists means the path is already registered
	ErrProjectExists = errors.New("project already registered")

	// ErrProjectUnreadable means the path is missing, not a directory,
	// or not listable
	ErrProjectUnreadable = errors.New("project path unreadable")
)

// Project is one registered directory.
type Project struct {
	// ID is a stable unique identifier assigned at registration
	ID string `json:"id"`

	// Path is the absolute path to the project directory
	Path string `json:"path"`

	// CreatedAt is when the project was registered
	CreatedAt time.Time `json:"created_at"`
}

// Registry stores projects in SQLite with WAL mode for concurrent reads.
type Registry struct {
	conn *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id         TEXT PRIMARY KEY,
    path       TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_projects_path ON projects(path);
`

// Open creates or opens the registry database at the given path. The
// caller must Close() when done.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping registry database: %w", err)
	}

	// WAL mode lets the HTTP handlers read while the daemon writes.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}

	return &Registry{conn: conn, path: path}, nil
}

// Close checkpoints the WAL and closes the connection.
func (r *Registry) Close() error {
	if r.conn == nil {
		return nil
	}
	if _, err := r.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint registry WAL: %v\n", err)
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

// validateProjectDir checks the path is a readable directory.
func validateProjectDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProjectUnreadable, path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrProjectUnreadable, path)
	}
	if _, err := os.ReadDir(path); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProjectUnreadable, path, err)
	}
	return nil
}

// Add registers a directory and returns the new project. The path is
// normalized to absolute before the uniqueness check so the same
// directory cannot be registered twice under different spellings.
func (r *Registry) Add(ctx context.Context, path string) (Project, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Project{}, fmt.Errorf("%w: %s: %v", ErrProjectUnreadable, path, err)
	}

	if err := validateProjectDir(absPath); err != nil {
		return Project{}, err
	}

	p := Project{
		ID:        uuid.NewString(),
		Path:      absPath,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	_, err = r.conn.ExecContext(ctx,
		"INSERT INTO projects (id, path, created_at) VALUES (?, ?, ?)",
		p.ID, p.Path, p.CreatedAt.UnixMilli())
	if err != nil {
		var existing Project
		row := r.conn.QueryRowContext(ctx, "SELECT id FROM projects WHERE path = ?", absPath)
		if scanErr := row.Scan(&existing.ID); scanErr == nil {
			return Project{}, fmt.Errorf("%w: %s (id %s)", ErrProjectExists, absPath, existing.ID)
		}
		return Project{}, fmt.Errorf("failed to insert project: %w", err)
	}

	return p, nil
}

// Get returns the project with the given id.
func (r *Registry) Get(ctx context.Context, id string) (Project, error) {
	row := r.conn.QueryRowContext(ctx,
		"SELECT id, path, created_at FROM projects WHERE id = ?", id)
	return scanProject(row, id)
}

// GetByPath returns the project registered at the given path.
func (r *Registry) GetByPath(ctx context.Context, path string) (Project, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Project{}, fmt.Errorf("%w: %s: %v", ErrProjectUnreadable, path, err)
	}
	row := r.conn.QueryRowContext(ctx,
		"SELECT id, path, created_at FROM projects WHERE path = ?", absPath)
	return scanProject(row, absPath)
}

func scanProject(row *sql.Row, key string) (Project, error) {
	var p Project
	var createdMS int64
	if err := row.Scan(&p.ID, &p.Path, &createdMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, key)
		}
		return Project{}, fmt.Errorf("failed to read project: %w", err)
	}
	p.CreatedAt = time.UnixMilli(createdMS).UTC()
	return p, nil
}

// List returns all registered projects ordered by registration time.
func (r *Registry) List(ctx context.Context) ([]Project, error) {
	rows, err := r.conn.QueryContext(ctx,
		"SELECT id, path, created_at FROM projects ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		var createdMS int64
		if err := rows.Scan(&p.ID, &p.Path, &createdMS); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.CreatedAt = time.UnixMilli(createdMS).UTC()
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Remove deletes a project from the registry. Snapshot data is left in
// place; only tracking stops.
func (r *Registry) Remove(ctx context.Context, id string) error {
	result, err := r.conn.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to remove project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check removal: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return nil
}
