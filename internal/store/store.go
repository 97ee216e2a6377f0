// Package store implements the narrow Store Interface the Task Lifecycle
// Controller uses to persist task rows: create, update-status, complete,
// get. Backed by pure-Go SQLite (no cgo), following the teacher's
// registry package's connection and migration style.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/liaorch/lia/internal/task"
)

// Store wraps a SQLite database holding task rows.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			status        TEXT NOT NULL DEFAULT 'pending',
			user_id       TEXT NOT NULL DEFAULT '',
			source        TEXT NOT NULL DEFAULT 'web',
			repositories  TEXT NOT NULL DEFAULT '[]',
			vm_id         TEXT NOT NULL DEFAULT '',
			config        TEXT NOT NULL DEFAULT '',
			ip_address    TEXT NOT NULL DEFAULT '',
			exit_code     INTEGER,
			error_message TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			started_at    TEXT,
			completed_at  TEXT,
			guild_id      TEXT NOT NULL DEFAULT ''
		)
	`)
	return err
}

// Create inserts a new task row with t's status (the Controller passes
// Pending).
func (s *Store) Create(ctx context.Context, t *task.Task) error {
	repos, err := json.Marshal(t.Repositories)
	if err != nil {
		return err
	}
	cfg := ""
	if t.Config != nil {
		b, err := json.Marshal(t.Config)
		if err != nil {
			return err
		}
		cfg = string(b)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, status, user_id, source, repositories, vm_id, config, created_at, guild_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, string(t.Status), t.UserID, string(t.Source), string(repos), t.VMID, cfg,
		t.CreatedAt.UTC().Format(time.RFC3339Nano), t.GuildID)
	return err
}

// UpdateStatus sets a task's status and optionally its vm_id. It also
// stamps started_at the first time a task transitions to Running.
func (s *Store) UpdateStatus(ctx context.Context, id string, status task.Status, vmID string) error {
	if vmID != "" {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, vm_id = ? WHERE id = ?`, string(status), vmID, id)
		if err != nil {
			return err
		}
	} else {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
		if err != nil {
			return err
		}
	}
	if status == task.StatusRunning {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET started_at = ? WHERE id = ? AND started_at IS NULL
		`, time.Now().UTC().Format(time.RFC3339Nano), id)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateIPAddress records the guest's allocated IP once known.
func (s *Store) UpdateIPAddress(ctx context.Context, id, ip string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET ip_address = ? WHERE id = ?`, ip, id)
	return err
}

// Complete marks a task Terminated with a final exit code and optional
// error message. Used both on clean guest exit and on launch failure.
func (s *Store) Complete(ctx context.Context, id string, exitCode int, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, exit_code = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`, string(task.StatusTerminated), exitCode, errMsg, time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// Get returns a task row by ID, or sql.ErrNoRows if absent.
func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, user_id, source, repositories, vm_id, config, ip_address,
		       exit_code, error_message, created_at, started_at, completed_at, guild_id
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

// ListFilter narrows a List call.
type ListFilter struct {
	UserID  string
	Status  task.Status
	Page    int
	PerPage int
}

// List returns tasks matching filter, newest first, plus the total count
// ignoring pagination.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*task.Task, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	if f.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page, perPage := f.Page, f.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	offset := (page - 1) * perPage

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, user_id, source, repositories, vm_id, config, ip_address,
		       exit_code, error_message, created_at, started_at, completed_at, guild_id
		FROM tasks `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?
	`, append(args, perPage, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

// Delete removes a task row entirely. The Controller's delete operation
// does not call this directly (it marks Terminated instead); Delete
// exists for external janitor/cleanup use.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                                 task.Task
		statusStr, sourceStr              string
		reposJSON, cfgJSON                string
		createdAtStr                      string
		startedAtStr, completedAtStr      sql.NullString
		exitCode                          sql.NullInt64
	)

	err := row.Scan(&t.ID, &statusStr, &t.UserID, &sourceStr, &reposJSON, &t.VMID, &cfgJSON,
		&t.IPAddress, &exitCode, &t.ErrorMessage, &createdAtStr, &startedAtStr, &completedAtStr, &t.GuildID)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(statusStr)
	t.Source = task.Source(sourceStr)

	if err := json.Unmarshal([]byte(reposJSON), &t.Repositories); err != nil {
		return nil, fmt.Errorf("decode repositories: %w", err)
	}
	if cfgJSON != "" {
		var cfg task.Config
		if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		t.Config = &cfg
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		t.ExitCode = &v
	}

	t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if startedAtStr.Valid {
		ts, err := time.Parse(time.RFC3339Nano, startedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("decode started_at: %w", err)
		}
		t.StartedAt = &ts
	}
	if completedAtStr.Valid {
		ts, err := time.Parse(time.RFC3339Nano, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("decode completed_at: %w", err)
		}
		t.CompletedAt = &ts
	}

	return &t, nil
}
