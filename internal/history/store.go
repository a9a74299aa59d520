// Package history records submitted jobs in a local SQLite database so that
// past submissions can be listed and their last known state inspected.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sandialabs/hpc-connect/internal/backend"
)

// Store is a SQLite-backed submission log.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// Entry is one recorded submission. Attrs carries the backend-private handle
// annotations so a handle can be rebuilt in a later invocation.
type Entry struct {
	ID          int64
	JobID       string
	Backend     string
	Name        string
	ScriptPath  string
	State       string
	Attrs       map[string]string
	SubmittedAt time.Time
	UpdatedAt   time.Time
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record logs a fresh submission and returns its row id.
func (s *Store) Record(ctx context.Context, h *backend.Handle, name string) (int64, error) {
	attrs := ""
	if m := h.Attrs(); len(m) > 0 {
		b, err := json.Marshal(m)
		if err != nil {
			return 0, fmt.Errorf("encode handle attrs: %w", err)
		}
		attrs = string(b)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (job_id, backend, name, script_path, state, attrs, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Backend, name, h.ScriptPath, h.State.String(), attrs, h.SubmittedAt.UTC(), now)
	if err != nil {
		return 0, fmt.Errorf("record submission: %w", err)
	}
	return res.LastInsertId()
}

// UpdateState writes the latest observed state for every row matching the
// job id.
func (s *Store) UpdateState(ctx context.Context, jobID string, state backend.JobState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET state = ?, updated_at = ? WHERE job_id = ?`,
		state.String(), time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("update submission state: %w", err)
	}
	return nil
}

// Recent returns the most recent submissions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, backend, name, script_path, state, attrs, submitted_at, updated_at
		FROM submissions ORDER BY submitted_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Lookup returns the newest entry recorded for the given job id.
func (s *Store) Lookup(ctx context.Context, jobID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, backend, name, script_path, state, attrs, submitted_at, updated_at
		FROM submissions WHERE job_id = ? ORDER BY id DESC LIMIT 1`, jobID)
	e, err := scanEntry(row)
	if err != nil {
		return Entry{}, fmt.Errorf("lookup submission %s: %w", jobID, err)
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var attrs string
	if err := row.Scan(&e.ID, &e.JobID, &e.Backend, &e.Name, &e.ScriptPath,
		&e.State, &attrs, &e.SubmittedAt, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &e.Attrs); err != nil {
			return Entry{}, fmt.Errorf("decode handle attrs: %w", err)
		}
	}
	return e, nil
}
