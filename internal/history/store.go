// Package history persists an audit log of generation runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"zimage-bridge/internal/generation"
)

const defaultListLimit = 50

const schema = `
CREATE TABLE IF NOT EXISTS generations (
    id          TEXT PRIMARY KEY,
    prompt      TEXT NOT NULL,
    args        TEXT NOT NULL,
    output      TEXT NOT NULL DEFAULT '',
    model       TEXT NOT NULL DEFAULT '',
    started_at  TEXT NOT NULL,
    finished_at TEXT,
    exit_code   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_generations_started_at ON generations(started_at);
`

// Record is one persisted generation run. ExitCode and FinishedAt are nil
// while the run is in progress or if the daemon stopped before it ended.
type Record struct {
	ID         string     `json:"id"`
	Prompt     string     `json:"prompt"`
	Args       []string   `json:"args"`
	Output     string     `json:"output,omitempty"`
	Model      string     `json:"model,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
}

// Store manages generation history backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Serialize writers; the controller and the API share this handle.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GenerationStarted records a newly spawned session.
func (s *Store) GenerationStarted(ctx context.Context, sess generation.Session) error {
	args, err := json.Marshal(sess.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO generations (id, prompt, args, output, model, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.Options.Prompt,
		string(args),
		sess.Options.Output,
		sess.Options.Model,
		sess.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert generation %s: %w", sess.ID, err)
	}
	return nil
}

// GenerationFinished stores the exit code of a session.
func (s *Store) GenerationFinished(ctx context.Context, sessionID string, exitCode int, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE generations SET exit_code = ?, finished_at = ? WHERE id = ?`,
		exitCode,
		finishedAt.UTC().Format(time.RFC3339Nano),
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("update generation %s: %w", sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("generation %s not found", sessionID)
	}
	return nil
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prompt, args, output, model, started_at, finished_at, exit_code
         FROM generations ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}
	return records, nil
}

// Get returns a single run by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, prompt, args, output, model, started_at, finished_at, exit_code
         FROM generations WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec        Record
		args       string
		startedAt  string
		finishedAt sql.NullString
		exitCode   sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.Prompt, &args, &rec.Output, &rec.Model, &startedAt, &finishedAt, &exitCode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan generation: %w", err)
	}

	if err := json.Unmarshal([]byte(args), &rec.Args); err != nil {
		return Record{}, fmt.Errorf("decode args for %s: %w", rec.ID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse started_at for %s: %w", rec.ID, err)
	}
	rec.StartedAt = ts

	if finishedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return Record{}, fmt.Errorf("parse finished_at for %s: %w", rec.ID, err)
		}
		rec.FinishedAt = &ts
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	return rec, nil
}
