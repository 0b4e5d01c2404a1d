// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Rows keep indexed columns for filtering plus the full record as JSON

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/events"
	"github.com/2389/coven-swarm/internal/task"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			type         TEXT NOT NULL,
			status       TEXT NOT NULL,
			priority     TEXT NOT NULL,
			agent_id     TEXT,
			submitted_at TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			record       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_submitted ON tasks(submitted_at DESC);

		CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			type          TEXT NOT NULL,
			status        TEXT NOT NULL,
			deployed_at   TEXT NOT NULL,
			terminated_at TEXT,
			record        TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_deployed ON agents(deployed_at DESC);

		CREATE TABLE IF NOT EXISTS swarm_events (
			seq     INTEGER PRIMARY KEY AUTOINCREMENT,
			kind    TEXT NOT NULL,
			subject TEXT NOT NULL,
			ts      TEXT NOT NULL,
			data    TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_events_kind ON swarm_events(kind);
		CREATE INDEX IF NOT EXISTS idx_events_subject ON swarm_events(subject);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// SaveTask upserts a task record.
func (s *SQLiteStore) SaveTask(ctx context.Context, t task.Task) error {
	record, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}

	query := `
		INSERT INTO tasks (id, type, status, priority, agent_id, submitted_at, updated_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			agent_id = excluded.agent_id,
			updated_at = excluded.updated_at,
			record = excluded.record
	`
	_, err = s.db.ExecContext(ctx, query,
		t.ID,
		t.Type,
		string(t.Status),
		string(t.Priority),
		nullable(t.AgentID),
		formatTime(t.SubmittedAt),
		formatTime(time.Now()),
		string(record),
	)
	if err != nil {
		return fmt.Errorf("saving task: %w", err)
	}

	s.logger.Debug("saved task", "id", t.ID, "status", t.Status)
	return nil
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (task.Task, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM tasks WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, ErrNotFound
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("querying task: %w", err)
	}

	var t task.Task
	if err := json.Unmarshal([]byte(record), &t); err != nil {
		return task.Task{}, fmt.Errorf("decoding task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks matching f, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter) ([]task.Task, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}

	query := "SELECT id, record FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at DESC, id LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		var t task.Task
		if err := json.Unmarshal([]byte(record), &t); err != nil {
			return nil, fmt.Errorf("decoding task %s: %w", id, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveAgent upserts an agent record.
func (s *SQLiteStore) SaveAgent(ctx context.Context, a agent.Agent) error {
	record, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding agent: %w", err)
	}

	var terminated any
	if !a.TerminatedAt.IsZero() {
		terminated = formatTime(a.TerminatedAt)
	}

	query := `
		INSERT INTO agents (id, type, status, deployed_at, terminated_at, record)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			terminated_at = excluded.terminated_at,
			record = excluded.record
	`
	_, err = s.db.ExecContext(ctx, query,
		a.ID,
		string(a.Type),
		string(a.Status),
		formatTime(a.DeployedAt),
		terminated,
		string(record),
	)
	if err != nil {
		return fmt.Errorf("saving agent: %w", err)
	}

	s.logger.Debug("saved agent", "id", a.ID, "status", a.Status)
	return nil
}

// ListAgents returns stored agents, most recently deployed first.
func (s *SQLiteStore) ListAgents(ctx context.Context, limit int) ([]agent.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record FROM agents ORDER BY deployed_at DESC, id LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var out []agent.Agent
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		var a agent.Agent
		if err := json.Unmarshal([]byte(record), &a); err != nil {
			return nil, fmt.Errorf("decoding agent %s: %w", id, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveEvents appends evs in a single transaction.
func (s *SQLiteStore) SaveEvents(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO swarm_events (kind, subject, ts, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range evs {
		var data any
		if len(e.Data) > 0 {
			b, err := json.Marshal(e.Data)
			if err != nil {
				return fmt.Errorf("encoding event data: %w", err)
			}
			data = string(b)
		}
		if _, err := stmt.ExecContext(ctx, e.Kind, e.Subject, formatTime(e.Time), data); err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}
	}
	return tx.Commit()
}

// ListEvents returns events matching f, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]events.Event, error) {
	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, f.Subject)
	}

	query := "SELECT kind, subject, ts, data FROM swarm_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var e events.Event
		var ts string
		var data sql.NullString
		if err := rows.Scan(&e.Kind, &e.Subject, &ts, &data); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Time, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing ts: %w", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("decoding event data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
