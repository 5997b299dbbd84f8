package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"council/internal/domain"
)

// SQLiteTaskArchive implements domain.TaskArchive using SQLite. Tasks are
// written once, on settlement; the archive never mutates rows.
type SQLiteTaskArchive struct {
	db *sql.DB
}

// NewSQLiteTaskArchive opens (or creates) a SQLite database at dbPath and
// runs the schema migration.
func NewSQLiteTaskArchive(dbPath string) (*SQLiteTaskArchive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate task db: %w", err)
	}
	return &SQLiteTaskArchive{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id               TEXT PRIMARY KEY,
			description      TEXT NOT NULL,
			agent_id         TEXT NOT NULL,
			repository       TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			result           TEXT NOT NULL DEFAULT '',
			error_detail     TEXT NOT NULL DEFAULT '',
			branch           TEXT NOT NULL DEFAULT '',
			pull_request_url TEXT NOT NULL DEFAULT '',
			channel_name     TEXT NOT NULL DEFAULT '',
			conversation_id  TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL,
			started_at       TEXT NOT NULL DEFAULT '',
			completed_at     TEXT NOT NULL DEFAULT ''
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteTaskArchive) Close() error {
	return s.db.Close()
}

// Save writes one terminal task. Saving the same id twice replaces the
// row, which makes retried archival idempotent.
func (s *SQLiteTaskArchive) Save(ctx context.Context, t domain.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tasks
			(id, description, agent_id, repository, status, result, error_detail,
			 branch, pull_request_url, channel_name, conversation_id,
			 created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Description, t.AgentID, t.Repository, string(t.Status),
		t.Result, t.ErrorDetail, t.Branch, t.PullRequestURL,
		t.ChannelName, t.ConversationID,
		formatTime(t.CreatedAt), formatTime(t.StartedAt), formatTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// Recent returns archived tasks newest first, at most limit rows.
func (s *SQLiteTaskArchive) Recent(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, agent_id, repository, status, result, error_detail,
		       branch, pull_request_url, channel_name, conversation_id,
		       created_at, started_at, completed_at
		FROM tasks
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		var status, createdAt, startedAt, completedAt string
		if err := rows.Scan(
			&t.ID, &t.Description, &t.AgentID, &t.Repository, &status,
			&t.Result, &t.ErrorDetail, &t.Branch, &t.PullRequestURL,
			&t.ChannelName, &t.ConversationID,
			&createdAt, &startedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = domain.TaskStatus(status)
		t.CreatedAt = parseTime(createdAt)
		t.StartedAt = parseTime(startedAt)
		t.CompletedAt = parseTime(completedAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ domain.TaskArchive = (*SQLiteTaskArchive)(nil)
