package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the bundled tracker backend. It lets the server run (and the
// integration tests exercise the whole pipeline) without any external
// tracker binary. Only issues live here; work sessions stay in memory.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the tracker database and applies
// migrations.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open tracker database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping tracker database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker database: %w", err)
	}
	return &SQLite{db: db}, nil
}

const issuesSchema = `
CREATE TABLE IF NOT EXISTS issues (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'open',
	assignee TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS issue_comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS issue_labels (
	issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	label TEXT NOT NULL,
	PRIMARY KEY (issue_id, label)
);

CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
`

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", "001_issues").Scan(&count); err != nil {
		return fmt.Errorf("check migration status: %w", err)
	}
	if count > 0 {
		return nil
	}

	if _, err := db.Exec(issuesSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", "001_issues"); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// CreateIssue inserts a new issue. The zero status defaults to open.
func (s *SQLite) CreateIssue(ctx context.Context, issue Issue) error {
	if issue.ID == "" || issue.Title == "" {
		return fmt.Errorf("issue id and title are required")
	}
	if issue.Status == "" {
		issue.Status = StatusOpen
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return collabErr("create", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO issues (id, title, body, status, assignee, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		issue.ID, issue.Title, issue.Body, issue.Status, issue.Assignee, now, now)
	if err != nil {
		return collabErr("create", err)
	}
	for _, label := range issue.Labels {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO issue_labels (issue_id, label) VALUES (?, ?)", issue.ID, label); err != nil {
			return collabErr("create", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return collabErr("create", err)
	}
	return nil
}

// GetIssue implements Tracker.
func (s *SQLite) GetIssue(ctx context.Context, id string) (Issue, error) {
	var issue Issue
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, body, status, assignee, updated_at FROM issues WHERE id = ?", id).
		Scan(&issue.ID, &issue.Title, &issue.Body, &issue.Status, &issue.Assignee, &issue.UpdatedAt)
	if err == sql.ErrNoRows {
		return Issue{}, fmt.Errorf("%w: %s", ErrIssueNotFound, id)
	}
	if err != nil {
		return Issue{}, collabErr("get", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT label FROM issue_labels WHERE issue_id = ? ORDER BY label", id)
	if err != nil {
		return Issue{}, collabErr("get", err)
	}
	defer rows.Close()
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return Issue{}, collabErr("get", err)
		}
		issue.Labels = append(issue.Labels, label)
	}
	if err := rows.Err(); err != nil {
		return Issue{}, collabErr("get", err)
	}
	return issue, nil
}

// UpdateStatus implements Tracker.
func (s *SQLite) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE issues SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UnixMilli(), id)
	if err != nil {
		return collabErr("update", err)
	}
	return requireRow(res, id)
}

// AddComment implements Tracker.
func (s *SQLite) AddComment(ctx context.Context, id, body string) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM issues WHERE id = ?", id).Scan(&exists); err != nil {
		return collabErr("comment", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrIssueNotFound, id)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO issue_comments (issue_id, body, created_at) VALUES (?, ?, ?)",
		id, body, time.Now().UnixMilli())
	if err != nil {
		return collabErr("comment", err)
	}
	return nil
}

// CloseIssue implements Tracker.
func (s *SQLite) CloseIssue(ctx context.Context, id string) error {
	return s.UpdateStatus(ctx, id, StatusClosed)
}

// Comments returns the comment bodies for an issue, oldest first.
func (s *SQLite) Comments(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT body FROM issue_comments WHERE issue_id = ? ORDER BY id", id)
	if err != nil {
		return nil, collabErr("comments", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, collabErr("comments", err)
		}
		out = append(out, body)
	}
	return out, rows.Err()
}

// ListIssues returns issues, optionally filtered by status, newest first.
func (s *SQLite) ListIssues(ctx context.Context, status string) ([]Issue, error) {
	query := "SELECT id, title, body, status, assignee, updated_at FROM issues"
	var args []any
	if status = strings.TrimSpace(status); status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, collabErr("list", err)
	}
	defer rows.Close()
	var out []Issue
	for rows.Next() {
		var issue Issue
		if err := rows.Scan(&issue.ID, &issue.Title, &issue.Body, &issue.Status, &issue.Assignee, &issue.UpdatedAt); err != nil {
			return nil, collabErr("list", err)
		}
		out = append(out, issue)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return collabErr("update", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrIssueNotFound, id)
	}
	return nil
}
