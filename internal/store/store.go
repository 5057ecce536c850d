// Package store provides the normalized SQLite store for mirrored
// issues, comments, and the incremental sync cursor.
//
// One database exists per tracked (platform, owner, repo) triple. Rows
// are keyed by provider identifiers and never deleted by the sync
// engine; repeated upserts of identical content are no-ops.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/JohanCodinha/issuesync/internal/config"
)

// Input errors returned by the upsert methods. They indicate malformed
// provider records and are never retried.
var (
	// ErrNoIssueNumber indicates an issue record without a numeric identifier.
	ErrNoIssueNumber = errors.New("issue record missing numeric number")
	// ErrNoCommentID indicates a comment record without an identifier.
	ErrNoCommentID = errors.New("comment record missing id")
	// ErrUnknownIssue indicates a comment upsert for an issue key that was
	// never upserted; such comments are rejected rather than stored orphaned.
	ErrUnknownIssue = errors.New("comment references unknown issue")
)

// IssueRecord is the provider-neutral wire shape of an issue, produced
// by the scrapers. Timestamps are kept as the provider's ISO-8601-like
// strings and compared lexically, never parsed to a calendar type.
type IssueRecord struct {
	Number        *int64 // nil means the record is malformed
	Title         string
	Body          string
	State         string
	User          string // already normalized to a display name / login
	CreatedAt     string
	UpdatedAt     string
	ClosedAt      string
	CommentsCount int
	Ref           string          // provider handle for listing comments
	Raw           json.RawMessage // verbatim provider payload
}

// CommentRecord is the provider-neutral wire shape of a comment.
type CommentRecord struct {
	ID        *int64 // nil means the record is malformed
	Body      string
	User      string
	CreatedAt string
	UpdatedAt string
	Raw       json.RawMessage
}

// Issue is a stored issue row, optionally carrying its comments.
type Issue struct {
	IssueKey      string
	Number        int64
	Title         string
	Body          string
	State         string
	User          string
	CreatedAt     string
	UpdatedAt     string
	ClosedAt      string
	CommentsCount int
	Metadata      json.RawMessage
	Comments      []Comment
}

// Comment is a stored comment row.
type Comment struct {
	ID        int64
	IssueKey  string
	User      string
	Body      string
	CreatedAt string
	UpdatedAt string
	Metadata  json.RawMessage
}

// IssueSummary is the minimal listing projection.
type IssueSummary struct {
	Number        int64  `json:"number"`
	Title         string `json:"title"`
	State         string `json:"state"`
	UpdatedAt     string `json:"updated_at"`
	CommentsCount int    `json:"comments_count"`
}

// Stats holds row counts.
type Stats struct {
	Issues   int `json:"issues"`
	Comments int `json:"comments"`
}

// schemaSQL defines the store schema.
//
// issue_key (TEXT) is the primary key: the string form of the provider's
// issue number. Jira numbers are the digits of the project key suffix,
// which is safe because each database is scoped to a single project.
// The provider's own opaque id stays inside the metadata payload.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS issues (
    issue_key TEXT PRIMARY KEY,
    number INTEGER NOT NULL UNIQUE,
    title TEXT,
    body TEXT,
    state TEXT,
    user TEXT,
    created_at TEXT,
    updated_at TEXT,
    closed_at TEXT,
    comments_count INTEGER,
    metadata TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS comments (
    id INTEGER PRIMARY KEY,
    comment_id INTEGER NOT NULL UNIQUE,
    issue_key TEXT NOT NULL REFERENCES issues(issue_key) ON DELETE CASCADE,
    user TEXT,
    body TEXT,
    created_at TEXT,
    updated_at TEXT,
    metadata TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    last_issue_sync TEXT
);
`

// DB is a per-repository store.
type DB struct {
	path string
	conn *sql.DB
}

// Open creates or opens the database for one tracked repository,
// creating parent directories as needed.
func Open(cfg *config.Config, platform, owner, repo string) (*DB, error) {
	return OpenPath(cfg.DatabasePath(platform, owner, repo))
}

// OpenPath creates or opens a store database at an explicit path.
func OpenPath(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer; one connection avoids
	// "database is locked" errors.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", p, err)
		}
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &DB{path: path, conn: conn}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// UpsertIssue inserts or updates an issue row keyed by its number.
//
// Returns the issue key, whether a new row was inserted, and whether
// stored content changed. Content is considered changed when any of
// title, body, state, or updated_at differs; unchanged upserts perform
// no write at all, which makes the call idempotent under retry.
func (db *DB) UpsertIssue(rec IssueRecord) (string, bool, bool, error) {
	if rec.Number == nil {
		return "", false, false, ErrNoIssueNumber
	}
	key := strconv.FormatInt(*rec.Number, 10)

	var exTitle, exBody, exState, exUpdated sql.NullString
	err := db.conn.QueryRow(
		"SELECT title, body, state, updated_at FROM issues WHERE issue_key = ?", key,
	).Scan(&exTitle, &exBody, &exState, &exUpdated)

	switch {
	case err == sql.ErrNoRows:
		_, err = db.conn.Exec(
			`INSERT INTO issues(issue_key, number, title, body, state, user, created_at, updated_at, closed_at, comments_count, metadata)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			key, *rec.Number, rec.Title, rec.Body, rec.State, rec.User,
			rec.CreatedAt, rec.UpdatedAt, rec.ClosedAt, rec.CommentsCount, rawOrEmpty(rec.Raw),
		)
		if err != nil {
			return "", false, false, fmt.Errorf("failed to insert issue %s: %w", key, err)
		}
		return key, true, true, nil

	case err != nil:
		return "", false, false, fmt.Errorf("failed to look up issue %s: %w", key, err)
	}

	changed := rec.Title != exTitle.String ||
		rec.Body != exBody.String ||
		rec.State != exState.String ||
		rec.UpdatedAt != exUpdated.String
	if !changed {
		return key, false, false, nil
	}

	_, err = db.conn.Exec(
		`UPDATE issues SET number=?, title=?, body=?, state=?, user=?, created_at=?, updated_at=?, closed_at=?, comments_count=?, metadata=?
		 WHERE issue_key=?`,
		*rec.Number, rec.Title, rec.Body, rec.State, rec.User,
		rec.CreatedAt, rec.UpdatedAt, rec.ClosedAt, rec.CommentsCount, rawOrEmpty(rec.Raw), key,
	)
	if err != nil {
		return "", false, false, fmt.Errorf("failed to update issue %s: %w", key, err)
	}
	return key, false, true, nil
}

// UpsertComment inserts or updates a comment row keyed by its provider
// id. The parent issue must already exist; comments for unknown issues
// are rejected with ErrUnknownIssue. Content is considered changed when
// body or updated_at differs.
func (db *DB) UpsertComment(issueKey string, rec CommentRecord) (int64, bool, bool, error) {
	if rec.ID == nil {
		return 0, false, false, ErrNoCommentID
	}
	commentID := *rec.ID

	var one int
	err := db.conn.QueryRow("SELECT 1 FROM issues WHERE issue_key = ?", issueKey).Scan(&one)
	if err == sql.ErrNoRows {
		return 0, false, false, fmt.Errorf("issue %s: %w", issueKey, ErrUnknownIssue)
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("failed to look up issue %s: %w", issueKey, err)
	}

	var exBody, exUpdated sql.NullString
	err = db.conn.QueryRow(
		"SELECT body, updated_at FROM comments WHERE comment_id = ?", commentID,
	).Scan(&exBody, &exUpdated)

	switch {
	case err == sql.ErrNoRows:
		_, err = db.conn.Exec(
			`INSERT INTO comments(comment_id, issue_key, body, user, created_at, updated_at, metadata)
			 VALUES (?,?,?,?,?,?,?)`,
			commentID, issueKey, rec.Body, rec.User, rec.CreatedAt, rec.UpdatedAt, rawOrEmpty(rec.Raw),
		)
		if err != nil {
			return 0, false, false, fmt.Errorf("failed to insert comment %d: %w", commentID, err)
		}
		return commentID, true, true, nil

	case err != nil:
		return 0, false, false, fmt.Errorf("failed to look up comment %d: %w", commentID, err)
	}

	changed := rec.Body != exBody.String || rec.UpdatedAt != exUpdated.String
	if !changed {
		return commentID, false, false, nil
	}

	_, err = db.conn.Exec(
		`UPDATE comments SET issue_key=?, body=?, user=?, created_at=?, updated_at=?, metadata=?
		 WHERE comment_id=?`,
		issueKey, rec.Body, rec.User, rec.CreatedAt, rec.UpdatedAt, rawOrEmpty(rec.Raw), commentID,
	)
	if err != nil {
		return 0, false, false, fmt.Errorf("failed to update comment %d: %w", commentID, err)
	}
	return commentID, false, true, nil
}

// LastSync returns the persisted sync cursor, or "" when no sync has
// completed yet.
func (db *DB) LastSync() (string, error) {
	var ts sql.NullString
	err := db.conn.QueryRow("SELECT last_issue_sync FROM sync_state WHERE id = 1").Scan(&ts)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync cursor: %w", err)
	}
	return ts.String, nil
}

// SetLastSync persists the sync cursor. Overwrite semantics; callable
// many times per run.
func (db *DB) SetLastSync(ts string) error {
	_, err := db.conn.Exec(
		`INSERT INTO sync_state(id, last_issue_sync) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET last_issue_sync=excluded.last_issue_sync`,
		ts,
	)
	if err != nil {
		return fmt.Errorf("failed to persist sync cursor: %w", err)
	}
	return nil
}

// ListIssues returns minimal metadata for all issues ordered by number.
func (db *DB) ListIssues() ([]IssueSummary, error) {
	rows, err := db.conn.Query(
		"SELECT number, title, state, updated_at, comments_count FROM issues ORDER BY number ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var out []IssueSummary
	for rows.Next() {
		var s IssueSummary
		var title, state, updated sql.NullString
		var count sql.NullInt64
		if err := rows.Scan(&s.Number, &title, &state, &updated, &count); err != nil {
			return nil, fmt.Errorf("failed to scan issue row: %w", err)
		}
		s.Title = title.String
		s.State = state.String
		s.UpdatedAt = updated.String
		s.CommentsCount = int(count.Int64)
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetIssue returns the raw metadata payload for one issue number, or
// nil when the issue is not stored.
func (db *DB) GetIssue(number int64) (json.RawMessage, error) {
	var raw string
	err := db.conn.QueryRow("SELECT metadata FROM issues WHERE number = ?", number).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %d: %w", number, err)
	}
	return json.RawMessage(raw), nil
}

// GetIssuesWithComments returns all stored issues with their comments
// attached, issues ordered by number and comments by creation time.
func (db *DB) GetIssuesWithComments() ([]Issue, error) {
	rows, err := db.conn.Query(
		`SELECT issue_key, number, title, body, state, user, created_at, updated_at, closed_at, comments_count, metadata
		 FROM issues ORDER BY number ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	byKey := make(map[string]int)
	for rows.Next() {
		var is Issue
		var title, body, state, user, created, updated, closed sql.NullString
		var count sql.NullInt64
		var raw string
		if err := rows.Scan(&is.IssueKey, &is.Number, &title, &body, &state, &user,
			&created, &updated, &closed, &count, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan issue row: %w", err)
		}
		is.Title = title.String
		is.Body = body.String
		is.State = state.String
		is.User = user.String
		is.CreatedAt = created.String
		is.UpdatedAt = updated.String
		is.ClosedAt = closed.String
		is.CommentsCount = int(count.Int64)
		is.Metadata = json.RawMessage(raw)
		byKey[is.IssueKey] = len(issues)
		issues = append(issues, is)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	crows, err := db.conn.Query(
		`SELECT comment_id, issue_key, body, user, created_at, updated_at, metadata
		 FROM comments ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer crows.Close()

	for crows.Next() {
		var c Comment
		var body, user, created, updated sql.NullString
		var raw string
		if err := crows.Scan(&c.ID, &c.IssueKey, &body, &user, &created, &updated, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan comment row: %w", err)
		}
		c.Body = body.String
		c.User = user.String
		c.CreatedAt = created.String
		c.UpdatedAt = updated.String
		c.Metadata = json.RawMessage(raw)
		idx, ok := byKey[c.IssueKey]
		if !ok {
			continue
		}
		issues[idx].Comments = append(issues[idx].Comments, c)
	}
	return issues, crows.Err()
}

// Stats returns issue and comment counts.
func (db *DB) Stats() (Stats, error) {
	var s Stats
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM issues").Scan(&s.Issues); err != nil {
		return s, fmt.Errorf("failed to count issues: %w", err)
	}
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM comments").Scan(&s.Comments); err != nil {
		return s, fmt.Errorf("failed to count comments: %w", err)
	}
	return s, nil
}
