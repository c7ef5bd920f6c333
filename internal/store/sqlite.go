// ABOUTME: SQLite implementation of the Store interface (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Provides thread/message persistence with automatic schema creation and migrations

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

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-crew/internal/agent"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverCgo     = "sqlite3" // mattn/go-sqlite3, needs cgo
)

// timeLayout is fixed width so text comparison in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithDriver selects the database/sql driver (DriverModernc or DriverCgo).
func WithDriver(driver string) SQLiteOption {
	return func(s *SQLiteStore) { s.driver = driver }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger.With("component", "store")
		}
	}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	s := &SQLiteStore{
		driver: DriverModernc,
		logger: slog.Default().With("component", "store"),
	}
	for _, opt := range opts {
		opt(s)
	}

	dsn, err := sqliteDSN(s.driver, path)
	if err != nil {
		return nil, err
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open(s.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	s.db = db

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("SQLite store initialized", "path", path, "driver", s.driver)
	return s, nil
}

// sqliteDSN applies WAL, foreign keys, a busy timeout and immediate
// transactions on every pooled connection. The two drivers spell these differently.
func sqliteDSN(driver, path string) (string, error) {
	switch driver {
	case DriverModernc:
		return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate", nil
	case DriverCgo:
		return path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id          TEXT PRIMARY KEY,
			agent_type  TEXT NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			tags_json   TEXT NOT NULL DEFAULT '[]',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,

			CHECK (agent_type IN ('supervisor', 'research', 'writer'))
		);

		CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at DESC, id);
		CREATE INDEX IF NOT EXISTS idx_threads_agent ON threads(agent_type, updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			thread_id   TEXT NOT NULL,
			seq         INTEGER NOT NULL,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL,
			author_name TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,

			PRIMARY KEY (thread_id, seq),
			FOREIGN KEY (thread_id) REFERENCES threads(id),
			CHECK (role IN ('user', 'assistant', 'system'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns missing from databases created by older versions.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "threads",
			column: "tags_json",
			apply:  `ALTER TABLE threads ADD COLUMN tags_json TEXT NOT NULL DEFAULT '[]'`,
		},
		{
			table:  "messages",
			column: "author_name",
			apply:  `ALTER TABLE messages ADD COLUMN author_name TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateThread inserts a thread and any initial messages.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *Thread) error {
	if err := validateThread(thread); err != nil {
		return err
	}
	tags, err := json.Marshal(NormalizeTags(thread.Tags))
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO threads (id, agent_type, title, tags_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		thread.ID,
		string(thread.AgentType),
		thread.Title,
		string(tags),
		formatTime(thread.CreatedAt),
		formatTime(thread.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateThread
		}
		return fmt.Errorf("inserting thread: %w", err)
	}

	if err := insertMessages(ctx, tx, thread.ID, 0, clampTimestamps(time.Time{}, thread.Messages)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing thread: %w", err)
	}

	s.logger.Debug("created thread", "id", thread.ID, "agent_type", thread.AgentType)
	return nil
}

// isConstraintViolation checks if an error is a SQLite constraint violation.
// Both drivers report "UNIQUE constraint failed" / "constraint failed" in the message.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// GetThread retrieves a thread with all of its messages.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	return getThread(ctx, s.db, id)
}

func getThread(ctx context.Context, q queryer, id string) (*Thread, error) {
	var thread Thread
	var agentType, tagsJSON, createdAtStr, updatedAtStr string

	err := q.QueryRowContext(ctx, `
		SELECT id, agent_type, title, tags_json, created_at, updated_at
		FROM threads
		WHERE id = ?
	`, id).Scan(
		&thread.ID,
		&agentType,
		&thread.Title,
		&tagsJSON,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}

	thread.AgentType = agent.Type(agentType)
	if err := json.Unmarshal([]byte(tagsJSON), &thread.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if thread.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if thread.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT role, content, author_name, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	thread.Messages = []Message{}
	for rows.Next() {
		var msg Message
		var role, createdAt string
		if err := rows.Scan(&role, &msg.Content, &msg.AuthorName, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Role = agent.Role(role)
		if msg.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		thread.Messages = append(thread.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return &thread, nil
}

// summaryColumns selects everything a ThreadSummary needs in one pass.
const summaryColumns = `
	t.id, t.agent_type, t.title, t.tags_json, t.created_at, t.updated_at,
	(SELECT COUNT(*) FROM messages m WHERE m.thread_id = t.id),
	COALESCE((SELECT m.content FROM messages m WHERE m.thread_id = t.id ORDER BY m.seq DESC LIMIT 1), ''),
	COALESCE((SELECT m.content FROM messages m WHERE m.thread_id = t.id AND m.role = 'user' ORDER BY m.seq ASC LIMIT 1), '')
`

// ListThreads returns thread summaries, most recently updated first.
func (s *SQLiteStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]ThreadSummary, error) {
	where, args := agentClause(filter.AgentType)
	query := `SELECT ` + summaryColumns + ` FROM threads t ` + where +
		` ORDER BY t.updated_at DESC, t.id ASC LIMIT ? OFFSET ?`
	return s.querySummaries(ctx, query, append(args, sqlLimit(filter.Limit), max(filter.Offset, 0))...)
}

// SearchThreads matches query case-insensitively against titles, tags and message content.
func (s *SQLiteStore) SearchThreads(ctx context.Context, query string, filter ThreadFilter) ([]ThreadSummary, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"

	where, args := agentClause(filter.AgentType)
	if where == "" {
		where = "WHERE "
	} else {
		where += " AND "
	}
	where += `(lower(t.title) LIKE ? ESCAPE '\'
		OR lower(t.tags_json) LIKE ? ESCAPE '\'
		OR EXISTS (SELECT 1 FROM messages m WHERE m.thread_id = t.id AND lower(m.content) LIKE ? ESCAPE '\'))`
	args = append(args, pattern, pattern, pattern)

	q := `SELECT ` + summaryColumns + ` FROM threads t ` + where +
		` ORDER BY t.updated_at DESC, t.id ASC LIMIT ? OFFSET ?`
	return s.querySummaries(ctx, q, append(args, sqlLimit(filter.Limit), max(filter.Offset, 0))...)
}

func agentClause(agentType agent.Type) (string, []any) {
	if agentType == "" {
		return "", nil
	}
	return "WHERE t.agent_type = ?", []any{string(agentType)}
}

// sqlLimit maps "no limit" onto SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *SQLiteStore) querySummaries(ctx context.Context, query string, args ...any) ([]ThreadSummary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer rows.Close()

	summaries := []ThreadSummary{}
	for rows.Next() {
		var sum ThreadSummary
		var agentType, title, tagsJSON, createdAtStr, updatedAtStr, last, firstUser string
		if err := rows.Scan(
			&sum.ID,
			&agentType,
			&title,
			&tagsJSON,
			&createdAtStr,
			&updatedAtStr,
			&sum.MessageCount,
			&last,
			&firstUser,
		); err != nil {
			return nil, fmt.Errorf("scanning thread row: %w", err)
		}

		sum.AgentType = agent.Type(agentType)
		sum.Title = DeriveTitle(title, sum.AgentType, firstUser)
		sum.LastMessagePreview = Truncate(last, previewRunes)
		if err := json.Unmarshal([]byte(tagsJSON), &sum.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
		if sum.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if sum.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thread rows: %w", err)
	}
	return summaries, nil
}

// AppendMessages adds msgs to the end of a thread in a single transaction.
func (s *SQLiteStore) AppendMessages(ctx context.Context, threadID string, msgs []Message, updatedAt time.Time) (*Thread, error) {
	if err := validateMessages(msgs); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var currentUpdated string
	err = tx.QueryRowContext(ctx, `SELECT updated_at FROM threads WHERE id = ?`, threadID).Scan(&currentUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	current, err := parseTime(currentUpdated)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	var lastSeq int
	var lastCreated sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT seq, created_at FROM messages WHERE thread_id = ? ORDER BY seq DESC LIMIT 1
	`, threadID).Scan(&lastSeq, &lastCreated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying last message: %w", err)
	}
	var prev time.Time
	if lastCreated.Valid {
		if prev, err = parseTime(lastCreated.String); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
	}

	clamped := clampTimestamps(prev, msgs)
	if err := insertMessages(ctx, tx, threadID, lastSeq, clamped); err != nil {
		return nil, err
	}

	next := nextUpdatedAt(current, updatedAt, clamped)
	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, formatTime(next), threadID); err != nil {
		return nil, fmt.Errorf("updating thread: %w", err)
	}

	thread, err := getThread(ctx, tx, threadID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing messages: %w", err)
	}

	s.logger.Debug("appended messages", "thread_id", threadID, "count", len(msgs))
	return thread, nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, threadID string, afterSeq int, msgs []Message) error {
	for i, m := range msgs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (thread_id, seq, role, content, author_name, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, threadID, afterSeq+i+1, string(m.Role), m.Content, m.AuthorName, formatTime(m.Timestamp))
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
	}
	return nil
}

// DeleteThread removes a thread and its messages. Returns ErrNotFound if absent.
func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting thread: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	s.logger.Debug("deleted thread", "id", id)
	return nil
}

// DeleteThreadsBefore removes every thread last updated before cutoff and returns their ids.
func (s *SQLiteStore) DeleteThreadsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	bound := formatTime(cutoff)
	rows, err := tx.QueryContext(ctx, `SELECT id FROM threads WHERE updated_at < ? ORDER BY id`, bound)
	if err != nil {
		return nil, fmt.Errorf("querying expired threads: %w", err)
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning thread id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thread ids: %w", err)
	}
	if len(ids) == 0 {
		return ids, nil
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE thread_id IN (SELECT id FROM threads WHERE updated_at < ?)
	`, bound); err != nil {
		return nil, fmt.Errorf("deleting expired messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE updated_at < ?`, bound); err != nil {
		return nil, fmt.Errorf("deleting expired threads: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing cleanup: %w", err)
	}

	s.logger.Info("deleted expired threads", "count", len(ids), "cutoff", cutoff)
	return ids, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
