package history

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/galaxy-chat/relay/internal/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL,
	last_seen INTEGER,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender TEXT NOT NULL,
	message TEXT NOT NULL,
	message_type TEXT NOT NULL DEFAULT 'text',
	is_private INTEGER NOT NULL DEFAULT 0,
	recipient TEXT,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS permission_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL,
	reason TEXT,
	approved INTEGER,
	requested_at INTEGER NOT NULL,
	processed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_created ON chat_messages(created_at);
`

// SQLiteStore records users, messages, and join requests in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the history database and applies the schema.
func Open(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("history database path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// RecordMessage stores one chat line.
func (s *SQLiteStore) RecordMessage(ctx context.Context, sender, text string, opts MessageOptions) error {
	kind := opts.Kind
	if kind == "" {
		kind = "text"
	}
	var recipient any
	if opts.Recipient != "" {
		recipient = opts.Recipient
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (sender, message, message_type, is_private, recipient, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sender, text, kind, boolToInt(opts.Private), recipient, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

// RecordUser upserts a username and stamps last_seen.
func (s *SQLiteStore) RecordUser(ctx context.Context, username string) error {
	now := time.Now().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_users (username, last_seen, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET last_seen = excluded.last_seen`,
		username, now, now)
	if err != nil {
		return fmt.Errorf("record user: %w", err)
	}
	return nil
}

// RecordJoinRequest appends a pending permission request.
func (s *SQLiteStore) RecordJoinRequest(ctx context.Context, username, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_requests (username, reason, requested_at) VALUES (?, ?, ?)`,
		username, reason, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("record join request: %w", err)
	}
	return nil
}

// SetApproval resolves the latest unprocessed request for a username.
func (s *SQLiteStore) SetApproval(ctx context.Context, username string, approved bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE permission_requests SET approved = ?, processed_at = ?
		 WHERE id = (SELECT id FROM permission_requests
		             WHERE username = ? AND processed_at IS NULL
		             ORDER BY requested_at DESC LIMIT 1)`,
		boolToInt(approved), time.Now().UTC().UnixMilli(), username)
	if err != nil {
		return fmt.Errorf("set approval: %w", err)
	}
	return nil
}

// RecentMessages returns the newest public messages in chronological order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, limit int) ([]event.HistoryMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender, message, is_private, COALESCE(recipient, ''), created_at
		 FROM chat_messages WHERE is_private = 0
		 ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var out []event.HistoryMessage
	for rows.Next() {
		var msg event.HistoryMessage
		var private int
		var createdAt int64
		if err := rows.Scan(&msg.Sender, &msg.Text, &private, &msg.Recipient, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Private = private != 0
		msg.Timestamp = time.UnixMilli(createdAt).UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	// Reverse into send order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListPendingApprovals returns unresolved requests in arrival order.
func (s *SQLiteStore) ListPendingApprovals(ctx context.Context) ([]event.PendingRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, COALESCE(reason, ''), requested_at
		 FROM permission_requests WHERE processed_at IS NULL
		 ORDER BY requested_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	var out []event.PendingRequest
	for rows.Next() {
		var req event.PendingRequest
		var requestedAt int64
		if err := rows.Scan(&req.Username, &req.Reason, &requestedAt); err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		req.RequestedAt = time.UnixMilli(requestedAt).UTC()
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending rows: %w", err)
	}
	return out, nil
}

// Available reports that the store accepted its schema.
func (s *SQLiteStore) Available() bool { return s != nil && s.db != nil }

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
