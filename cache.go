package chattrix

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultCacheFileName is the SQLite filename under the cache directory.
const DefaultCacheFileName = "cache.db"

var cacheMigrations = []string{
	`
CREATE TABLE IF NOT EXISTS conversations (
  id         TEXT PRIMARY KEY,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  title      TEXT NOT NULL DEFAULT ''
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  id                  TEXT PRIMARY KEY,
  conversation_id     TEXT NOT NULL,
  profile_id          TEXT NOT NULL,
  content             TEXT NOT NULL,
  read                INTEGER NOT NULL DEFAULT 0,
  created_at          TEXT NOT NULL,
  reply_to_message_id TEXT,
  attachment_url      TEXT,
  attachment_type     TEXT,
  attachment_name     TEXT,
  sender_username     TEXT NOT NULL DEFAULT '',
  sender_full_name    TEXT
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
ON messages (conversation_id, created_at, id);
`,
	`
CREATE TABLE IF NOT EXISTS watermarks (
  conversation_id TEXT PRIMARY KEY,
  last_created_at TEXT NOT NULL
);
`,
}

// Cache is a local SQLite mirror of fetched conversations and messages,
// giving the CLI an offline read path and persisting per-conversation
// watermarks across runs.
type Cache struct {
	db        *sql.DB
	closeOnce sync.Once
}

// OpenCache opens (or creates) cache.db under the given directory and runs
// schema migrations.
func OpenCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return OpenCachePath(filepath.Join(dir, DefaultCacheFileName))
}

// OpenCachePath opens SQLite at an explicit path and runs migrations.
func OpenCachePath(dbPath string) (*Cache, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache database: %w", err)
	}

	c := &Cache{db: db}
	if err := c.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := c.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the SQLite connection.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	var closeErr error
	c.closeOnce.Do(func() {
		closeErr = c.db.Close()
	})
	return closeErr
}

func (c *Cache) enableWALMode() error {
	var journalMode string
	if err := c.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (c *Cache) applyMigrations() error {
	var version int
	if err := c.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(cacheMigrations) {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(cacheMigrations); i++ {
		if _, err := tx.Exec(cacheMigrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

// ── Conversations ────────────────────────────────────────────

// PutConversations upserts directory entries.
func (c *Cache) PutConversations(views []ConversationView) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(`
INSERT INTO conversations (id, created_at, updated_at, title)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, title = excluded.title;
`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, v := range views {
		if _, err := stmt.Exec(v.ID, v.CreatedAt, v.UpdatedAt, v.Title); err != nil {
			return fmt.Errorf("upsert conversation %s: %w", v.ID, err)
		}
	}
	return tx.Commit()
}

// Conversations returns cached entries ordered by updated_at descending.
// Participants and last messages are not cached; entries carry only the
// row fields and the derived title.
func (c *Cache) Conversations() ([]ConversationView, error) {
	rows, err := c.db.Query(`
SELECT id, created_at, updated_at, title
FROM conversations
ORDER BY updated_at DESC, id;
`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var views []ConversationView
	for rows.Next() {
		var v ConversationView
		if err := rows.Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt, &v.Title); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// ── Messages ─────────────────────────────────────────────────

// PutMessages upserts messages. The read flag only ever moves to true.
func (c *Cache) PutMessages(msgs []Message) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(`
INSERT INTO messages (
  id, conversation_id, profile_id, content, read, created_at,
  reply_to_message_id, attachment_url, attachment_type, attachment_name,
  sender_username, sender_full_name
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET read = MAX(messages.read, excluded.read);
`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		username := ""
		var fullName *string
		if m.Profile != nil {
			username = m.Profile.Username
			fullName = m.Profile.FullName
		}
		_, err := stmt.Exec(
			m.ID, m.ConversationID, m.ProfileID, m.Content, boolToInt(m.Read), m.CreatedAt,
			nullStr(m.ReplyToMessageID), nullStr(m.AttachmentURL), nullStr(m.AttachmentType), nullStr(m.AttachmentName),
			username, nullStr(fullName),
		)
		if err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// Messages returns cached messages of a conversation ascending by
// created_at.
func (c *Cache) Messages(conversationID string) ([]Message, error) {
	rows, err := c.db.Query(`
SELECT id, conversation_id, profile_id, content, read, created_at,
       reply_to_message_id, attachment_url, attachment_type, attachment_name,
       sender_username, sender_full_name
FROM messages
WHERE conversation_id = ?
ORDER BY created_at, id;
`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var read int
		var replyTo, attURL, attType, attName, fullName sql.NullString
		var username string
		err := rows.Scan(
			&m.ID, &m.ConversationID, &m.ProfileID, &m.Content, &read, &m.CreatedAt,
			&replyTo, &attURL, &attType, &attName, &username, &fullName,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Read = read != 0
		m.ReplyToMessageID = strPtr(replyTo)
		m.AttachmentURL = strPtr(attURL)
		m.AttachmentType = strPtr(attType)
		m.AttachmentName = strPtr(attName)
		if username != "" {
			m.Profile = &Profile{ID: m.ProfileID, Username: username, FullName: strPtr(fullName)}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ── Watermarks ───────────────────────────────────────────────

// SetWatermark records the created_at of the newest synced message.
func (c *Cache) SetWatermark(conversationID, lastCreatedAt string) error {
	_, err := c.db.Exec(`
INSERT INTO watermarks (conversation_id, last_created_at)
VALUES (?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET last_created_at = excluded.last_created_at;
`, conversationID, lastCreatedAt)
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

// Watermark returns the recorded watermark, or ErrNotFound when the
// conversation was never synced.
func (c *Cache) Watermark(conversationID string) (string, error) {
	var last string
	err := c.db.QueryRow(`
SELECT last_created_at FROM watermarks WHERE conversation_id = ?;
`, conversationID).Scan(&last)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read watermark: %w", err)
	}
	return last, nil
}

// ── Helpers ──────────────────────────────────────────────────

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
