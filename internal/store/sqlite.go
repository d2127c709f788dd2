package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/famulus-ai/famulus/pkg/models"
)

// SQLiteConfig holds connection settings for the SQLite store.
type SQLiteConfig struct {
	// Path is the database file path. ":memory:" opens an in-process
	// database (useful for tests).
	Path string

	// MaxOpenConns caps the connection pool. SQLite serializes writes
	// internally, so the pool mostly bounds concurrent readers.
	MaxOpenConns int

	// MaxIdleConns caps idle pooled connections.
	MaxIdleConns int

	// BusyTimeout is how long a connection waits on a locked database
	// before the driver reports busy.
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns default configuration.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:         "famulus.db",
		MaxOpenConns: 30,
		MaxIdleConns: 10,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLite implements Store on a single SQLite database file.
type SQLite struct {
	db *sql.DB

	// clockMu guards lastStamp; message timestamps must be strictly
	// monotonic within the process so ordering by created_at is total.
	clockMu   sync.Mutex
	lastStamp time.Time
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (and creates, if needed) the database and schema.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	def := DefaultSQLiteConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = def.MaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) createSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	blocks          TEXT,
	model_tag       TEXT NOT NULL DEFAULT '',
	tokens_in       INTEGER NOT NULL DEFAULT 0,
	tokens_out      INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conv_created
	ON messages(conversation_id, created_at);
CREATE TABLE IF NOT EXISTS summaries (
	conversation_id  TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
	text             TEXT NOT NULL,
	messages_covered INTEGER NOT NULL,
	created_at       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS skills (
	name        TEXT PRIMARY KEY,
	domain      TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	manifest    TEXT NOT NULL DEFAULT '',
	usage_count INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	payload    TEXT,
	status     TEXT NOT NULL,
	result     TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS work_items (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	title           TEXT NOT NULL,
	status          TEXT NOT NULL,
	parent_id       TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	metadata        TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_work_items_kind ON work_items(kind, updated_at);
CREATE TABLE IF NOT EXISTS tool_calls (
	id          TEXT PRIMARY KEY,
	tool_name   TEXT NOT NULL,
	plugin      TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	success     INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	called_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS usage (
	model_tag  TEXT NOT NULL,
	tokens_in  INTEGER NOT NULL,
	tokens_out INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, schema)
	return classify("create schema", err)
}

// now returns a strictly increasing UTC timestamp.
func (s *SQLite) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := time.Now().UTC()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = t
	return t
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateConversation inserts a new conversation with a fresh id.
func (s *SQLite) CreateConversation(ctx context.Context, title string) (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: s.now(),
	}
	conv.UpdatedAt = conv.CreatedAt
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			conv.ID, conv.Title, fmtTime(conv.CreatedAt), fmtTime(conv.UpdatedAt))
		return classify("create conversation", err)
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations returns the most recently updated conversations.
func (s *SQLite) ListConversations(ctx context.Context, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*models.Conversation
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
		if err != nil {
			return classify("list conversations", err)
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var c models.Conversation
			var created, updated string
			if err := rows.Scan(&c.ID, &c.Title, &created, &updated); err != nil {
				return &PermanentError{Op: "scan conversation", Err: err}
			}
			c.CreatedAt, c.UpdatedAt = parseTime(created), parseTime(updated)
			out = append(out, &c)
		}
		return classify("list conversations", rows.Err())
	})
	return out, err
}

// GetConversation returns a conversation by id, or ErrNotFound.
func (s *SQLite) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := withRetry(ctx, func() error {
		var created, updated string
		err := s.db.QueryRowContext(ctx,
			`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
			Scan(&c.ID, &c.Title, &created, &updated)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return classify("get conversation", err)
		}
		c.CreatedAt, c.UpdatedAt = parseTime(created), parseTime(updated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RenameConversation updates the title.
func (s *SQLite) RenameConversation(ctx context.Context, id, title string) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
			title, fmtTime(s.now()), id)
		if err != nil {
			return classify("rename conversation", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteConversation removes the conversation plus its messages and
// summary in one transaction.
func (s *SQLite) DeleteConversation(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify("delete conversation", err)
		}
		defer tx.Rollback()
		for _, q := range []string{
			`DELETE FROM messages WHERE conversation_id = ?`,
			`DELETE FROM summaries WHERE conversation_id = ?`,
			`DELETE FROM conversations WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return classify("delete conversation", err)
			}
		}
		return classify("delete conversation", tx.Commit())
	})
}

// AppendMessage inserts a message, assigning id and a monotonic
// timestamp when unset, and bumps the conversation's updated_at.
func (s *SQLite) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	var blocks any
	if len(msg.Blocks) > 0 {
		raw, err := json.Marshal(msg.Blocks)
		if err != nil {
			return &PermanentError{Op: "encode blocks", Err: err}
		}
		blocks = string(raw)
	}
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify("append message", err)
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, blocks, model_tag, tokens_in, tokens_out, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, string(msg.Role), msg.Content, blocks,
			msg.ModelTag, msg.TokensIn, msg.TokensOut, fmtTime(msg.CreatedAt)); err != nil {
			return classify("append message", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`,
			fmtTime(msg.CreatedAt), msg.ConversationID); err != nil {
			return classify("append message", err)
		}
		return classify("append message", tx.Commit())
	})
}

// RecentMessages returns up to limit newest messages in chronological
// order.
func (s *SQLite) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*models.Message
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, conversation_id, role, content, blocks, model_tag, tokens_in, tokens_out, created_at
			 FROM messages WHERE conversation_id = ?
			 ORDER BY created_at DESC LIMIT ?`, conversationID, limit)
		if err != nil {
			return classify("recent messages", err)
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return classify("recent messages", rows.Err())
	})
	if err != nil {
		return nil, err
	}
	// Newest-first from the query; callers want chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var m models.Message
	var role, created string
	var blocks sql.NullString
	if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &blocks,
		&m.ModelTag, &m.TokensIn, &m.TokensOut, &created); err != nil {
		return nil, &PermanentError{Op: "scan message", Err: err}
	}
	m.Role = models.Role(role)
	m.CreatedAt = parseTime(created)
	if blocks.Valid && blocks.String != "" {
		if err := json.Unmarshal([]byte(blocks.String), &m.Blocks); err != nil {
			return nil, &PermanentError{Op: "decode blocks", Err: err}
		}
	}
	return &m, nil
}

// CountMessages returns the number of messages in a conversation.
func (s *SQLite) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := withRetry(ctx, func() error {
		return classify("count messages", s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n))
	})
	return n, err
}

// GetSummary returns the rolling summary, or nil when none exists.
func (s *SQLite) GetSummary(ctx context.Context, conversationID string) (*models.Summary, error) {
	var sum models.Summary
	err := withRetry(ctx, func() error {
		var created string
		err := s.db.QueryRowContext(ctx,
			`SELECT conversation_id, text, messages_covered, created_at FROM summaries WHERE conversation_id = ?`,
			conversationID).Scan(&sum.ConversationID, &sum.Text, &sum.MessagesCovered, &created)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return classify("get summary", err)
		}
		sum.CreatedAt = parseTime(created)
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// SaveSummary upserts the rolling summary for a conversation.
func (s *SQLite) SaveSummary(ctx context.Context, summary *models.Summary) error {
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = s.now()
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO summaries (conversation_id, text, messages_covered, created_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(conversation_id) DO UPDATE SET
			   text = excluded.text,
			   messages_covered = excluded.messages_covered,
			   created_at = excluded.created_at`,
			summary.ConversationID, summary.Text, summary.MessagesCovered, fmtTime(summary.CreatedAt))
		return classify("save summary", err)
	})
}

// Ping runs a raw query against the database for health checks.
func (s *SQLite) Ping(ctx context.Context) error {
	var one int
	return classify("ping", s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one))
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
