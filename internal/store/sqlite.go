// Package store provides the durable conversation and memory store.
// All writes are committed to SQLite before the call returns; message
// ordering within a conversation is defined by a store-allocated
// sequence number, not by wall-clock timestamps.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/corvid-labs/huginn/internal/events"
)

// Store is a SQLite-backed conversation and memory store.
type Store struct {
	db  *sql.DB
	bus *events.Bus
}

// Open opens (or creates) the database at dbPath using the cgo sqlite
// driver with WAL journaling and a busy timeout for concurrent access.
func Open(dbPath string, bus *events.Bus) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return NewFromDB(db, bus)
}

// NewFromDB wraps an already-open database handle and applies the
// schema. Tests use this with the pure-Go sqlite driver and an
// in-memory DSN.
func NewFromDB(db *sql.DB, bus *events.Bus) (*Store, error) {
	s := &Store{db: db, bus: bus}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Conversations, keyed by platform-scoped conversation key
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		platform TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- Messages, append-only; seq defines ordering within a conversation.
	-- The unique index rejects any duplicate seq an application bug
	-- might produce under concurrency.
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_name TEXT,
		tool_args TEXT,
		tool_call_id TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
		UNIQUE (conversation_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	-- Memory entries: conversational memory (message_id set) and
	-- ingested knowledge (message_id NULL). Embeddings are fixed-width
	-- little-endian float32 blobs.
	CREATE TABLE IF NOT EXISTS memory_entries (
		id TEXT PRIMARY KEY,
		message_id TEXT,
		source TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB NOT NULL,
		dim INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE SET NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_entries_source ON memory_entries(source);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetOrCreate ensures a conversation exists for the given key and
// returns it. The key is stable per platform thread (room, chat,
// mention thread, issue) so repeated events land in one conversation.
func (s *Store) GetOrCreate(ctx context.Context, key, platform string) (*Conversation, error) {
	now := time.Now().UTC()
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}

	// Insert, ignore if the key already exists.
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, key, platform, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), key, platform, StatusActive, now, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	return s.getByKey(ctx, key)
}

func (s *Store) getByKey(ctx context.Context, key string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, platform, status, created_at, updated_at
		FROM conversations WHERE key = ?
	`, key)

	var c Conversation
	if err := row.Scan(&c.ID, &c.Key, &c.Platform, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("load conversation %q: %w", key, err)
	}
	return &c, nil
}

// Get returns a conversation by id.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, platform, status, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id)

	var c Conversation
	if err := row.Scan(&c.ID, &c.Key, &c.Platform, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return &c, nil
}

// SetStatus updates a conversation's status.
func (s *Store) SetStatus(ctx context.Context, conversationID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set status: conversation %s not found", conversationID)
	}
	return nil
}

// Append durably adds a message to a conversation and returns it with
// its allocated sequence number. The seq is computed inside the same
// transaction that inserts the row, so concurrent appenders for one
// conversation serialize on the database rather than racing; a lost
// race surfaces as a unique-constraint error instead of silent
// reordering.
func (s *Store) Append(ctx context.Context, m Message) (*Message, error) {
	if m.ConversationID == "" {
		return nil, fmt.Errorf("append: missing conversation id")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	m.ID = id.String()
	m.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?
	`, m.ConversationID).Scan(&m.Seq); err != nil {
		return nil, fmt.Errorf("append: allocate seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, role, content, tool_name, tool_args, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.Seq, m.Role, m.Content,
		nullable(m.ToolName), nullable(m.ToolArgs), nullable(m.ToolCallID), m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append: insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, m.CreatedAt, m.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("append: touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append: commit: %w", err)
	}

	s.bus.Publish(events.Event{
		Timestamp: m.CreatedAt,
		Source:    events.SourceStore,
		Kind:      events.KindMessageCommitted,
		Data: map[string]any{
			"message_id":      m.ID,
			"conversation_id": m.ConversationID,
			"role":            m.Role,
			"content":         m.Content,
		},
	})

	return &m, nil
}

// Recent returns the last limit messages of a conversation in ascending
// seq order. A limit <= 0 returns the full history.
func (s *Store) Recent(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, conversation_id, seq, role, content, tool_name, tool_args, tool_call_id, created_at
			FROM (
				SELECT * FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
			) ORDER BY seq ASC
		`, conversationID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, conversation_id, seq, role, content, tool_name, tool_args, tool_call_id, created_at
			FROM messages WHERE conversation_id = ? ORDER BY seq ASC
		`, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("recent: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var toolName, toolArgs, toolCallID sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content,
			&toolName, &toolArgs, &toolCallID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("recent: scan: %w", err)
		}
		m.ToolName = toolName.String
		m.ToolArgs = toolArgs.String
		m.ToolCallID = toolCallID.String
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// AddMemoryEntry stores an embedding-backed memory entry. The entry id
// is allocated here if empty.
func (s *Store) AddMemoryEntry(ctx context.Context, e MemoryEntry) (*MemoryEntry, error) {
	if len(e.Embedding) == 0 {
		return nil, fmt.Errorf("add memory entry: empty embedding")
	}
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("entry id: %w", err)
		}
		e.ID = id.String()
	}
	e.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (id, message_id, source, content, embedding, dim, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, nullable(e.MessageID), e.Source, e.Content,
		encodeVector(e.Embedding), len(e.Embedding), e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("add memory entry: %w", err)
	}
	return &e, nil
}

// ListMemoryEntries returns all memory entries with their decoded
// vectors, newest first. The retriever scans these for similarity;
// the corpus is small enough that a full scan beats maintaining an
// approximate index.
func (s *Store) ListMemoryEntries(ctx context.Context) ([]MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, source, content, embedding, dim, created_at
		FROM memory_entries ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list memory entries: %w", err)
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		var messageID sql.NullString
		var blob []byte
		var dim int
		if err := rows.Scan(&e.ID, &messageID, &e.Source, &e.Content, &blob, &dim, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("list memory entries: scan: %w", err)
		}
		e.MessageID = messageID.String
		e.Embedding, err = decodeVector(blob, dim)
		if err != nil {
			return nil, fmt.Errorf("list memory entries: entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns store counters for telemetry.
func (s *Store) Stats(ctx context.Context) map[string]any {
	var convCount, msgCount, entryCount int
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&convCount)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&msgCount)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_entries`).Scan(&entryCount)

	return map[string]any{
		"conversations":  convCount,
		"messages":       msgCount,
		"memory_entries": entryCount,
		"storage":        "sqlite",
	}
}

// nullable maps an empty string to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
