// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	converrors "github.com/tombee/converse/pkg/errors"
)

// Compile-time interface assertion.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the SQLite-backed store for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig contains SQLite connection configuration.
type SQLiteConfig struct {
	// Path is the database file path
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads
	WAL bool
}

// NewSQLite opens (and migrates) a SQLite store.
func NewSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so a single connection avoids lock
	// contention errors.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			thinking TEXT,
			tool_calls TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS mcp_servers (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			transport TEXT NOT NULL,
			command TEXT,
			args TEXT,
			env TEXT,
			url TEXT,
			headers TEXT,
			timeout_seconds REAL DEFAULT 0,
			active INTEGER DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (user_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mcp_servers_user ON mcp_servers(user_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateConversation inserts a conversation, assigning an ID and
// timestamps when absent.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title,
		conv.CreatedAt.Format(time.RFC3339Nano),
		conv.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// Conversation fetches one conversation by ID.
func (s *SQLiteStore) Conversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, &converrors.NotFoundError{Resource: "conversation", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns a user's conversations, most recently
// updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	query := `SELECT id, user_id, title, created_at, updated_at
		 FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation; messages cascade.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &converrors.NotFoundError{Resource: "conversation", ID: id}
	}
	return nil
}

// AppendMessage inserts a message and bumps the conversation's updated
// time.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, thinking, tool_calls, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content,
		msg.Thinking, msg.ToolCalls,
		msg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		msg.CreatedAt.Format(time.RFC3339Nano), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	return tx.Commit()
}

// Messages returns a conversation's messages in insertion order.
func (s *SQLiteStore) Messages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, thinking, tool_calls, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var msg Message
		var thinking, toolCalls sql.NullString
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&thinking, &toolCalls, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Thinking = thinking.String
		msg.ToolCalls = toolCalls.String
		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// UpsertServer inserts or replaces a server definition by (user, name).
func (s *SQLiteStore) UpsertServer(ctx context.Context, rec *ServerRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	args, err := marshalJSONColumn(rec.Args)
	if err != nil {
		return err
	}
	env, err := marshalJSONColumn(rec.Env)
	if err != nil {
		return err
	}
	headers, err := marshalJSONColumn(rec.Headers)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mcp_servers (id, user_id, name, transport, command, args, env, url, headers, timeout_seconds, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, name) DO UPDATE SET
			transport = excluded.transport,
			command = excluded.command,
			args = excluded.args,
			env = excluded.env,
			url = excluded.url,
			headers = excluded.headers,
			timeout_seconds = excluded.timeout_seconds,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		rec.ID, rec.UserID, rec.Name, rec.Transport, rec.Command,
		args, env, rec.URL, headers, rec.TimeoutSeconds, boolToInt(rec.Active),
		rec.CreatedAt.Format(time.RFC3339Nano),
		rec.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upserting server: %w", err)
	}
	return nil
}

// DeleteServer removes a server definition.
func (s *SQLiteStore) DeleteServer(ctx context.Context, userID, name string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM mcp_servers WHERE user_id = ? AND name = ?`, userID, name)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &converrors.NotFoundError{Resource: "server", ID: name}
	}
	return nil
}

// ServersForUser returns a user's server definitions sorted by name.
func (s *SQLiteStore) ServersForUser(ctx context.Context, userID string) ([]*ServerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, transport, command, args, env, url, headers, timeout_seconds, active, created_at, updated_at
		 FROM mcp_servers WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	defer rows.Close()

	var out []*ServerRecord
	for rows.Next() {
		var rec ServerRecord
		var command, args, env, url, headers sql.NullString
		var active int
		var createdAt, updatedAt string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Name, &rec.Transport,
			&command, &args, &env, &url, &headers,
			&rec.TimeoutSeconds, &active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		rec.Command = command.String
		rec.URL = url.String
		rec.Active = active != 0
		if err := unmarshalJSONColumn(args.String, &rec.Args); err != nil {
			return nil, fmt.Errorf("parsing args for server %s: %w", rec.Name, err)
		}
		if err := unmarshalJSONColumn(env.String, &rec.Env); err != nil {
			return nil, fmt.Errorf("parsing env for server %s: %w", rec.Name, err)
		}
		if err := unmarshalJSONColumn(headers.String, &rec.Headers); err != nil {
			return nil, fmt.Errorf("parsing headers for server %s: %w", rec.Name, err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for server %s: %w", rec.Name, err)
		}
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for server %s: %w", rec.Name, err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var conv Conversation
	var title sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&conv.ID, &conv.UserID, &title, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	conv.Title = title.String

	var err error
	if conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

func marshalJSONColumn(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshalling column: %w", err)
	}
	return string(data), nil
}

func unmarshalJSONColumn[T any](data string, dest *T) error {
	if data == "" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), dest)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
