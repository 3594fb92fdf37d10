package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/arborlabs/arbor/internal/models"
)

// SQLiteStore handles SQLite database operations. It is the development and
// single-node fallback when DATABASE_URL is not configured.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/arbor.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/arbor.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist. Like the Postgres schema,
// messages carries no foreign key to chats, which are created lazily.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		is_public INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		model TEXT,
		parent_message_id TEXT,
		branch_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_chats_user_id ON chats(user_id, created_at DESC);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateChat inserts a chat record, ignoring duplicates.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO chats (id, user_id, title, is_public, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, chat.ID, chat.UserID.String(), chat.Title, boolToInt(chat.IsPublic), timestamp(chat.CreatedAt))
	return err
}

// GetChat retrieves a chat by id. Returns nil, nil when no chat exists.
func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	chat := &models.Chat{}
	var userID string
	var isPublic int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, is_public, created_at
		FROM chats WHERE id = ?
	`, id).Scan(&chat.ID, &userID, &chat.Title, &isPublic, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	chat.UserID, err = uuid.Parse(userID)
	if err != nil {
		return nil, err
	}
	chat.IsPublic = isPublic != 0
	return chat, nil
}

// ListChats retrieves a user's chats, most recent first.
func (s *SQLiteStore) ListChats(ctx context.Context, userID uuid.UUID) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, is_public, created_at
		FROM chats
		WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var chat models.Chat
		var uid string
		var isPublic int
		if err := rows.Scan(&chat.ID, &uid, &chat.Title, &isPublic, &chat.CreatedAt); err != nil {
			return nil, err
		}
		if chat.UserID, err = uuid.Parse(uid); err != nil {
			return nil, err
		}
		chat.IsPublic = isPublic != 0
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// SetChatPublic toggles the public sharing flag.
func (s *SQLiteStore) SetChatPublic(ctx context.Context, id string, isPublic bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET is_public = ? WHERE id = ?
	`, boolToInt(isPublic), id)
	return err
}

// AppendMessage inserts a message and returns the persisted record.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	var model *string
	if msg.Model != "" {
		model = &msg.Model
	}
	createdAt := timestamp(msg.CreatedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content, model, parent_message_id, branch_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChatID, string(msg.Role), msg.Content, model, msg.ParentMessageID, msg.BranchName, createdAt)
	if err != nil {
		return nil, err
	}

	saved := *msg
	saved.CreatedAt = createdAt
	return &saved, nil
}

// ListMessages retrieves all messages for a chat, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, model, parent_message_id, branch_name, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC, id ASC
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var model *string
		if err := rows.Scan(
			&m.ID, &m.ChatID, &m.Role, &m.Content,
			&model, &m.ParentMessageID, &m.BranchName, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		if model != nil {
			m.Model = *model
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timestamp normalizes a possibly-zero creation time to UTC now.
func timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
