package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arborlabs/arbor/internal/metrics"
	"github.com/arborlabs/arbor/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// initSchema creates the tables. messages carries no foreign key to chats:
// the chat row is created lazily by the first generation run, after its first
// message has already been appended.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		user_id UUID NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		model TEXT,
		parent_message_id TEXT,
		branch_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_chats_user_id ON chats(user_id, created_at DESC);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateChat inserts a chat record. Inserting an id that already exists is a
// no-op: racing rerolls may both try to create the chat, first writer wins.
func (s *PostgresStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	start := time.Now()
	defer func() { metrics.StoreLatency.Observe(time.Since(start).Seconds()) }()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO chats (id, user_id, title, is_public)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, chat.ID, chat.UserID, chat.Title, chat.IsPublic)
	return err
}

// GetChat retrieves a chat by id. Returns nil, nil when no chat exists.
func (s *PostgresStore) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	start := time.Now()
	defer func() { metrics.StoreLatency.Observe(time.Since(start).Seconds()) }()

	chat := &models.Chat{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, is_public, created_at
		FROM chats WHERE id = $1
	`, id).Scan(
		&chat.ID,
		&chat.UserID,
		&chat.Title,
		&chat.IsPublic,
		&chat.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return chat, nil
}

// ListChats retrieves a user's chats, most recent first.
func (s *PostgresStore) ListChats(ctx context.Context, userID uuid.UUID) ([]models.Chat, error) {
	start := time.Now()
	defer func() { metrics.StoreLatency.Observe(time.Since(start).Seconds()) }()

	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, title, is_public, created_at
		FROM chats
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var chat models.Chat
		if err := rows.Scan(
			&chat.ID,
			&chat.UserID,
			&chat.Title,
			&chat.IsPublic,
			&chat.CreatedAt,
		); err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// SetChatPublic toggles the public sharing flag.
func (s *PostgresStore) SetChatPublic(ctx context.Context, id string, isPublic bool) error {
	start := time.Now()
	defer func() { metrics.StoreLatency.Observe(time.Since(start).Seconds()) }()

	_, err := s.pool.Exec(ctx, `
		UPDATE chats SET is_public = $2 WHERE id = $1
	`, id, isPublic)
	return err
}

// AppendMessage inserts a message and returns the persisted record with its
// server-assigned timestamp.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	start := time.Now()
	defer func() { metrics.StoreLatency.Observe(time.Since(start).Seconds()) }()

	saved := &models.Message{}
	var model *string
	if msg.Model != "" {
		model = &msg.Model
	}
	var savedModel *string

	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, chat_id, role, content, model, parent_message_id, branch_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, chat_id, role, content, model, parent_message_id, branch_name, created_at
	`, msg.ID, msg.ChatID, string(msg.Role), msg.Content, model, msg.ParentMessageID, msg.BranchName).Scan(
		&saved.ID,
		&saved.ChatID,
		&saved.Role,
		&saved.Content,
		&savedModel,
		&saved.ParentMessageID,
		&saved.BranchName,
		&saved.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if savedModel != nil {
		saved.Model = *savedModel
	}
	return saved, nil
}

// ListMessages retrieves all messages for a chat ordered by creation time
// ascending. Callers apply branch resolution to pick an active path.
func (s *PostgresStore) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	start := time.Now()
	defer func() { metrics.StoreLatency.Observe(time.Since(start).Seconds()) }()

	rows, err := s.pool.Query(ctx, `
		SELECT id, chat_id, role, content, model, parent_message_id, branch_name, created_at
		FROM messages
		WHERE chat_id = $1
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
			&m.ID,
			&m.ChatID,
			&m.Role,
			&m.Content,
			&model,
			&m.ParentMessageID,
			&m.BranchName,
			&m.CreatedAt,
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
