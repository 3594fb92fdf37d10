package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/arborlabs/arbor/internal/models"
)

// Store defines the durable, append-only record of chats and messages.
// Both PostgresStore and SQLiteStore implement this interface.
//
// Messages are immutable once appended and ids are unique, so implementations
// never need a single-writer lock: concurrent appends under different parents
// (rerolled branches) are always conflict-free.
type Store interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Chat operations. CreateChat is idempotent: re-inserting a chat that a
	// racing generation already created is a no-op, not an error.
	CreateChat(ctx context.Context, chat *models.Chat) error
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	ListChats(ctx context.Context, userID uuid.UUID) ([]models.Chat, error)
	SetChatPublic(ctx context.Context, id string, isPublic bool) error

	// Message operations
	AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]models.Message, error)
}
