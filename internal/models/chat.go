package models

import (
	"time"

	"github.com/google/uuid"
)

// Chat is a conversation owned by a user. The id is supplied by the client so
// it can navigate to the chat before the first round-trip completes; the title
// is synthesized once, from the first user message.
type Chat struct {
	ID        string    `json:"id"`
	UserID    uuid.UUID `json:"userId"`
	Title     string    `json:"title"`
	IsPublic  bool      `json:"isPublic"`
	CreatedAt time.Time `json:"createdAt"`
}
