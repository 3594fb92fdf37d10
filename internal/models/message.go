package models

import (
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the three known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Message is a single node in a chat's conversation tree. Messages are
// immutable once appended; alternate regenerations become new siblings of the
// same parent rather than replacing anything.
type Message struct {
	ID              string    `json:"id"` // ULID, or caller-supplied
	ChatID          string    `json:"chatId"`
	Role            Role      `json:"role"`
	Content         string    `json:"content"`
	Model           string    `json:"model,omitempty"` // set on assistant messages only
	ParentMessageID *string   `json:"parentMessageId"` // nil for a chat's root message
	BranchName      string    `json:"branchName,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// IsRoot reports whether the message has no parent.
func (m *Message) IsRoot() bool {
	return m.ParentMessageID == nil || *m.ParentMessageID == ""
}
