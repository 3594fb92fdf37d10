package arbor

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arborlabs/arbor/internal/branch"
	"github.com/arborlabs/arbor/internal/models"
	"github.com/arborlabs/arbor/internal/stream"
)

// TurnState is the lifecycle of one streamed assistant turn.
type TurnState int

const (
	TurnStreaming TurnState = iota
	TurnDone
	TurnFailed
)

// TurnBuffer accumulates the chunks of one in-flight assistant turn. Chunks
// concatenate in arrival order; a terminal event freezes the buffer.
type TurnBuffer struct {
	text   []byte
	state  TurnState
	reason string
}

// NewTurnBuffer creates an empty turn buffer in the streaming state.
func NewTurnBuffer() *TurnBuffer {
	return &TurnBuffer{state: TurnStreaming}
}

// Apply folds one event into the buffer. Events after a terminal event are
// rejected; the buffer is single-use.
func (t *TurnBuffer) Apply(ev stream.Event) error {
	if t.state != TurnStreaming {
		return fmt.Errorf("turn already finished")
	}
	switch ev.Type {
	case stream.EventChunk:
		t.text = append(t.text, ev.Data...)
	case stream.EventDone:
		t.state = TurnDone
	case stream.EventError:
		t.state = TurnFailed
		t.reason = ev.Data
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}

// Text returns the accumulated reply so far. After done this is the full
// reply; after a failure it is the partial text received before the error.
func (t *TurnBuffer) Text() string {
	return string(t.text)
}

// State returns the buffer's lifecycle state.
func (t *TurnBuffer) State() TurnState {
	return t.state
}

// FailureReason returns the error description after a failed turn.
func (t *TurnBuffer) FailureReason() string {
	return t.reason
}

// timeNow is stubbed in tests.
var timeNow = time.Now

// Session is the client-side view of one chat: the message tree plus local
// messages rendered optimistically before the server confirms them.
type Session struct {
	ChatID   string
	messages map[string]models.Message
	pending  map[string]struct{} // ids awaiting server confirmation
}

// NewSession creates a session for a chat, seeded with any already-fetched
// messages.
func NewSession(chatID string, msgs []models.Message) *Session {
	s := &Session{
		ChatID:   chatID,
		messages: make(map[string]models.Message, len(msgs)),
		pending:  make(map[string]struct{}),
	}
	for _, m := range msgs {
		s.messages[m.ID] = m
	}
	return s
}

// AddLocal inserts a user message optimistically with a client-generated id,
// so the UI can render it before the server round-trip completes. The same
// id is sent to the server, which preserves it.
func (s *Session) AddLocal(content string, parentID *string) models.Message {
	msg := models.Message{
		ID:              uuid.New().String(),
		ChatID:          s.ChatID,
		Role:            models.RoleUser,
		Content:         content,
		ParentMessageID: parentID,
		CreatedAt:       timeNow().UTC(),
	}
	s.messages[msg.ID] = msg
	s.pending[msg.ID] = struct{}{}
	return msg
}

// Confirm reconciles a server-confirmed message with its optimistic copy.
// The server's version wins; unknown ids are simply inserted, which is how
// assistant replies land.
func (s *Session) Confirm(msg models.Message) {
	s.messages[msg.ID] = msg
	delete(s.pending, msg.ID)
}

// Discard drops an optimistic message whose submission failed.
func (s *Session) Discard(id string) {
	if _, ok := s.pending[id]; ok {
		delete(s.pending, id)
		delete(s.messages, id)
	}
}

// Pending reports whether the message is still awaiting confirmation.
func (s *Session) Pending(id string) bool {
	_, ok := s.pending[id]
	return ok
}

// Replace swaps in a fresh server snapshot, dropping any optimistic messages
// the snapshot does not contain. Used when reconciling after done.
func (s *Session) Replace(msgs []models.Message) {
	s.messages = make(map[string]models.Message, len(msgs))
	for _, m := range msgs {
		s.messages[m.ID] = m
	}
	s.pending = make(map[string]struct{})
}

// Messages returns all messages in the session, in no particular order.
func (s *Session) Messages() []models.Message {
	out := make([]models.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	return out
}

// ActiveBranch returns the linear history from the root to the given leaf,
// root-first. This is the path a UI displays and the history a generation
// replies to.
func (s *Session) ActiveBranch(leafID string) []models.Message {
	return branch.ToRoot(leafID, s.messages)
}

// MostRecentLeaf descends from the given message to the newest leaf below
// it. Opening a chat at its latest state is MostRecentLeaf of the root.
func (s *Session) MostRecentLeaf(id string) (models.Message, bool) {
	start, ok := s.messages[id]
	if !ok {
		return models.Message{}, false
	}
	children := branch.ChildrenByParent(s.Messages())
	return branch.MostRecentLeaf(start, children), true
}

// Roots returns the session's root messages in sibling order. A well-formed
// chat has exactly one.
func (s *Session) Roots() []models.Message {
	return branch.ChildrenByParent(s.Messages())[branch.RootKey]
}

// Siblings returns the alternate versions of a message: every child of its
// parent, in stable order. The message itself is included.
func (s *Session) Siblings(id string) []models.Message {
	msg, ok := s.messages[id]
	if !ok {
		return nil
	}
	key := branch.RootKey
	if msg.ParentMessageID != nil {
		key = *msg.ParentMessageID
	}
	return branch.ChildrenByParent(s.Messages())[key]
}
