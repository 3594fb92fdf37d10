package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/arborlabs/arbor/internal/api/middleware"
	"github.com/arborlabs/arbor/internal/generation"
	"github.com/arborlabs/arbor/internal/metrics"
	"github.com/arborlabs/arbor/internal/models"
)

// SubmitMessageRequest is the body for appending a user turn to a chat.
type SubmitMessageRequest struct {
	ID              string  `json:"id,omitempty"` // optional client-generated id for optimistic rendering
	Content         string  `json:"content"`
	ParentMessageID *string `json:"parentMessageId"`
	BranchName      string  `json:"branchName,omitempty"`
}

// SubmitMessage handles POST /chats/{chatID}/messages. The chat id is
// client-supplied, so a brand-new id is accepted here; the first message
// brings the chat record into existence with a synthesized title.
func (h *Handler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")
	if !isValidID(chatID) {
		h.Error(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	var req SubmitMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	content := sanitizeContent(req.Content)
	if content == "" {
		h.Error(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.ID != "" && !isValidID(req.ID) {
		h.Error(w, http.StatusBadRequest, "invalid message id")
		return
	}
	if req.ParentMessageID != nil && *req.ParentMessageID != "" && !isValidID(*req.ParentMessageID) {
		h.Error(w, http.StatusBadRequest, "invalid parent message id")
		return
	}

	chat, denied := h.requireOwnedOrNew(w, r, chatID, userID)
	if denied {
		return
	}

	msg := &models.Message{
		ID:              req.ID,
		ChatID:          chatID,
		Role:            models.RoleUser,
		Content:         content,
		ParentMessageID: req.ParentMessageID,
		BranchName:      req.BranchName,
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}

	saved, err := h.store.AppendMessage(r.Context(), msg)
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to append message")
		h.Error(w, http.StatusInternalServerError, "failed to save message")
		return
	}
	metrics.MessagesAppended.WithLabelValues(string(models.RoleUser)).Inc()

	// First message of a new chat: create the chat record eagerly, with a
	// title synthesized from this content. Best effort; the generation
	// worker creates the chat anyway if this fails, and creation is
	// idempotent either way.
	if chat == nil {
		h.createChat(r.Context(), chatID, userID, content)
	}

	h.JSON(w, http.StatusCreated, saved)
}

func (h *Handler) createChat(ctx context.Context, chatID string, userID uuid.UUID, content string) {
	title, err := h.generator.Complete(ctx, h.cfg.TitleModel, generation.TitlePrompt(content))
	if err != nil {
		h.logger.Warn().Err(err).Str("chat_id", chatID).Msg("title synthesis failed, deferring chat creation")
		return
	}
	if err := h.store.CreateChat(ctx, &models.Chat{ID: chatID, UserID: userID, Title: title}); err != nil {
		h.logger.Warn().Err(err).Str("chat_id", chatID).Msg("failed to create chat")
	}
}

// ListMessages handles GET /chats/{chatID}/messages. The full tree is
// returned in insertion order; clients reconstruct branches themselves.
// Public chats are readable by any authenticated user.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")
	if !isValidID(chatID) {
		h.Error(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	if denied := h.requireReadable(w, r, chatID, userID); denied {
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), chatID)
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to list messages")
		h.Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	h.JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// ListChats handles GET /chats, newest first.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())

	chats, err := h.store.ListChats(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list chats")
		h.Error(w, http.StatusInternalServerError, "failed to load chats")
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}

	h.JSON(w, http.StatusOK, map[string]interface{}{"chats": chats})
}

// UpdateSharingRequest is the body for toggling a chat's public flag.
type UpdateSharingRequest struct {
	IsPublic bool `json:"isPublic"`
}

// UpdateSharing handles PATCH /chats/{chatID}/sharing. A chat owned by
// someone else reads as not found, the same as one that does not exist.
func (h *Handler) UpdateSharing(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")
	if !isValidID(chatID) {
		h.Error(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	var req UpdateSharingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	chat, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to look up chat")
		h.Error(w, http.StatusInternalServerError, "failed to update sharing")
		return
	}
	if chat == nil || chat.UserID != userID {
		h.Error(w, http.StatusNotFound, "chat not found")
		return
	}

	if err := h.store.SetChatPublic(r.Context(), chatID, req.IsPublic); err != nil {
		h.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to update sharing")
		h.Error(w, http.StatusInternalServerError, "failed to update sharing")
		return
	}

	chat.IsPublic = req.IsPublic
	h.JSON(w, http.StatusOK, chat)
}

// GetSharedChat handles GET /shared/{chatID}, the unauthenticated read of a
// public chat. Private chats read as not found.
func (h *Handler) GetSharedChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if !isValidID(chatID) {
		h.Error(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	chat, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to look up chat")
		h.Error(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	if chat == nil || !chat.IsPublic {
		h.Error(w, http.StatusNotFound, "chat not found")
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), chatID)
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to list messages")
		h.Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	h.JSON(w, http.StatusOK, map[string]interface{}{
		"chat":     chat,
		"messages": msgs,
	})
}

// requireOwnedOrNew enforces ownership for chats that exist. A chat id with
// no record yet belongs to whoever writes to it first, which is how new chats
// come into being. denied is true when a response has already been written;
// otherwise chat is the existing record, or nil for a brand-new id.
func (h *Handler) requireOwnedOrNew(w http.ResponseWriter, r *http.Request, chatID string, userID uuid.UUID) (chat *models.Chat, denied bool) {
	chat, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to look up chat")
		h.Error(w, http.StatusInternalServerError, "failed to load chat")
		return nil, true
	}
	if chat != nil && chat.UserID != userID {
		h.Error(w, http.StatusNotFound, "chat not found")
		return nil, true
	}
	return chat, false
}

// requireReadable is the read-side rule: the owner always reads, anyone
// reads a public chat, everything else is not found. Returns true when a
// response has already been written.
func (h *Handler) requireReadable(w http.ResponseWriter, r *http.Request, chatID string, userID uuid.UUID) bool {
	chat, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to look up chat")
		h.Error(w, http.StatusInternalServerError, "failed to load chat")
		return true
	}
	if chat != nil && chat.UserID != userID && !chat.IsPublic {
		h.Error(w, http.StatusNotFound, "chat not found")
		return true
	}
	return false
}
