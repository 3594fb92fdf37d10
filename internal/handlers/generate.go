package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arborlabs/arbor/internal/api/middleware"
	"github.com/arborlabs/arbor/internal/branch"
	"github.com/arborlabs/arbor/internal/generation"
	"github.com/arborlabs/arbor/internal/metrics"
	"github.com/arborlabs/arbor/internal/models"
)

const maxHistoryMessages = 200

// GenerateRequest is the body for starting a generation run. Callers either
// name the leaf message to reply to, letting the server resolve the branch,
// or send the linear history explicitly.
type GenerateRequest struct {
	Model         string           `json:"model,omitempty"`
	LeafMessageID string           `json:"leafMessageId,omitempty"`
	Messages      []models.Message `json:"messages,omitempty"`
}

// StartGeneration handles POST /chats/{chatID}/generate. The run is detached:
// the response returns as soon as the run is admitted, and progress flows
// through the subscribe endpoint.
func (h *Handler) StartGeneration(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")
	if !isValidID(chatID) {
		h.Error(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, denied := h.requireOwnedOrNew(w, r, chatID, userID); denied {
		return
	}

	history, err := h.resolveHistory(r, chatID, &req)
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	model := req.Model
	if model == "" {
		model = h.cfg.DefaultModel
	}

	runID, err := h.supervisor.Start(generation.Request{
		ChatID:  chatID,
		UserID:  userID,
		Model:   model,
		History: history,
	})
	if errors.Is(err, generation.ErrGenerationActive) {
		h.Error(w, http.StatusConflict, "a generation is already in progress for this chat")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to start generation")
		h.Error(w, http.StatusInternalServerError, "failed to start generation")
		return
	}

	h.JSON(w, http.StatusAccepted, map[string]string{
		"status": "generation_started",
		"runId":  runID,
	})
}

// resolveHistory builds the root-first linear history for a run. Explicit
// messages win over leaf resolution; both forms end at a user message.
func (h *Handler) resolveHistory(r *http.Request, chatID string, req *GenerateRequest) ([]models.Message, error) {
	var history []models.Message

	switch {
	case len(req.Messages) > 0:
		if len(req.Messages) > maxHistoryMessages {
			return nil, fmt.Errorf("history exceeds %d messages", maxHistoryMessages)
		}
		for i := range req.Messages {
			m := &req.Messages[i]
			if !m.Role.Valid() {
				return nil, fmt.Errorf("invalid role %q", m.Role)
			}
			m.Content = sanitizeContent(m.Content)
			m.ChatID = chatID
		}
		history = req.Messages

	case req.LeafMessageID != "":
		if !isValidID(req.LeafMessageID) {
			return nil, errors.New("invalid leaf message id")
		}
		msgs, err := h.store.ListMessages(r.Context(), chatID)
		if err != nil {
			h.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to list messages")
			return nil, errors.New("failed to load messages")
		}
		history = branch.ActiveBranch(req.LeafMessageID, msgs)
		if len(history) == 0 {
			return nil, errors.New("leaf message not found")
		}

	default:
		return nil, errors.New("either messages or leafMessageId is required")
	}

	if history[len(history)-1].Role != models.RoleUser {
		return nil, errors.New("history must end with a user message")
	}
	return history, nil
}

// Subscribe handles GET /chats/{chatID}/subscribe: a server-sent event stream
// of generation events for the chat. The stream stays open across idle
// periods and closes itself after a terminal event or client disconnect.
// Anyone who can read the chat can watch it, so viewers of a public chat see
// the live stream too.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")
	if !isValidID(chatID) {
		h.Error(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	if denied := h.requireReadable(w, r, chatID, userID); denied {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, err := h.transport.Subscribe(r.Context(), chatID)
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to subscribe")
		h.Error(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.Subscribers.Inc()
	defer metrics.Subscribers.Dec()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := ev.Encode()
			if err != nil {
				h.logger.Warn().Err(err).Str("chat_id", chatID).Msg("failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}
