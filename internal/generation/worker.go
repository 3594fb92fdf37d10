package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/arborlabs/arbor/internal/metrics"
	"github.com/arborlabs/arbor/internal/models"
	"github.com/arborlabs/arbor/internal/store"
	"github.com/arborlabs/arbor/internal/stream"
)

// titlePrompt matches the one-shot title synthesis call: a short summary of
// the first user message, generated exactly once per chat.
const titlePrompt = `Summarize this in 5 words or less: %q`

// TitlePrompt builds the title synthesis prompt for a chat's first user
// message. Exposed so the submit path can create the chat eagerly with the
// same prompt the worker falls back to.
func TitlePrompt(content string) string {
	return fmt.Sprintf(titlePrompt, content)
}

// Request describes one generation run.
type Request struct {
	RunID   string
	ChatID  string
	UserID  uuid.UUID // owner, recorded on implicit chat creation
	Model   string
	History []models.Message // root-first, ending at the message to reply to
}

// Config holds worker tunables.
type Config struct {
	BatchMaxChars int
	BatchInterval time.Duration
	TitleModel    string
}

// Worker produces an assistant reply for a linear history and durably records
// it. It publishes progress on the chat's broadcast channel and never returns
// an error to its invoker: every failure becomes a terminal "error" event.
type Worker struct {
	generator Generator
	store     store.Store
	transport stream.Transport
	cfg       Config
	logger    zerolog.Logger
}

// NewWorker creates a generation worker.
func NewWorker(generator Generator, st store.Store, transport stream.Transport, cfg Config, logger zerolog.Logger) *Worker {
	return &Worker{
		generator: generator,
		store:     st,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes one generation to completion or failure. It is meant to be
// called on a dedicated goroutine with a context that outlives the triggering
// request; closing a subscriber connection does not cancel it.
//
// On success the full reply is persisted as a new assistant message (a new
// leaf under the last history message) and a single "done" event is published
// after persistence. On failure nothing is persisted and a single "error"
// event is published instead.
func (w *Worker) Run(ctx context.Context, req Request) {
	logger := w.logger.With().
		Str("chat_id", req.ChatID).
		Str("run_id", req.RunID).
		Str("model", req.Model).
		Logger()

	start := time.Now()
	metrics.GenerationsStarted.Inc()
	logger.Info().Int("history_len", len(req.History)).Msg("starting generation")

	if err := w.run(ctx, req, logger); err != nil {
		w.publishError(ctx, req.ChatID, logger)
	} else {
		metrics.GenerationsCompleted.Inc()
	}
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())
}

func (w *Worker) run(ctx context.Context, req Request, logger zerolog.Logger) error {
	ts, err := w.generator.Stream(ctx, req.Model, req.History)
	if err != nil {
		logger.Error().Err(err).Msg("generation stream failed to start")
		metrics.GenerationsFailed.WithLabelValues("stream").Inc()
		return err
	}
	defer func() {
		if err := ts.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close generation stream")
		}
	}()

	batcher := NewBatcher(w.cfg.BatchMaxChars, w.cfg.BatchInterval)
	var full []byte

	for {
		fragment, err := ts.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Error().Err(err).Int("chars_received", len(full)).Msg("generation stream failed mid-way")
			metrics.GenerationsFailed.WithLabelValues("stream").Inc()
			return err
		}

		full = append(full, fragment...)
		if batch, flush := batcher.Add(fragment); flush {
			w.publishChunk(ctx, req.ChatID, batch, logger)
		}
	}

	if batch, ok := batcher.Flush(); ok {
		w.publishChunk(ctx, req.ChatID, batch, logger)
	}

	logger.Debug().Int("chars", len(full)).Msg("stream finished, persisting assistant message")

	if err := w.ensureChat(ctx, req, logger); err != nil {
		metrics.GenerationsFailed.WithLabelValues("title").Inc()
		return err
	}

	msg := &models.Message{
		ID:      ulid.Make().String(),
		ChatID:  req.ChatID,
		Role:    models.RoleAssistant,
		Content: string(full),
		Model:   req.Model,
	}
	if n := len(req.History); n > 0 {
		parentID := req.History[n-1].ID
		msg.ParentMessageID = &parentID
	}

	if _, err := w.store.AppendMessage(ctx, msg); err != nil {
		// The reply was generated but could not be recorded. Highest
		// severity: this is the one failure mode that loses content.
		logger.Error().Err(err).
			Int("chars", len(full)).
			Msg("assistant reply generated but not persisted")
		metrics.GenerationsFailed.WithLabelValues("persist").Inc()
		return err
	}
	metrics.MessagesAppended.WithLabelValues(string(models.RoleAssistant)).Inc()

	if err := w.transport.Publish(ctx, req.ChatID, stream.Done()); err != nil {
		// Persistence already succeeded; subscribers will reconcile by
		// re-fetching, so log and report success.
		logger.Warn().Err(err).Msg("failed to publish done event")
	}

	logger.Info().Str("message_id", msg.ID).Msg("assistant message persisted")
	return nil
}

// ensureChat creates the chat record if this run is the chat's first, with a
// title synthesized from the last user message. Creation is idempotent so
// concurrent rerolls cannot conflict: first writer wins.
func (w *Worker) ensureChat(ctx context.Context, req Request, logger zerolog.Logger) error {
	existing, err := w.store.GetChat(ctx, req.ChatID)
	if err != nil {
		return fmt.Errorf("look up chat: %w", err)
	}
	if existing != nil {
		return nil
	}

	title, err := w.generator.Complete(ctx, w.cfg.TitleModel, TitlePrompt(lastUserContent(req.History)))
	if err != nil {
		return fmt.Errorf("synthesize title: %w", err)
	}

	chat := &models.Chat{
		ID:     req.ChatID,
		UserID: req.UserID,
		Title:  title,
	}
	if err := w.store.CreateChat(ctx, chat); err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	logger.Info().Str("title", title).Msg("created chat")
	return nil
}

func (w *Worker) publishChunk(ctx context.Context, chatID, batch string, logger zerolog.Logger) {
	// Fire-and-forget: a lost chunk is recovered when the client re-fetches
	// the persisted message after done.
	if err := w.transport.Publish(ctx, chatID, stream.Chunk(batch)); err != nil {
		logger.Warn().Err(err).Int("chars", len(batch)).Msg("failed to publish chunk")
	}
}

func (w *Worker) publishError(ctx context.Context, chatID string, logger zerolog.Logger) {
	// The description is deliberately generic: provider errors can embed
	// prompts or keys and must not reach clients.
	ev := stream.Error("An error occurred during generation.")
	if err := w.transport.Publish(ctx, chatID, ev); err != nil {
		logger.Error().Err(err).Msg("failed to publish error event")
	}
}

func lastUserContent(history []models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			return history[i].Content
		}
	}
	if len(history) > 0 {
		return history[len(history)-1].Content
	}
	return ""
}
