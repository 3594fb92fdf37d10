// Package generation runs LLM replies as detached background tasks: each run
// consumes a provider stream, batches fragments onto a chat's broadcast
// channel, and persists the finished assistant message. A run's lifetime is
// not bound to the request that triggered it or to any subscriber.
package generation

import (
	"context"

	"github.com/arborlabs/arbor/internal/models"
)

// TextStream is a lazy, finite, non-restartable sequence of text fragments.
// Recv returns io.EOF at the natural end of the stream and any other error on
// failure; after either, the stream is exhausted. Close releases the
// underlying connection and is safe after an error.
type TextStream interface {
	Recv() (string, error)
	Close() error
}

// Generator is the opaque text-generation service: it accepts a message list
// and a model identifier and returns a stream of text fragments. Provider
// specifics stay behind this interface.
type Generator interface {
	// Stream starts a streaming completion over the linear history, which
	// must be ordered root-first and end at the message being replied to.
	Stream(ctx context.Context, model string, history []models.Message) (TextStream, error)

	// Complete performs a single non-streaming completion. Used for chat
	// title synthesis.
	Complete(ctx context.Context, model, prompt string) (string, error)
}
