package stream

import (
	"context"
)

// Transport is a keyed broadcast channel: one logical channel per chat id.
// Publish is fire-and-forget with respect to subscribers; a channel with no
// listeners accepts events and drops them. Delivery order is per-channel only.
type Transport interface {
	// Publish sends an event to every current subscriber of the chat's
	// channel. A lost publish is not retried.
	Publish(ctx context.Context, chatID string, ev Event) error

	// Subscribe opens a dedicated subscription to the chat's channel.
	// Events published after this call are delivered in publish order on
	// Events(). The caller must Close the subscription when finished.
	Subscribe(ctx context.Context, chatID string) (Subscription, error)
}

// Subscription is one subscriber's view of a chat channel. The transport does
// not track offsets: a subscriber that connects mid-generation misses earlier
// events and reconciles by re-fetching the persisted message after done.
type Subscription interface {
	// Events yields decoded, shape-validated events. The channel is closed
	// when the subscription is torn down. Malformed payloads are dropped
	// and logged, never delivered.
	Events() <-chan Event

	// Close tears the subscription down and releases channel resources.
	// Safe to call more than once.
	Close() error
}

// ChannelKey returns the broadcast channel name for a chat.
func ChannelKey(chatID string) string {
	return "chat:" + chatID
}
