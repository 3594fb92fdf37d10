package stream

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/arborlabs/arbor/internal/metrics"
)

// Broker is an in-process Transport for single-node deployments without Redis
// and for tests. Channels are created lazily on first use and removed once the
// last subscriber leaves.
type Broker struct {
	mu       sync.Mutex
	channels map[string]map[*brokerSubscription]struct{}
	logger   zerolog.Logger
}

// NewBroker creates an in-process broadcast broker.
func NewBroker(logger zerolog.Logger) *Broker {
	return &Broker{
		channels: make(map[string]map[*brokerSubscription]struct{}),
		logger:   logger,
	}
}

// Publish fans the event out to every current subscriber of the chat. A
// subscriber that cannot keep up has the event dropped rather than blocking
// the publisher, matching the fire-and-forget publish contract.
func (b *Broker) Publish(ctx context.Context, chatID string, ev Event) error {
	// Round-trip through the codec so the broker enforces the same shape
	// contract as the wire transport.
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	decoded, err := Decode(payload)
	if err != nil {
		b.logger.Warn().Err(err).Str("chat_id", chatID).Msg("dropping malformed event")
		metrics.EventsDropped.Inc()
		return nil
	}

	// Sends happen under the lock so a concurrent Close cannot close a
	// channel mid-send; they are non-blocking, so the lock is held briefly.
	b.mu.Lock()
	for sub := range b.channels[chatID] {
		select {
		case sub.events <- decoded:
		default:
			b.logger.Warn().Str("chat_id", chatID).Msg("subscriber too slow, dropping event")
			metrics.EventsDropped.Inc()
		}
	}
	b.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// Subscribe attaches a new subscriber to the chat's channel, creating the
// channel if this is its first listener.
func (b *Broker) Subscribe(ctx context.Context, chatID string) (Subscription, error) {
	sub := &brokerSubscription{
		broker: b,
		chatID: chatID,
		events: make(chan Event, 64),
	}

	b.mu.Lock()
	if b.channels[chatID] == nil {
		b.channels[chatID] = make(map[*brokerSubscription]struct{})
	}
	b.channels[chatID][sub] = struct{}{}
	b.mu.Unlock()

	return sub, nil
}

// subscriberCount is used by tests to verify channel teardown.
func (b *Broker) subscriberCount(chatID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[chatID])
}

type brokerSubscription struct {
	broker    *Broker
	chatID    string
	events    chan Event
	closeOnce sync.Once
}

func (s *brokerSubscription) Events() <-chan Event {
	return s.events
}

func (s *brokerSubscription) Close() error {
	s.closeOnce.Do(func() {
		b := s.broker
		b.mu.Lock()
		delete(b.channels[s.chatID], s)
		if len(b.channels[s.chatID]) == 0 {
			delete(b.channels, s.chatID)
		}
		close(s.events)
		b.mu.Unlock()
	})
	return nil
}
