package stream

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/arborlabs/arbor/internal/metrics"
)

// NewRedisClient connects a go-redis client from a redis:// URL.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return client, nil
}

// RedisTransport implements Transport on Redis pub/sub. Redis guarantees
// per-channel publish order to each subscriber, which is exactly the ordering
// contract the transport promises.
type RedisTransport struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisTransport creates a Redis-backed transport.
func NewRedisTransport(client *redis.Client, logger zerolog.Logger) *RedisTransport {
	return &RedisTransport{client: client, logger: logger}
}

// Publish sends an event on the chat's channel.
func (t *RedisTransport) Publish(ctx context.Context, chatID string, ev Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}

	start := time.Now()
	err = t.client.Publish(ctx, ChannelKey(chatID), payload).Err()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	}
	return err
}

// Subscribe opens a dedicated Redis subscription for the chat channel.
func (t *RedisTransport) Subscribe(ctx context.Context, chatID string) (Subscription, error) {
	pubsub := t.client.Subscribe(ctx, ChannelKey(chatID))

	// Confirm the subscription before returning so no event published after
	// this call can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event, 16),
		quit:   make(chan struct{}),
	}

	go sub.pump(pubsub.Channel(), t.logger.With().Str("chat_id", chatID).Logger())

	return sub, nil
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	events    chan Event
	quit      chan struct{}
	closeOnce sync.Once
}

// pump forwards decoded events until the PubSub channel closes or the
// subscription is closed. Sends select against quit so a pump parked on a
// full events buffer still exits when the consumer abandons the
// subscription; events is closed here, on the only sending side.
func (s *redisSubscription) pump(msgs <-chan *redis.Message, logger zerolog.Logger) {
	defer close(s.events)
	for msg := range msgs {
		ev, err := Decode([]byte(msg.Payload))
		if err != nil {
			logger.Warn().Err(err).Str("payload", msg.Payload).Msg("dropping malformed event")
			metrics.EventsDropped.Inc()
			continue
		}
		select {
		case s.events <- ev:
		case <-s.quit:
			return
		}
	}
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		err = s.pubsub.Close()
	})
	return err
}
