package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// redisChannelPrefix namespaces the Redis channels used for topics.
const redisChannelPrefix = "pubsub:"

// wireMessage is the JSON envelope sent over Redis.
type wireMessage struct {
	Payload json.RawMessage `json:"payload"`
}

type redisSubscription struct {
	*Subscription
	ps   *redis.PubSub
	done chan struct{}
}

// RedisPubSub broadcasts messages with Redis PUBLISH/SUBSCRIBE. Delivery is
// at most once: subscribers that are offline when a message is published
// never see it.
type RedisPubSub struct {
	client redis.UniversalClient
	mu     sync.Mutex
	closed bool
	subs   map[string]*redisSubscription
}

var _ PubSub = (*RedisPubSub)(nil)

// NewRedisPubSub creates a Redis-backed PubSub. The client is owned by the
// caller.
func NewRedisPubSub(client redis.UniversalClient) (*RedisPubSub, error) {
	if client == nil {
		return nil, errors.New("pubsub: redis client cannot be nil")
	}
	return &RedisPubSub{
		client: client,
		subs:   make(map[string]*redisSubscription),
	}, nil
}

func channelName(topic string) string {
	return redisChannelPrefix + topic
}

// Publish implements PubSub.
func (r *RedisPubSub) Publish(ctx context.Context, topic string, messages ...*Message) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return errClosed
	}

	for _, msg := range messages {
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return fmt.Errorf("pubsub: marshal payload for %s: %w", topic, err)
		}
		data, err := json.Marshal(wireMessage{Payload: payload})
		if err != nil {
			return fmt.Errorf("pubsub: marshal message for %s: %w", topic, err)
		}
		if err := r.client.Publish(ctx, channelName(topic), data).Err(); err != nil {
			return fmt.Errorf("pubsub: publish to %s: %w", topic, err)
		}
	}
	return nil
}

// TryPublish implements PubSub. Redis PUBLISH never waits on subscribers,
// so it behaves like Publish.
func (r *RedisPubSub) TryPublish(ctx context.Context, topic string, messages ...*Message) error {
	return r.Publish(ctx, topic, messages...)
}

// Subscribe implements PubSub. It returns once Redis has confirmed the
// subscription.
func (r *RedisPubSub) Subscribe(ctx context.Context, topic string, handler any, opts ...Option) (string, error) {
	sub, err := newSubscription(topic, handler, opts...)
	if err != nil {
		return "", err
	}

	ps := r.client.Subscribe(ctx, channelName(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		_ = sub.Close()
		return "", fmt.Errorf("pubsub: subscribe to %s: %w", topic, err)
	}

	rs := &redisSubscription{Subscription: sub, ps: ps, done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ps.Close()
		_ = sub.Close()
		return "", errClosed
	}
	r.subs[sub.ID] = rs
	r.mu.Unlock()

	go rs.listen()
	log.Debug().Str("subscription_id", sub.ID).Str("topic", topic).Msg("redis subscription started")
	return sub.ID, nil
}

// listen forwards Redis messages into the subscription queue until the
// Redis subscription is closed.
func (rs *redisSubscription) listen() {
	defer close(rs.done)
	for m := range rs.ps.Channel() {
		var wire wireMessage
		if err := json.Unmarshal([]byte(m.Payload), &wire); err != nil {
			log.Error().Err(err).Str("subscription_id", rs.ID).Str("channel", m.Channel).Msg("dropping malformed message")
			continue
		}
		msg := &Message{Payload: wire.Payload}
		if err := rs.deliver(context.Background(), msg, false); err != nil {
			if errors.Is(err, errSubscriptionClosed) {
				return
			}
			log.Error().Err(err).Str("subscription_id", rs.ID).Msg("failed to queue message from redis")
		}
	}
}

// close stops the workers first so a listener blocked on a full queue is
// released before the Redis channel goes away.
func (rs *redisSubscription) close() error {
	_ = rs.Subscription.Close()
	err := rs.ps.Close()
	<-rs.done
	return err
}

// Unsubscribe implements PubSub. Unknown IDs are ignored.
func (r *RedisPubSub) Unsubscribe(_ context.Context, id string) error {
	r.mu.Lock()
	rs, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return rs.close()
}

// Close implements PubSub.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()

	var errs []error
	for _, rs := range subs {
		if err := rs.close(); err != nil {
			errs = append(errs, err)
		}
	}
	log.Debug().Int("subscriptions", len(subs)).Msg("redis pubsub closed")
	return errors.Join(errs...)
}
