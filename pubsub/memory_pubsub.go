package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// MemoryPubSub delivers messages to subscribers in the same process.
type MemoryPubSub struct {
	mu     sync.RWMutex
	closed bool
	topics map[string]map[string]*Subscription // topic -> subID -> Subscription
	subs   map[string]*Subscription            // subID -> Subscription
}

var _ PubSub = (*MemoryPubSub)(nil)

// NewMemoryPubSub creates an in-memory PubSub.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		topics: make(map[string]map[string]*Subscription),
		subs:   make(map[string]*Subscription),
	}
}

// Publish implements PubSub.
func (m *MemoryPubSub) Publish(ctx context.Context, topic string, messages ...*Message) error {
	return m.publish(ctx, topic, messages, false)
}

// TryPublish implements PubSub.
func (m *MemoryPubSub) TryPublish(ctx context.Context, topic string, messages ...*Message) error {
	return m.publish(ctx, topic, messages, true)
}

func (m *MemoryPubSub) publish(ctx context.Context, topic string, messages []*Message, try bool) error {
	subs, err := m.subscribers(topic)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		for _, sub := range subs {
			err := sub.deliver(ctx, msg, try)
			if err == nil || errors.Is(err, errSubscriptionClosed) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *MemoryPubSub) subscribers(topic string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	subs := make([]*Subscription, 0, len(m.topics[topic]))
	for _, sub := range m.topics[topic] {
		subs = append(subs, sub)
	}
	return subs, nil
}

// Subscribe implements PubSub.
func (m *MemoryPubSub) Subscribe(_ context.Context, topic string, handler any, opts ...Option) (string, error) {
	sub, err := newSubscription(topic, handler, opts...)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = sub.Close()
		return "", errClosed
	}
	if _, ok := m.topics[topic]; !ok {
		m.topics[topic] = make(map[string]*Subscription)
	}
	m.topics[topic][sub.ID] = sub
	m.subs[sub.ID] = sub
	m.mu.Unlock()

	log.Debug().Str("subscription_id", sub.ID).Str("topic", topic).Msg("subscribed")
	return sub.ID, nil
}

// Unsubscribe implements PubSub. Unknown IDs are ignored.
func (m *MemoryPubSub) Unsubscribe(_ context.Context, id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
		delete(m.topics[sub.Topic], id)
		if len(m.topics[sub.Topic]) == 0 {
			delete(m.topics, sub.Topic)
		}
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.Close()
}

// Close implements PubSub.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.topics = make(map[string]map[string]*Subscription)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			_ = s.Close()
		}(sub)
	}
	wg.Wait()
	log.Debug().Int("subscriptions", len(subs)).Msg("memory pubsub closed")
	return nil
}
