package pubsub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Broker wraps a PubSub backend chosen at construction: Redis when a client
// is supplied, in-memory otherwise.
type Broker struct {
	mu   sync.RWMutex
	impl PubSub
}

var _ PubSub = (*Broker)(nil)

// BrokerOption configures a Broker.
type BrokerOption func(*brokerOptions)

type brokerOptions struct {
	redisClient redis.UniversalClient
}

// WithRedisClient selects the Redis backend.
func WithRedisClient(client redis.UniversalClient) BrokerOption {
	return func(o *brokerOptions) {
		o.redisClient = client
	}
}

// New creates a Broker.
func New(opts ...BrokerOption) (*Broker, error) {
	options := &brokerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if options.redisClient == nil {
		log.Info().Str("backend", "memory").Msg("event broker ready")
		return &Broker{impl: NewMemoryPubSub()}, nil
	}

	ps, err := NewRedisPubSub(options.redisClient)
	if err != nil {
		return nil, err
	}
	log.Info().Str("backend", "redis").Msg("event broker ready")
	return &Broker{impl: ps}, nil
}

func (b *Broker) backend() (PubSub, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return nil, errClosed
	}
	return b.impl, nil
}

// Publish implements PubSub.
func (b *Broker) Publish(ctx context.Context, topic string, messages ...*Message) error {
	impl, err := b.backend()
	if err != nil {
		return err
	}
	return impl.Publish(ctx, topic, messages...)
}

// TryPublish implements PubSub.
func (b *Broker) TryPublish(ctx context.Context, topic string, messages ...*Message) error {
	impl, err := b.backend()
	if err != nil {
		return err
	}
	return impl.TryPublish(ctx, topic, messages...)
}

// Subscribe implements PubSub.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler any, opts ...Option) (string, error) {
	impl, err := b.backend()
	if err != nil {
		return "", err
	}
	return impl.Subscribe(ctx, topic, handler, opts...)
}

// Unsubscribe implements PubSub.
func (b *Broker) Unsubscribe(ctx context.Context, id string) error {
	impl, err := b.backend()
	if err != nil {
		return err
	}
	return impl.Unsubscribe(ctx, id)
}

// Close closes the backend. Later calls fail.
func (b *Broker) Close() error {
	b.mu.Lock()
	impl := b.impl
	b.impl = nil
	b.mu.Unlock()
	if impl == nil {
		return nil
	}
	return impl.Close()
}
