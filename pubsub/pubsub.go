// Package pubsub fans out engine notices (lockouts, resets, degraded
// decisions) to in-process subscribers or, through Redis PUBLISH/SUBSCRIBE,
// to every instance sharing the Redis deployment.
package pubsub

import (
	"context"
	"errors"
)

var errClosed = errors.New("pubsub: closed")

// Message is a single published item. Payloads that cross Redis travel as
// JSON and are decoded into the subscriber's parameter type on delivery.
type Message struct {
	Payload any `json:"payload"`
}

// PubSub is a publish/subscribe system.
type PubSub interface {
	// Publish hands messages to every subscriber of topic, waiting for room
	// in full subscriber queues until ctx is done.
	Publish(ctx context.Context, topic string, messages ...*Message) error

	// TryPublish is Publish without waiting: subscribers whose queue is full
	// miss the message.
	TryPublish(ctx context.Context, topic string, messages ...*Message) error

	// Subscribe registers handler for topic. handler is either a function
	// taking one argument (func(T) or func(*Message)) or a sendable channel
	// (chan<- T or chan<- *Message). It returns the subscription ID.
	Subscribe(ctx context.Context, topic string, handler any, opts ...Option) (string, error)

	// Unsubscribe removes the subscription with the given ID.
	Unsubscribe(ctx context.Context, id string) error

	// Close stops all subscriptions.
	Close() error
}
