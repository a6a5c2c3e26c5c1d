package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	errInvalidHandler     = errors.New("pubsub: handler must be a function or a channel")
	errHandlerArgs        = errors.New("pubsub: handler function must take exactly one argument")
	errPayloadType        = errors.New("pubsub: payload does not match handler type")
	errSubscriptionClosed = errors.New("pubsub: subscription is closed")
)

var messageType = reflect.TypeOf((*Message)(nil))

type handlerType int

const (
	handlerTypeFunc handlerType = iota + 1
	handlerTypeChan
)

// Subscription is one handler attached to a topic. Messages are queued and
// handed to the handler by Concurrency worker goroutines.
type Subscription struct {
	ID    string
	Topic string

	options     *SubscriptionOptions
	handlerType handlerType
	handler     reflect.Value
	argType     reflect.Type // function parameter or channel element

	queue    chan *Message
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// newSubscription validates handler and starts the delivery workers.
func newSubscription(topic string, handler any, opts ...Option) (*Subscription, error) {
	if handler == nil {
		return nil, errInvalidHandler
	}
	options := DefaultSubscriptionOptions()
	options.Apply(opts...)

	s := &Subscription{
		ID:      uuid.NewString(),
		Topic:   topic,
		options: options,
		handler: reflect.ValueOf(handler),
		queue:   make(chan *Message, options.BufferSize),
		stop:    make(chan struct{}),
	}

	typ := s.handler.Type()
	switch typ.Kind() {
	case reflect.Func:
		if typ.NumIn() != 1 {
			return nil, errHandlerArgs
		}
		s.handlerType = handlerTypeFunc
		s.argType = typ.In(0)
	case reflect.Chan:
		if typ.ChanDir()&reflect.SendDir == 0 {
			return nil, errors.New("pubsub: channel must be sendable (chan<- T or chan T)")
		}
		s.handlerType = handlerTypeChan
		s.argType = typ.Elem()
	default:
		return nil, errInvalidHandler
	}

	s.wg.Add(options.Concurrency)
	for i := 0; i < options.Concurrency; i++ {
		go s.runWorker()
	}
	return s, nil
}

// deliver queues msg. With try set a full queue drops the message instead
// of waiting.
func (s *Subscription) deliver(ctx context.Context, msg *Message, try bool) error {
	select {
	case <-s.stop:
		return errSubscriptionClosed
	default:
	}

	if try {
		select {
		case s.queue <- msg:
		default:
			log.Warn().Str("subscription_id", s.ID).Str("topic", s.Topic).Msg("subscription queue full, dropping message")
		}
		return nil
	}

	select {
	case s.queue <- msg:
		return nil
	case <-s.stop:
		return errSubscriptionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscription) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case msg := <-s.queue:
			if err := s.invoke(msg); err != nil {
				log.Error().Err(err).Str("subscription_id", s.ID).Str("topic", s.Topic).Msg("failed to deliver message")
			}
		}
	}
}

func (s *Subscription) invoke(msg *Message) (err error) {
	arg, err := payloadValue(msg, s.argType)
	if err != nil {
		return err
	}

	if s.handlerType == handlerTypeChan {
		chosen, _, _ := reflect.Select([]reflect.SelectCase{
			{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.stop)},
			{Dir: reflect.SelectSend, Chan: s.handler, Send: arg},
		})
		if chosen == 0 {
			return errSubscriptionClosed
		}
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pubsub: handler panicked: %v", r)
		}
	}()
	s.handler.Call([]reflect.Value{arg})
	return nil
}

// payloadValue converts msg into a value of type want. Raw JSON payloads
// (as received from Redis) are decoded into want.
func payloadValue(msg *Message, want reflect.Type) (reflect.Value, error) {
	if want == messageType {
		return reflect.ValueOf(msg), nil
	}
	if msg == nil || msg.Payload == nil {
		return reflect.Zero(want), nil
	}

	v := reflect.ValueOf(msg.Payload)
	if v.Type().AssignableTo(want) {
		return v, nil
	}
	if raw, ok := msg.Payload.(json.RawMessage); ok {
		ptr := reflect.New(want)
		if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("%w: %v", errPayloadType, err)
		}
		return ptr.Elem(), nil
	}
	return reflect.Value{}, fmt.Errorf("%w: want %s, got %s", errPayloadType, want, v.Type())
}

// Close stops the workers. Messages still queued are dropped.
func (s *Subscription) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		log.Debug().Str("subscription_id", s.ID).Str("topic", s.Topic).Msg("subscription closed")
	})
	return nil
}
