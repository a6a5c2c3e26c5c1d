package pubsub

const (
	defaultConcurrency = 1
	defaultBufferSize  = 64
)

// SubscriptionOptions holds configuration for a subscription.
type SubscriptionOptions struct {
	// Concurrency is the number of goroutines invoking the handler. Messages
	// are delivered in order only when it is 1. Defaults to 1.
	Concurrency int
	// BufferSize is the number of messages queued ahead of the handler.
	// Defaults to 64.
	BufferSize int
}

// Option configures a subscription.
type Option func(*SubscriptionOptions)

// DefaultSubscriptionOptions returns the default options.
func DefaultSubscriptionOptions() *SubscriptionOptions {
	return &SubscriptionOptions{
		Concurrency: defaultConcurrency,
		BufferSize:  defaultBufferSize,
	}
}

// WithConcurrency sets the number of handler goroutines.
func WithConcurrency(n int) Option {
	return func(o *SubscriptionOptions) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithBufferSize sets the subscription queue length.
func WithBufferSize(n int) Option {
	return func(o *SubscriptionOptions) {
		if n > 0 {
			o.BufferSize = n
		}
	}
}

// Apply applies opts in order.
func (o *SubscriptionOptions) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
}
