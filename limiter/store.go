package limiter

import (
	"context"
	"time"
)

// UpdateFunc computes the next value of a key from its current value.
// current is nil when the key is absent or expired. Returning a nil next
// deletes the key; otherwise next is stored with the given ttl.
// Stores may call fn more than once for a single Update.
type UpdateFunc func(current []byte) (next []byte, ttl time.Duration, err error)

// Store is the persistence layer for rate limit state.
//
// Implementations must be safe for concurrent use. Update must be atomic
// with respect to every other call on the same key: a store that can only
// offer a plain read followed by a write is not a valid Store.
type Store interface {
	// Get returns the value for key, or nil, nil when it is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value for key, expiring after ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// IncrementAndFetch increments the counter at key and returns the new
	// count. The expiry is set to window when the counter is created.
	IncrementAndFetch(ctx context.Context, key string, window time.Duration) (int64, error)

	// Update atomically applies fn to the value at key.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources owned by the store.
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
	_ Store = (*SQLStore)(nil)
)
