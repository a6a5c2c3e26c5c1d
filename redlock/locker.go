// Package redlock provides a single-instance Redis lock used to serialise
// read-modify-write cycles on one key when the Redis deployment cannot run
// WATCH/MULTI transactions.
package redlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	defaultTTL        = time.Second
	defaultRetryDelay = 100 * time.Millisecond
	// 0 retries means retry until the context is done.
	defaultMaxRetries = 30
)

var (
	// ErrLockNotAcquired is returned by TryLock when the lock is held elsewhere.
	ErrLockNotAcquired = errors.New("redlock: lock not acquired")
	// ErrUnlockFailed is returned when the lock expired or is held by another owner.
	ErrUnlockFailed = errors.New("redlock: failed to unlock")
	// ErrLockWaitTimeout is returned when the context ends while waiting.
	ErrLockWaitTimeout = errors.New("redlock: waiting for lock timed out or context cancelled")
	// ErrLockMaxRetriesExceeded is returned when Lock gave up after its retries.
	ErrLockMaxRetriesExceeded = errors.New("redlock: maximum lock retries exceeded")
)

// compare-and-delete so a lock that expired and was re-acquired elsewhere is
// never released by its previous owner
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// compare-and-pexpire
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Locker is a lock on one resource key. A Locker is not safe for concurrent
// use; create one per critical section.
type Locker struct {
	client     redis.Cmdable
	key        string
	token      string // set while held
	ttl        time.Duration
	retryDelay time.Duration
	maxRetries int
}

// Option configures a Locker.
type Option func(*Locker) error

// WithTTL sets how long the lock lives if never released. Default 1s.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) error {
		if ttl < time.Millisecond {
			return fmt.Errorf("redlock: ttl must be at least 1ms, got %s", ttl)
		}
		l.ttl = ttl
		return nil
	}
}

// WithRetryDelay sets the pause between attempts in Lock. Default 100ms.
func WithRetryDelay(delay time.Duration) Option {
	return func(l *Locker) error {
		if delay <= 0 {
			return fmt.Errorf("redlock: retry delay must be positive, got %s", delay)
		}
		l.retryDelay = delay
		return nil
	}
}

// WithMaxRetries bounds the attempts Lock makes after the first. 0 retries
// until the context is done. Default 30.
func WithMaxRetries(retries int) Option {
	return func(l *Locker) error {
		if retries < 0 {
			return fmt.Errorf("redlock: max retries must not be negative, got %d", retries)
		}
		l.maxRetries = retries
		return nil
	}
}

// NewLocker creates a Locker for key.
func NewLocker(client redis.Cmdable, key string, opts ...Option) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redlock: client is required")
	}
	if key == "" {
		return nil, errors.New("redlock: key is required")
	}
	l := &Locker{
		client:     client,
		key:        key,
		ttl:        defaultTTL,
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Locker) acquire(ctx context.Context) error {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		if ctx.Err() != nil {
			return ErrLockWaitTimeout
		}
		return fmt.Errorf("redlock: setnx %s: %w", l.key, err)
	}
	if !ok {
		return ErrLockNotAcquired
	}
	l.token = token
	return nil
}

// TryLock acquires the lock without waiting.
func (l *Locker) TryLock(ctx context.Context) error {
	if err := l.acquire(ctx); err != nil {
		if !errors.Is(err, ErrLockNotAcquired) {
			log.Warn().Err(err).Str("key", l.key).Msg("trylock failed")
		}
		return err
	}
	log.Trace().Str("key", l.key).Msg("lock acquired")
	return nil
}

// Lock acquires the lock, retrying every retry delay until it succeeds, the
// retries run out or ctx is done.
func (l *Locker) Lock(ctx context.Context) error {
	err := l.acquire(ctx)
	if !errors.Is(err, ErrLockNotAcquired) {
		return err
	}

	ticker := time.NewTicker(l.retryDelay)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			log.Debug().Err(ctx.Err()).Str("key", l.key).Int("attempts", attempt).Msg("gave up waiting for lock")
			return ErrLockWaitTimeout
		case <-ticker.C:
		}

		err := l.acquire(ctx)
		if !errors.Is(err, ErrLockNotAcquired) {
			return err
		}
		if l.maxRetries > 0 && attempt >= l.maxRetries {
			log.Warn().Str("key", l.key).Int("attempts", attempt).Msg("maximum lock retries exceeded")
			return ErrLockMaxRetriesExceeded
		}
	}
}

// Extend pushes the expiry of a held lock to ttl from now.
func (l *Locker) Extend(ctx context.Context, ttl time.Duration) error {
	if l.token == "" {
		return ErrUnlockFailed
	}
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redlock: extend %s: %w", l.key, err)
	}
	if n != 1 {
		return ErrUnlockFailed
	}
	return nil
}

// Unlock releases the lock if this Locker still owns it.
func (l *Locker) Unlock(ctx context.Context) error {
	if l.token == "" {
		return ErrUnlockFailed
	}
	token := l.token
	l.token = ""

	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, token).Int64()
	if err != nil {
		return fmt.Errorf("redlock: unlock %s: %w", l.key, err)
	}
	if n != 1 {
		log.Warn().Str("key", l.key).Msg("lock expired or taken over before unlock")
		return ErrUnlockFailed
	}
	return nil
}

// Key returns the locked resource key.
func (l *Locker) Key() string {
	return l.key
}

// Held reports whether this Locker believes it holds the lock.
func (l *Locker) Held() bool {
	return l.token != ""
}
