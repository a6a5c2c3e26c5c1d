package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/redlock"
)

//go:embed incr.lua
var redisIncrScript string

var incrScript = redis.NewScript(redisIncrScript)

const (
	defaultTxRetries = 100
	lockKeyPrefix    = "lock:"
	lockRetryDelay   = 5 * time.Millisecond
)

// RedisStore keeps records in Redis. Update runs as an optimistic
// WATCH/MULTI transaction by default, or under a redlock lock for
// deployments whose proxy does not support transactions.
type RedisStore struct {
	client    redis.UniversalClient
	txRetries int
	lockMode  bool
	lockTTL   time.Duration
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithTxRetries bounds optimistic transaction attempts per Update.
// Exhausting them yields ErrTxConflict.
func WithTxRetries(n int) RedisStoreOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.txRetries = n
		}
	}
}

// WithLockMode serialises Update with a per-key distributed lock held for at
// most ttl instead of WATCH/MULTI.
func WithLockMode(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		s.lockMode = true
		if ttl >= time.Millisecond {
			s.lockTTL = ttl
		}
	}
}

// NewRedisStore creates a store over a pre-configured client. The client is
// owned by the caller; Close does not close it.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, txRetries: defaultTxRetries, lockTTL: time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, redisTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	// keys may hash to different slots on a cluster, so delete one at a time
	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// IncrementAndFetch implements Store.
func (s *RedisStore) IncrementAndFetch(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, s.client, []string{key}, redisTTL(window).Milliseconds()).Int64()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("redis increment script failed")
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if s.lockMode {
		return s.updateLocked(ctx, key, fn)
	}

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		next, ttl, err := fn(current)
		if err != nil {
			return &updateFuncError{err: err}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, next, redisTTL(ttl))
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.txRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var fe *updateFuncError
		if errors.As(err, &fe) {
			return fe.err
		}
		return fmt.Errorf("redis update %s: %w", key, err)
	}
	log.Warn().Str("key", key).Int("attempts", s.txRetries).Msg("redis update gave up after repeated conflicts")
	return fmt.Errorf("redis update %s: %w", key, ErrTxConflict)
}

func (s *RedisStore) updateLocked(ctx context.Context, key string, fn UpdateFunc) error {
	// wait at most about one lock lifetime before reporting a conflict
	retries := max(1, int(s.lockTTL/lockRetryDelay))
	locker, err := redlock.NewLocker(s.client, lockKeyPrefix+key,
		redlock.WithTTL(s.lockTTL),
		redlock.WithRetryDelay(lockRetryDelay),
		redlock.WithMaxRetries(retries),
	)
	if err != nil {
		return err
	}
	if err := locker.Lock(ctx); err != nil {
		if errors.Is(err, redlock.ErrLockMaxRetriesExceeded) {
			return fmt.Errorf("redis lock %s: %w", key, ErrTxConflict)
		}
		return fmt.Errorf("redis lock %s: %w", key, err)
	}
	defer func() {
		if err := locker.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to release record lock")
		}
	}()

	current, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	next, ttl, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return s.Delete(ctx, key)
	}
	return s.Set(ctx, key, next, ttl)
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store. The client is shared and left open.
func (s *RedisStore) Close() error {
	return nil
}

// updateFuncError carries an UpdateFunc failure out of a Watch callback so
// it is not mistaken for a transport error.
type updateFuncError struct {
	err error
}

func (e *updateFuncError) Error() string { return e.err.Error() }
func (e *updateFuncError) Unwrap() error { return e.err }

// redisTTL clamps ttl to Redis' millisecond resolution; zero keeps the key
// without expiry.
func redisTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}
