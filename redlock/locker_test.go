package redlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestTryLock(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	a, err := NewLocker(client, "lock:res")
	require.NoError(t, err)
	b, err := NewLocker(client, "lock:res")
	require.NoError(t, err)

	require.NoError(t, a.TryLock(ctx))
	assert.True(t, a.Held())
	assert.ErrorIs(t, b.TryLock(ctx), ErrLockNotAcquired)

	require.NoError(t, a.Unlock(ctx))
	assert.False(t, a.Held())
	require.NoError(t, b.TryLock(ctx))
	require.NoError(t, b.Unlock(ctx))
}

func TestLock_WaitsForRelease(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	holder, err := NewLocker(client, "lock:wait")
	require.NoError(t, err)
	require.NoError(t, holder.TryLock(ctx))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = holder.Unlock(context.Background())
	}()

	waiter, err := NewLocker(client, "lock:wait", WithRetryDelay(5*time.Millisecond), WithMaxRetries(0))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, waiter.Lock(ctx))
	require.NoError(t, waiter.Unlock(ctx))
}

func TestLock_MaxRetries(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	holder, err := NewLocker(client, "lock:busy", WithTTL(time.Minute))
	require.NoError(t, err)
	require.NoError(t, holder.TryLock(ctx))

	waiter, err := NewLocker(client, "lock:busy", WithRetryDelay(time.Millisecond), WithMaxRetries(3))
	require.NoError(t, err)
	assert.ErrorIs(t, waiter.Lock(ctx), ErrLockMaxRetriesExceeded)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	waiter, err = NewLocker(client, "lock:busy", WithRetryDelay(5*time.Millisecond), WithMaxRetries(0))
	require.NoError(t, err)
	assert.ErrorIs(t, waiter.Lock(short), ErrLockWaitTimeout)
}

func TestUnlock_AfterExpiry(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	a, err := NewLocker(client, "lock:exp", WithTTL(time.Second))
	require.NoError(t, err)
	require.NoError(t, a.TryLock(ctx))

	mr.FastForward(2 * time.Second)
	b, err := NewLocker(client, "lock:exp")
	require.NoError(t, err)
	require.NoError(t, b.TryLock(ctx))

	// a's token no longer matches; b keeps the lock
	assert.ErrorIs(t, a.Unlock(ctx), ErrUnlockFailed)
	assert.True(t, mr.Exists("lock:exp"))
	assert.ErrorIs(t, a.Extend(ctx, time.Second), ErrUnlockFailed)
}

func TestExtend(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	l, err := NewLocker(client, "lock:ext", WithTTL(time.Second))
	require.NoError(t, err)
	require.NoError(t, l.TryLock(ctx))
	require.NoError(t, l.Extend(ctx, time.Minute))
	assert.Greater(t, mr.TTL("lock:ext"), 30*time.Second)
}

func TestNewLocker_Validation(t *testing.T) {
	_, client := newClient(t)

	_, err := NewLocker(client, "")
	assert.Error(t, err)
	_, err = NewLocker(client, "k", WithTTL(0))
	assert.Error(t, err)
	_, err = NewLocker(client, "k", WithRetryDelay(-1))
	assert.Error(t, err)
	_, err = NewLocker(client, "k", WithMaxRetries(-1))
	assert.Error(t, err)
	_, err = NewLocker(nil, "k")
	assert.Error(t, err)
}
