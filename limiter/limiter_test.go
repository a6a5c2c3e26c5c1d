package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/throttle/pubsub"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// assertInstant compares instants regardless of location.
func assertInstant(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func newTestEngine(t *testing.T, cfg *Config, opts ...Option) (*Engine, *MemoryStore, *testClock) {
	t.Helper()
	clock := newTestClock()
	store := NewMemoryStore(WithMemoryClock(clock.Now))
	t.Cleanup(func() { _ = store.Close() })

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	e, err := NewEngine(cfg, store, opts...)
	require.NoError(t, err)
	return e, store, clock
}

func TestCheck_LoginSequence(t *testing.T) {
	e, _, clock := newTestEngine(t, nil)
	ctx := context.Background()
	id := Email("alice@example.com")

	for want := 4; want >= 0; want-- {
		d, err := e.Check(ctx, id, TypeLogin)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.False(t, d.Locked)
		assert.Equal(t, want, d.Remaining)
	}

	d, err := e.Check(ctx, id, TypeLogin)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.Locked)
	assert.Equal(t, 0, d.Remaining)
	assertInstant(t, clock.Now().Add(15*time.Minute), d.ResetAt)
}

func TestCheck_LockoutHoldsThenExpires(t *testing.T) {
	e, _, clock := newTestEngine(t, nil)
	ctx := context.Background()
	id := IP("203.0.113.7")

	var lockedUntil time.Time
	for i := 0; i < 6; i++ {
		d, err := e.Check(ctx, id, TypeLogin)
		require.NoError(t, err)
		lockedUntil = d.ResetAt
	}

	clock.Advance(5 * time.Minute)
	d, err := e.Check(ctx, id, TypeLogin)
	require.NoError(t, err)
	assert.True(t, d.Locked)
	assert.False(t, d.Allowed)
	assertInstant(t, lockedUntil, d.ResetAt)

	clock.Advance(10*time.Minute + time.Millisecond)
	d, err = e.Check(ctx, id, TypeLogin)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Locked)
	assert.Equal(t, 4, d.Remaining)
}

func TestCheck_SlidingWindowWithoutLockout(t *testing.T) {
	cfg := &Config{Types: map[OperationType]TypeConfig{
		"search": {Algorithm: AlgorithmSlidingWindow, Window: time.Minute, MaxAttempts: 2},
	}}
	e, _, clock := newTestEngine(t, cfg)
	ctx := context.Background()
	id := UserID("u-1")

	first := clock.Now()
	_, err := e.Check(ctx, id, "search")
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	_, err = e.Check(ctx, id, "search")
	require.NoError(t, err)

	d, err := e.Check(ctx, id, "search")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.False(t, d.Locked)
	assertInstant(t, first.Add(time.Minute), d.ResetAt)

	// the oldest attempt slides out
	clock.Advance(50*time.Second + time.Millisecond)
	d, err = e.Check(ctx, id, "search")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestCheck_RemainingNeverIncreasesWithinWindow(t *testing.T) {
	e, _, clock := newTestEngine(t, nil)
	ctx := context.Background()
	id := Email("bob@example.com")

	prev := 5
	for i := 0; i < 8; i++ {
		d, err := e.Check(ctx, id, TypeSignup)
		require.NoError(t, err)
		assert.LessOrEqual(t, d.Remaining, prev)
		assert.GreaterOrEqual(t, d.Remaining, 0)
		assert.False(t, d.ResetAt.Before(clock.Now()))
		prev = d.Remaining
		clock.Advance(time.Second)
	}
}

func TestCheck_ConcurrentLastSlot(t *testing.T) {
	cfg := &Config{Types: map[OperationType]TypeConfig{
		TypeLogin: {Algorithm: AlgorithmSlidingWindow, Window: time.Minute, MaxAttempts: 5},
	}}
	e, _, _ := newTestEngine(t, cfg)
	ctx := context.Background()
	id := Email("race@example.com")

	for i := 0; i < 4; i++ {
		_, err := e.Check(ctx, id, TypeLogin)
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.Check(ctx, id, TypeLogin)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed.Load())
}

func TestCheck_IdentifierNormalizationSharesCounter(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.Check(ctx, Email("  Carol@Example.COM "), TypeLogin)
	require.NoError(t, err)
	d, err := e.Check(ctx, Email("carol@example.com"), TypeLogin)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Remaining)

	// same raw value, different kind: separate counter
	_, err = e.Check(ctx, IP("10.0.0.1"), TypeLogin)
	require.NoError(t, err)
	d, err = e.Check(ctx, UserID("10.0.0.1"), TypeLogin)
	require.NoError(t, err)
	assert.Equal(t, 4, d.Remaining)
}

func TestCheck_Errors(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.Check(ctx, Email("a@b.c"), "unknownType")
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Contains(t, err.Error(), "Unknown rate limit type")

	_, err = e.Check(ctx, Email("not-an-email"), TypeLogin)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = e.Check(ctx, IP("999.1.1.1"), TypeLogin)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = e.Check(ctx, Identifier{Kind: "phone", Value: "123"}, TypeLogin)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestCheck_CorruptRecordRestartsCounting(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)
	ctx := context.Background()
	id := Email("dave@example.com")
	key := recordKey(TypeLogin, id)

	for _, payload := range []string{"{not json", `{"tokens":-3}`, `{"attempts":"x"}`} {
		require.NoError(t, store.Set(ctx, key, []byte(payload), time.Hour))

		d, err := e.Check(ctx, id, TypeLogin)
		require.NoError(t, err, payload)
		assert.True(t, d.Allowed, payload)
		assert.Equal(t, 4, d.Remaining, payload)
	}
}

func TestCheck_CorruptLockoutRecordIsIgnored(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)
	ctx := context.Background()
	id := Email("erin@example.com")
	require.NoError(t, store.Set(ctx, recordKey(TypeLogin, id), []byte(`{"lockedUntil":-1}`), time.Hour))

	d, err := e.Check(ctx, id, TypeLogin)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Locked)
}

func TestTokenBucket_RefillAndLockout(t *testing.T) {
	cfg := &Config{Types: map[OperationType]TypeConfig{
		TypeAPI: {
			Algorithm:           AlgorithmTokenBucket,
			Window:              10 * time.Second,
			MaxAttempts:         10,
			Lockout:             time.Minute,
			LockoutAfterDenials: 3,
		},
	}}
	e, _, clock := newTestEngine(t, cfg)
	ctx := context.Background()
	id := UserID("client-42")

	for want := 9; want >= 0; want-- {
		d, err := e.Check(ctx, id, TypeAPI)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, want, d.Remaining)
	}

	d, err := e.Check(ctx, id, TypeAPI)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.False(t, d.Locked)
	assertInstant(t, clock.Now().Add(time.Second), d.ResetAt)

	// one token per second
	clock.Advance(time.Second)
	d, err = e.Check(ctx, id, TypeAPI)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	// an allowed request resets the denial streak, so three more are needed
	for i := 0; i < 2; i++ {
		d, err = e.Check(ctx, id, TypeAPI)
		require.NoError(t, err)
		assert.False(t, d.Locked)
	}
	d, err = e.Check(ctx, id, TypeAPI)
	require.NoError(t, err)
	assert.True(t, d.Locked)
	assertInstant(t, clock.Now().Add(time.Minute), d.ResetAt)

	clock.Advance(time.Minute + time.Millisecond)
	d, err = e.Check(ctx, id, TypeAPI)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 9, d.Remaining, "lockout end restarts with a full bucket")
}

func TestTokenBucket_PartialRefill(t *testing.T) {
	cfg := &Config{Types: map[OperationType]TypeConfig{
		TypeAPI: {Algorithm: AlgorithmTokenBucket, Window: 4 * time.Second, MaxAttempts: 4},
	}}
	e, _, clock := newTestEngine(t, cfg)
	ctx := context.Background()
	id := UserID("client-7")

	for i := 0; i < 4; i++ {
		_, err := e.Check(ctx, id, TypeAPI)
		require.NoError(t, err)
	}

	clock.Advance(2500 * time.Millisecond)
	d, err := e.Check(ctx, id, TypeAPI)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining, "2.5 tokens refilled, one consumed")
}

func TestFixedWindow_BucketsAndReset(t *testing.T) {
	e, _, clock := newTestEngine(t, &Config{Types: map[OperationType]TypeConfig{
		TypeUpload: {Algorithm: AlgorithmFixedWindow, Window: time.Hour, MaxAttempts: 3},
	}})
	ctx := context.Background()
	id := UserID("uploader")
	bucketEnd := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)

	for want := 2; want >= 0; want-- {
		d, err := e.Check(ctx, id, TypeUpload)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, want, d.Remaining)
		assertInstant(t, bucketEnd, d.ResetAt)
	}

	d, err := e.Check(ctx, id, TypeUpload)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.False(t, d.Locked)

	clock.Advance(30 * time.Minute)
	d, err = e.Check(ctx, id, TypeUpload)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a new bucket starts at the hour")
	assert.Equal(t, 2, d.Remaining)

	require.NoError(t, e.Reset(ctx, id, TypeUpload))
	d, err = e.Check(ctx, id, TypeUpload)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Remaining)
}

func TestFixedWindow_Lockout(t *testing.T) {
	e, _, clock := newTestEngine(t, &Config{Types: map[OperationType]TypeConfig{
		TypeUpload: {Algorithm: AlgorithmFixedWindow, Window: time.Minute, MaxAttempts: 2, Lockout: 10 * time.Minute},
	}})
	ctx := context.Background()
	id := UserID("uploader")

	for i := 0; i < 2; i++ {
		d, err := e.Check(ctx, id, TypeUpload)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := e.Check(ctx, id, TypeUpload)
	require.NoError(t, err)
	assert.True(t, d.Locked)
	until := d.ResetAt
	assertInstant(t, clock.Now().Add(10*time.Minute), until)

	clock.Advance(5 * time.Minute)
	d, err = e.Check(ctx, id, TypeUpload)
	require.NoError(t, err)
	assert.True(t, d.Locked)
	assertInstant(t, until, d.ResetAt)

	require.NoError(t, e.Reset(ctx, id, TypeUpload))
	d, err = e.Check(ctx, id, TypeUpload)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestFixedWindow_LockoutExpiryStartsFreshBucket(t *testing.T) {
	e, _, clock := newTestEngine(t, &Config{Types: map[OperationType]TypeConfig{
		TypeUpload: {Algorithm: AlgorithmFixedWindow, Window: time.Hour, MaxAttempts: 2, Lockout: 5 * time.Minute},
	}})
	ctx := context.Background()
	id := UserID("uploader")

	for i := 0; i < 2; i++ {
		d, err := e.Check(ctx, id, TypeUpload)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := e.Check(ctx, id, TypeUpload)
	require.NoError(t, err)
	require.True(t, d.Locked)

	clock.Advance(5*time.Minute + time.Millisecond)
	for want := 1; want >= 0; want-- {
		d, err = e.Check(ctx, id, TypeUpload)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.False(t, d.Locked)
		assert.Equal(t, want, d.Remaining)
	}

	d, err = e.Check(ctx, id, TypeUpload)
	require.NoError(t, err)
	assert.True(t, d.Locked)
	assertInstant(t, clock.Now().Add(5*time.Minute), d.ResetAt)
}

func TestReset_Idempotent(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	ctx := context.Background()
	id := Email("frank@example.com")

	require.NoError(t, e.Reset(ctx, id, TypeLogin))

	for i := 0; i < 6; i++ {
		_, err := e.Check(ctx, id, TypeLogin)
		require.NoError(t, err)
	}
	require.NoError(t, e.Reset(ctx, id, TypeLogin))
	require.NoError(t, e.Reset(ctx, id, TypeLogin))

	d, err := e.Check(ctx, id, TypeLogin)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)

	assert.True(t, IsConfigurationError(e.Reset(ctx, id, "nope")))
}

func TestStats(t *testing.T) {
	e, _, clock := newTestEngine(t, nil)
	ctx := context.Background()

	s, err := e.Stats(ctx, nil, TypeLogin, 24)
	require.NoError(t, err)
	assert.Equal(t, StatsSummary{Type: TypeLogin, TimeRangeHours: 24}, s)

	alice := Email("alice@example.com")
	for i := 0; i < 6; i++ {
		_, err := e.Check(ctx, alice, TypeLogin)
		require.NoError(t, err)
	}
	_, err = e.Check(ctx, IP("192.0.2.1"), TypeLogin)
	require.NoError(t, err)
	_, err = e.Check(ctx, IP("192.0.2.1"), TypeSignup)
	require.NoError(t, err)

	s, err = e.Stats(ctx, nil, TypeLogin, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.TotalRequests)
	assert.Equal(t, int64(2), s.UniqueIdentifiers)
	assert.Equal(t, int64(1), s.Violations)

	s, err = e.Stats(ctx, &alice, TypeLogin, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(6), s.TotalRequests)
	assert.Equal(t, int64(1), s.UniqueIdentifiers)

	clock.Advance(2 * time.Hour)
	s, err = e.Stats(ctx, nil, TypeLogin, 1)
	require.NoError(t, err)
	assert.Zero(t, s.TotalRequests)

	all, err := e.StatsAll(ctx, 24)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, TypeAPI, all[0].Type)

	_, err = e.Stats(ctx, nil, TypeLogin, 0)
	assert.ErrorIs(t, err, ErrInvalidHours)
	_, err = e.Stats(ctx, nil, "nope", 1)
	assert.True(t, IsConfigurationError(err))
}

func TestEngine_PublishesNotices(t *testing.T) {
	ps := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { _ = ps.Close() })

	lockouts := make(chan Notice, 4)
	resets := make(chan Notice, 4)
	ctx := context.Background()
	_, err := ps.Subscribe(ctx, TopicLockout, lockouts)
	require.NoError(t, err)
	_, err = ps.Subscribe(ctx, TopicReset, resets)
	require.NoError(t, err)

	e, _, _ := newTestEngine(t, nil, WithEvents(ps))
	id := Email("grace@example.com")
	for i := 0; i < 6; i++ {
		_, err := e.Check(ctx, id, TypeLogin)
		require.NoError(t, err)
	}
	require.NoError(t, e.Reset(ctx, id, TypeLogin))

	select {
	case n := <-lockouts:
		assert.Equal(t, TypeLogin, n.Type)
		assert.Equal(t, id, n.Identifier)
		assert.NotEmpty(t, n.ID)
		assert.False(t, n.LockedUntil.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no lockout notice")
	}
	select {
	case n := <-resets:
		assert.Equal(t, id, n.Identifier)
	case <-time.After(time.Second):
		t.Fatal("no reset notice")
	}
}

// failingStore fails every call and counts Update attempts.
type failingStore struct {
	err     error
	updates atomic.Int32
}

func (s *failingStore) Get(context.Context, string) ([]byte, error)             { return nil, s.err }
func (s *failingStore) Set(context.Context, string, []byte, time.Duration) error { return s.err }
func (s *failingStore) Delete(context.Context, ...string) error                 { return s.err }
func (s *failingStore) IncrementAndFetch(context.Context, string, time.Duration) (int64, error) {
	return 0, s.err
}
func (s *failingStore) Update(context.Context, string, UpdateFunc) error {
	s.updates.Add(1)
	return s.err
}
func (s *failingStore) Ping(context.Context) error { return s.err }
func (s *failingStore) Close() error               { return nil }

func TestFailurePolicy(t *testing.T) {
	ctx := context.Background()
	id := Email("henry@example.com")

	t.Run("fail-open", func(t *testing.T) {
		store := &failingStore{err: errors.New("connection refused")}
		cfg := DefaultConfig()
		cfg.RetryBackoff = time.Millisecond
		e, err := NewEngine(cfg, store)
		require.NoError(t, err)

		d, err := e.Check(ctx, id, TypeLogin)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.Degraded)
		assert.Equal(t, 0, d.Remaining)
		assert.Equal(t, int32(2), store.updates.Load(), "one retry")
	})

	t.Run("fail-closed", func(t *testing.T) {
		store := &failingStore{err: errors.New("connection refused")}
		cfg := DefaultConfig()
		cfg.FailurePolicy = FailClosed
		cfg.RetryBackoff = time.Millisecond
		e, err := NewEngine(cfg, store)
		require.NoError(t, err)

		d, err := e.Check(ctx, id, TypeLogin)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.True(t, d.Degraded)
	})

	t.Run("fail-open allowance", func(t *testing.T) {
		store := &failingStore{err: errors.New("connection refused")}
		cfg := DefaultConfig()
		cfg.RetryBackoff = time.Millisecond
		cfg.FailOpenRate = 1
		cfg.FailOpenBurst = 1
		clock := newTestClock()
		e, err := NewEngine(cfg, store, WithClock(clock.Now))
		require.NoError(t, err)

		d, err := e.Check(ctx, id, TypeLogin)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		d, err = e.Check(ctx, id, TypeLogin)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.True(t, d.Degraded)
	})

	t.Run("conflict is denied without retry", func(t *testing.T) {
		store := &failingStore{err: ErrTxConflict}
		e, err := NewEngine(DefaultConfig(), store)
		require.NoError(t, err)

		d, err := e.Check(ctx, id, TypeLogin)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.True(t, d.Degraded)
		assert.Equal(t, int32(1), store.updates.Load())
	})

	t.Run("reset surfaces the store error", func(t *testing.T) {
		e, err := NewEngine(DefaultConfig(), &failingStore{err: errors.New("down")})
		require.NoError(t, err)
		err = e.Reset(ctx, id, TypeLogin)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})
}
