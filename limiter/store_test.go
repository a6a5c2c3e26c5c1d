package limiter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeHarness is a store under test plus a way to move its clock.
type storeHarness struct {
	store   Store
	advance func(time.Duration)
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func storeHarnesses() map[string]func(t *testing.T) storeHarness {
	return map[string]func(t *testing.T) storeHarness{
		"memory": func(t *testing.T) storeHarness {
			clock := newTestClock()
			s := NewMemoryStore(WithMemoryClock(clock.Now))
			t.Cleanup(func() { _ = s.Close() })
			return storeHarness{store: s, advance: clock.Advance}
		},
		"redis": func(t *testing.T) storeHarness {
			mr, client := newMiniredis(t)
			return storeHarness{store: NewRedisStore(client, WithTxRetries(1000)), advance: mr.FastForward}
		},
		"redis-lock": func(t *testing.T) storeHarness {
			mr, client := newMiniredis(t)
			return storeHarness{store: NewRedisStore(client, WithLockMode(2*time.Second)), advance: mr.FastForward}
		},
		"sqlite": func(t *testing.T) storeHarness {
			clock := newTestClock()
			s, err := NewSQLStore(context.Background(), newSQLiteDB(t), DialectSQLite, WithSQLClock(clock.Now))
			require.NoError(t, err)
			return storeHarness{store: s, advance: clock.Advance}
		},
	}
}

func TestStoreConformance(t *testing.T) {
	for name, newHarness := range storeHarnesses() {
		t.Run(name, func(t *testing.T) {
			t.Run("get missing", func(t *testing.T) {
				h := newHarness(t)
				v, err := h.store.Get(context.Background(), "missing")
				require.NoError(t, err)
				assert.Nil(t, v)
			})

			t.Run("set get delete", func(t *testing.T) {
				h := newHarness(t)
				ctx := context.Background()
				require.NoError(t, h.store.Set(ctx, "a", []byte("one"), time.Minute))
				require.NoError(t, h.store.Set(ctx, "b", []byte("two"), 0))

				v, err := h.store.Get(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, []byte("one"), v)

				require.NoError(t, h.store.Delete(ctx, "a", "b", "never-set"))
				v, err = h.store.Get(ctx, "b")
				require.NoError(t, err)
				assert.Nil(t, v)
				require.NoError(t, h.store.Delete(ctx))
			})

			t.Run("ttl expiry", func(t *testing.T) {
				h := newHarness(t)
				ctx := context.Background()
				require.NoError(t, h.store.Set(ctx, "short", []byte("x"), time.Second))
				h.advance(2 * time.Second)
				v, err := h.store.Get(ctx, "short")
				require.NoError(t, err)
				assert.Nil(t, v)
			})

			t.Run("increment and fetch", func(t *testing.T) {
				h := newHarness(t)
				ctx := context.Background()
				for want := int64(1); want <= 3; want++ {
					n, err := h.store.IncrementAndFetch(ctx, "ctr", time.Minute)
					require.NoError(t, err)
					assert.Equal(t, want, n)
				}

				// the window is fixed at creation
				h.advance(61 * time.Second)
				n, err := h.store.IncrementAndFetch(ctx, "ctr", time.Minute)
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)
			})

			t.Run("update", func(t *testing.T) {
				h := newHarness(t)
				ctx := context.Background()

				err := h.store.Update(ctx, "u", func(current []byte) ([]byte, time.Duration, error) {
					assert.Nil(t, current)
					return []byte("v1"), time.Minute, nil
				})
				require.NoError(t, err)

				err = h.store.Update(ctx, "u", func(current []byte) ([]byte, time.Duration, error) {
					assert.Equal(t, []byte("v1"), current)
					return []byte("v2"), time.Minute, nil
				})
				require.NoError(t, err)
				v, err := h.store.Get(ctx, "u")
				require.NoError(t, err)
				assert.Equal(t, []byte("v2"), v)

				boom := errors.New("boom")
				err = h.store.Update(ctx, "u", func([]byte) ([]byte, time.Duration, error) {
					return nil, 0, boom
				})
				assert.ErrorIs(t, err, boom)
				v, err = h.store.Get(ctx, "u")
				require.NoError(t, err)
				assert.Equal(t, []byte("v2"), v, "a failed update leaves the value alone")

				err = h.store.Update(ctx, "u", func([]byte) ([]byte, time.Duration, error) {
					return nil, 0, nil
				})
				require.NoError(t, err)
				v, err = h.store.Get(ctx, "u")
				require.NoError(t, err)
				assert.Nil(t, v)
			})

			t.Run("update is atomic", func(t *testing.T) {
				h := newHarness(t)
				ctx := context.Background()

				const workers, perWorker = 8, 10
				var wg sync.WaitGroup
				var failures atomic.Int32
				for i := 0; i < workers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						for j := 0; j < perWorker; j++ {
							err := h.store.Update(ctx, "counter", func(current []byte) ([]byte, time.Duration, error) {
								n := 0
								if current != nil {
									var err error
									if n, err = strconv.Atoi(string(current)); err != nil {
										return nil, 0, err
									}
								}
								return []byte(strconv.Itoa(n + 1)), time.Minute, nil
							})
							if err != nil {
								failures.Add(1)
							}
						}
					}()
				}
				wg.Wait()
				require.Zero(t, failures.Load())

				v, err := h.store.Get(ctx, "counter")
				require.NoError(t, err)
				assert.Equal(t, strconv.Itoa(workers*perWorker), string(v))
			})

			t.Run("ping and close", func(t *testing.T) {
				h := newHarness(t)
				require.NoError(t, h.store.Ping(context.Background()))
				require.NoError(t, h.store.Close())
			})

			t.Run("engine last slot", func(t *testing.T) {
				h := newHarness(t)
				cfg := &Config{Types: map[OperationType]TypeConfig{
					TypeLogin: {Algorithm: AlgorithmSlidingWindow, Window: time.Minute, MaxAttempts: 3},
				}}
				e, err := NewEngine(cfg, h.store)
				require.NoError(t, err)
				ctx := context.Background()
				id := Email("slot@example.com")

				for i := 0; i < 2; i++ {
					d, err := e.Check(ctx, id, TypeLogin)
					require.NoError(t, err)
					require.True(t, d.Allowed)
				}

				var wg sync.WaitGroup
				var allowed atomic.Int32
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						d, err := e.Check(ctx, id, TypeLogin)
						if err == nil && d.Allowed && !d.Degraded {
							allowed.Add(1)
						}
					}()
				}
				wg.Wait()
				assert.Equal(t, int32(1), allowed.Load())
			})
		})
	}
}

func TestMemoryStore_Cleanup(t *testing.T) {
	clock := newTestClock()
	s := NewMemoryStore(WithMemoryClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Hour))
	require.NoError(t, s.Set(ctx, "c", []byte("3"), 0))
	assert.Equal(t, 3, s.Size())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, s.Cleanup())
	assert.Equal(t, 2, s.Size())

	require.NoError(t, s.Close())
	_, err := s.Get(ctx, "b")
	assert.Error(t, err)
}

func TestMemoryStore_Janitor(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "soon", []byte("x"), time.Millisecond))
	s.StartJanitor(ctx, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSQLStore_DeleteExpired(t *testing.T) {
	clock := newTestClock()
	ctx := context.Background()
	s, err := NewSQLStore(ctx, newSQLiteDB(t), DialectSQLite, WithSQLClock(clock.Now))
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "old", []byte("x"), time.Second))
	require.NoError(t, s.Set(ctx, "new", []byte("y"), time.Hour))
	require.NoError(t, s.Set(ctx, "forever", []byte("z"), 0))

	clock.Advance(time.Minute)
	n, err := s.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, DialectSQLite, s.Dialect())
}

func TestSQLStore_Rebind(t *testing.T) {
	s := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", s.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	s.dialect = DialectMySQL
	assert.Equal(t, "x = ?", s.rebind("x = ?"))
}

func TestNewSQLStore_RejectsUnknownDialect(t *testing.T) {
	_, err := NewSQLStore(context.Background(), newSQLiteDB(t), "oracle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported dialect")
}

func TestRedisStore_ConflictExhaustion(t *testing.T) {
	_, client := newMiniredis(t)
	s := NewRedisStore(client, WithTxRetries(1))
	ctx := context.Background()

	// a write between WATCH and EXEC aborts the only attempt
	err := s.Update(ctx, "hot", func([]byte) ([]byte, time.Duration, error) {
		require.NoError(t, client.Set(ctx, "hot", "other", 0).Err())
		return []byte("mine"), time.Minute, nil
	})
	assert.ErrorIs(t, err, ErrTxConflict)
}
