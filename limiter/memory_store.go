package limiter

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	memoryShards           = 32
	defaultJanitorInterval = time.Minute
)

var errStoreClosed = errors.New("store closed")

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (en memoryEntry) live(now time.Time) bool {
	return en.expiresAt.IsZero() || now.Before(en.expiresAt)
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// MemoryStore keeps records in process. Keys are spread over shards so that
// unrelated keys do not contend on one mutex; every operation on a key holds
// its shard lock for the whole call, which makes Update atomic.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
	now    func() time.Time

	mu     sync.Mutex
	closed bool
	stop   context.CancelFunc
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryClock replaces time.Now for expiry decisions.
func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryShards]
}

func (s *MemoryStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if s.isClosed() {
		return nil, errStoreClosed
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if v := sh.get(key, s.now()); v != nil {
		return append([]byte(nil), v...), nil
	}
	return nil, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if s.isClosed() {
		return errStoreClosed
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.set(key, value, ttl, s.now())
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	if s.isClosed() {
		return errStoreClosed
	}
	for _, key := range keys {
		sh := s.shard(key)
		sh.mu.Lock()
		delete(sh.entries, key)
		sh.mu.Unlock()
	}
	return nil
}

// IncrementAndFetch implements Store.
func (s *MemoryStore) IncrementAndFetch(_ context.Context, key string, window time.Duration) (int64, error) {
	if s.isClosed() {
		return 0, errStoreClosed
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	var count int64
	en, ok := sh.entries[key]
	if ok && en.live(now) {
		n, err := strconv.ParseInt(string(en.value), 10, 64)
		if err != nil {
			return 0, &CorruptRecordError{Key: key, Err: err}
		}
		count = n
	} else {
		en = memoryEntry{}
		if window > 0 {
			en.expiresAt = now.Add(window)
		}
	}
	count++
	en.value = strconv.AppendInt(nil, count, 10)
	sh.entries[key] = en
	return count, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	if s.isClosed() {
		return errStoreClosed
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	next, ttl, err := fn(sh.get(key, now))
	if err != nil {
		return err
	}
	if next == nil {
		delete(sh.entries, key)
		return nil
	}
	sh.set(key, next, ttl, now)
	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	if s.isClosed() {
		return errStoreClosed
	}
	return nil
}

// Close stops the janitor and rejects further calls.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stop != nil {
		s.stop()
	}
	return nil
}

// Cleanup drops expired entries and returns how many were removed.
func (s *MemoryStore) Cleanup() int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, en := range sh.entries {
			if !en.live(now) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Size returns the number of stored entries, expired ones included.
func (s *MemoryStore) Size() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// StartJanitor runs Cleanup every interval until ctx is done or the store
// is closed.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.stop = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Cleanup(); n > 0 {
					log.Debug().Int("removed", n).Msg("memory store cleanup")
				}
			}
		}
	}()
}

func (sh *memoryShard) get(key string, now time.Time) []byte {
	en, ok := sh.entries[key]
	if !ok {
		return nil
	}
	if !en.live(now) {
		delete(sh.entries, key)
		return nil
	}
	return en.value
}

func (sh *memoryShard) set(key string, value []byte, ttl time.Duration, now time.Time) {
	en := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		en.expiresAt = now.Add(ttl)
	}
	sh.entries[key] = en
}
