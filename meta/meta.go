// Package meta carries request-scoped metadata on a context.Context.
// The HTTP layer attaches one Metadata per request; middleware further down
// the chain records values (request ID, identifier, rate limit decision)
// that handlers and access logging read back with the typed Get.
package meta

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/rs/zerolog/log"
)

// metadataKey is the private context key for *Metadata.
type metadataKey struct{}

// Metadata holds the key-value pairs. It is safe for concurrent use.
type Metadata struct {
	mu   sync.RWMutex
	data map[string]any
}

// New creates an empty Metadata store.
func New() *Metadata {
	return &Metadata{
		data: make(map[string]any),
	}
}

// Set adds or updates a key. Setting on a nil Metadata is a no-op.
func (m *Metadata) Set(key string, value any) {
	if m == nil {
		log.Warn().Str("key", key).Msg("attempted to set metadata on nil *Metadata")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]any)
	}
	m.data[key] = value
}

// Get returns the raw value for key.
func (m *Metadata) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[key]
	return value, ok
}

// Snapshot returns a copy of all pairs.
func (m *Metadata) Snapshot() map[string]any {
	if m == nil {
		return map[string]any{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.data)
}

// WithContext returns a context derived from ctx that carries m.
func (m *Metadata) WithContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if m == nil {
		return ctx
	}
	return context.WithValue(ctx, metadataKey{}, m)
}

// FromContext returns the Metadata carried by ctx, or a new empty one that
// is not attached to anything.
func FromContext(ctx context.Context) *Metadata {
	if md, ok := lookup(ctx); ok {
		return md
	}
	return New()
}

// Ensure returns ctx unchanged when it already carries Metadata; otherwise
// it attaches a new one. Values set on the returned Metadata are visible to
// every holder of the returned context.
func Ensure(ctx context.Context) (context.Context, *Metadata) {
	if md, ok := lookup(ctx); ok {
		return ctx, md
	}
	md := New()
	return md.WithContext(ctx), md
}

func lookup(ctx context.Context) (*Metadata, bool) {
	if ctx == nil {
		return nil, false
	}
	md, ok := ctx.Value(metadataKey{}).(*Metadata)
	return md, ok && md != nil
}

// Get retrieves the value for key from the metadata in ctx and asserts it
// to T.
func Get[T any](ctx context.Context, key string) (t T, err error) {
	raw, ok := FromContext(ctx).Get(key)
	if !ok {
		return t, fmt.Errorf("meta: key '%s' not found in context metadata", key)
	}
	typed, ok := raw.(T)
	if !ok {
		return t, fmt.Errorf("meta: value for key '%s' has type %T, but type %T was requested", key, raw, t)
	}
	return typed, nil
}

// MustGet is like Get but panics on a missing key or a type mismatch.
func MustGet[T any](ctx context.Context, key string) T {
	t, err := Get[T](ctx, key)
	if err != nil {
		panic(err)
	}
	return t
}
