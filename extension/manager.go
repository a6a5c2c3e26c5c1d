package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Manager loads extensions in registration order (or the order given to
// SetLoadOrder) and shuts them down in reverse.
type Manager struct {
	mu         sync.RWMutex
	extensions map[string]Extension
	loadOrder  []string
	loaded     map[string]bool // successfully loaded, for shutdown and rollback
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		extensions: make(map[string]Extension),
		loaded:     make(map[string]bool),
	}
}

// Register appends ext to the load order.
func (m *Manager) Register(ext Extension) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ext.Name()
	if _, exists := m.extensions[name]; exists {
		return fmt.Errorf("%w: %s", ErrExtensionAlreadyRegistered, name)
	}
	m.extensions[name] = ext
	m.loadOrder = append(m.loadOrder, name)
	log.Debug().Str("extension", name).Msg("extension registered")
	return nil
}

// MustRegister is Register for start-up code where a duplicate name is a
// programming error.
func (m *Manager) MustRegister(exts ...Extension) {
	for _, ext := range exts {
		if err := m.Register(ext); err != nil {
			panic(err)
		}
	}
}

// Unregister removes an extension. It does not shut it down.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.extensions[name]; !exists {
		return fmt.Errorf("%w: %s", ErrExtensionNotFound, name)
	}
	delete(m.extensions, name)
	delete(m.loaded, name)

	order := make([]string, 0, len(m.loadOrder))
	for _, n := range m.loadOrder {
		if n != name {
			order = append(order, n)
		}
	}
	m.loadOrder = order
	return nil
}

// SetLoadOrder replaces the load order. names must list every registered
// extension exactly once.
func (m *Manager) SetLoadOrder(names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(names) != len(m.extensions) {
		return fmt.Errorf("%w (provided: %d, registered: %d)", ErrLoadOrderMismatch, len(names), len(m.extensions))
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, exists := m.extensions[name]; !exists {
			return fmt.Errorf("%w: %s", ErrLoadOrderMissing, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s", ErrLoadOrderDuplicate, name)
		}
		seen[name] = struct{}{}
	}
	m.loadOrder = append([]string(nil), names...)
	log.Info().Strs("load_order", m.loadOrder).Msg("extension load order set")
	return nil
}

// Get returns a registered extension by name.
func (m *Manager) Get(name string) (Extension, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ext, ok := m.extensions[name]
	return ext, ok
}

// Loaded reports whether name is currently loaded.
func (m *Manager) Loaded(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded[name]
}

// LoadAll loads every extension in order. When one fails, the ones loaded
// before it are shut down in reverse order and the load error is returned.
func (m *Manager) LoadAll(ctx context.Context) error {
	order := m.order()
	loaded := make([]string, 0, len(order))
	for _, name := range order {
		ext, ok := m.Get(name)
		if !ok {
			continue
		}

		start := time.Now()
		if err := ext.Load(ctx); err != nil {
			log.Error().Str("extension", name).Dur("duration", time.Since(start)).Err(err).Msg("failed to load extension")
			if rbErr := m.shutdown(context.WithoutCancel(ctx), loaded); rbErr != nil {
				log.Error().Err(rbErr).Msg("errors occurred during load failure rollback")
			}
			return fmt.Errorf("failed to load extension %s: %w", name, err)
		}

		m.mu.Lock()
		m.loaded[name] = true
		m.mu.Unlock()
		loaded = append(loaded, name)
		log.Info().Str("extension", name).Dur("duration", time.Since(start)).Msg("extension loaded")
	}
	return nil
}

// ShutdownAll shuts down every loaded extension in reverse load order. It
// keeps going past failures and returns them joined.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	return m.shutdown(ctx, m.order())
}

func (m *Manager) order() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.loadOrder...)
}

func (m *Manager) shutdown(ctx context.Context, names []string) error {
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		m.mu.RLock()
		ext, exists := m.extensions[name]
		isLoaded := m.loaded[name]
		m.mu.RUnlock()
		if !exists || !isLoaded {
			continue
		}

		start := time.Now()
		if err := ext.Shutdown(ctx); err != nil {
			log.Error().Str("extension", name).Dur("duration", time.Since(start)).Err(err).Msg("failed to shut down extension")
			errs = append(errs, fmt.Errorf("failed to shutdown extension %s: %w", name, err))
		} else {
			log.Info().Str("extension", name).Dur("duration", time.Since(start)).Msg("extension shut down")
		}

		m.mu.Lock()
		delete(m.loaded, name)
		m.mu.Unlock()
	}
	return errors.Join(errs...)
}
