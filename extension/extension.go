// Package extension orders the start-up and shutdown of the daemon's
// long-lived parts: stores, janitors, the event broker and the servers.
package extension

import (
	"context"
	"errors"
)

// Extension is one component with a lifecycle.
type Extension interface {
	// Name must be unique within a Manager.
	Name() string
	// Load starts the component. It must not block for the component's
	// lifetime; servers start their accept loop in a goroutine.
	Load(ctx context.Context) error
	// Shutdown releases the component. ctx bounds how long it may take.
	Shutdown(ctx context.Context) error
}

// Errors returned by Manager.
var (
	ErrExtensionAlreadyRegistered = errors.New("extension name is already registered")
	ErrExtensionNotFound          = errors.New("extension not found")
	ErrLoadOrderMismatch          = errors.New("load order list count does not match registered extensions count")
	ErrLoadOrderMissing           = errors.New("extension specified in load order but not registered")
	ErrLoadOrderDuplicate         = errors.New("duplicate extension name found in load order")
)

// Func adapts a pair of functions into an Extension. Either may be nil.
type Func struct {
	ExtName    string
	OnLoad     func(ctx context.Context) error
	OnShutdown func(ctx context.Context) error
}

var _ Extension = (*Func)(nil)

// Name implements Extension.
func (f *Func) Name() string { return f.ExtName }

// Load implements Extension.
func (f *Func) Load(ctx context.Context) error {
	if f.OnLoad == nil {
		return nil
	}
	return f.OnLoad(ctx)
}

// Shutdown implements Extension.
func (f *Func) Shutdown(ctx context.Context) error {
	if f.OnShutdown == nil {
		return nil
	}
	return f.OnShutdown(ctx)
}

// Closer wraps something with a Close method, such as a store or a broker,
// so that it is closed on shutdown.
func Closer(name string, c interface{ Close() error }) Extension {
	return &Func{
		ExtName:    name,
		OnShutdown: func(context.Context) error { return c.Close() },
	}
}
