// Package limiter throttles guarded operations (login, signup, API calls, ...)
// per identifier using sliding-window, token-bucket or fixed-window counting,
// with lockouts after repeated violations and per-type statistics.
//
// All state lives in a Store handed to NewEngine; the Engine itself holds no
// per-identifier state between calls.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/toolink/throttle/pubsub"
)

// Event topics published by the engine.
const (
	TopicLockout  = "throttle.lockout"
	TopicReset    = "throttle.reset"
	TopicDegraded = "throttle.degraded"
)

// Decision is the answer to a single Check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Locked    bool      `json:"locked"`
	// Degraded is set when the store was unreachable and the decision
	// came from the failure policy.
	Degraded bool `json:"degraded,omitempty"`
}

// Notice is the payload published on the engine's event topics.
type Notice struct {
	ID          string        `json:"id"`
	Type        OperationType `json:"type"`
	Identifier  Identifier    `json:"identifier"`
	LockedUntil time.Time     `json:"lockedUntil,omitzero"`
	Error       string        `json:"error,omitempty"`
	At          time.Time     `json:"at"`
}

// Engine decides whether a request for an identifier and operation type may
// proceed.
type Engine struct {
	config   *Config
	store    Store
	stats    StatsStore
	events   pubsub.PubSub
	metrics  *Metrics
	now      func() time.Time
	failOpen map[OperationType]*rate.Limiter
}

// Option configures an Engine.
type Option func(*Engine)

// WithStats sets the statistics backend. Defaults to an in-memory store.
func WithStats(s StatsStore) Option {
	return func(e *Engine) {
		if s != nil {
			e.stats = s
		}
	}
}

// WithEvents publishes lockout, reset and degraded notices to ps.
func WithEvents(ps pubsub.PubSub) Option {
	return func(e *Engine) {
		e.events = ps
	}
}

// WithMetrics records decisions and store failures in m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine validates cfg and builds an Engine over store.
func NewEngine(cfg *Config, store Store, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	if store == nil {
		return nil, errors.New("limiter: store is required")
	}

	e := &Engine{
		config:   cfg,
		store:    store,
		now:      time.Now,
		failOpen: make(map[OperationType]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.stats == nil {
		e.stats = NewMemoryStats()
	}
	if cfg.FailOpenRate > 0 {
		for typ := range cfg.Types {
			e.failOpen[typ] = rate.NewLimiter(rate.Limit(cfg.FailOpenRate), cfg.FailOpenBurst)
		}
	}

	log.Info().Int("types", len(cfg.Types)).Str("failure_policy", string(cfg.FailurePolicy)).Msg("rate limit engine ready")
	return e, nil
}

// Check decides whether id may perform typ now and records the attempt.
//
// Only configuration and identifier errors are returned. Store failures are
// retried once and then resolved by the failure policy into a Degraded
// decision.
func (e *Engine) Check(ctx context.Context, id Identifier, typ OperationType) (Decision, error) {
	tc, err := e.config.lookup(typ)
	if err != nil {
		return Decision{}, err
	}
	id, err = id.Normalize()
	if err != nil {
		return Decision{}, err
	}

	run := strategies[tc.Algorithm]
	key := recordKey(typ, id)
	now := e.now()
	start := time.Now()

	out, err := run(e, ctx, key, tc, now)
	if err != nil && e.retryable(ctx, err) {
		log.Warn().Err(err).Str("key", key).Dur("backoff", e.config.RetryBackoff).Msg("rate limit store call failed, retrying once")
		if sleepErr := sleep(ctx, e.config.RetryBackoff); sleepErr == nil {
			out, err = run(e, ctx, key, tc, now)
		}
	}
	e.metrics.observeLatency(typ, time.Since(start))

	if err != nil {
		d := e.degrade(ctx, id, typ, now, err)
		e.metrics.decision(typ, d)
		e.recordStats(ctx, id, typ, d, now)
		return d, nil
	}

	d := out.decision
	e.metrics.decision(typ, d)
	e.recordStats(ctx, id, typ, d, now)

	if out.lockedNow {
		log.Warn().Str("type", string(typ)).Str("identifier", id.String()).Time("locked_until", d.ResetAt).Msg("rate limit lockout started")
		e.publish(ctx, TopicLockout, Notice{Type: typ, Identifier: id, LockedUntil: d.ResetAt, At: now})
	} else if !d.Allowed {
		log.Debug().Str("type", string(typ)).Str("identifier", id.String()).Bool("locked", d.Locked).Msg("rate limit exceeded")
	}
	return d, nil
}

// Reset clears all state for id and typ, lifting any lockout. Resetting a
// pair with no state is a no-op.
func (e *Engine) Reset(ctx context.Context, id Identifier, typ OperationType) error {
	tc, err := e.config.lookup(typ)
	if err != nil {
		return err
	}
	id, err = id.Normalize()
	if err != nil {
		return err
	}

	key := recordKey(typ, id)
	keys := []string{key}
	if tc.Algorithm == AlgorithmFixedWindow {
		bucketKey, _ := fixedWindowBucket(key, tc, e.now())
		keys = append(keys, fixedWindowLockKey(key), bucketKey)
	}

	if err := e.store.Delete(ctx, keys...); err != nil {
		return &StoreUnavailableError{Op: "delete", Key: key, Err: err}
	}

	log.Info().Str("type", string(typ)).Str("identifier", id.String()).Msg("rate limit reset")
	e.publish(ctx, TopicReset, Notice{Type: typ, Identifier: id, At: e.now()})
	return nil
}

// Stats summarises recorded checks for typ over the last hours. A nil id
// aggregates across all identifiers. No data yields a zero summary.
func (e *Engine) Stats(ctx context.Context, id *Identifier, typ OperationType, hours int) (StatsSummary, error) {
	if _, err := e.config.lookup(typ); err != nil {
		return StatsSummary{}, err
	}
	if hours <= 0 {
		return StatsSummary{}, ErrInvalidHours
	}
	if id != nil {
		norm, err := id.Normalize()
		if err != nil {
			return StatsSummary{}, err
		}
		id = &norm
	}

	now := e.now()
	summary, err := e.stats.Summarize(ctx, typ, id, now.Add(-time.Duration(hours)*time.Hour), now)
	if err != nil {
		return StatsSummary{}, fmt.Errorf("summarize %s stats: %w", typ, err)
	}
	summary.Type = typ
	summary.TimeRangeHours = hours
	return summary, nil
}

// StatsAll summarises every configured type, ordered by type name.
func (e *Engine) StatsAll(ctx context.Context, hours int) ([]StatsSummary, error) {
	types := e.Types()
	out := make([]StatsSummary, 0, len(types))
	for _, typ := range types {
		s, err := e.Stats(ctx, nil, typ, hours)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Table returns a copy of the configuration table.
func (e *Engine) Table() map[OperationType]TypeConfig {
	out := make(map[OperationType]TypeConfig, len(e.config.Types))
	for typ, tc := range e.config.Types {
		out[typ] = tc
	}
	return out
}

// Types returns the configured operation types in sorted order.
func (e *Engine) Types() []OperationType {
	return sortedTypes(e.config.Types)
}

// Ping checks the underlying store.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// retryable reports whether err is a store failure worth one more try.
func (e *Engine) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) && !errors.Is(err, ErrTxConflict)
}

// degrade resolves a store failure with the configured policy.
func (e *Engine) degrade(ctx context.Context, id Identifier, typ OperationType, now time.Time, cause error) Decision {
	e.metrics.storeError(typ)
	log.Error().Err(cause).Str("type", string(typ)).Str("identifier", id.String()).Str("policy", string(e.config.FailurePolicy)).Msg("rate limit store unavailable")
	e.publish(ctx, TopicDegraded, Notice{Type: typ, Identifier: id, Error: cause.Error(), At: now})

	denied := Decision{Allowed: false, Remaining: 0, ResetAt: now.Add(e.config.RetryBackoff), Degraded: true}
	if errors.Is(cause, ErrTxConflict) {
		// the key is under heavy contention; admitting here could over-admit
		return denied
	}
	if e.config.FailurePolicy == FailClosed {
		return denied
	}
	if lim, ok := e.failOpen[typ]; ok && !lim.AllowN(now, 1) {
		log.Warn().Str("type", string(typ)).Msg("fail-open allowance exhausted, denying")
		return denied
	}
	return Decision{Allowed: true, Remaining: 0, ResetAt: now, Degraded: true}
}

// recordStats is best effort: a stats failure never changes a decision.
func (e *Engine) recordStats(ctx context.Context, id Identifier, typ OperationType, d Decision, now time.Time) {
	err := e.stats.Record(ctx, Event{Type: typ, Identifier: id, Allowed: d.Allowed, Locked: d.Locked, At: now})
	if err != nil {
		log.Warn().Err(err).Str("type", string(typ)).Msg("failed to record rate limit stats")
	}
}

func (e *Engine) publish(ctx context.Context, topic string, n Notice) {
	if e.events == nil {
		return
	}
	n.ID = uuid.NewString()
	if err := e.events.TryPublish(ctx, topic, &pubsub.Message{Payload: n}); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to publish rate limit notice")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
