package limiter

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// outcome is what a strategy hands back to Check.
type outcome struct {
	decision  Decision
	lockedNow bool // this call started a lockout
}

// strategy runs one algorithm against the store for a single check.
type strategy func(e *Engine, ctx context.Context, key string, tc TypeConfig, now time.Time) (outcome, error)

// recordStep advances a decoded record by one request. rec is nil for a
// fresh pair and never carries an active lockout.
type recordStep func(rec *Record, tc TypeConfig, now time.Time) (*Record, outcome)

// strategies is the dispatch table keyed by configured algorithm.
var strategies = map[Algorithm]strategy{
	AlgorithmSlidingWindow: recordStrategy(slidingWindowStep),
	AlgorithmTokenBucket:   recordStrategy(tokenBucketStep),
	AlgorithmFixedWindow:   (*Engine).runFixedWindow,
}

// recordStrategy adapts a pure record step into a strategy that runs inside
// the store's atomic Update.
func recordStrategy(step recordStep) strategy {
	return func(e *Engine, ctx context.Context, key string, tc TypeConfig, now time.Time) (outcome, error) {
		var out outcome
		err := e.store.Update(ctx, key, func(current []byte) ([]byte, time.Duration, error) {
			rec := e.decode(key, current)
			var next *Record
			next, out = advance(step, rec, tc, now)
			return encodeWithTTL(next, tc, now)
		})
		if err != nil {
			return outcome{}, &StoreUnavailableError{Op: "update", Key: key, Err: err}
		}
		return out, nil
	}
}

// advance applies the lockout gate and then the algorithm step.
func advance(step recordStep, rec *Record, tc TypeConfig, now time.Time) (*Record, outcome) {
	if until, locked := rec.lockedAt(now); locked {
		return rec, outcome{decision: Decision{Allowed: false, Locked: true, Remaining: 0, ResetAt: until}}
	}
	if rec != nil && rec.LockedUntil != 0 {
		// lockout served: counting restarts
		rec = nil
	}
	return step(rec, tc, now)
}

// encodeWithTTL serialises rec and derives its ttl; a record with nothing
// left to remember is deleted.
func encodeWithTTL(rec *Record, tc TypeConfig, now time.Time) ([]byte, time.Duration, error) {
	ttl := rec.expiresAt(tc).Sub(now)
	if ttl <= 0 {
		return nil, 0, nil
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	data, err := rec.encode()
	if err != nil {
		return nil, 0, fmt.Errorf("encode record: %w", err)
	}
	return data, ttl, nil
}

// slidingWindowStep counts attempts inside (now-Window, now].
func slidingWindowStep(rec *Record, tc TypeConfig, now time.Time) (*Record, outcome) {
	next := &Record{}
	cutoff := now.Add(-tc.Window).UnixMilli()
	if rec != nil {
		for _, ts := range rec.Attempts {
			if ts > cutoff {
				next.Attempts = append(next.Attempts, ts)
			}
		}
	}

	if len(next.Attempts) >= tc.MaxAttempts {
		if tc.Lockout > 0 {
			until := now.Add(tc.Lockout)
			next.LockedUntil = until.UnixMilli()
			return next, outcome{
				decision:  Decision{Allowed: false, Locked: true, Remaining: 0, ResetAt: until},
				lockedNow: true,
			}
		}
		return next, outcome{decision: Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   time.UnixMilli(next.Attempts[0]).Add(tc.Window),
		}}
	}

	next.Attempts = append(next.Attempts, now.UnixMilli())
	return next, outcome{decision: Decision{
		Allowed:   true,
		Remaining: tc.MaxAttempts - len(next.Attempts),
		ResetAt:   laterOf(time.UnixMilli(next.Attempts[0]).Add(tc.Window), now),
	}}
}

// tokenBucketStep refills MaxAttempts tokens per Window, linearly.
func tokenBucketStep(rec *Record, tc TypeConfig, now time.Time) (*Record, outcome) {
	capacity := float64(tc.MaxAttempts)
	next := &Record{Tokens: capacity, LastRefillNs: now.UnixNano()}
	if rec != nil && rec.LastRefillNs > 0 {
		elapsed := now.Sub(time.Unix(0, rec.LastRefillNs))
		if elapsed < 0 {
			elapsed = 0
		}
		refill := float64(elapsed) * capacity / float64(tc.Window)
		next.Tokens = math.Min(capacity, rec.Tokens+refill)
		next.Denials = rec.Denials
	}

	if next.Tokens >= 1 {
		next.Tokens--
		next.Denials = 0
		return next, outcome{decision: Decision{
			Allowed:   true,
			Remaining: int(math.Floor(next.Tokens)),
			ResetAt:   now.Add(refillDuration(capacity-next.Tokens, tc)),
		}}
	}

	next.Denials++
	if tc.Lockout > 0 && tc.LockoutAfterDenials > 0 && next.Denials >= tc.LockoutAfterDenials {
		until := now.Add(tc.Lockout)
		next.LockedUntil = until.UnixMilli()
		next.Denials = 0
		return next, outcome{
			decision:  Decision{Allowed: false, Locked: true, Remaining: 0, ResetAt: until},
			lockedNow: true,
		}
	}
	return next, outcome{decision: Decision{
		Allowed:   false,
		Remaining: 0,
		ResetAt:   now.Add(refillDuration(1-next.Tokens, tc)),
	}}
}

// runFixedWindow counts requests in aligned buckets with IncrementAndFetch.
// Lockouts live in a companion record updated atomically.
func (e *Engine) runFixedWindow(ctx context.Context, key string, tc TypeConfig, now time.Time) (outcome, error) {
	lockKey := fixedWindowLockKey(key)
	data, err := e.store.Get(ctx, lockKey)
	if err != nil {
		return outcome{}, &StoreUnavailableError{Op: "get", Key: lockKey, Err: err}
	}
	if until, locked := e.decode(lockKey, data).lockedAt(now); locked {
		return outcome{decision: Decision{Allowed: false, Locked: true, Remaining: 0, ResetAt: until}}, nil
	}

	bucketKey, bucketEnd := fixedWindowBucket(key, tc, now)
	count, err := e.store.IncrementAndFetch(ctx, bucketKey, tc.Window)
	if err != nil {
		return outcome{}, &StoreUnavailableError{Op: "increment", Key: bucketKey, Err: err}
	}

	limit := int64(tc.MaxAttempts)
	if count <= limit {
		return outcome{decision: Decision{Allowed: true, Remaining: int(limit - count), ResetAt: bucketEnd}}, nil
	}
	if tc.Lockout <= 0 {
		return outcome{decision: Decision{Allowed: false, Remaining: 0, ResetAt: bucketEnd}}, nil
	}

	var out outcome
	err = e.store.Update(ctx, lockKey, func(current []byte) ([]byte, time.Duration, error) {
		if until, locked := e.decode(lockKey, current).lockedAt(now); locked {
			// a concurrent request already started the lockout
			out = outcome{decision: Decision{Allowed: false, Locked: true, Remaining: 0, ResetAt: until}}
			return current, until.Sub(now), nil
		}
		until := now.Add(tc.Lockout)
		out = outcome{
			decision:  Decision{Allowed: false, Locked: true, Remaining: 0, ResetAt: until},
			lockedNow: true,
		}
		return encodeWithTTL(&Record{LockedUntil: until.UnixMilli()}, tc, now)
	})
	if err != nil {
		return outcome{}, &StoreUnavailableError{Op: "update", Key: lockKey, Err: err}
	}
	if out.lockedNow {
		// the bucket restarts from zero once the lockout ends
		if err := e.store.Delete(ctx, bucketKey); err != nil {
			return outcome{}, &StoreUnavailableError{Op: "delete", Key: bucketKey, Err: err}
		}
	}
	return out, nil
}

func fixedWindowLockKey(key string) string {
	return key + ":lock"
}

// fixedWindowBucket returns the counter key for the bucket containing now
// and the instant that bucket ends.
func fixedWindowBucket(key string, tc TypeConfig, now time.Time) (string, time.Time) {
	size := tc.Window.Nanoseconds()
	idx := now.UnixNano() / size
	return fmt.Sprintf("%s:%d", key, idx), time.Unix(0, (idx+1)*size)
}

// decode treats corrupt payloads as a fresh record.
func (e *Engine) decode(key string, data []byte) *Record {
	rec, err := decodeRecord(key, data)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("discarding corrupt rate limit record")
		e.metrics.corruptRecord()
		return nil
	}
	return rec
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
