package limiter

import (
	"encoding/json"
	"errors"
	"math"
	"time"
)

// Record is the persisted state for one (identifier, type) pair.
// Attempts is used by sliding windows, Tokens/LastRefill by token buckets.
type Record struct {
	Attempts     []int64 `json:"attempts,omitempty"`     // unix ms, oldest first
	Tokens       float64 `json:"tokens"`                 // remaining tokens
	LastRefillNs int64   `json:"lastRefillNs,omitempty"` // unix ns of the last refill
	Denials      int     `json:"denials,omitempty"`      // consecutive token-bucket denials
	LockedUntil  int64   `json:"lockedUntil,omitempty"`  // unix ms, 0 when not locked
}

var errInvalidFields = errors.New("record fields out of range")

// decodeRecord returns nil for an absent or empty payload.
func decodeRecord(key string, data []byte) (*Record, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &CorruptRecordError{Key: key, Err: err}
	}
	if math.IsNaN(rec.Tokens) || rec.Tokens < 0 || rec.LockedUntil < 0 || rec.Denials < 0 {
		return nil, &CorruptRecordError{Key: key, Err: errInvalidFields}
	}
	return &rec, nil
}

func (r *Record) encode() ([]byte, error) {
	return json.Marshal(r)
}

// lockedAt reports whether a lockout is active at now.
func (r *Record) lockedAt(now time.Time) (time.Time, bool) {
	if r == nil || r.LockedUntil == 0 {
		return time.Time{}, false
	}
	until := time.UnixMilli(r.LockedUntil)
	return until, until.After(now)
}

// expiresAt is the instant after which the record carries no state that a
// fresh record would not also have.
func (r *Record) expiresAt(tc TypeConfig) time.Time {
	var exp time.Time
	later := func(t time.Time) {
		if t.After(exp) {
			exp = t
		}
	}

	if r.LockedUntil > 0 {
		later(time.UnixMilli(r.LockedUntil))
	}
	if n := len(r.Attempts); n > 0 {
		later(time.UnixMilli(r.Attempts[n-1]).Add(tc.Window))
	}
	if r.LastRefillNs > 0 {
		capacity := float64(tc.MaxAttempts)
		deficit := capacity - r.Tokens
		if deficit > 0 {
			later(time.Unix(0, r.LastRefillNs).Add(refillDuration(deficit, tc)))
		}
	}
	return exp
}

// refillDuration is how long a bucket takes to regain n tokens.
func refillDuration(n float64, tc TypeConfig) time.Duration {
	perToken := float64(tc.Window) / float64(tc.MaxAttempts)
	return time.Duration(math.Ceil(n * perToken))
}
