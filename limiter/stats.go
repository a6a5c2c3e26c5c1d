package limiter

import (
	"context"
	"sync"
	"time"
)

const defaultStatsRetention = 7 * 24 * time.Hour

// Event is one recorded Check outcome.
type Event struct {
	Type       OperationType `json:"type"`
	Identifier Identifier    `json:"identifier"`
	Allowed    bool          `json:"allowed"`
	Locked     bool          `json:"locked"`
	At         time.Time     `json:"at"`
}

// StatsSummary aggregates events for one operation type.
type StatsSummary struct {
	Type              OperationType `json:"type"`
	TotalRequests     int64         `json:"totalRequests"`
	UniqueIdentifiers int64         `json:"uniqueIdentifiers"`
	Violations        int64         `json:"violations"`
	TimeRangeHours    int           `json:"timeRangeHours"`
}

// StatsStore persists check events and summarises them on demand.
type StatsStore interface {
	// Record stores one event.
	Record(ctx context.Context, ev Event) error

	// Summarize aggregates events of typ in (since, until]. A nil id
	// aggregates across identifiers. No events yields a zero summary.
	Summarize(ctx context.Context, typ OperationType, id *Identifier, since, until time.Time) (StatsSummary, error)
}

var (
	_ StatsStore = (*MemoryStats)(nil)
	_ StatsStore = (*RedisStats)(nil)
)

// MemoryStats keeps events in process, pruning those older than the
// retention. Suitable for single-instance deployments and tests.
type MemoryStats struct {
	mu        sync.Mutex
	events    []Event // ordered by insertion
	retention time.Duration
}

// MemoryStatsOption configures MemoryStats.
type MemoryStatsOption func(*MemoryStats)

// WithStatsRetention sets how long events are kept. Defaults to 7 days.
func WithStatsRetention(d time.Duration) MemoryStatsOption {
	return func(s *MemoryStats) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewMemoryStats creates an empty in-memory stats store.
func NewMemoryStats(opts ...MemoryStatsOption) *MemoryStats {
	s := &MemoryStats{retention: defaultStatsRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record implements StatsStore.
func (s *MemoryStats) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)

	cutoff := ev.At.Add(-s.retention)
	drop := 0
	for drop < len(s.events) && s.events[drop].At.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		s.events = append(s.events[:0], s.events[drop:]...)
	}
	return nil
}

// Summarize implements StatsStore.
func (s *MemoryStats) Summarize(_ context.Context, typ OperationType, id *Identifier, since, until time.Time) (StatsSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := StatsSummary{Type: typ}
	seen := make(map[Identifier]struct{})
	for _, ev := range s.events {
		if ev.Type != typ || !ev.At.After(since) || ev.At.After(until) {
			continue
		}
		if id != nil && ev.Identifier != *id {
			continue
		}
		summary.TotalRequests++
		if !ev.Allowed {
			summary.Violations++
		}
		seen[ev.Identifier] = struct{}{}
	}
	summary.UniqueIdentifiers = int64(len(seen))
	return summary, nil
}

// Len returns the number of retained events.
func (s *MemoryStats) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
