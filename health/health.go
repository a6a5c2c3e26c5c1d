// Package health aggregates dependency checks into liveness and readiness
// reports, served over HTTP and the gRPC health protocol.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Status is the state of a single check or of a whole report.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

const defaultCheckTimeout = 2 * time.Second

// Checker probes one dependency.
type Checker interface {
	Name() string
	// Critical checkers take the report down when they fail; the others
	// only degrade it.
	Critical() bool
	Check(ctx context.Context) error
}

type checkFunc struct {
	name     string
	critical bool
	fn       func(ctx context.Context) error
}

func (c *checkFunc) Name() string                    { return c.name }
func (c *checkFunc) Critical() bool                  { return c.critical }
func (c *checkFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// NewChecker builds a Checker from a function.
func NewChecker(name string, critical bool, fn func(ctx context.Context) error) Checker {
	return &checkFunc{name: name, critical: critical, fn: fn}
}

// Pinger is satisfied by the counter stores and database handles.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker checks p.Ping.
func PingChecker(name string, critical bool, p Pinger) Checker {
	return NewChecker(name, critical, p.Ping)
}

// RedisChecker pings a Redis client.
func RedisChecker(name string, critical bool, client redis.UniversalClient) Checker {
	return NewChecker(name, critical, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// Result is the outcome of one check.
type Result struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Critical   bool   `json:"critical"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Report is the combined outcome of all checks.
type Report struct {
	Status    Status    `json:"status"`
	Checks    []Result  `json:"checks"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Aggregator runs its checkers concurrently, each bounded by a timeout.
type Aggregator struct {
	checkers []Checker
	timeout  time.Duration
}

// NewAggregator creates an Aggregator. A non-positive timeout uses the
// default of two seconds.
func NewAggregator(timeout time.Duration, checkers ...Checker) *Aggregator {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &Aggregator{checkers: checkers, timeout: timeout}
}

// Add registers more checkers. It is not safe to call concurrently with Run.
func (a *Aggregator) Add(checkers ...Checker) {
	a.checkers = append(a.checkers, checkers...)
}

// Run executes every checker and folds the results. Any failed critical
// check makes the report down; otherwise any failure makes it degraded.
func (a *Aggregator) Run(ctx context.Context) Report {
	results := make([]Result, len(a.checkers))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range a.checkers {
		g.Go(func() error {
			results[i] = a.runOne(gctx, c)
			// failures are reported in results, never through the group
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return Report{Status: overall(results), Checks: results, CheckedAt: time.Now()}
}

func (a *Aggregator) runOne(ctx context.Context, c Checker) Result {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	err := safeCheck(ctx, c)
	res := Result{Name: c.Name(), Status: StatusUp, Critical: c.Critical(), DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", a.timeout, err)
		}
		res.Error = err.Error()
		res.Status = StatusDegraded
		if c.Critical() {
			res.Status = StatusDown
		}
		log.Warn().Str("check", c.Name()).Bool("critical", c.Critical()).Err(err).Msg("health check failed")
	}
	return res
}

// safeCheck runs the check, turning a panic into an error. A check that
// ignores ctx is abandoned once ctx is done.
func safeCheck(ctx context.Context, c Checker) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("check panicked: %v", r)
			}
		}()
		done <- c.Check(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func overall(results []Result) Status {
	status := StatusUp
	for _, r := range results {
		switch r.Status {
		case StatusDown:
			return StatusDown
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// LivenessHandler always answers 200: the process is able to serve HTTP.
func LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]Status{"status": StatusUp})
	})
}

// ReadinessHandler runs the checks and answers 503 when the report is down.
func (a *Aggregator) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := a.Run(r.Context())
		code := http.StatusOK
		if report.Status == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write health response")
	}
}
