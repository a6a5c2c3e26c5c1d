package limiter

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports engine activity to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	decisions   *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	corrupt     prometheus.Counter
	latency     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "throttle",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by operation type and outcome.",
		}, []string{"type", "outcome"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "throttle",
			Name:      "store_errors_total",
			Help:      "Checks resolved by the failure policy because the store was unavailable.",
		}, []string{"type"}),
		corrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "throttle",
			Name:      "corrupt_records_total",
			Help:      "Stored records discarded because they failed to decode.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "throttle",
			Name:      "check_duration_seconds",
			Help:      "Time spent in Check, including store round trips.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"type"}),
	}

	for _, c := range []prometheus.Collector{m.decisions, m.storeErrors, m.corrupt, m.latency} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register throttle metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) decision(typ OperationType, d Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(typ), outcomeLabel(d)).Inc()
}

func (m *Metrics) storeError(typ OperationType) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) corruptRecord() {
	if m == nil {
		return
	}
	m.corrupt.Inc()
}

func (m *Metrics) observeLatency(typ OperationType, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(string(typ)).Observe(d.Seconds())
}

func outcomeLabel(d Decision) string {
	switch {
	case d.Degraded && d.Allowed:
		return "degraded_allowed"
	case d.Degraded:
		return "degraded_denied"
	case d.Locked:
		return "locked"
	case d.Allowed:
		return "allowed"
	default:
		return "denied"
	}
}
