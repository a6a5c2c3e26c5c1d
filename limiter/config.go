package limiter

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
)

// OperationType names a guarded operation (login, signup, ...).
type OperationType string

// Algorithm selects the counting strategy for an operation type.
type Algorithm string

// FailurePolicy decides what Check returns when the store is unavailable.
type FailurePolicy string

// validAlgorithms mirrors the strategy dispatch table.
var validAlgorithms = map[Algorithm]bool{
	AlgorithmSlidingWindow: true,
	AlgorithmTokenBucket:   true,
	AlgorithmFixedWindow:   true,
}

const (
	defaultRetryBackoff = 50 * time.Millisecond
	defaultFailOpenRate = 0 // unlimited
)

// TypeConfig defines the limit applied to one operation type.
type TypeConfig struct {
	Algorithm   Algorithm     `yaml:"algorithm"`
	Window      time.Duration `yaml:"window"`
	MaxAttempts int           `yaml:"max_attempts"`
	Lockout     time.Duration `yaml:"lockout"`
	// LockoutAfterDenials is the number of consecutive token-bucket denials
	// that triggers a lockout. 0 disables it.
	LockoutAfterDenials int `yaml:"lockout_after_denials"`
}

// MarshalJSON reports durations in milliseconds.
func (tc TypeConfig) MarshalJSON() ([]byte, error) {
	type wire struct {
		Algorithm           Algorithm `json:"algorithm"`
		WindowMs            int64     `json:"windowMs"`
		MaxAttempts         int       `json:"maxAttempts"`
		LockoutMs           int64     `json:"lockoutMs"`
		LockoutAfterDenials int       `json:"lockoutAfterDenials,omitempty"`
	}
	return json.Marshal(wire{
		Algorithm:           tc.Algorithm,
		WindowMs:            tc.Window.Milliseconds(),
		MaxAttempts:         tc.MaxAttempts,
		LockoutMs:           tc.Lockout.Milliseconds(),
		LockoutAfterDenials: tc.LockoutAfterDenials,
	})
}

// Config holds the engine configuration.
type Config struct {
	FailurePolicy FailurePolicy `yaml:"failure_policy"`
	// RetryBackoff is the pause before the single retry of a failed store call.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// FailOpenRate caps, per operation type and per process, how many requests
	// per second fail-open may admit while the store is down. 0 means no cap.
	FailOpenRate  float64                      `yaml:"fail_open_rate"`
	FailOpenBurst int                          `yaml:"fail_open_burst"`
	Types         map[OperationType]TypeConfig `yaml:"types"`
}

// DefaultTable returns the built-in configuration table.
func DefaultTable() map[OperationType]TypeConfig {
	return map[OperationType]TypeConfig{
		TypeLogin: {
			Algorithm:   AlgorithmSlidingWindow,
			Window:      10 * time.Minute,
			MaxAttempts: 5,
			Lockout:     15 * time.Minute,
		},
		TypeSignup: {
			Algorithm:   AlgorithmSlidingWindow,
			Window:      time.Hour,
			MaxAttempts: 3,
			Lockout:     time.Hour,
		},
		TypeAPI: {
			Algorithm:           AlgorithmTokenBucket,
			Window:              time.Minute,
			MaxAttempts:         100,
			Lockout:             5 * time.Minute,
			LockoutAfterDenials: 50,
		},
		TypePasswordReset: {
			Algorithm:   AlgorithmSlidingWindow,
			Window:      time.Hour,
			MaxAttempts: 3,
			Lockout:     time.Hour,
		},
		TypeUpload: {
			Algorithm:   AlgorithmFixedWindow,
			Window:      time.Hour,
			MaxAttempts: 20,
		},
	}
}

// DefaultConfig returns a fail-open configuration using DefaultTable.
func DefaultConfig() *Config {
	return &Config{
		FailurePolicy: FailOpen,
		RetryBackoff:  defaultRetryBackoff,
		FailOpenRate:  defaultFailOpenRate,
		Types:         DefaultTable(),
	}
}

// ValidateAndPrepare fills defaults and validates every type entry.
func (c *Config) ValidateAndPrepare() error {
	if c.FailurePolicy == "" {
		c.FailurePolicy = FailOpen
	}
	if c.FailurePolicy != FailOpen && c.FailurePolicy != FailClosed {
		return &ConfigurationError{Field: "failure_policy", Message: fmt.Sprintf("must be '%s' or '%s', got '%s'", FailOpen, FailClosed, c.FailurePolicy)}
	}
	if c.RetryBackoff < 0 {
		return &ConfigurationError{Field: "retry_backoff", Message: "must not be negative"}
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.FailOpenRate < 0 {
		return &ConfigurationError{Field: "fail_open_rate", Message: "must not be negative"}
	}
	if c.FailOpenRate > 0 && c.FailOpenBurst <= 0 {
		c.FailOpenBurst = int(c.FailOpenRate) + 1
	}

	if len(c.Types) == 0 {
		log.Warn().Msg("no rate limit types configured, using default table")
		c.Types = DefaultTable()
	}

	for typ, tc := range c.Types {
		if typ == "" {
			return &ConfigurationError{Field: "types", Message: "operation type name cannot be empty"}
		}
		if tc.Algorithm == "" {
			tc.Algorithm = AlgorithmSlidingWindow
		}
		if !validAlgorithms[tc.Algorithm] {
			return &ConfigurationError{Type: typ, Field: "algorithm", Message: fmt.Sprintf("unknown algorithm '%s'", tc.Algorithm)}
		}
		if tc.MaxAttempts < 1 {
			return &ConfigurationError{Type: typ, Field: "max_attempts", Message: fmt.Sprintf("must be at least 1, got %d", tc.MaxAttempts)}
		}
		if tc.Window <= 0 {
			return &ConfigurationError{Type: typ, Field: "window", Message: fmt.Sprintf("must be positive, got %s", tc.Window)}
		}
		if tc.Lockout < 0 {
			return &ConfigurationError{Type: typ, Field: "lockout", Message: "must not be negative"}
		}
		if tc.LockoutAfterDenials < 0 {
			return &ConfigurationError{Type: typ, Field: "lockout_after_denials", Message: "must not be negative"}
		}
		c.Types[typ] = tc
	}
	return nil
}

// lookup returns the config for typ or a ConfigurationError.
func (c *Config) lookup(typ OperationType) (TypeConfig, error) {
	tc, ok := c.Types[typ]
	if !ok {
		return TypeConfig{}, &ConfigurationError{Type: typ, Message: "Unknown rate limit type"}
	}
	return tc, nil
}

func sortedTypes(m map[OperationType]TypeConfig) []OperationType {
	types := make([]OperationType, 0, len(m))
	for typ := range m {
		types = append(types, typ)
	}
	slices.Sort(types)
	return types
}
