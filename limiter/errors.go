package limiter

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIdentifier is returned for empty or malformed identifiers.
	ErrInvalidIdentifier = errors.New("limiter: invalid identifier")
	// ErrInvalidHours is returned when a stats look-back is not positive.
	ErrInvalidHours = errors.New("limiter: hours must be a positive integer")
	// ErrStoreUnavailable is the sentinel wrapped by StoreUnavailableError.
	ErrStoreUnavailable = errors.New("limiter: counter store unavailable")
	// ErrCorruptRecord is the sentinel wrapped by CorruptRecordError.
	ErrCorruptRecord = errors.New("limiter: corrupt rate limit record")
	// ErrTxConflict is returned by stores when an optimistic update kept
	// losing the race for the same key.
	ErrTxConflict = errors.New("limiter: too many concurrent updates for key")
)

// ConfigurationError reports an unknown operation type or an invalid table entry.
// It is never retried.
type ConfigurationError struct {
	Type    OperationType
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Field != "" && e.Type != "":
		return fmt.Sprintf("configuration error: %s.%s: %s", e.Type, e.Field, e.Message)
	case e.Field != "":
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
	case e.Type != "":
		return fmt.Sprintf("configuration error: %s: %s", e.Message, e.Type)
	default:
		return "configuration error: " + e.Message
	}
}

// StoreUnavailableError wraps a counter store failure.
type StoreUnavailableError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s of %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreUnavailableError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// CorruptRecordError reports a stored record that failed to decode.
type CorruptRecordError struct {
	Key string
	Err error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record at %s: %v", e.Key, e.Err)
}

func (e *CorruptRecordError) Unwrap() []error {
	return []error{ErrCorruptRecord, e.Err}
}

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
