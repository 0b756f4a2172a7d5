package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind sentinels. Every error surfaced by the engines unwraps to at most one.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrTransient     = errors.New("transient provider error")
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation error")
	ErrPersistence   = errors.New("persistence error")
)

// Specific causes.
var (
	ErrEmptyMessage      = errors.New("message is empty")
	ErrMessageTooLong    = errors.New("message too long")
	ErrEmptyHistory      = errors.New("history entry has no query")
	ErrInvalidTopK       = errors.New("top_k out of range")
	ErrInvalidChunking   = errors.New("invalid chunking parameters")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrUnknownModel      = errors.New("unknown model")
	ErrInvalidDays       = errors.New("days out of range")
	ErrInvalidThreshold  = errors.New("threshold must be positive")
	ErrUnsupportedFormat = errors.New("unsupported export format")
	ErrUnsupportedFile   = errors.New("unsupported file type")
	ErrDuplicateRecord   = errors.New("duplicate record")
	ErrEmptyDocID        = errors.New("document id is empty")
	ErrForeignChunk      = errors.New("chunk belongs to another document")
	ErrEmptyRequestID    = errors.New("request id is empty")
)

// ValidationError wraps a sentinel with the offending field.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() []error { return []error{ErrValidation, e.Wrapped} }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// ConfigError reports an operator mistake: bad chunking, unknown model, wrong dimension.
type ConfigError struct {
	Key     string
	Wrapped error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Key, e.Wrapped)
}

func (e *ConfigError) Unwrap() []error { return []error{ErrConfiguration, e.Wrapped} }

// NewConfigError creates a ConfigError.
func NewConfigError(key string, wrapped error) *ConfigError {
	return &ConfigError{Key: key, Wrapped: wrapped}
}

// PersistenceError reports a failed durable write. The data may be lost.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// NewPersistenceError creates a PersistenceError.
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

type transientError struct{ err error }

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() []error { return []error{ErrTransient, e.err} }
func (e *transientError) Transient() bool { return true }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is worth retrying: marked transient, a
// provider error that says so, a deadline, or a network timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Kind classifies errors for user-facing messages and HTTP status mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConfiguration
	KindTransient
	KindNotFound
	KindPersistence
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConfiguration:
		return "configuration"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindPersistence:
		return "persistence"
	case KindCanceled:
		return "canceled"
	default:
		return "internal"
	}
}

// KindOf classifies err. Validation wins over everything else because it is
// raised before any side effect.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case IsTransient(err):
		return KindTransient
	default:
		return KindInternal
	}
}
