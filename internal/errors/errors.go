package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTimeout           = errors.New("timeout")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnavailable       = errors.New("store unavailable")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidTransition = errors.New("invalid subscription transition")
	ErrTrialDisabled     = errors.New("free trial is disabled")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrDuplicateAction   = errors.New("usage action already recorded")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeLifecycle   ErrorType = "lifecycle"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeTimeout     ErrorType = "timeout"
)

// QuotaError is a structured error for quota and subscription operations.
type QuotaError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "record_usage", "cancel")
	AccountID string
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *QuotaError) Error() string {
	if e.AccountID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.AccountID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *QuotaError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *QuotaError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrUnavailable:
		return e.Type == ErrorTypeUnavailable
	case ErrVersionConflict:
		return e.Type == ErrorTypeConflict
	}

	return errors.Is(e.Err, target)
}

// NewQuotaError creates a new QuotaError
func NewQuotaError(errorType ErrorType, op, accountID string, err error) *QuotaError {
	return &QuotaError{
		Type:      errorType,
		Op:        op,
		AccountID: accountID,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeUnavailable, ErrorTypeTimeout, ErrorTypeConflict:
		return true
	case ErrorTypeValidation, ErrorTypeNotFound, ErrorTypeLifecycle:
		return false
	default:
		if err != nil {
			return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrInvalidTransition)
		}
		return true
	}
}

// WrapUnavailable marks a store or network failure.
func WrapUnavailable(op, accountID string, err error) error {
	return NewQuotaError(ErrorTypeUnavailable, op, accountID, err)
}

// WrapTransition marks a lifecycle transition that the state machine rejects.
func WrapTransition(op, accountID string, from, to string) error {
	return NewQuotaError(ErrorTypeLifecycle, op, accountID,
		fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to))
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var qErr *QuotaError
	if errors.As(err, &qErr) {
		return qErr.Retryable
	}

	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrVersionConflict)
}

// IsNotFound reports whether err means the account has no record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
