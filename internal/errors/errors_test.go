package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestQuotaErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"not found type", NewQuotaError(ErrorTypeNotFound, "get", "a1", errors.New("missing")), ErrNotFound, true},
		{"unavailable type", WrapUnavailable("get", "a1", errors.New("dial tcp")), ErrUnavailable, true},
		{"conflict type", NewQuotaError(ErrorTypeConflict, "update", "a1", errors.New("stale")), ErrVersionConflict, true},
		{"timeout type", NewQuotaError(ErrorTypeTimeout, "check", "a1", context.DeadlineExceeded), ErrTimeout, true},
		{"wrapped sentinel", NewQuotaError(ErrorTypeValidation, "start_trial", "a1", ErrTrialDisabled), ErrTrialDisabled, true},
		{"transition", WrapTransition("cancel", "a1", "canceled", "canceled"), ErrInvalidTransition, true},
		{"type mismatch", WrapUnavailable("get", "a1", errors.New("dial tcp")), ErrNotFound, false},
		{"nil target", WrapUnavailable("get", "a1", errors.New("dial tcp")), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Fatalf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.want)
			}
		})
	}
}

func TestQuotaErrorMessage(t *testing.T) {
	err := WrapTransition("reactivate", "a1", "trialing", "active")
	msg := err.Error()
	if !strings.Contains(msg, "reactivate failed for a1") || !strings.Contains(msg, "trialing -> active") {
		t.Fatalf("unexpected message %q", msg)
	}

	err = NewQuotaError(ErrorTypeInternal, "seed", "", errors.New("boom"))
	if got := err.Error(); got != "seed failed: boom" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unavailable", WrapUnavailable("update", "a1", errors.New("io")), true},
		{"conflict", NewQuotaError(ErrorTypeConflict, "update", "a1", ErrVersionConflict), true},
		{"validation", NewQuotaError(ErrorTypeValidation, "record", "a1", ErrInvalidInput), false},
		{"lifecycle", WrapTransition("cancel", "a1", "canceled", "canceled"), false},
		{"internal wrapping invalid input", NewQuotaError(ErrorTypeInternal, "record", "a1", ErrInvalidInput), false},
		{"internal other", NewQuotaError(ErrorTypeInternal, "record", "a1", errors.New("boom")), true},
		{"bare sentinel", fmt.Errorf("load: %w", ErrTimeout), true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Fatalf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(fmt.Errorf("get account: %w", ErrNotFound)) {
		t.Fatal("wrapped ErrNotFound not detected")
	}
	if IsNotFound(ErrUnavailable) {
		t.Fatal("ErrUnavailable reported as not found")
	}
}
