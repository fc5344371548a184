package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrRateLimited    = errors.New("rate limited")
	ErrTransientStore = errors.New("transient store failure")
	ErrConflict       = errors.New("concurrent update conflict")

	ErrOTPExpired   = errors.New("code expired")
	ErrOTPExhausted = errors.New("code attempts exhausted")
	ErrOTPMismatch  = errors.New("code mismatch")
)

// Validationf returns an ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// StoreError marks a persistence failure as transient. The core never
// retries; callers may retry the whole operation.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}

// RateLimitError is returned when an operation must wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Second))
}

// Is makes errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// MismatchError is returned when a one-time code does not match.
type MismatchError struct {
	Remaining int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("code mismatch: %d attempts remaining", e.Remaining)
}

// Is makes errors.Is(err, ErrOTPMismatch) match.
func (e *MismatchError) Is(target error) bool {
	return target == ErrOTPMismatch
}
