package chat

import (
	"errors"
	"fmt"
)

// ErrInternal masks unexpected failures at the service boundary. The cause
// is logged, never returned.
var ErrInternal = errors.New("internal error")

// ValidationError reports a violated business rule. Reasons are
// human-readable and safe to show to the caller.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConcurrencyError reports a bounded-wait lock that could not be acquired;
// the operation is safe to retry.
type ConcurrencyError struct {
	Key string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("resource %q is busy, try again", e.Key)
}

// outcome classifies an operation result for metrics.
func outcome(err error) string {
	var ve *ValidationError
	var ce *ConcurrencyError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ce):
		return "concurrency"
	default:
		return "internal"
	}
}
