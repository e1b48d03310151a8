package nonce

import (
	"errors"
	"fmt"
)

// ErrViolation matches every *ViolationError.
var ErrViolation = errors.New("nonce violation")

// Reason is the machine-readable sub-reason of a nonce violation.
type Reason string

const (
	ReasonSourceMismatch      Reason = "source_mismatch"
	ReasonDestinationMismatch Reason = "destination_mismatch"
	ReasonCookieReflected     Reason = "cookie_reflected"
	ReasonCookieChanged       Reason = "cookie_changed"
	ReasonFirstOverflow       Reason = "first_overflow_nonzero"
	ReasonCSNRegression       Reason = "csn_regression"
	ReasonOverflowExhausted   Reason = "overflow_exhausted"
)

type ViolationError struct {
	Reason Reason
	Detail string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("nonce violation (%s): %s", e.Reason, e.Detail)
}

func (e *ViolationError) Is(target error) bool { return target == ErrViolation }

func violation(reason Reason, format string, args ...any) *ViolationError {
	return &ViolationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Violation builds a *ViolationError for checks performed outside this
// package, such as identity validation.
func Violation(reason Reason, format string, args ...any) error {
	return violation(reason, format, args...)
}

// ReasonOf returns the violation reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var ve *ViolationError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	return "", false
}
