package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

// Handler return errors that steer what a message pump does with the message
// that triggered the failure.
var (
	// ErrDefer asks the pump to requeue the message for another attempt.
	ErrDefer = sterrors.New("commandflow: defer message")

	// ErrDeadLetter asks the pump to reject the message without requeue.
	ErrDeadLetter = sterrors.New("commandflow: dead letter message")
)

// RetryAfterError asks the pump to requeue the message after Delay.
type RetryAfterError struct {
	Delay time.Duration
	Cause error
}

// RetryAfter builds a RetryAfterError.
func RetryAfter(delay time.Duration, cause error) *RetryAfterError {
	return &RetryAfterError{Delay: delay, Cause: cause}
}

func (e *RetryAfterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("commandflow: retry after %v: %v", e.Delay, e.Cause)
	}
	return fmt.Sprintf("commandflow: retry after %v", e.Delay)
}

func (e *RetryAfterError) Unwrap() error { return e.Cause }

func (e *RetryAfterError) Is(target error) bool {
	if target == ErrDefer {
		return true
	}
	_, ok := target.(*RetryAfterError)
	return ok
}

// DeadLetterError asks the pump to dead-letter the message, recording Reason.
type DeadLetterError struct {
	Reason string
	Cause  error
}

// DeadLetter builds a DeadLetterError.
func DeadLetter(reason string, cause error) *DeadLetterError {
	return &DeadLetterError{Reason: reason, Cause: cause}
}

func (e *DeadLetterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("commandflow: dead letter (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("commandflow: dead letter (%s)", e.Reason)
}

func (e *DeadLetterError) Unwrap() error { return e.Cause }

func (e *DeadLetterError) Is(target error) bool {
	if target == ErrDeadLetter {
		return true
	}
	_, ok := target.(*DeadLetterError)
	return ok
}

// RequeueDelay extracts the delay requested by a RetryAfterError, or zero.
func RequeueDelay(err error) time.Duration {
	var retry *RetryAfterError
	if sterrors.As(err, &retry) {
		return retry.Delay
	}
	return 0
}
