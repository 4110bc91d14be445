package pump

import (
	"context"
	"errors"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
)

// Disposition is what a pump does with a message whose dispatch failed.
type Disposition int

const (
	// Acknowledge removes the message after logging the failure.
	Acknowledge Disposition = iota
	// Requeue rejects the message for redelivery while the requeue budget
	// lasts and dead-letters it afterwards.
	Requeue
	// DeadLetter rejects the message without requeue.
	DeadLetter
	// Stop requeues the message and terminates the pump.
	Stop
)

func (d Disposition) String() string {
	switch d {
	case Acknowledge:
		return "acknowledge"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	case Stop:
		return "stop"
	}
	return "unknown"
}

// Classifier maps a dispatch error to a Disposition.
type Classifier func(err error) Disposition

// DefaultClassifier stops on configuration errors and dead-letters on
// request. Deferred work, an open circuit and cancellation are requeued.
// Anything else is acknowledged so a poison message cannot loop forever.
func DefaultClassifier(err error) Disposition {
	switch {
	case errs.IsConfiguration(err):
		return Stop
	case errors.Is(err, errs.ErrDeadLetter):
		return DeadLetter
	case errors.Is(err, errs.ErrDefer),
		errors.Is(err, errs.ErrCircuitOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return Requeue
	}
	return Acknowledge
}
