package errors

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// AggregateError collects the failures of independent handler invocations.
// errors.Is and errors.As see every inner cause.
type AggregateError struct {
	merr *multierror.Error
}

// Aggregate accumulates non-nil errors. Call ErrorOrNil when done.
type Aggregate struct {
	merr *multierror.Error
}

// Append records err if it is not nil.
func (a *Aggregate) Append(err error) {
	if err == nil {
		return
	}
	a.merr = multierror.Append(a.merr, err)
}

// Len reports how many errors were recorded.
func (a *Aggregate) Len() int {
	if a.merr == nil {
		return 0
	}
	return a.merr.Len()
}

// ErrorOrNil returns nil when nothing failed, otherwise an *AggregateError.
func (a *Aggregate) ErrorOrNil() error {
	if a.merr == nil || a.merr.Len() == 0 {
		return nil
	}
	a.merr.ErrorFormat = formatAggregate
	return &AggregateError{merr: a.merr}
}

func (e *AggregateError) Error() string { return e.merr.Error() }

// Errors returns the inner causes in the order they were recorded.
func (e *AggregateError) Errors() []error { return e.merr.WrappedErrors() }

func (e *AggregateError) Unwrap() []error { return e.merr.WrappedErrors() }

func formatAggregate(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("commandflow: failed to publish to %d handler(s): %s", len(errs), strings.Join(parts, "; "))
}
