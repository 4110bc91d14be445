package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfiguration       = sterrors.New("commandflow: configuration error")
	ErrConfigRequired      = sterrors.New("commandflow: config is required")
	ErrLoggerRequired      = sterrors.New("commandflow: logger is required")
	ErrNoHandler           = sterrors.New("commandflow: no handler registered")
	ErrMultipleHandlers    = sterrors.New("commandflow: more than one handler registered")
	ErrHandlerFactory      = sterrors.New("commandflow: handler factory is required")
	ErrSyncHandler         = sterrors.New("commandflow: handler does not support async dispatch")
	ErrAsyncHandler        = sterrors.New("commandflow: handler does not support sync dispatch")
	ErrRequestRequired     = sterrors.New("commandflow: request is required")
	ErrMapperNotFound      = sterrors.New("commandflow: no message mapper registered")
	ErrMessageMapping      = sterrors.New("commandflow: message mapping failed")
	ErrMessageNotFound     = sterrors.New("commandflow: message not found")
	ErrOutboxRequired      = sterrors.New("commandflow: outbox is required")
	ErrProducerRequired    = sterrors.New("commandflow: producer is required")
	ErrChannelFailure      = sterrors.New("commandflow: channel failure")
	ErrChannelClosed       = sterrors.New("commandflow: channel is closed")
	ErrCircuitOpen         = sterrors.New("commandflow: circuit open")
	ErrAlreadyProcessed    = sterrors.New("commandflow: request already processed")
	ErrUnacceptableLimit   = sterrors.New("commandflow: unacceptable message limit reached")
	ErrSubscriptionExists  = sterrors.New("commandflow: subscription already exists")
	ErrUnknownSubscription = sterrors.New("commandflow: unknown subscription")
	ErrDispatcherStopped   = sterrors.New("commandflow: dispatcher is stopped")
	ErrPolicyNotFound      = sterrors.New("commandflow: policy not found")
)

// ConfigurationError reports bad wiring: a missing or ambiguous handler, a
// handler that cannot run in the requested pipeline, or a handler that failed
// to construct. It is never retried.
type ConfigurationError struct {
	Msg string
	Err error
}

// NewConfigurationError wraps cause with msg. A nil cause is allowed.
func NewConfigurationError(msg string, cause error) *ConfigurationError {
	return &ConfigurationError{Msg: msg, Err: cause}
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "commandflow: configuration error: " + e.Msg
	}
	return fmt.Sprintf("commandflow: configuration error: %s: %v", e.Msg, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// IsConfiguration reports whether err is, or wraps, a ConfigurationError.
func IsConfiguration(err error) bool {
	return sterrors.Is(err, ErrConfiguration)
}

// ConfigValidationError is returned when a Config fails validation.
type ConfigValidationError struct {
	Err error
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

func (e ConfigValidationError) Error() string {
	return "commandflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// MappingError signals that a message could not be turned into a request.
type MappingError struct {
	MessageID string
	Err       error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("commandflow: message mapping failed for %q: %v", e.MessageID, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

func (e *MappingError) Is(target error) bool { return target == ErrMessageMapping }

// ChannelFailureError is raised by a channel when the broker is unreachable.
type ChannelFailureError struct {
	Channel string
	Err     error
}

func (e *ChannelFailureError) Error() string {
	return fmt.Sprintf("commandflow: channel %q failure: %v", e.Channel, e.Err)
}

func (e *ChannelFailureError) Unwrap() error { return e.Err }

func (e *ChannelFailureError) Is(target error) bool { return target == ErrChannelFailure }

// OnceOnlyError is raised by the inbox guard when a request id has already
// been handled under the same context key.
type OnceOnlyError struct {
	RequestID  string
	ContextKey string
}

func (e *OnceOnlyError) Error() string {
	return fmt.Sprintf("commandflow: request %q already processed for %q", e.RequestID, e.ContextKey)
}

func (e *OnceOnlyError) Is(target error) bool { return target == ErrAlreadyProcessed }
