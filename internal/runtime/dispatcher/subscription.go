package dispatcher

import (
	"fmt"
	"time"

	"github.com/drblury/commandflow/internal/runtime/channel"
	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/pump"
)

// PumpType selects how a subscription's performers map and dispatch.
type PumpType int

const (
	// Reactor maps with sync mappers and dispatches through Send and Publish.
	Reactor PumpType = iota
	// Proactor maps with async mappers and dispatches through SendAsync and
	// PublishAsync.
	Proactor
)

func (t PumpType) String() string {
	if t == Proactor {
		return "proactor"
	}
	return "reactor"
}

// Subscription binds a channel to a request type. It is not changed by the
// dispatcher after construction, except for Performers through
// SetActivePerformers.
type Subscription struct {
	Name        string
	ChannelName string
	RoutingKey  string
	// RequestType selects the message mapper. Empty reads the type from each
	// message's bag.
	RequestType    string
	Performers     int
	PumpType       PumpType
	ChannelFactory channel.Factory

	Timeout                  time.Duration
	EmptyChannelDelay        time.Duration
	ChannelFailureDelay      time.Duration
	ChannelFailureRetries    int
	RequeueCount             int
	RequeueDelay             time.Duration
	UnacceptableMessageLimit int
	Classifier               pump.Classifier
	Hooks                    pump.Hooks
}

func (s Subscription) validate() error {
	switch {
	case s.Name == "":
		return errs.NewConfigurationError("subscription: name is required", nil)
	case s.ChannelFactory == nil:
		return errs.NewConfigurationError(fmt.Sprintf("subscription %q: channel factory is required", s.Name), nil)
	case s.RoutingKey == "":
		return errs.NewConfigurationError(fmt.Sprintf("subscription %q: routing key is required", s.Name), nil)
	case s.Performers < 0:
		return errs.NewConfigurationError(fmt.Sprintf("subscription %q: performers cannot be negative", s.Name), nil)
	}
	return nil
}

func (s Subscription) channelOptions() channel.Options {
	name := s.ChannelName
	if name == "" {
		name = s.Name
	}
	return channel.Options{Name: name, RoutingKey: s.RoutingKey}
}

func (s Subscription) pumpConfig() pump.Config {
	return pump.Config{
		Timeout:                  s.Timeout,
		EmptyChannelDelay:        s.EmptyChannelDelay,
		ChannelFailureDelay:      s.ChannelFailureDelay,
		ChannelFailureRetries:    s.ChannelFailureRetries,
		RequeueCount:             s.RequeueCount,
		RequeueDelay:             s.RequeueDelay,
		UnacceptableMessageLimit: s.UnacceptableMessageLimit,
		Classifier:               s.Classifier,
	}
}
