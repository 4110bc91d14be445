// Package transport connects message channels and producers to a broker.
// Each broker lives in its own sub-package and registers a Builder with the
// transport registry; the runtime picks one by the configured PubSubSystem
// name.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is the publisher and subscriber pair a broker hands to the
// runtime. Producers publish through Publisher, channels consume from
// Subscriber.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close shuts down both halves of the transport. Publisher and Subscriber
// may share a connection, in which case closing one twice is tolerated by
// every Watermill implementation used here.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	return errors.Join(errs...)
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config is the slice of runtime configuration the transports read. Each
// builder only looks at the getters for its own broker.
type Config interface {
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string
	GetNATSStreamName() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// CloseOnError closes c when err is set and joins any close failure into
// the result. Builders use it to release the publisher when the subscriber
// cannot be created.
func CloseOnError(err error, c interface{ Close() error }) error {
	if err == nil || c == nil {
		return err
	}
	return errors.Join(err, c.Close())
}
