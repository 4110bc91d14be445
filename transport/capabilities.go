package transport

// Capabilities describes what a broker offers the message pump. The runtime
// reads it to decide whether rejected messages need an application-level
// dead letter topic and whether requeue can rely on broker redelivery.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string

	// SupportsDelay reports that the broker holds back a requeued message
	// until its delay has passed. Without it the message comes back at once.
	SupportsDelay bool

	// SupportsNativeDLQ reports that the broker routes rejected messages to a
	// dead letter queue on its own.
	SupportsNativeDLQ bool

	// SupportsOrdering reports in-order delivery within a partition or queue.
	SupportsOrdering bool

	// SupportsTracing reports that the broker carries trace headers.
	SupportsTracing bool

	// SupportsAck and SupportsNack report explicit acknowledgement and
	// negative acknowledgement (redelivery).
	SupportsAck  bool
	SupportsNack bool

	// CompetingConsumers reports that several performers subscribed to the
	// same routing key share the load instead of each receiving a copy.
	CompetingConsumers bool

	// MaxMessageSize is the broker limit in bytes, 0 when unknown.
	MaxMessageSize int64
}

// RequiresDLQEmulation reports whether rejected messages must be republished
// to a dead letter topic by the channel.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// RequiresDelayEmulation reports whether requeue delays are lost on this
// broker.
func (c Capabilities) RequiresDelayEmulation() bool {
	return !c.SupportsDelay
}

// SupportsRequeue reports at-least-once delivery: the pump can hand a
// failed message back to the broker and see it again.
func (c Capabilities) SupportsRequeue() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:               "kafka",
		SupportsOrdering:   true,
		SupportsTracing:    true,
		SupportsAck:        true,
		CompetingConsumers: true,
		MaxMessageSize:     1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:               "rabbitmq",
		SupportsOrdering:   true,
		SupportsTracing:    true,
		SupportsAck:        true,
		SupportsNack:       true,
		CompetingConsumers: true,
	}

	NATSCapabilities = Capabilities{
		Name:               "nats",
		SupportsTracing:    true,
		CompetingConsumers: true,
		MaxMessageSize:     1 << 20,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:               "nats-jetstream",
		SupportsDelay:      true,
		SupportsOrdering:   true,
		SupportsTracing:    true,
		SupportsAck:        true,
		SupportsNack:       true,
		CompetingConsumers: true,
		MaxMessageSize:     1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:               "aws",
		SupportsDelay:      true,
		SupportsNativeDLQ:  true,
		SupportsTracing:    true,
		SupportsAck:        true,
		SupportsNack:       true,
		CompetingConsumers: true,
		MaxMessageSize:     256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport in the
// default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
