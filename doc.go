// Package commandflow dispatches commands and events to handlers, in process
// or through a message broker.
//
// A request type is registered with one or more handler types in a
// SubscriberRegistry. The CommandProcessor sends a command to exactly one
// handler, publishes an event to every subscriber, or posts a request to a
// broker through an outbox. On the consuming side a Dispatcher runs message
// pumps per Subscription; each pump reads messages, maps them back to
// requests with a MapperRegistry and hands them to the local processor.
//
// Handlers form pipelines. Decorators declared with Before, After, UsePolicy
// and UseInbox wrap the target handler in step order, and a global inbox can
// guard every handler against duplicate delivery.
//
// Service wires all of it from one Config: the broker selected by
// PubSubSystem, Redis-backed stores when RedisURL is set, retry and circuit
// breaker policies around Post, Prometheus metrics and a status endpoint.
//
// # Transports
//
// Built-in transports are registered by name:
//   - channel: in-memory Go channels for tests and single-process setups
//   - kafka: consumer groups over Sarama
//   - rabbitmq: durable AMQP queues
//   - nats: core NATS with queue groups
//   - nats-jetstream: JetStream with deduplication and delayed redelivery
//   - http: POST to a peer's HTTP subscriber
//   - aws: SNS topics fanned out to SQS queues, LocalStack friendly
//
// RegisterTransport adds custom brokers, and TransportCapabilitiesOf reports
// what each one can do about delays, dead letters and ordering.
package commandflow
