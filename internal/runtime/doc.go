/*
Package runtime assembles the commandflow dispatch runtime into a Service.

# Architecture Overview

A request travels one of two roads. In process, the command processor asks
the subscriber registry which handlers own the request type, builds a
pipeline per handler and runs it. Out of process, the processor maps the
request to a message, stores it in the outbox and hands it to a producer;
a dispatcher on the far side runs message pumps that read the message back
from a channel, map it to a request and send or publish it locally.

# Package Structure

## Core Service (service.go)

Service wires one configured transport into both roads:
  - Watermill publisher and subscriber from the transport registry
  - Outbox and inbox stores (Redis when configured, in-memory otherwise)
  - Resilience policies guarding Post and Repost
  - The command processor and the dispatcher with its subscriptions
  - HTTP servers for Prometheus metrics and the status endpoint

## Status (status.go, resources.go)

A JSON snapshot of the dispatcher, every subscription and process resource
usage, served next to the metrics.

# Sub-packages

  - request/: Request contract and per-dispatch request context
  - registry/: Subscriber registry mapping request types to handlers
  - pipeline/: Handler factories, decorators and the pipeline builder
  - inbox/, outbox/, store/: Idempotency and delivery stores
  - policy/: Retry and circuit breaker policies
  - mapper/: Request to message mappers and transforms (JSON, protobuf, zstd)
  - cloudevents/: CloudEvents envelope transform
  - message/, metadata/: Wire envelope and header bag
  - channel/, producer/: Consumer and producer sides over Watermill
  - processor/: Send, Publish, Post and Repost
  - pump/: Reactor and proactor message pumps with dispatch hooks
  - dispatcher/: Subscriptions, performers and their lifecycle
  - config/, errors/, ids/, jsoncodec/, logging/, metrics/: Ambient support

# Usage Example

	svc, err := commandflow.NewService(ctx, cfg, logger, commandflow.ServiceDependencies{
		Handlers:      handlers,
		Subscribers:   subscribers,
		Mappers:       mappers,
		Subscriptions: []commandflow.Subscription{{Name: "orders", RoutingKey: "orders.ship"}},
	})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
*/
package runtime
