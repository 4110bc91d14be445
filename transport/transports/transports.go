// Package transports registers every built-in transport with the default
// registry. Import it for side effects.
package transports

import (
	_ "github.com/drblury/commandflow/transport/aws"
	_ "github.com/drblury/commandflow/transport/channel"
	_ "github.com/drblury/commandflow/transport/http"
	_ "github.com/drblury/commandflow/transport/jetstream"
	_ "github.com/drblury/commandflow/transport/kafka"
	_ "github.com/drblury/commandflow/transport/nats"
	_ "github.com/drblury/commandflow/transport/rabbitmq"
)
