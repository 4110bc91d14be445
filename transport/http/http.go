// Package http provides the HTTP transport: messages are POSTed to
// "<publisher URL><routing key>" and received by a local server that routes
// "/<routing key>" to the subscribing channel. Delivery is fire and forget.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/transport"
)

const TransportName = "http"

var (
	PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return http.NewPublisher(config, logger)
	}
	SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return http.NewSubscriber(addr, config, logger)
	}
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build starts the subscriber's HTTP server in the background. Without a
// publisher URL, messages are posted back to the local server.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	addr := cfg.GetHTTPServerAddress()
	if addr == "" {
		return transport.Transport{}, errs.NewConfigurationError("http: server address is required", nil)
	}
	base := PublisherBaseURL(cfg.GetHTTPPublisherURL(), addr)

	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			return http.DefaultMarshalMessageFunc(base+strings.TrimPrefix(topic, "/"), msg)
		},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(addr, http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		return transport.Transport{}, transport.CloseOnError(err, publisher)
	}

	if server, ok := subscriber.(*http.Subscriber); ok {
		go func() {
			if err := server.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("HTTP subscriber server stopped", err, watermill.LogFields{"addr": addr})
			}
		}()
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: pathSubscriber{subscriber},
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// PublisherBaseURL returns the URL prefix messages are posted to, always
// ending in "/".
func PublisherBaseURL(publisherURL, serverAddr string) string {
	base := publisherURL
	if base == "" {
		host := serverAddr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		base = "http://" + host
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

// pathSubscriber turns routing keys into server paths.
type pathSubscriber struct {
	message.Subscriber
}

func (s pathSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if !strings.HasPrefix(topic, "/") {
		topic = "/" + topic
	}
	return s.Subscriber.Subscribe(ctx, topic)
}
