// Package aws provides the SNS/SQS transport. Routing keys are SNS topics;
// each is fanned into one SQS queue of the same name that every performer of
// the subscription polls, so SQS visibility handles competing consumers and
// redelivery.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/transport"
)

const TransportName = "aws"

const (
	// LocalstackAccountID is used when a custom endpoint is configured
	// without a usable account id.
	LocalstackAccountID = "000000000000"
	accountIDLength     = 12
)

// Hooks for tests.
var (
	DefaultConfigLoader  = awsconfig.LoadDefaultConfig
	TopicResolverFactory = sns.NewGenerateArnTopicResolver
	PublisherFactory     = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return sns.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return sns.NewSubscriber(cfg, sqsCfg, logger)
	}
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// settings is the resolved view of the transport config.
type settings struct {
	region    string
	accountID string
	endpoint  *url.URL
}

func resolve(cfg transport.Config) (settings, error) {
	s := settings{region: cfg.GetAWSRegion()}
	if s.region == "" {
		return settings{}, errs.NewConfigurationError("aws: region is required", nil)
	}
	if raw := cfg.GetAWSEndpoint(); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return settings{}, errs.NewConfigurationError(fmt.Sprintf("aws: invalid endpoint %q", raw), err)
		}
		s.endpoint = u
	}
	s.accountID = resolveAccountID(cfg.GetAWSAccountID(), s.endpoint != nil)
	return s, nil
}

// resolveAccountID trims stray quoting and, against a custom endpoint, swaps
// a missing or malformed id for the LocalStack default.
func resolveAccountID(raw string, customEndpoint bool) string {
	id := strings.Trim(raw, "\"' ")
	if customEndpoint && len(id) != accountIDLength {
		return LocalstackAccountID
	}
	return id
}

// Build loads the AWS SDK config and creates the SNS publisher and the
// SNS-to-SQS subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	s, err := resolve(cfg)
	if err != nil {
		return transport.Transport{}, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.region)}
	if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentials(key, secret)))
	}
	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("load AWS config: %w", err)
	}
	awsCfg.Region = s.region

	resolver, err := TopicResolverFactory(s.accountID, s.region)
	if err != nil {
		return transport.Transport{}, errs.NewConfigurationError("aws: topic resolver", err)
	}
	logger.Info("AWS transport configured", watermill.LogFields{
		"region":          s.region,
		"account_id":      s.accountID,
		"custom_endpoint": s.endpoint != nil,
	})

	publisher, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     awsCfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
		OptFns:        snsOptions(s.endpoint),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            awsCfg,
			OptFns:               snsOptions(s.endpoint),
			TopicResolver:        resolver,
			GenerateSqsQueueName: queueNameFromTopic,
		},
		sqs.SubscriberConfig{
			AWSConfig: awsCfg,
			OptFns:    sqsOptions(s.endpoint),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, transport.CloseOnError(err, publisher)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// queueNameFromTopic names the SQS queue after the SNS topic so every
// performer of a routing key reads the same queue.
func queueNameFromTopic(_ context.Context, topic sns.TopicArn) (string, error) {
	name, err := sns.ExtractTopicNameFromTopicArn(topic)
	if err != nil {
		return "", err
	}
	return string(name), nil
}

func snsOptions(endpoint *url.URL) []func(*amazonsns.Options) {
	if endpoint == nil {
		return nil
	}
	return []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
	}
}

func sqsOptions(endpoint *url.URL) []func(*amazonsqs.Options) {
	if endpoint == nil {
		return nil
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
	}
}

func staticCredentials(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
			Source:          "commandflow",
		}, nil
	})
}
