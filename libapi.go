package commandflow

import (
	"github.com/ThreeDotsLabs/watermill"
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/commandflow/internal/runtime"
	ce "github.com/drblury/commandflow/internal/runtime/cloudevents"
	configpkg "github.com/drblury/commandflow/internal/runtime/config"
	"github.com/drblury/commandflow/internal/runtime/dispatcher"
	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/inbox"
	"github.com/drblury/commandflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/mapper"
	"github.com/drblury/commandflow/internal/runtime/message"
	metadatapkg "github.com/drblury/commandflow/internal/runtime/metadata"
	"github.com/drblury/commandflow/internal/runtime/outbox"
	"github.com/drblury/commandflow/internal/runtime/pipeline"
	"github.com/drblury/commandflow/internal/runtime/policy"
	"github.com/drblury/commandflow/internal/runtime/processor"
	"github.com/drblury/commandflow/internal/runtime/pump"
	"github.com/drblury/commandflow/internal/runtime/registry"
	"github.com/drblury/commandflow/internal/runtime/request"
	"github.com/drblury/commandflow/internal/runtime/store/redisstore"
	"github.com/drblury/commandflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Status              = runtimepkg.Status

	// Requests and handlers
	Request          = request.Request
	RequestBase      = request.Base
	RequestContext   = request.Context
	Handler          = pipeline.Handler
	AsyncHandler     = pipeline.AsyncHandler
	HandlerFunc      = pipeline.HandlerFunc
	AsyncHandlerFunc = pipeline.AsyncHandlerFunc
	Next             = pipeline.Next
	AsyncNext        = pipeline.AsyncNext
	HandlerFactory   = pipeline.HandlerFactory
	Factory          = pipeline.Factory

	// Subscriber registry and handler descriptors
	SubscriberRegistry = registry.Registry
	Router             = registry.Router
	HandlerOption      = registry.Option
	InboxOptions       = inbox.Options
	InboxConfiguration = pipeline.InboxConfiguration

	// Stores
	Inbox  = inbox.Inbox
	Outbox = outbox.Outbox

	// Policies
	Policy               = policy.Policy
	PolicyRegistry       = policy.Registry
	RetryConfig          = policy.RetryConfig
	CircuitBreakerConfig = policy.CircuitBreakerConfig

	// Messages and mappers
	Message        = message.Message
	MessageHeader  = message.Header
	MessageBody    = message.Body
	MessageType    = message.MessageType
	Metadata       = metadatapkg.Metadata
	MapperRegistry = mapper.Registry
	Mapper         = mapper.Mapper
	AsyncMapper    = mapper.AsyncMapper
	Transform      = mapper.Transform
	Publication    = mapper.Publication
	CloudEvent     = ce.Event

	JSONMapper[T any, PT interface {
		*T
		request.Request
	}] = mapper.JSONMapper[T, PT]
	ProtoRequest[T proto.Message] = mapper.ProtoRequest[T]
	ProtoMapper[T proto.Message]  = mapper.ProtoMapper[T]

	// Command processor and dispatcher
	CommandProcessor  = processor.Processor
	DispatchOption    = processor.DispatchOption
	Dispatcher        = dispatcher.Dispatcher
	Subscription      = dispatcher.Subscription
	SubscriptionState = dispatcher.SubscriptionState
	PumpType          = dispatcher.PumpType
	Hooks             = pump.Hooks
	DispatchContext   = pump.DispatchContext
	Classifier        = pump.Classifier
	Disposition       = pump.Disposition

	// Transports
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities

	// Logging
	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Errors
	ConfigurationError    = errspkg.ConfigurationError
	ConfigValidationError = errspkg.ConfigValidationError
	AggregateError        = errspkg.AggregateError
	OnceOnlyError         = errspkg.OnceOnlyError
	MappingError          = errspkg.MappingError
)

const (
	Reactor  = dispatcher.Reactor
	Proactor = dispatcher.Proactor

	TypeCommand = message.TypeCommand
	TypeEvent   = message.TypeEvent

	InboxThrow = inbox.Throw
	InboxWarn  = inbox.Warn

	Acknowledge = pump.Acknowledge
	Requeue     = pump.Requeue
	DeadLetter  = pump.DeadLetter
	Stop        = pump.Stop

	RetryPolicy               = policy.RetryPolicy
	CircuitBreakerPolicy      = policy.CircuitBreakerPolicy
	RetryPolicyAsync          = policy.RetryPolicyAsync
	CircuitBreakerPolicyAsync = policy.CircuitBreakerPolicyAsync
)

var (
	NewService     = runtimepkg.NewService
	ConfigFromEnv  = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	NewRequestBase    = request.NewBase
	NewRequestContext = request.NewContext

	NewSubscriberRegistry = registry.New
	NewHandlerFactory     = pipeline.NewFactory
	Before                = registry.Before
	After                 = registry.After
	UsePolicy             = registry.UsePolicy
	UseInbox              = registry.UseInbox
	NoInbox               = registry.NoInbox

	NewMapperRegistry     = mapper.NewRegistry
	NewCompressTransform  = mapper.NewCompressTransform
	NewCloudEventsWrapper = ce.NewTransform
	NewMetadata           = metadatapkg.New

	NewPolicyRegistry    = policy.NewRegistry
	NewRetry             = policy.NewRetry
	NewCircuitBreaker    = policy.NewCircuitBreaker
	DefaultClassifier    = pump.DefaultClassifier
	WithRequestContext   = processor.WithRequestContext
	NewInMemoryOutbox    = outbox.NewInMemory
	NewInMemoryInbox     = inbox.NewInMemory
	NewRedisClient       = redisstore.NewClient
	NewRedisOutbox       = redisstore.NewOutbox
	NewRedisInbox        = redisstore.NewInbox
	WithRedisPrefix      = redisstore.WithPrefix
	WithRedisTTL         = redisstore.WithTTL
	NewTransportRegistry = transport.NewRegistry

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	DiscardLogger             = loggingpkg.Discard

	RetryAfter          = errspkg.RetryAfter
	DeadLetterBecause   = errspkg.DeadLetter
	IsConfiguration     = errspkg.IsConfiguration
	ErrNoHandler        = errspkg.ErrNoHandler
	ErrMultipleHandlers = errspkg.ErrMultipleHandlers
	ErrCircuitOpen      = errspkg.ErrCircuitOpen
	ErrMessageNotFound  = errspkg.ErrMessageNotFound
	ErrAlreadyProcessed = errspkg.ErrAlreadyProcessed
	ErrDefer            = errspkg.ErrDefer
	ErrDeadLetter       = errspkg.ErrDeadLetter

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
)

// NewJSONMapper returns a mapper serializing *T requests as JSON.
func NewJSONMapper[T any, PT interface {
	*T
	request.Request
}](requestType string) *JSONMapper[T, PT] {
	return mapper.NewJSONMapper[T, PT](requestType)
}

// NewProtoMapper returns a mapper for ProtoRequest[T] payloads.
func NewProtoMapper[T proto.Message](requestType string, prototype T) (*ProtoMapper[T], error) {
	return mapper.NewProtoMapper(requestType, prototype)
}

// NewProtoRequest wraps a protobuf payload as a request.
func NewProtoRequest[T proto.Message](requestType string, payload T) *ProtoRequest[T] {
	return mapper.NewProtoRequest(requestType, payload)
}

// RegisterTransport adds a transport to the default registry.
func RegisterTransport(name string, builder TransportBuilder, caps TransportCapabilities) {
	transport.RegisterWithCapabilities(name, builder, caps)
}

// TransportCapabilitiesOf reports what a registered transport supports.
func TransportCapabilitiesOf(name string) TransportCapabilities {
	return transport.GetCapabilities(name)
}

// WatermillLogger adapts a ServiceLogger for Watermill components built by
// custom transports.
func WatermillLogger(log ServiceLogger) watermill.LoggerAdapter {
	return loggingpkg.NewWatermillAdapter(log)
}
